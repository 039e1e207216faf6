package types

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("30s", "1h30m"). Bare integers are taken as seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// ParseDuration parses a duration string or an integer number of seconds.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return Duration(time.Duration(n) * time.Second), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", s)
	}
	return Duration(v), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return err
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Timeouts holds every capture-related wait.
type Timeouts struct {
	ExactURLCapture     Duration `yaml:"exact_url_capture" json:"exact_url_capture"`
	ConversationCapture Duration `yaml:"conversation_capture" json:"conversation_capture"`
	Refresh             Duration `yaml:"refresh" json:"refresh"`
	NavigationDelay     Duration `yaml:"navigation_delay" json:"navigation_delay"`
	PendingRequest      Duration `yaml:"pending_request" json:"pending_request"`
	Sweep               Duration `yaml:"sweep" json:"sweep"`
	CommandReply        Duration `yaml:"command_reply" json:"command_reply"`
	Freshness           Duration `yaml:"freshness" json:"freshness"`
}

// Settings are the per-tab presentation settings.
type Settings struct {
	AutoShowOverlay bool `yaml:"auto_show_overlay" json:"autoShowOverlay"`
	PersistResults  bool `yaml:"persist_results" json:"persistResults"`
	PatternFallback bool `yaml:"pattern_fallback" json:"patternFallback"`
}

// DefaultSettings returns the settings a new tab starts with.
func DefaultSettings() Settings {
	return Settings{AutoShowOverlay: true, PersistResults: true, PatternFallback: true}
}

// TargetConfig names the hosts and paths that are captured.
type TargetConfig struct {
	Hosts    []string `yaml:"hosts" json:"hosts"`
	Excluded []string `yaml:"excluded_paths" json:"excluded_paths"`
}

// StoreConfig selects the snapshot store.
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path" json:"path"`
}

// RedisConfig enables the Redis Streams relay transport.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Group    string `yaml:"group" json:"group"`
	Consumer string `yaml:"consumer" json:"consumer"`
}

// BrowserConfig configures the DevTools front-end.
type BrowserConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ControlURL string `yaml:"control_url" json:"control_url"`
	Bin        string `yaml:"bin" json:"bin"`
	Headless   bool   `yaml:"headless" json:"headless"`
	StartURL   string `yaml:"start_url" json:"start_url"`
}

// Config holds the application configuration.
type Config struct {
	HTTPPort      int    `yaml:"http_port" json:"http_port"`
	SOCKS5Port    int    `yaml:"socks5_port" json:"socks5_port"`
	APIPort       int    `yaml:"api_port" json:"api_port"`
	CertDir       string `yaml:"cert_dir" json:"cert_dir"`
	DataDir       string `yaml:"data_dir" json:"data_dir"`
	UpstreamProxy string `yaml:"upstream_proxy" json:"upstream_proxy"` // e.g., "http://127.0.0.1:7890" or "socks5://127.0.0.1:1080"

	LogLevel string `yaml:"log_level" json:"log_level"`

	// HTTP parsing options
	EnableHTTPParsing bool     `yaml:"enable_http_parsing" json:"enable_http_parsing"`
	HTTPLogLevel      LogLevel `yaml:"http_log_level" json:"http_log_level"`
	HTTPRecordFile    string   `yaml:"http_record_file" json:"http_record_file"`
	KeyLog            bool     `yaml:"keylog" json:"keylog"`

	Targets  TargetConfig  `yaml:"targets" json:"targets"`
	Timeouts Timeouts      `yaml:"timeouts" json:"timeouts"`
	Store    StoreConfig   `yaml:"store" json:"store"`
	Redis    RedisConfig   `yaml:"redis" json:"redis"`
	Browser  BrowserConfig `yaml:"browser" json:"browser"`
	Settings Settings      `yaml:"settings" json:"settings"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		HTTPPort:          8080,
		SOCKS5Port:        1080,
		APIPort:           8888,
		CertDir:           "~/.gpt-tap",
		DataDir:           "~/.gpt-tap/data",
		LogLevel:          "info",
		EnableHTTPParsing: true,
		HTTPLogLevel:      LogLevelBasic,
		Targets: TargetConfig{
			Hosts:    []string{"chatgpt.com", "chat.openai.com"},
			Excluded: []string{"/textdocs", "/attachment", "/download", "/files", "/stream_status", "/init"},
		},
		Timeouts: Timeouts{
			ExactURLCapture:     Duration(10 * time.Second),
			ConversationCapture: Duration(15 * time.Second),
			Refresh:             Duration(30 * time.Second),
			NavigationDelay:     Duration(500 * time.Millisecond),
			PendingRequest:      Duration(30 * time.Second),
			Sweep:               Duration(5 * time.Second),
			CommandReply:        Duration(5 * time.Second),
			Freshness:           Duration(24 * time.Hour),
		},
		Store: StoreConfig{Driver: "sqlite", Path: "snapshots.db"},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Group:    "gpt-tap",
			Consumer: "content",
		},
		Browser:  BrowserConfig{StartURL: "https://chatgpt.com/"},
		Settings: DefaultSettings(),
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		cfg.applyEnvOverrides()
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSettings reads only the settings block of a config file.
func LoadSettings(path string) (Settings, error) {
	wrapper := struct {
		Settings Settings `yaml:"settings"`
	}{Settings: DefaultSettings()}
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return Settings{}, errors.Wrap(err, "parse config")
	}
	return wrapper.Settings, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "create config directory")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "write config")
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	for name, port := range map[string]int{"http_port": c.HTTPPort, "socks5_port": c.SOCKS5Port, "api_port": c.APIPort} {
		if port < 0 || port > 65535 {
			return errors.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.HTTPLogLevel < LogLevelNone || c.HTTPLogLevel > LogLevelDebug {
		return errors.Errorf("http_log_level out of range: %d", c.HTTPLogLevel)
	}
	switch c.Store.Driver {
	case "", "memory", "sqlite", "sqlite3":
	default:
		return errors.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// ExpandPath resolves a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// DataPath resolves name against DataDir unless it is absolute.
func (c *Config) DataPath(name string) string {
	name = ExpandPath(name)
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(ExpandPath(c.DataDir), name)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GPT_TAP_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("GPT_TAP_BROWSER_URL"); v != "" {
		c.Browser.ControlURL = v
		c.Browser.Enabled = true
	}
	if v := os.Getenv("GPT_TAP_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}
