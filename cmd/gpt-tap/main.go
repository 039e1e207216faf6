package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/burpheart/gpt-tap/internal/api"
	"github.com/burpheart/gpt-tap/internal/ca"
	"github.com/burpheart/gpt-tap/internal/extractor"
	"github.com/burpheart/gpt-tap/internal/proxy"
	"github.com/burpheart/gpt-tap/internal/relay"
	"github.com/burpheart/gpt-tap/internal/render"
	"github.com/burpheart/gpt-tap/internal/store"
	"github.com/burpheart/gpt-tap/pkg/types"
)

const defaultConfigPath = "~/.gpt-tap/config.yaml"

var (
	configPath string
	logLevel   string
	apiAddr    string
	cfg        *types.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gpt-tap",
		Short: "Capture and analyse chat conversation traffic",
		Long: `gpt-tap observes a chat web application through a TLS-intercepting proxy
or a DevTools-driven browser, extracts search queries, thinking text and
reasoning from conversation payloads and serves the results live.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "API address of a running daemon (default: from api.addr)")

	rootCmd.AddCommand(
		newStartCmd(),
		newAnalyzeCmd(),
		newSnapshotsCmd(),
		newRefreshCmd(),
		newCommandCmd(),
		newStatusCmd(),
		newCACmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the config and configures logging.
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = types.LoadConfig(types.ExpandPath(configPath))
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
	return nil
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy daemon",
		RunE:  runStart,
	}
	f := cmd.Flags()
	f.Int("http-port", 0, "HTTP proxy port")
	f.Int("socks5-port", 0, "SOCKS5 proxy port")
	f.Int("api-port", 0, "API port")
	f.String("cert-dir", "", "Certificate storage directory")
	f.String("data-dir", "", "Data directory")
	f.String("upstream", "", "Upstream proxy URL (e.g., socks5://127.0.0.1:7890)")
	f.Bool("http-parse", true, "Parse intercepted HTTP streams")
	f.Int("http-log", 1, "HTTP log level (0=none, 1=basic, 2=headers, 3=body, 4=debug)")
	f.String("http-record", "", "JSONL file for traffic recording (relative to data dir)")
	f.Bool("keylog", false, "Write TLS keys to <data-dir>/sslkeys.log")
	f.String("store", "", "Snapshot store driver (memory, sqlite)")
	f.String("redis", "", "Run the page channel on Redis Streams at this address")
	f.Bool("browser", false, "Also observe a Chrome browser over DevTools")
	f.String("browser-url", "", "DevTools websocket URL (default: launch Chrome)")
	f.Bool("headless", false, "Launch Chrome headless")
	return cmd
}

// applyStartFlags copies the flags the user set over the config.
func applyStartFlags(cmd *cobra.Command, c *types.Config) {
	f := cmd.Flags()
	if f.Changed("http-port") {
		c.HTTPPort, _ = f.GetInt("http-port")
	}
	if f.Changed("socks5-port") {
		c.SOCKS5Port, _ = f.GetInt("socks5-port")
	}
	if f.Changed("api-port") {
		c.APIPort, _ = f.GetInt("api-port")
	}
	if f.Changed("cert-dir") {
		c.CertDir, _ = f.GetString("cert-dir")
	}
	if f.Changed("data-dir") {
		c.DataDir, _ = f.GetString("data-dir")
	}
	if f.Changed("upstream") {
		c.UpstreamProxy, _ = f.GetString("upstream")
	}
	if f.Changed("http-parse") {
		c.EnableHTTPParsing, _ = f.GetBool("http-parse")
	}
	if f.Changed("http-log") {
		n, _ := f.GetInt("http-log")
		c.HTTPLogLevel = types.LogLevel(n)
	}
	if f.Changed("http-record") {
		c.HTTPRecordFile, _ = f.GetString("http-record")
		// Recording needs parsed streams.
		c.EnableHTTPParsing = true
	}
	if f.Changed("keylog") {
		c.KeyLog, _ = f.GetBool("keylog")
	}
	if f.Changed("store") {
		c.Store.Driver, _ = f.GetString("store")
	}
	if f.Changed("redis") {
		c.Redis.Addr, _ = f.GetString("redis")
		c.Redis.Enabled = c.Redis.Addr != ""
	}
	if f.Changed("browser") {
		c.Browser.Enabled, _ = f.GetBool("browser")
	}
	if f.Changed("browser-url") {
		c.Browser.ControlURL, _ = f.GetString("browser-url")
		c.Browser.Enabled = true
	}
	if f.Changed("headless") {
		c.Browser.Headless, _ = f.GetBool("headless")
	}
}

func runStart(cmd *cobra.Command, _ []string) error {
	applyStartFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []proxy.Option
	if path := types.ExpandPath(configPath); fileExists(path) {
		opts = append(opts, proxy.WithConfigPath(path))
	}
	server, err := proxy.NewServer(ctx, *cfg, opts...)
	if err != nil {
		return errors.Wrap(err, "create server")
	}
	defer server.Close()

	err = server.Run(ctx)
	log.Info().Str("component", "cli").Msg("shut down")
	return err
}

func newAnalyzeCmd() *cobra.Command {
	var format, style string
	var width int
	var noPatterns bool
	cmd := &cobra.Command{
		Use:   "analyze <file|->",
		Short: "Analyse a saved conversation document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return errors.Wrap(err, "read conversation")
			}

			var opts []extractor.Option
			if noPatterns {
				opts = append(opts, extractor.WithoutPatternFallback())
			}
			result := extractor.New(opts...).Extract(data)
			return printResult(cmd.OutOrStdout(), result, format, style, width)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "terminal", "Output format (terminal, markdown, json)")
	cmd.Flags().StringVar(&style, "style", "", "glamour style (default: auto)")
	cmd.Flags().IntVar(&width, "width", 100, "Wrap width for terminal output")
	cmd.Flags().BoolVar(&noPatterns, "structural-only", false, "Disable the regex fallback")
	return cmd
}

func printResult(w io.Writer, result *extractor.AnalysisResult, format, style string, width int) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "markdown", "md":
		_, err := io.WriteString(w, render.Markdown(result))
		return err
	case "terminal", "":
		out, err := render.Terminal(result, style, width)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err
	}
	return errors.Errorf("unknown format %q", format)
}

// snapshotSource is what the snapshots commands read from: the daemon when
// it runs, the store file otherwise.
type snapshotSource interface {
	List(ctx context.Context) ([]store.Entry, error)
	Load(ctx context.Context, id string) (store.Entry, bool, error)
	Delete(ctx context.Context, id string) error
	Prune(ctx context.Context) (int, error)
	Close() error
}

type remoteSnapshots struct{ r *api.Remote }

func (s remoteSnapshots) List(ctx context.Context) ([]store.Entry, error) { return s.r.Snapshots(ctx) }

func (s remoteSnapshots) Load(ctx context.Context, id string) (store.Entry, bool, error) {
	e, err := s.r.Snapshot(ctx, id)
	if err != nil {
		return store.Entry{}, false, err
	}
	return e, true, nil
}

func (s remoteSnapshots) Delete(ctx context.Context, id string) error {
	return s.r.DeleteSnapshot(ctx, id)
}

func (s remoteSnapshots) Prune(ctx context.Context) (int, error) { return s.r.PruneSnapshots(ctx) }

func (s remoteSnapshots) Close() error { return nil }

func openSnapshots() (snapshotSource, error) {
	if remote, err := dialDaemon(); err == nil {
		return remoteSnapshots{remote}, nil
	}
	return store.Open(store.Settings{
		Driver: cfg.Store.Driver,
		Path:   cfg.DataPath(cfg.Store.Path),
		MaxAge: cfg.Timeouts.Freshness.Std(),
	})
}

func newSnapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshots",
		Aliases: []string{"snap"},
		Short:   "Inspect persisted analyses",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := openSnapshots()
			if err != nil {
				return err
			}
			defer src.Close()
			entries, err := src.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No snapshots.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CONVERSATION\tSAVED\tQUERIES\tTHOUGHTS\tREASONING")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", e.ConversationID, e.Timestamp,
					len(e.Data.SearchQueries), len(e.Data.Thoughts), len(e.Data.Reasoning))
			}
			return tw.Flush()
		},
	}

	var format, style string
	showCmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show one snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := openSnapshots()
			if err != nil {
				return err
			}
			defer src.Close()
			entry, ok, err := src.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return errors.Errorf("no fresh snapshot for %s", args[0])
			}
			return printResult(cmd.OutOrStdout(), &entry.Data, format, style, 100)
		},
	}
	showCmd.Flags().StringVarP(&format, "format", "f", "terminal", "Output format (terminal, markdown, json)")
	showCmd.Flags().StringVar(&style, "style", "", "glamour style (default: auto)")

	deleteCmd := &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete one snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := openSnapshots()
			if err != nil {
				return err
			}
			defer src.Close()
			if err := src.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
			return nil
		},
	}

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete snapshots older than the freshness bound",
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := openSnapshots()
			if err != nil {
				return err
			}
			defer src.Close()
			n, err := src.Prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d snapshots.\n", n)
			return nil
		},
	}

	cmd.AddCommand(listCmd, showCmd, deleteCmd, pruneCmd)
	return cmd
}

// dialDaemon returns a client for the running daemon.
func dialDaemon() (*api.Remote, error) {
	addr := apiAddr
	if addr == "" {
		data, err := os.ReadFile(filepath.Join(types.ExpandPath(cfg.CertDir), "api.addr"))
		if err != nil {
			return nil, errors.Wrap(err, "daemon not running or API address not found")
		}
		addr = strings.TrimSpace(string(data))
	}
	return api.NewRemote(addr), nil
}

func sendCommand(cmd *cobra.Command, c relay.Command) error {
	remote, err := dialDaemon()
	if err != nil {
		return err
	}
	reply, err := remote.Send(cmd.Context(), c)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(reply); err != nil {
		return err
	}
	if reply.Status == relay.StatusError {
		return errors.New(reply.Error)
	}
	return nil
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <tab>",
		Short: "Reload a tab and capture its conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(cmd, relay.Command{Action: relay.ActionRefreshAndCapture, TabID: args[0]})
		},
	}
}

func newCommandCmd() *cobra.Command {
	var tab, payload string
	cmd := &cobra.Command{
		Use:   "command <action>",
		Short: "Send a command to a tab",
		Long: `Send a command to the daemon. Actions: analyzeConversation, toggleOverlay,
getOverlayStatus, updateSettings, clearData, networkData, debuggerError,
checkDataReceived, refreshAndCapture, clearRefreshFlag.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := relay.Command{Action: relay.Action(args[0]), TabID: tab}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return errors.New("payload is not valid JSON")
				}
				c.Payload = json.RawMessage(payload)
			}
			return sendCommand(cmd, c)
		},
	}
	cmd.Flags().StringVarP(&tab, "tab", "t", "", "Tab id")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			remote, err := dialDaemon()
			if err != nil {
				return err
			}
			st, err := remote.Status(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}

func newCACmd() *cobra.Command {
	caCmd := &cobra.Command{
		Use:   "ca",
		Short: "CA certificate management",
	}

	loadCA := func() (*ca.CA, error) {
		authority, err := ca.New(ca.Options{CertDir: cfg.CertDir})
		return authority, errors.Wrap(err, "load CA")
	}

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show CA certificate information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			authority, err := loadCA()
			if err != nil {
				return err
			}
			cert := authority.Certificate()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "CA Certificate: %s\n", authority.CertPath())
			fmt.Fprintf(out, "CA Private Key: %s\n", authority.KeyPath())
			fmt.Fprintf(out, "Subject:        %s\n", cert.Subject.CommonName)
			fmt.Fprintf(out, "Valid Until:    %s\n", cert.NotAfter.Format(time.RFC3339))
			fmt.Fprintf(out, "SHA-256:        %s\n", authority.Fingerprint())
			fmt.Fprintf(out, "Cached Certs:   %s (%d certificates)\n", authority.CertsDir(), authority.CertCount())
			return nil
		},
	}

	var outputPath string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export CA certificate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			authority, err := loadCA()
			if err != nil {
				return err
			}
			if outputPath == "-" {
				_, err = cmd.OutOrStdout().Write(authority.PEM())
				return err
			}
			if err := os.WriteFile(outputPath, authority.PEM(), 0644); err != nil {
				return errors.Wrap(err, "write CA cert")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "CA certificate exported to: %s\n", outputPath)
			return nil
		},
	}
	exportCmd.Flags().StringVarP(&outputPath, "output", "o", "./ca.crt", "Output file path (- for stdout)")

	var force bool
	regenerateCmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Regenerate CA certificate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				fmt.Fprint(cmd.OutOrStdout(), "This will regenerate the CA certificate and clear all cached certificates. Continue? [y/N] ")
				var response string
				fmt.Fscanln(cmd.InOrStdin(), &response)
				if response != "y" && response != "Y" {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}
			authority, err := loadCA()
			if err != nil {
				return err
			}
			if err := authority.Regenerate(); err != nil {
				return errors.Wrap(err, "regenerate CA")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "CA certificate regenerated successfully.")
			fmt.Fprintf(cmd.OutOrStdout(), "New CA certificate: %s\n", authority.CertPath())
			return nil
		},
	}
	regenerateCmd.Flags().BoolVar(&force, "force", false, "Force regeneration without confirmation")

	cleanCmd := &cobra.Command{
		Use:   "clean-certs",
		Short: "Clean cached server certificates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			authority, err := loadCA()
			if err != nil {
				return err
			}
			count := authority.CertCount()
			if err := authority.CleanCerts(); err != nil {
				return errors.Wrap(err, "clean certs")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleaned %d cached certificates.\n", count)
			return nil
		},
	}

	caCmd.AddCommand(infoCmd, exportCmd, regenerateCmd, cleanCmd)
	return caCmd
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
