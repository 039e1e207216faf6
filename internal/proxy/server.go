// Package proxy runs the daemon: HTTP and SOCKS5 proxy listeners with TLS
// MITM for the chat hosts, the capture pipeline behind them and the API
// server.
package proxy

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/burpheart/gpt-tap/internal/analysis"
	"github.com/burpheart/gpt-tap/internal/api"
	"github.com/burpheart/gpt-tap/internal/browser"
	"github.com/burpheart/gpt-tap/internal/ca"
	"github.com/burpheart/gpt-tap/internal/correlator"
	"github.com/burpheart/gpt-tap/internal/hook"
	"github.com/burpheart/gpt-tap/internal/httpstream"
	"github.com/burpheart/gpt-tap/internal/interceptor"
	"github.com/burpheart/gpt-tap/internal/matcher"
	"github.com/burpheart/gpt-tap/internal/mitm"
	"github.com/burpheart/gpt-tap/internal/relay"
	"github.com/burpheart/gpt-tap/internal/settings"
	"github.com/burpheart/gpt-tap/internal/store"
	"github.com/burpheart/gpt-tap/pkg/types"
)

// Server is the daemon: proxy listeners, capture pipeline and API.
type Server struct {
	config     types.Config
	configPath string
	started    time.Time

	ca          *ca.CA
	keyLog      *mitm.KeyLogWriter
	recorder    *httpstream.Recorder
	interceptor *mitm.Interceptor
	matcher     *matcher.Matcher

	hooks      *hook.Hub
	transport  *relay.Transport
	bridge     *relay.Bridge
	launcher   *interceptor.Launcher
	correlator *correlator.Correlator
	analysis   *analysis.Service
	snapshots  store.Store
	content    *relay.Router
	background *relay.Router
	sessions   *Sessions
	driver     *browser.Driver
	hub        *api.Hub

	mu             sync.Mutex
	httpListener   net.Listener
	socks5Listener net.Listener
	apiListener    net.Listener
	conns          sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithConfigPath watches path for settings changes.
func WithConfigPath(path string) Option {
	return func(s *Server) { s.configPath = path }
}

// NewServer builds every component of the daemon. Nothing listens until
// Listen or Run.
func NewServer(ctx context.Context, config types.Config, opts ...Option) (*Server, error) {
	s := &Server{config: config}
	for _, opt := range opts {
		opt(s)
	}

	dataDir := types.ExpandPath(config.DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}

	authority, err := ca.New(ca.Options{CertDir: config.CertDir})
	if err != nil {
		return nil, errors.Wrap(err, "initialize CA")
	}
	s.ca = authority

	if config.KeyLog {
		keyLogPath := filepath.Join(dataDir, "sslkeys.log")
		s.keyLog, err = mitm.NewKeyLogWriter(keyLogPath)
		if err != nil {
			return nil, errors.Wrap(err, "create keylog writer")
		}
	}

	s.matcher = matcher.New(config.Targets.Hosts, config.Targets.Excluded)
	s.hub = api.NewHub()
	s.hooks = hook.NewHub()

	if err := s.buildPipeline(ctx); err != nil {
		s.Close()
		return nil, err
	}

	interceptorOpts := []mitm.InterceptorOption{
		mitm.WithHTTPParsing(config.EnableHTTPParsing),
		mitm.WithScope(s.matcher.IsTargetHost),
		mitm.WithHTTPLogger(httpstream.NewDefaultLogger(
			httpstream.WithLevel(httpstream.LogLevel(config.HTTPLogLevel)),
		)),
	}
	if config.HTTPRecordFile != "" {
		path := config.DataPath(config.HTTPRecordFile)
		s.recorder, err = httpstream.NewRecorder(path,
			httpstream.WithRecorderLogLevel(httpstream.LogLevel(config.HTTPLogLevel)),
			httpstream.WithOnRecord(s.hub.PublishRecord),
			httpstream.WithCacheSize(10000),
		)
		if err != nil {
			s.Close()
			return nil, errors.Wrap(err, "create HTTP recorder")
		}
		interceptorOpts = append(interceptorOpts, mitm.WithRecorder(s.recorder))
		log.Info().Str("component", "proxy").Str("path", path).Msg("HTTP recording enabled")
	}
	s.interceptor = mitm.NewInterceptor(authority, s.keyLog, config.UpstreamProxy, interceptorOpts...)

	return s, nil
}

// buildPipeline wires hook hub, relay, interceptors, correlator, analysis
// and store together.
func (s *Server) buildPipeline(ctx context.Context) error {
	cfg := s.config
	t := cfg.Timeouts

	transport, err := relay.NewTransport(ctx, relay.RedisSettings{
		Enabled:  cfg.Redis.Enabled,
		Addr:     cfg.Redis.Addr,
		Group:    cfg.Redis.Group,
		Consumer: cfg.Redis.Consumer,
	}, relay.NewWatermillLogger(log.Logger.With().Str("component", "watermill").Logger()))
	if err != nil {
		return errors.Wrap(err, "create relay transport")
	}
	s.transport = transport
	s.bridge = relay.NewBridge(transport.Publisher, transport.Subscriber,
		relay.WithTopic(transport.Topic), relay.WithOrigins(originsFor(s.matcher.Hosts)...))

	s.snapshots, err = store.Open(store.Settings{
		Driver: cfg.Store.Driver,
		Path:   cfg.DataPath(cfg.Store.Path),
		MaxAge: t.Freshness.Std(),
	})
	if err != nil {
		return errors.Wrap(err, "open snapshot store")
	}

	s.content = relay.NewRouter(t.CommandReply.Std())
	s.background = relay.NewRouter(t.CommandReply.Std())

	// The correlator, the analysis service and the tab providers refer to
	// each other, so the chain is filled in last.
	tabs := correlator.TabsChain{}

	s.analysis = analysis.New(
		analysis.WithStore(s.snapshots),
		analysis.WithBackground(s.background),
		analysis.WithReloader(&tabs),
		analysis.WithSettings(cfg.Settings),
		analysis.WithMatcher(s.matcher),
		analysis.WithPresenter(s.hub),
		analysis.WithPresenter(analysis.PresenterFunc(s.recordAnalysis)),
	)
	s.analysis.RegisterHandlers(s.content)

	s.launcher = interceptor.NewLauncher(s.hooks, s.bridge, s.matcher, interceptor.Timeouts{
		ExactURL:     t.ExactURLCapture.Std(),
		Conversation: t.ConversationCapture.Std(),
	})

	s.correlator = correlator.New(correlator.Config{
		PendingTimeout:  t.PendingRequest.Std(),
		RefreshTimeout:  t.Refresh.Std(),
		NavigationDelay: t.NavigationDelay.Std(),
		SweepInterval:   t.Sweep.Std(),
		Matcher:         s.matcher,
	}, s.launcher, &tabs, correlator.WithContent(s.content))
	s.correlator.RegisterHandlers(s.background)

	s.sessions = NewSessions(s.correlator, s.analysis, s.hooks, s.matcher)
	tabs = append(tabs, s.sessions)
	if cfg.Browser.Enabled {
		s.driver = browser.New(browser.Config{
			ControlURL: cfg.Browser.ControlURL,
			Bin:        cfg.Browser.Bin,
			Headless:   cfg.Browser.Headless,
			StartURL:   cfg.Browser.StartURL,
		}, s.correlator, s.hooks, s.analysis)
		tabs = append(tabs, s.driver)
	}
	return nil
}

func originsFor(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, "https://"+h)
	}
	return out
}

func (s *Server) recordAnalysis(ev analysis.Event) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordAnalysis(ev.TabID, ev.ConversationID, ev.Origin, ev); err != nil {
		log.Warn().Str("component", "proxy").Err(err).Msg("record analysis")
	}
}

// Commands routes a command to whichever endpoint serves its action.
func (s *Server) Commands() relay.Routers {
	return relay.Routers{s.content, s.background}
}

// Tabs returns every known tab: proxy sessions, browser pages and tabs the
// analysis side has state for.
func (s *Server) Tabs() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(ids []string) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	add(s.sessions.Tabs())
	if s.driver != nil {
		add(s.driver.Tabs())
	}
	add(s.analysis.Tabs())
	return out
}

// Status is the body of GET /api/status.
type Status struct {
	Running       bool                `json:"running"`
	Uptime        string              `json:"uptime"`
	HTTPAddr      string              `json:"http_addr,omitempty"`
	SOCKS5Addr    string              `json:"socks5_addr,omitempty"`
	APIAddr       string              `json:"api_addr,omitempty"`
	Transport     string              `json:"transport"`
	CAFingerprint string              `json:"ca_fingerprint"`
	Sessions      []types.SessionInfo `json:"sessions"`
	TotalSessions int64               `json:"total_sessions"`
	Tabs          []string            `json:"tabs"`
	WSClients     int                 `json:"ws_clients"`
	Records       int64               `json:"records"`
	Correlator    correlator.Stats    `json:"correlator"`
	Interceptors  interceptor.Stats   `json:"interceptors"`
}

// Status reports the state of the daemon.
func (s *Server) Status() Status {
	st := Status{
		Running:       true,
		Transport:     s.transport.Kind,
		CAFingerprint: s.ca.Fingerprint(),
		Sessions:      s.sessions.List(),
		TotalSessions: s.sessions.Total(),
		Tabs:          s.Tabs(),
		WSClients:     s.hub.ClientCount(),
		Correlator:    s.correlator.Stats(),
		Interceptors:  s.launcher.Stats(),
	}
	if !s.started.IsZero() {
		st.Uptime = time.Since(s.started).Round(time.Second).String()
	}
	s.mu.Lock()
	if s.httpListener != nil {
		st.HTTPAddr = s.httpListener.Addr().String()
	}
	if s.socks5Listener != nil {
		st.SOCKS5Addr = s.socks5Listener.Addr().String()
	}
	if s.apiListener != nil {
		st.APIAddr = s.apiListener.Addr().String()
	}
	s.mu.Unlock()
	if s.recorder != nil {
		st.Records = s.recorder.RecordCount()
	}
	return st
}

// Listen binds the proxy and API listeners.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener != nil {
		return nil
	}
	bind := func(port int) (net.Listener, error) {
		return net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	}
	var err error
	if s.httpListener, err = bind(s.config.HTTPPort); err != nil {
		return errors.Wrap(err, "HTTP proxy listen")
	}
	if s.socks5Listener, err = bind(s.config.SOCKS5Port); err != nil {
		return errors.Wrap(err, "SOCKS5 proxy listen")
	}
	if s.apiListener, err = bind(s.config.APIPort); err != nil {
		return errors.Wrap(err, "API listen")
	}
	return nil
}

// Addrs returns the bound HTTP proxy, SOCKS5 proxy and API addresses.
func (s *Server) Addrs() (httpAddr, socks5Addr, apiAddr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return "", "", ""
	}
	return s.httpListener.Addr().String(), s.socks5Listener.Addr().String(), s.apiListener.Addr().String()
}

// Run serves until ctx is done or a component fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.started = time.Now()

	g, ctx := errgroup.WithContext(ctx)

	addrFile := filepath.Join(types.ExpandPath(s.config.CertDir), "api.addr")
	if err := os.WriteFile(addrFile, []byte(s.apiListener.Addr().String()), 0644); err != nil {
		log.Warn().Str("component", "proxy").Err(err).Msg("write API address file")
	}
	defer os.Remove(addrFile)

	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.correlator.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if err := s.analysis.Listen(ctx, s.bridge); err != nil && ctx.Err() == nil {
			return errors.Wrap(err, "page channel")
		}
		return nil
	})
	if s.configPath != "" {
		w, err := settings.NewWatcher(s.configPath, s.applySettings)
		if err != nil {
			log.Warn().Str("component", "proxy").Err(err).Msg("settings hot reload disabled")
		} else {
			g.Go(func() error { return w.Run(ctx) })
		}
	}
	if s.driver != nil {
		if err := s.driver.Start(ctx); err != nil {
			log.Warn().Str("component", "proxy").Err(err).Msg("browser driver unavailable")
		}
	}

	g.Go(func() error { return s.serveAccept(ctx, s.httpListener, "HTTP", s.handleHTTPConnection) })
	g.Go(func() error { return s.serveAccept(ctx, s.socks5Listener, "SOCKS5", s.handleSOCKS5Connection) })
	g.Go(func() error { return s.serveAPI(ctx) })

	log.Info().Str("component", "proxy").
		Str("http", s.httpListener.Addr().String()).
		Str("socks5", s.socks5Listener.Addr().String()).
		Str("api", s.apiListener.Addr().String()).
		Str("transport", s.transport.Kind).
		Str("ca", s.ca.CertPath()).
		Str("ca_fingerprint", s.ca.Fingerprint()).
		Msg("daemon running")

	err := g.Wait()
	s.conns.Wait()
	return err
}

func (s *Server) applySettings(ctx context.Context, set types.Settings) {
	s.analysis.SetDefaults(set)
	if err := settings.Dispatch(ctx, s.content, s.analysis.Tabs(), set); err != nil {
		log.Warn().Str("component", "proxy").Err(err).Msg("dispatch settings")
	}
}

// serveAccept accepts on l until ctx is done.
func (s *Server) serveAccept(ctx context.Context, l net.Listener, name string, handle func(context.Context, net.Conn)) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.Wrapf(err, "%s accept", name)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			handle(ctx, conn)
		}()
	}
}

func (s *Server) serveAPI(ctx context.Context) error {
	handler := api.NewHandler(api.Deps{
		Hub:       s.hub,
		Records:   s.records(),
		Commands:  s.Commands(),
		Snapshots: s.snapshots,
		Status:    func() any { return s.Status() },
	})
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("GET /api/ca/cert", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Header().Set("Content-Disposition", `attachment; filename="gpt-tap-ca.crt"`)
		w.Write(s.ca.PEM())
	})

	srv := &http.Server{Handler: api.CORS(mux), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(s.apiListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "API server")
	}
	return nil
}

func (s *Server) records() api.RecordStore {
	if s.recorder == nil {
		return nil
	}
	return s.recorder
}

// Close releases everything NewServer acquired.
func (s *Server) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if s.driver != nil {
		keep(s.driver.Close())
	}
	if s.launcher != nil {
		s.launcher.Close()
	}
	if s.correlator != nil {
		s.correlator.Close()
	}
	if s.transport != nil {
		keep(s.transport.Close())
	}
	if s.snapshots != nil {
		keep(s.snapshots.Close())
	}
	if s.recorder != nil {
		keep(s.recorder.Close())
	}
	if s.keyLog != nil {
		keep(s.keyLog.Close())
	}
	s.mu.Lock()
	for _, l := range []net.Listener{s.httpListener, s.socks5Listener, s.apiListener} {
		if l != nil {
			l.Close()
		}
	}
	s.mu.Unlock()
	return first
}

// intercept runs one proxied connection as a session.
func (s *Server) intercept(ctx context.Context, conn net.Conn, host string, port int) {
	sess := s.sessions.Open(conn.RemoteAddr().String(), host, port)
	sess.ClientConn = conn
	defer s.sessions.Close(sess)

	if err := s.interceptor.InterceptAuto(conn, host, port, s.sessions.ParserOptions(ctx, sess)...); err != nil {
		if !isConnectionClosed(err) {
			log.Debug().Str("component", "proxy").Str("tab", sess.ID).Str("host", host).Int("port", port).
				Err(err).Msg("intercept")
		}
	}
}

// handleHTTPConnection handles an incoming HTTP proxy connection.
func (s *Server) handleHTTPConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		if err != io.EOF {
			log.Debug().Str("component", "proxy").Err(err).Msg("HTTP read request")
		}
		return
	}

	if req.Method == http.MethodConnect {
		s.handleHTTPConnect(ctx, &bufferedNetConn{Conn: conn, reader: reader}, req)
		return
	}
	s.handleHTTPRequest(conn, req)
}

// handleHTTPConnect handles HTTP CONNECT method (HTTPS tunneling).
func (s *Server) handleHTTPConnect(ctx context.Context, conn net.Conn, req *http.Request) {
	host := req.Host
	if !strings.Contains(host, ":") {
		host = host + ":443"
	}
	targetHost, targetPortStr, err := net.SplitHostPort(host)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return
	}
	targetPort, err := strconv.Atoi(targetPortStr)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}
	log.Debug().Str("component", "proxy").Str("host", targetHost).Int("port", targetPort).Msg("CONNECT")
	s.intercept(ctx, conn, targetHost, targetPort)
}

// handleHTTPRequest forwards a plain (non-CONNECT) proxy request.
func (s *Server) handleHTTPRequest(clientConn net.Conn, req *http.Request) {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	if host == "" {
		clientConn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return
	}
	if !strings.Contains(host, ":") {
		host = host + ":80"
	}

	targetConn, err := mitm.NewDialer(s.config.UpstreamProxy).Dial("tcp", host)
	if err != nil {
		clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer targetConn.Close()

	req.URL.Scheme = ""
	req.URL.Host = ""
	req.RequestURI = req.URL.RequestURI()
	if err := req.Write(targetConn); err != nil {
		return
	}
	resp, err := http.ReadResponse(bufio.NewReader(targetConn), req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	resp.Write(clientConn)
}

// handleSOCKS5Connection handles a SOCKS5 client connection.
func (s *Server) handleSOCKS5Connection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	// VER NMETHODS METHODS...
	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil || header[0] != 0x05 {
		return
	}
	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(reader, methods); err != nil {
		return
	}
	// No authentication.
	conn.Write([]byte{0x05, 0x00})

	// VER CMD RSV ATYP
	reqHeader := make([]byte, 4)
	if _, err := io.ReadFull(reader, reqHeader); err != nil {
		return
	}
	if reqHeader[0] != 0x05 || reqHeader[1] != 0x01 {
		conn.Write([]byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		return
	}

	var targetHost string
	switch reqHeader[3] {
	case 0x01:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(reader, addr); err != nil {
			return
		}
		targetHost = net.IP(addr).String()
	case 0x03:
		n, err := reader.ReadByte()
		if err != nil {
			return
		}
		domain := make([]byte, n)
		if _, err := io.ReadFull(reader, domain); err != nil {
			return
		}
		targetHost = string(domain)
	case 0x04:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(reader, addr); err != nil {
			return
		}
		targetHost = net.IP(addr).String()
	default:
		conn.Write([]byte{0x05, 0x08, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		return
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(reader, portBytes); err != nil {
		return
	}
	targetPort := int(binary.BigEndian.Uint16(portBytes))

	log.Debug().Str("component", "proxy").Str("host", targetHost).Int("port", targetPort).Msg("SOCKS5 CONNECT")

	conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	conn.SetDeadline(time.Time{})

	s.intercept(ctx, &bufferedNetConn{Conn: conn, reader: reader}, targetHost, targetPort)
}

// isConnectionClosed checks if the error indicates a closed connection.
func isConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "EOF")
}

// bufferedNetConn wraps a net.Conn with a buffered reader to preserve any buffered data.
type bufferedNetConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedNetConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}
