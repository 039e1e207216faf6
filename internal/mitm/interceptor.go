// Package mitm terminates TLS for the observed chat hosts and tunnels
// everything else untouched.
package mitm

import (
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/burpheart/gpt-tap/internal/ca"
	"github.com/burpheart/gpt-tap/internal/httpstream"
)

// Interceptor handles TLS MITM interception.
type Interceptor struct {
	ca     *ca.CA
	keyLog *KeyLogWriter
	dialer *Dialer
	scope  func(host string) bool

	enableHTTPParsing bool
	httpLogger        httpstream.Logger
	recorder          *httpstream.Recorder
}

// InterceptorOption configures an Interceptor.
type InterceptorOption func(*Interceptor)

// WithHTTPParsing enables HTTP stream parsing.
func WithHTTPParsing(enable bool) InterceptorOption {
	return func(i *Interceptor) { i.enableHTTPParsing = enable }
}

// WithHTTPLogger sets the HTTP logger.
func WithHTTPLogger(logger httpstream.Logger) InterceptorOption {
	return func(i *Interceptor) { i.httpLogger = logger }
}

// WithRecorder sets the JSONL recorder.
func WithRecorder(recorder *httpstream.Recorder) InterceptorOption {
	return func(i *Interceptor) { i.recorder = recorder }
}

// WithScope limits interception to hosts for which fn is true. Other
// connections are tunneled without decryption.
func WithScope(fn func(host string) bool) InterceptorOption {
	return func(i *Interceptor) { i.scope = fn }
}

// NewInterceptor creates a new TLS interceptor.
func NewInterceptor(authority *ca.CA, keyLog *KeyLogWriter, upstreamProxy string, opts ...InterceptorOption) *Interceptor {
	i := &Interceptor{
		ca:         authority,
		keyLog:     keyLog,
		dialer:     NewDialer(upstreamProxy),
		httpLogger: httpstream.NopLogger{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// InScope reports whether traffic to host is decrypted and parsed.
func (i *Interceptor) InScope(host string) bool {
	return i.scope == nil || i.scope(host)
}

// InterceptAuto sniffs the first bytes of clientConn and handles it as TLS
// or plain HTTP. parserOpts are added to the parser of this connection.
func (i *Interceptor) InterceptAuto(clientConn net.Conn, targetHost string, targetPort int, parserOpts ...httpstream.ParserOption) error {
	peekConn := NewPeekableConn(clientConn)

	det, err := Detect(peekConn)
	if err != nil {
		return errors.Wrapf(err, "detect protocol for %s:%d", targetHost, targetPort)
	}

	host := targetHost
	if det.SNI != "" {
		host = det.SNI
	}
	l := log.With().Str("component", "mitm").Str("host", host).Int("port", targetPort).Str("proto", det.Protocol.String()).Logger()

	if !i.InScope(host) {
		l.Debug().Msg("tunnel")
		return i.tunnel(peekConn, targetHost, targetPort)
	}
	if det.Protocol == ProtocolTLS {
		l.Debug().Msg("intercept")
		return i.interceptTLS(peekConn, host, targetPort, parserOpts)
	}
	l.Debug().Msg("plain")
	return i.interceptPlain(peekConn, targetHost, targetPort, parserOpts)
}

func (i *Interceptor) tunnel(clientConn net.Conn, host string, port int) error {
	serverConn, err := i.dialer.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Wrap(err, "dial server")
	}
	defer serverConn.Close()
	return pipeSimple(clientConn, serverConn)
}

// interceptTLS terminates the client's TLS with a minted certificate and
// opens a fresh TLS session to the server. Both sides are held to HTTP/1.1.
func (i *Interceptor) interceptTLS(clientConn *PeekableConn, host string, port int, parserOpts []httpstream.ParserOption) error {
	serverTCPConn, err := i.dialer.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Wrap(err, "dial server")
	}
	defer serverTCPConn.Close()

	serverTLSConfig := &tls.Config{
		InsecureSkipVerify: true,
		ServerName:         host,
		NextProtos:         []string{"http/1.1"},
	}
	if i.keyLog != nil {
		serverTLSConfig.KeyLogWriter = i.keyLog
	}
	serverConn := tls.Client(serverTCPConn, serverTLSConfig)
	if err := serverConn.Handshake(); err != nil {
		return errors.Wrap(err, "server handshake")
	}
	defer serverConn.Close()

	cert, err := i.ca.GetOrCreateCert(host)
	if err != nil {
		return errors.Wrap(err, "get cert")
	}
	clientTLSConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{"http/1.1"},
	}
	if i.keyLog != nil {
		clientTLSConfig.KeyLogWriter = i.keyLog
	}
	tlsClientConn := tls.Server(clientConn, clientTLSConfig)
	if err := tlsClientConn.Handshake(); err != nil {
		return errors.Wrap(err, "client handshake")
	}
	defer tlsClientConn.Close()

	log.Debug().Str("component", "mitm").Str("host", host).
		Str("server_alpn", serverConn.ConnectionState().NegotiatedProtocol).
		Str("client_alpn", tlsClientConn.ConnectionState().NegotiatedProtocol).
		Msg("handshakes complete")

	return i.pipe(tlsClientConn, serverConn, host, parserOpts)
}

func (i *Interceptor) interceptPlain(clientConn *PeekableConn, host string, port int, parserOpts []httpstream.ParserOption) error {
	serverConn, err := i.dialer.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Wrap(err, "dial server")
	}
	defer serverConn.Close()
	return i.pipe(clientConn, serverConn, host, parserOpts)
}

// pipe forwards in both directions, parsing when enabled.
func (i *Interceptor) pipe(client, server net.Conn, host string, parserOpts []httpstream.ParserOption) error {
	if !i.enableHTTPParsing {
		return pipeSimple(client, server)
	}

	logger := i.httpLogger
	opts := make([]httpstream.ParserOption, 0, len(parserOpts)+2)
	if i.recorder != nil {
		session := i.recorder.NewSession(host)
		logger = httpstream.MultiLogger{logger, session}
		opts = append(opts, httpstream.WithSessionID(session.ID))
	}
	opts = append(opts, httpstream.WithParserLogger(logger))
	opts = append(opts, parserOpts...)

	return httpstream.NewParser(host, opts...).Forward(client, server)
}

// pipeSimple performs zero-buffer bidirectional data forwarding.
func pipeSimple(client, server net.Conn) error {
	var wg sync.WaitGroup
	wg.Add(2)

	errs := make(chan error, 2)
	go func() {
		defer wg.Done()
		_, err := io.Copy(server, client)
		errs <- err
		closeWrite(server)
	}()
	go func() {
		defer wg.Done()
		_, err := io.Copy(client, server)
		errs <- err
		closeWrite(client)
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}

// closeWrite closes the write side of a connection if supported.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}
