package httpstream

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxBodySize caps how much of a captured response body is kept.
const DefaultMaxBodySize = 16 << 20

// pairWait bounds how long a response waits for its request to be parsed
// on the other direction's goroutine.
const pairWait = 2 * time.Second

// generateSessionID generates a short unique session ID.
func generateSessionID() string {
	id := uuid.New()
	return id.String()[:12]
}

// Parser handles bidirectional HTTP stream parsing with zero-copy passthrough.
// Data flow is client-driven; parsing is done on mirrored data asynchronously.
type Parser struct {
	host      string
	sessionID string
	logger    Logger
	maxBody   int64
	capture   func(*http.Request) bool

	seq atomic.Int64
	// Requests awaiting a response, in wire order. HTTP/1.1 answers in order.
	pending chan *HTTPMessage

	// Callbacks (called asynchronously, don't block main flow)
	onRequest  func(*HTTPMessage)
	onResponse func(*HTTPMessage)
	onSSE      func(*SSEEvent)
	onBody     func(Direction, []byte)
	onExchange func(*Exchange)
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithParserLogger sets the logger.
func WithParserLogger(logger Logger) ParserOption {
	return func(p *Parser) { p.logger = logger }
}

// WithOnRequest sets the request callback.
func WithOnRequest(fn func(*HTTPMessage)) ParserOption {
	return func(p *Parser) { p.onRequest = fn }
}

// WithOnResponse sets the response callback. It runs once the response
// headers are parsed, before the body is read.
func WithOnResponse(fn func(*HTTPMessage)) ParserOption {
	return func(p *Parser) { p.onResponse = fn }
}

// WithOnSSE sets the SSE event callback.
func WithOnSSE(fn func(*SSEEvent)) ParserOption {
	return func(p *Parser) { p.onSSE = fn }
}

// WithOnBody sets the body chunk callback.
func WithOnBody(fn func(Direction, []byte)) ParserOption {
	return func(p *Parser) { p.onBody = fn }
}

// WithOnExchange sets the callback for captured exchanges.
func WithOnExchange(fn func(*Exchange)) ParserOption {
	return func(p *Parser) { p.onExchange = fn }
}

// WithCapture limits exchange capture to requests for which fn is true.
// Without it every exchange is captured.
func WithCapture(fn func(*http.Request) bool) ParserOption {
	return func(p *Parser) { p.capture = fn }
}

// WithMaxBodySize sets the captured body limit.
func WithMaxBodySize(n int64) ParserOption {
	return func(p *Parser) { p.maxBody = n }
}

// WithSessionID sets the session ID for tracking.
func WithSessionID(id string) ParserOption {
	return func(p *Parser) { p.sessionID = id }
}

// NewParser creates a new HTTP stream parser.
func NewParser(host string, opts ...ParserOption) *Parser {
	p := &Parser{
		host:      host,
		sessionID: generateSessionID(),
		logger:    NopLogger{},
		maxBody:   DefaultMaxBodySize,
		pending:   make(chan *HTTPMessage, 64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SessionID returns the session ID.
func (p *Parser) SessionID() string {
	return p.sessionID
}

// Forward performs bidirectional forwarding with async HTTP parsing.
// Data flow is driven by client reads; parsing happens on mirrored data.
func (p *Parser) Forward(client, server net.Conn) error {
	var wg sync.WaitGroup
	wg.Add(2)

	errC2S := make(chan error, 1)
	errS2C := make(chan error, 1)

	// Client -> Server (requests)
	go func() {
		defer wg.Done()
		err := p.pipeWithMirror(server, client, ClientToServer)
		errC2S <- err
		closeWrite(server)
	}()

	// Server -> Client (responses)
	go func() {
		defer wg.Done()
		err := p.pipeWithMirror(client, server, ServerToClient)
		errS2C <- err
		closeWrite(client)
	}()

	wg.Wait()

	// Return first error if any
	select {
	case err := <-errC2S:
		if err != nil && err != io.EOF {
			return err
		}
	default:
	}
	select {
	case err := <-errS2C:
		if err != nil && err != io.EOF {
			return err
		}
	default:
	}

	return nil
}

// pipeWithMirror copies data from src to dst while mirroring to async parser.
// Main flow: io.Copy(dst, src) - client-driven, zero latency
// Side flow: mirrored data -> async parser goroutine
func (p *Parser) pipeWithMirror(dst io.Writer, src io.Reader, dir Direction) error {
	pr, pw := io.Pipe()
	tee := io.TeeReader(src, pw)

	parserDone := make(chan struct{})
	go func() {
		defer close(parserDone)
		p.parseStream(pr, dir)
		// Drain any remaining data to prevent blocking
		io.Copy(io.Discard, pr)
	}()

	_, err := io.Copy(dst, tee)

	// Close pipe writer to signal parser EOF
	pw.Close()
	<-parserDone

	return err
}

// parseStream parses HTTP messages from mirrored stream asynchronously.
func (p *Parser) parseStream(r io.Reader, dir Direction) {
	reader := bufio.NewReader(r)

	if dir == ClientToServer {
		p.parseRequests(reader)
	} else {
		p.parseResponses(reader)
	}
}

// parseRequests parses HTTP requests from mirrored stream.
func (p *Parser) parseRequests(reader *bufio.Reader) {
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return // EOF or parse error, stop parsing
		}

		var bodyReader *BodyReader
		if req.Body != nil {
			bodyReader = NewBodyReader(req.Body, req.Header)
		}

		msg := &HTTPMessage{
			ID:        p.sessionID + "-" + strconv.FormatInt(p.seq.Add(1), 10),
			Direction: ClientToServer,
			Request:   req,
			Body:      bodyReader,
			Host:      p.host,
			Timestamp: time.Now(),
		}

		p.logger.LogRequest(msg)
		// Observers see the request before its response can be paired.
		if p.onRequest != nil {
			p.onRequest(msg)
		}

		select {
		case p.pending <- msg:
		default:
			p.logger.Debug("pairing queue full, dropping %s", msg.ID)
		}

		if bodyReader != nil {
			p.logBody(bodyReader, ClientToServer)
		}
	}
}

// nextRequest pops the request the next response answers.
func (p *Parser) nextRequest() *HTTPMessage {
	select {
	case msg := <-p.pending:
		return msg
	case <-time.After(pairWait):
		return nil
	}
}

// parseResponses parses HTTP responses from mirrored stream.
func (p *Parser) parseResponses(reader *bufio.Reader) {
	for {
		resp, err := http.ReadResponse(reader, nil)
		if err != nil {
			return // EOF or parse error, stop parsing
		}
		// Interim responses do not consume the request.
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			continue
		}

		req := p.nextRequest()
		bodyReader := NewBodyReader(resp.Body, resp.Header)
		msg := &HTTPMessage{
			Direction: ServerToClient,
			Response:  resp,
			Body:      bodyReader,
			Host:      p.host,
			Timestamp: time.Now(),
		}
		if req != nil {
			msg.ID = req.ID
			msg.Request = req.Request
		}

		p.logger.LogResponse(msg)
		if p.onResponse != nil {
			p.onResponse(msg)
		}

		if resp.StatusCode == http.StatusSwitchingProtocols {
			// The rest of the stream is not HTTP.
			return
		}

		if bodyReader != nil && p.wantsExchange(msg) {
			p.captureExchange(msg, req)
			continue
		}

		if bodyReader != nil && bodyReader.IsSSE() {
			p.parseSSEEvents(bodyReader.SSE())
			bodyReader.Close()
			continue
		}

		if bodyReader != nil {
			p.logBody(bodyReader, ServerToClient)
		}
	}
}

func (p *Parser) wantsExchange(msg *HTTPMessage) bool {
	if p.onExchange == nil || msg.Request == nil {
		return false
	}
	return p.capture == nil || p.capture(msg.Request)
}

// captureExchange reads the decoded response body, bounded by maxBody, and
// reports it together with its request.
func (p *Parser) captureExchange(msg *HTTPMessage, req *HTTPMessage) {
	body := msg.Body
	data, err := body.ReadAllWithLimit(p.maxBody + 1)
	if err != nil && err != io.EOF {
		p.logger.Debug("capture body read error: %v", err)
	}
	truncated := int64(len(data)) > p.maxBody
	if truncated {
		data = data[:p.maxBody]
	}
	// Keep the mirror flowing past whatever was not kept.
	body.Drain()
	body.Close()

	if body.IsSSE() {
		p.parseSSEEvents(NewSSEParser(bytes.NewReader(data)))
	}

	ex := &Exchange{
		ID:          msg.ID,
		Method:      msg.Request.Method,
		URL:         msg.URL(),
		Host:        p.host,
		Status:      msg.Response.StatusCode,
		ContentType: body.ContentType(),
		Body:        data,
		Truncated:   truncated,
		Completed:   time.Now(),
	}
	if req != nil {
		ex.Started = req.Timestamp
	}
	p.logger.LogExchange(ex)
	p.onExchange(ex)
}

// parseSSEEvents parses SSE events from body for logging.
func (p *Parser) parseSSEEvents(sseParser *SSEParser) {
	for {
		event, err := sseParser.Next()
		if err != nil {
			return
		}
		p.logger.LogSSE(p.host, event)
		if p.onSSE != nil {
			p.onSSE(event)
		}
	}
}

// logBody reads and logs the full body content.
func (p *Parser) logBody(bodyReader *BodyReader, dir Direction) {
	data, err := bodyReader.ReadAll()
	if err != nil && err != io.EOF {
		p.logger.Debug("body read error: %v", err)
	}

	if len(data) > 0 {
		p.logger.LogBody(dir, p.host, data)
		if p.onBody != nil {
			p.onBody(dir, data)
		}
	}

	bodyReader.Close()
}

// closeWrite closes the write side of a connection if supported.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}
