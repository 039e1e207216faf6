package httpstream

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func response(status int, headers map[string]string, body []byte) string {
	var b strings.Builder
	b.WriteString("HTTP/1.1 " + strconv.Itoa(status) + " " + http.StatusText(status) + "\r\n")
	for k, v := range headers {
		b.WriteString(k + ": " + v + "\r\n")
	}
	b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	b.Write(body)
	return b.String()
}

type collected struct {
	mu        sync.Mutex
	requests  []*HTTPMessage
	responses []*HTTPMessage
	exchanges []*Exchange
	events    []*SSEEvent
}

func (c *collected) options() []ParserOption {
	return []ParserOption{
		WithSessionID("s1"),
		WithOnRequest(func(m *HTTPMessage) {
			c.mu.Lock()
			c.requests = append(c.requests, m)
			c.mu.Unlock()
		}),
		WithOnResponse(func(m *HTTPMessage) {
			c.mu.Lock()
			c.responses = append(c.responses, m)
			c.mu.Unlock()
		}),
		WithOnExchange(func(ex *Exchange) {
			c.mu.Lock()
			c.exchanges = append(c.exchanges, ex)
			c.mu.Unlock()
		}),
		WithOnSSE(func(ev *SSEEvent) {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}),
	}
}

func conversationOnly(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/backend-api/conversation/")
}

func TestParserPairsPipelinedResponses(t *testing.T) {
	c := &collected{}
	p := NewParser("chatgpt.com", append(c.options(), WithCapture(conversationOnly))...)

	requests := "GET /backend-api/conversation/abc HTTP/1.1\r\nHost: chatgpt.com\r\n\r\n" +
		"GET /backend-api/me HTTP/1.1\r\nHost: chatgpt.com\r\n\r\n"
	body := `{"title":"Trip","mapping":{}}`
	responses := response(200, map[string]string{
		"Content-Type":     "application/json",
		"Content-Encoding": "gzip",
	}, gzipped(t, body)) + response(404, map[string]string{"Content-Type": "text/plain"}, []byte("nope"))

	p.parseStream(strings.NewReader(requests), ClientToServer)
	p.parseStream(strings.NewReader(responses), ServerToClient)

	require.Len(t, c.requests, 2)
	assert.Equal(t, "s1-1", c.requests[0].ID)
	assert.Equal(t, "https://chatgpt.com/backend-api/conversation/abc", c.requests[0].URL())

	require.Len(t, c.responses, 2)
	assert.Equal(t, "s1-1", c.responses[0].ID)
	assert.Equal(t, "s1-2", c.responses[1].ID)
	assert.Equal(t, 404, c.responses[1].Response.StatusCode)

	require.Len(t, c.exchanges, 1)
	ex := c.exchanges[0]
	assert.Equal(t, "s1-1", ex.ID)
	assert.Equal(t, "GET", ex.Method)
	assert.Equal(t, "https://chatgpt.com/backend-api/conversation/abc", ex.URL)
	assert.Equal(t, 200, ex.Status)
	assert.Equal(t, body, string(ex.Body))
	assert.False(t, ex.Truncated)
}

func TestParserSkipsInterimResponses(t *testing.T) {
	c := &collected{}
	p := NewParser("chatgpt.com", c.options()...)

	p.parseStream(strings.NewReader("GET /a HTTP/1.1\r\nHost: chatgpt.com\r\n\r\n"), ClientToServer)
	p.parseStream(strings.NewReader("HTTP/1.1 100 Continue\r\n\r\n"+
		response(200, nil, []byte("ok"))), ServerToClient)

	require.Len(t, c.responses, 1)
	assert.Equal(t, "s1-1", c.responses[0].ID)
	require.Len(t, c.exchanges, 1)
	assert.Equal(t, "ok", string(c.exchanges[0].Body))
}

func TestParserTruncatesCapturedBody(t *testing.T) {
	c := &collected{}
	p := NewParser("chatgpt.com", append(c.options(), WithMaxBodySize(4))...)

	p.parseStream(strings.NewReader("GET /x HTTP/1.1\r\nHost: chatgpt.com\r\n\r\n"+
		"GET /y HTTP/1.1\r\nHost: chatgpt.com\r\n\r\n"), ClientToServer)
	p.parseStream(strings.NewReader(response(200, nil, []byte("0123456789"))+
		response(200, nil, []byte("ab"))), ServerToClient)

	require.Len(t, c.exchanges, 2)
	assert.Equal(t, "0123", string(c.exchanges[0].Body))
	assert.True(t, c.exchanges[0].Truncated)
	assert.Equal(t, "ab", string(c.exchanges[1].Body))
	assert.Equal(t, "https://chatgpt.com/y", c.exchanges[1].URL)
}

func TestParserCapturedSSE(t *testing.T) {
	c := &collected{}
	p := NewParser("chatgpt.com", c.options()...)

	stream := "event: delta\ndata: {\"a\":1}\n\ndata: [DONE]\n\n"
	p.parseStream(strings.NewReader("POST /backend-api/conversation HTTP/1.1\r\nHost: chatgpt.com\r\nContent-Length: 2\r\n\r\n{}"), ClientToServer)
	p.parseStream(strings.NewReader(response(200, map[string]string{"Content-Type": "text/event-stream"}, []byte(stream))), ServerToClient)

	require.Len(t, c.exchanges, 1)
	assert.Equal(t, stream, string(c.exchanges[0].Body))
	require.Len(t, c.events, 2)
	assert.Equal(t, "delta", c.events[0].Event)
	assert.Equal(t, "[DONE]", c.events[1].Data)
}

func TestParserWithoutExchangeCallback(t *testing.T) {
	var bodies [][]byte
	p := NewParser("chatgpt.com", WithOnBody(func(dir Direction, data []byte) {
		if dir == ServerToClient {
			bodies = append(bodies, data)
		}
	}))
	p.parseStream(strings.NewReader("GET / HTTP/1.1\r\nHost: chatgpt.com\r\n\r\n"), ClientToServer)
	p.parseStream(strings.NewReader(response(200, nil, []byte("hello"))), ServerToClient)
	require.Len(t, bodies, 1)
	assert.Equal(t, "hello", string(bodies[0]))
}

func TestMessageURL(t *testing.T) {
	req, err := http.NewRequest("GET", "/c/abc?x=1", nil)
	require.NoError(t, err)
	req.Host = ""
	m := &HTTPMessage{Request: req, Host: "chatgpt.com"}
	assert.Equal(t, "https://chatgpt.com/c/abc?x=1", m.URL())
	assert.Equal(t, "", (&HTTPMessage{}).URL())
}
