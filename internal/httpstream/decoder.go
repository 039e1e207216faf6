package httpstream

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// decodeContent stacks a decoder per Content-Encoding token. Codings are
// listed in the order they were applied, so they are undone last to first.
// Unknown codings and gzip streams with a bad header pass through undecoded.
func decodeContent(body io.Reader, encoding string) io.Reader {
	codings := strings.Split(encoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		switch strings.ToLower(strings.TrimSpace(codings[i])) {
		case "gzip", "x-gzip":
			if gr, err := gzip.NewReader(body); err == nil {
				body = gr
			}
		case "deflate":
			body = flate.NewReader(body)
		case "br":
			body = brotli.NewReader(body)
		}
	}
	return body
}

// BodyReader reads a message body with its Content-Encoding removed. The
// chat backend answers JSON fetches brotli encoded and streams replies as
// text/event-stream.
type BodyReader struct {
	raw         io.Reader
	decoded     io.Reader
	contentType string
}

// NewBodyReader wraps body according to headers. It returns nil for a nil
// body.
func NewBodyReader(body io.Reader, headers http.Header) *BodyReader {
	if body == nil {
		return nil
	}
	return &BodyReader{
		raw:         body,
		decoded:     decodeContent(body, headers.Get("Content-Encoding")),
		contentType: headers.Get("Content-Type"),
	}
}

// Read implements io.Reader over the decoded body.
func (br *BodyReader) Read(p []byte) (int, error) {
	return br.decoded.Read(p)
}

// IsSSE reports whether the body is an event stream.
func (br *BodyReader) IsSSE() bool {
	return strings.Contains(br.contentType, "text/event-stream")
}

// SSE returns an event parser over the decoded body.
func (br *BodyReader) SSE() *SSEParser {
	return NewSSEParser(br.decoded)
}

// ContentType returns the Content-Type header value.
func (br *BodyReader) ContentType() string {
	return br.contentType
}

// ReadAll reads the whole decoded body.
func (br *BodyReader) ReadAll() ([]byte, error) {
	return io.ReadAll(br.decoded)
}

// ReadAllWithLimit reads at most limit decoded bytes.
func (br *BodyReader) ReadAllWithLimit(limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(br.decoded, limit))
}

// Drain discards whatever is left of the raw body.
func (br *BodyReader) Drain() {
	io.Copy(io.Discard, br.raw)
}

// Close closes the decoder, or the raw body when nothing was stacked on it.
func (br *BodyReader) Close() error {
	if c, ok := br.decoded.(io.Closer); ok {
		return c.Close()
	}
	if c, ok := br.raw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
