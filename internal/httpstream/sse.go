package httpstream

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
)

// DoneSentinel is the data line the chat backend sends to end a stream.
const DoneSentinel = "[DONE]"

// Done reports whether e is the end-of-stream marker.
func (e *SSEEvent) Done() bool {
	return strings.TrimSpace(e.Data) == DoneSentinel
}

// SSEParser reads server-sent events. It is lenient: a missing colon is
// taken as "field value", and a trailing event without a blank line is
// still returned at EOF.
type SSEParser struct {
	r      *bufio.Reader
	lastID string
}

// NewSSEParser creates a parser reading from r.
func NewSSEParser(r io.Reader) *SSEParser {
	return &SSEParser{r: bufio.NewReader(r)}
}

// Next returns the next event, or io.EOF when the stream ends.
func (p *SSEParser) Next() (*SSEEvent, error) {
	ev := &SSEEvent{ID: p.lastID}
	var raw [][]byte
	var data []string

	finish := func() *SSEEvent {
		ev.Data = strings.Join(data, "\n")
		ev.Raw = bytes.Join(raw, []byte("\n"))
		return ev
	}

	for {
		line, err := p.r.ReadBytes('\n')
		if len(line) > 0 {
			raw = append(raw, line)
			line = bytes.TrimRight(line, "\r\n")

			switch {
			case len(line) == 0:
				if len(data) > 0 {
					return finish(), nil
				}
				raw = raw[:0]
				continue
			case line[0] == ':':
				continue
			}

			field, value := parseSSEField(line)
			switch field {
			case "data":
				data = append(data, value)
			case "event":
				ev.Event = value
			case "id":
				if !strings.ContainsRune(value, 0) {
					ev.ID = value
					p.lastID = value
				}
			case "retry":
				if n, err := strconv.Atoi(value); err == nil && n >= 0 {
					ev.Retry = n
				}
			}
		}
		if err != nil {
			if len(data) > 0 {
				return finish(), nil
			}
			return nil, err
		}
	}
}

// parseSSEField splits "field: value", "field:value" or "field value".
func parseSSEField(line []byte) (field, value string) {
	if i := bytes.IndexByte(line, ':'); i >= 0 {
		return string(line[:i]), strings.TrimPrefix(string(line[i+1:]), " ")
	}
	if f, v, ok := bytes.Cut(line, []byte(" ")); ok {
		return string(f), string(bytes.TrimSpace(v))
	}
	return string(line), ""
}

// ReadAll reads events until the stream ends or the done sentinel arrives.
func (p *SSEParser) ReadAll() ([]SSEEvent, error) {
	var events []SSEEvent
	for {
		ev, err := p.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, *ev)
		if ev.Done() {
			return events, nil
		}
	}
}
