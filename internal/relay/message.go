// Package relay carries captured payloads from the page side to the content
// side and routes addressed commands between the content and background
// endpoints.
package relay

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/burpheart/gpt-tap/internal/extractor"
	"github.com/burpheart/gpt-tap/internal/hook"
)

// MessageType tags page messages that carry captured conversation data.
const MessageType = "CHATGPT_NETWORK_DATA"

// Source names the capture method of a payload.
type Source string

const (
	SourceNetwork Source = "network_capture"
	SourceFetch   Source = "fetch_capture"
	SourceXHR     Source = "xhr_capture"
)

// SourceFor maps the primitive a response was seen on to its capture method.
func SourceFor(p hook.Primitive) Source {
	switch p {
	case hook.PrimitiveFetch:
		return SourceFetch
	case hook.PrimitiveXHR:
		return SourceXHR
	default:
		return SourceNetwork
	}
}

// PageMessage is posted on the page channel by an interceptor.
type PageMessage struct {
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
	ConversationID string          `json:"conversationId"`
	URL            string          `json:"url"`
	Timestamp      int64           `json:"timestamp"`
	Source         Source          `json:"source"`
}

// Window identifies the page a message was posted from.
type Window struct {
	TabID  string
	Origin string
}

// OriginOf returns scheme://host of rawURL, or "" if it has none.
func OriginOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// CapturedPayload is a payload on its way to the extractor. Every payload
// carries the conversation id, source URL, capture method and capture time.
type CapturedPayload struct {
	ConversationID string          `json:"conversationId"`
	URL            string          `json:"url"`
	Source         Source          `json:"source"`
	CapturedAt     time.Time       `json:"capturedAt"`
	Data           json.RawMessage `json:"data"`
}

// Payload converts a page message into a captured payload.
func (m PageMessage) Payload() CapturedPayload {
	return CapturedPayload{
		ConversationID: m.ConversationID,
		URL:            m.URL,
		Source:         m.Source,
		CapturedAt:     time.UnixMilli(m.Timestamp),
		Data:           m.Data,
	}
}

// Provenance returns the extractor provenance for the payload.
func (p CapturedPayload) Provenance() extractor.Provenance {
	return extractor.Provenance{
		ConversationID: p.ConversationID,
		URL:            p.URL,
		CaptureMethod:  string(p.Source),
		CapturedAt:     p.CapturedAt,
	}
}
