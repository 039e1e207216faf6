package extractor

import (
	"math"
	"time"
)

// SourcePatternMatch marks entries found only by the regex fallback.
const SourcePatternMatch = "pattern_match"

// NotFoundMessage is the error reported for a deleted or unknown conversation.
const NotFoundMessage = "Conversation not found"

// SearchQuery is a web search issued by the assistant.
type SearchQuery struct {
	Query     string `json:"query"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source,omitempty"`
}

// Thought is an intermediate "thinking" text.
type Thought struct {
	Thought   string `json:"thought"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source,omitempty"`
}

// Reasoning is a reasoning snippet.
type Reasoning struct {
	Reasoning string `json:"reasoning"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source,omitempty"`
}

// Timestamps groups the time stamps attached to a result.
type Timestamps struct {
	ExtractedAt         string `json:"extractedAt"`
	CapturedAt          string `json:"capturedAt,omitempty"`
	ConversationCreated string `json:"conversationCreated,omitempty"`
	ConversationUpdated string `json:"conversationUpdated,omitempty"`
}

// Metadata describes the analysed document and where it came from.
type Metadata struct {
	ConversationTitle string     `json:"conversationTitle,omitempty"`
	ConversationID    string     `json:"conversationId,omitempty"`
	TotalMessages     int        `json:"totalMessages,omitempty"`
	CaptureMethod     string     `json:"captureMethod,omitempty"`
	CaptureURL        string     `json:"captureUrl,omitempty"`
	Timestamps        Timestamps `json:"timestamps"`
}

// AnalysisResult is the output of one extraction.
type AnalysisResult struct {
	HasData                bool          `json:"hasData"`
	SearchQueries          []SearchQuery `json:"searchQueries"`
	Thoughts               []Thought     `json:"thoughts"`
	Reasoning              []Reasoning   `json:"reasoning"`
	Metadata               *Metadata     `json:"metadata,omitempty"`
	Error                  string        `json:"error,omitempty"`
	IsConversationNotFound bool          `json:"isConversationNotFound,omitempty"`
}

// ConversationID returns the conversation id recorded in the metadata.
func (r *AnalysisResult) ConversationID() string {
	if r == nil || r.Metadata == nil {
		return ""
	}
	return r.Metadata.ConversationID
}

// Findings is what a single strategy contributes to a result.
type Findings struct {
	SearchQueries []SearchQuery
	Thoughts      []Thought
	Reasoning     []Reasoning
}

// Empty reports whether nothing was found.
func (f Findings) Empty() bool {
	return len(f.SearchQueries) == 0 && len(f.Thoughts) == 0 && len(f.Reasoning) == 0
}

// Provenance describes how a payload was captured.
type Provenance struct {
	ConversationID string
	URL            string
	CaptureMethod  string
	CapturedAt     time.Time
}

const isoLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t as an ISO-8601 UTC string with milliseconds.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

// ParseTimestamp parses a string produced by FormatTimestamp (or RFC 3339).
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(isoLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// maxEpochSeconds is 9999-12-31T23:59:59Z, the last instant the ISO layout
// can render with a four digit year.
const maxEpochSeconds = 253402300799

// epochSeconds converts a float seconds value to a timestamp string. It
// reports false for values outside [0, maxEpochSeconds], NaN included.
func epochSeconds(sec float64) (string, bool) {
	if !(sec >= 0 && sec <= maxEpochSeconds) {
		return "", false
	}
	return FormatTimestamp(time.UnixMilli(int64(math.Round(sec * 1000)))), true
}
