// Package extractor pulls search queries, thoughts and reasoning snippets out
// of a captured conversation document.
//
// Extraction runs a list of strategies. The first strategy is authoritative;
// every later strategy only contributes entries whose text is not already
// present (exact equality), in the order it found them. The default list is
// the structural walk over the conversation mapping followed by the regex
// fallback over the serialized document.
package extractor

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Document is a decoded input shared by all strategies.
type Document struct {
	// Raw is the serialized document the pattern pass scans.
	Raw []byte
	// Root holds the top-level fields in their undecoded form.
	Root map[string]json.RawMessage
	// CapturedAt stamps entries that carry no time of their own.
	CapturedAt time.Time
}

// Strategy contributes findings for a document.
type Strategy interface {
	Name() string
	Extract(doc *Document) Findings
}

// Extractor runs strategies over documents.
type Extractor struct {
	now        func() time.Time
	marker     string
	strategies []Strategy
	custom     bool
	noPattern  bool
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithClock sets the time source used for capture-time stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// WithReasoningMarker sets the phrase that flags free text as reasoning.
func WithReasoningMarker(marker string) Option {
	return func(e *Extractor) { e.marker = marker }
}

// WithStrategies replaces the default strategy list.
func WithStrategies(s ...Strategy) Option {
	return func(e *Extractor) {
		e.strategies = s
		e.custom = true
	}
}

// WithoutPatternFallback drops the regex pass from the default list.
func WithoutPatternFallback() Option {
	return func(e *Extractor) { e.noPattern = true }
}

// New creates an Extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		now:    time.Now,
		marker: DefaultReasoningMarker,
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.custom {
		e.strategies = []Strategy{&Structural{Marker: e.marker}}
		if !e.noPattern {
			e.strategies = append(e.strategies, &Pattern{})
		}
	}
	return e
}

// Strategies returns the names of the configured strategies in order.
func (e *Extractor) Strategies() []string {
	names := make([]string, 0, len(e.strategies))
	for _, s := range e.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Extract analyses a serialized JSON document.
func (e *Extractor) Extract(raw []byte) *AnalysisResult {
	return e.ExtractWithProvenance(raw, Provenance{})
}

// ExtractValue marshals v and analyses it.
func (e *Extractor) ExtractValue(v any) *AnalysisResult {
	raw, err := json.Marshal(v)
	if err != nil {
		return emptyResult()
	}
	return e.Extract(raw)
}

// ExtractWithProvenance analyses raw and records how it was captured.
func (e *Extractor) ExtractWithProvenance(raw []byte, prov Provenance) *AnalysisResult {
	extractedAt := e.now()
	if prov.CapturedAt.IsZero() {
		prov.CapturedAt = extractedAt
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return emptyResult()
	}
	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil || root == nil {
		return emptyResult()
	}

	if isNotFound(root["detail"]) {
		res := emptyResult()
		res.Error = NotFoundMessage
		res.IsConversationNotFound = true
		return res
	}

	doc := &Document{Raw: raw, Root: root, CapturedAt: prov.CapturedAt}

	var merged Findings
	seen := newSeenSet()
	for i, s := range e.strategies {
		f := s.Extract(doc)
		if i == 0 {
			merged = f
			seen.addAll(f)
			continue
		}
		seen.mergeInto(&merged, f)
	}

	res := emptyResult()
	if merged.SearchQueries != nil {
		res.SearchQueries = merged.SearchQueries
	}
	if merged.Thoughts != nil {
		res.Thoughts = merged.Thoughts
	}
	if merged.Reasoning != nil {
		res.Reasoning = merged.Reasoning
	}
	res.HasData = !merged.Empty()
	res.Metadata = buildMetadata(root, prov, extractedAt)
	return res
}

func emptyResult() *AnalysisResult {
	return &AnalysisResult{
		SearchQueries: []SearchQuery{},
		Thoughts:      []Thought{},
		Reasoning:     []Reasoning{},
	}
}

// isNotFound detects {"detail":"conversation_not_found"} and the object form
// {"detail":{"code":"conversation_not_found"}}.
func isNotFound(detail json.RawMessage) bool {
	if len(detail) == 0 {
		return false
	}
	var s string
	if json.Unmarshal(detail, &s) == nil {
		return looksNotFound(s)
	}
	var obj struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(detail, &obj) == nil {
		return looksNotFound(obj.Code) || looksNotFound(obj.Message)
	}
	return false
}

func looksNotFound(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "not_found") || strings.Contains(s, "not found")
}

func buildMetadata(root map[string]json.RawMessage, prov Provenance, extractedAt time.Time) *Metadata {
	md := &Metadata{
		CaptureMethod: prov.CaptureMethod,
		CaptureURL:    prov.URL,
		Timestamps: Timestamps{
			ExtractedAt: FormatTimestamp(extractedAt),
			CapturedAt:  FormatTimestamp(prov.CapturedAt),
		},
	}

	var title string
	if json.Unmarshal(root["title"], &title) == nil {
		md.ConversationTitle = title
	}

	var id string
	if json.Unmarshal(root["conversation_id"], &id) == nil && id != "" {
		md.ConversationID = id
	} else {
		md.ConversationID = prov.ConversationID
	}

	if keys, _, err := orderedObject(root["mapping"]); err == nil {
		md.TotalMessages = len(keys)
	}

	var created, updated float64
	if json.Unmarshal(root["create_time"], &created) == nil && created > 0 {
		md.Timestamps.ConversationCreated, _ = epochSeconds(created)
	}
	if json.Unmarshal(root["update_time"], &updated) == nil && updated > 0 {
		md.Timestamps.ConversationUpdated, _ = epochSeconds(updated)
	}
	return md
}

// seenSet tracks entry texts already present in a result.
type seenSet struct {
	queries   map[string]bool
	thoughts  map[string]bool
	reasoning map[string]bool
}

func newSeenSet() *seenSet {
	return &seenSet{
		queries:   map[string]bool{},
		thoughts:  map[string]bool{},
		reasoning: map[string]bool{},
	}
}

func (s *seenSet) addAll(f Findings) {
	for _, q := range f.SearchQueries {
		s.queries[q.Query] = true
	}
	for _, t := range f.Thoughts {
		s.thoughts[t.Thought] = true
	}
	for _, r := range f.Reasoning {
		s.reasoning[r.Reasoning] = true
	}
}

func (s *seenSet) mergeInto(dst *Findings, src Findings) {
	for _, q := range src.SearchQueries {
		if !s.queries[q.Query] {
			s.queries[q.Query] = true
			dst.SearchQueries = append(dst.SearchQueries, q)
		}
	}
	for _, t := range src.Thoughts {
		if !s.thoughts[t.Thought] {
			s.thoughts[t.Thought] = true
			dst.Thoughts = append(dst.Thoughts, t)
		}
	}
	for _, r := range src.Reasoning {
		if !s.reasoning[r.Reasoning] {
			s.reasoning[r.Reasoning] = true
			dst.Reasoning = append(dst.Reasoning, r)
		}
	}
}

// orderedObject decodes a JSON object keeping its key order.
func orderedObject(raw json.RawMessage) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, errNotObject
	}
	var keys []string
	values := map[string]json.RawMessage{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, _ := tok.(string)
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, dup := values[key]; !dup {
			keys = append(keys, key)
		}
		values[key] = v
	}
	return keys, values, nil
}
