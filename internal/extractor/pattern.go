package extractor

import (
	"encoding/json"
	"regexp"
)

// jsonString matches the body of a JSON string literal.
const jsonString = `"((?:[^"\\]|\\.)*)"`

var (
	queryPattern     = regexp.MustCompile(`"(?:query|search_query|q)"\s*:\s*` + jsonString)
	thoughtPattern   = regexp.MustCompile(`"(?:thinking|thought)"\s*:\s*` + jsonString)
	reasoningPattern = regexp.MustCompile(`"reasoning"\s*:\s*` + jsonString)
)

// Pattern scans the serialized document with fixed regexes. It finds values
// the structural walk does not know about, at the price of false positives
// (user turns, unrelated fields with the same key).
type Pattern struct{}

// Name implements Strategy.
func (p *Pattern) Name() string { return SourcePatternMatch }

// Extract implements Strategy.
func (p *Pattern) Extract(doc *Document) Findings {
	ts := FormatTimestamp(doc.CapturedAt)
	var f Findings
	for _, q := range scan(queryPattern, doc.Raw) {
		f.SearchQueries = append(f.SearchQueries, SearchQuery{Query: q, Timestamp: ts, Source: SourcePatternMatch})
	}
	for _, t := range scan(thoughtPattern, doc.Raw) {
		f.Thoughts = append(f.Thoughts, Thought{Thought: t, Timestamp: ts, Source: SourcePatternMatch})
	}
	for _, r := range scan(reasoningPattern, doc.Raw) {
		f.Reasoning = append(f.Reasoning, Reasoning{Reasoning: r, Timestamp: ts, Source: SourcePatternMatch})
	}
	return f
}

// scan returns the unescaped, non-empty string values captured by re.
func scan(re *regexp.Regexp, raw []byte) []string {
	var out []string
	for _, m := range re.FindAllSubmatch(raw, -1) {
		var s string
		if err := json.Unmarshal(append(append([]byte{'"'}, m[1]...), '"'), &s); err != nil {
			continue
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
