package extractor

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// DefaultReasoningMarker flags free text as a reasoning snippet.
const DefaultReasoningMarker = "Let me think"

var errNotObject = errors.New("not a JSON object")

// Structural walks the conversation mapping and reads the known message
// shapes of assistant turns.
type Structural struct {
	Marker string
}

// Name implements Strategy.
func (s *Structural) Name() string { return "structural" }

// Extract implements Strategy.
func (s *Structural) Extract(doc *Document) Findings {
	w := &walker{
		marker:   s.Marker,
		fallback: FormatTimestamp(doc.CapturedAt),
		seen:     newSeenSet(),
	}
	keys, nodes, err := orderedObject(doc.Root["mapping"])
	if err != nil {
		return Findings{}
	}
	for _, key := range keys {
		var node map[string]any
		if json.Unmarshal(nodes[key], &node) != nil {
			continue
		}
		msg, ok := node["message"].(map[string]any)
		if !ok {
			continue
		}
		if role := str(obj(msg, "author"), "role"); role != "assistant" {
			continue
		}
		w.message(msg)
	}
	return w.out
}

type walker struct {
	marker   string
	fallback string
	seen     *seenSet
	out      Findings

	ts string
}

func (w *walker) message(msg map[string]any) {
	w.ts = w.fallback
	if ct, ok := msg["create_time"].(float64); ok {
		if ts, ok := epochSeconds(ct); ok {
			w.ts = ts
		}
	}

	if calls, ok := msg["tool_calls"].([]any); ok {
		for _, c := range calls {
			if call, ok := c.(map[string]any); ok {
				w.toolCall(call)
			}
		}
	}

	switch content := msg["content"].(type) {
	case []any:
		w.blocks(content)
	case map[string]any:
		w.content(content)
	case string:
		w.text(content)
	}

	md := obj(msg, "metadata")
	switch th := md["thinking"].(type) {
	case string:
		w.thought(th)
	case []any:
		for _, v := range th {
			if s, ok := v.(string); ok {
				w.thought(s)
			}
		}
	}
	if qs, ok := md["search_queries"].([]any); ok {
		for _, v := range qs {
			q, _ := v.(map[string]any)
			if s := str(q, "q"); s != "" {
				w.query(s)
			} else {
				w.query(str(q, "query"))
			}
		}
	}
}

func (w *walker) content(c map[string]any) {
	switch str(c, "content_type") {
	case "thoughts":
		if items, ok := c["thoughts"].([]any); ok {
			for _, it := range items {
				if t, ok := it.(map[string]any); ok {
					w.thought(str(t, "content"))
				}
			}
		}
		return
	case "reasoning_recap":
		w.reasoning(str(c, "content"))
		return
	}
	if parts, ok := c["parts"].([]any); ok {
		w.blocks(parts)
	}
	if text := str(c, "text"); text != "" {
		w.text(text)
	}
}

func (w *walker) blocks(blocks []any) {
	for _, b := range blocks {
		switch block := b.(type) {
		case string:
			w.text(block)
		case map[string]any:
			w.block(block)
		}
	}
}

func (w *walker) block(b map[string]any) {
	if bs := obj(b, "browser_search"); bs != nil {
		w.query(str(bs, "query"))
	}
	if tu := obj(b, "tool_use"); tu != nil && isBrowserTool(str(tu, "name")) {
		w.query(str(obj(tu, "input"), "query"))
	}
	if str(b, "type") == "tool_use" && isBrowserTool(str(b, "name")) {
		w.query(str(obj(b, "input"), "query"))
	}
	w.toolCall(b)
	if r := str(b, "reasoning"); r != "" {
		w.reasoning(r)
	}
	if text := str(b, "text"); text != "" {
		w.text(text)
	}
}

func (w *walker) toolCall(call map[string]any) {
	switch str(call, "type") {
	case "browser":
		br := obj(call, "browser")
		if str(br, "type") == "search" {
			w.query(str(br, "query"))
		}
	case "function":
		fn := obj(call, "function")
		if !strings.Contains(strings.ToLower(str(fn, "name")), "search") {
			return
		}
		args := obj(fn, "arguments")
		if args == nil {
			if s := str(fn, "arguments"); s != "" {
				_ = json.Unmarshal([]byte(s), &args)
			}
		}
		if q := str(args, "query"); q != "" {
			w.query(q)
		} else {
			w.query(str(args, "q"))
		}
	}
}

func (w *walker) text(s string) {
	if w.marker != "" && strings.Contains(s, w.marker) {
		w.reasoning(s)
	}
}

func (w *walker) query(q string) {
	if q == "" || w.seen.queries[q] {
		return
	}
	w.seen.queries[q] = true
	w.out.SearchQueries = append(w.out.SearchQueries, SearchQuery{Query: q, Timestamp: w.ts})
}

func (w *walker) thought(t string) {
	if t == "" || w.seen.thoughts[t] {
		return
	}
	w.seen.thoughts[t] = true
	w.out.Thoughts = append(w.out.Thoughts, Thought{Thought: t, Timestamp: w.ts})
}

func (w *walker) reasoning(r string) {
	if r == "" || w.seen.reasoning[r] {
		return
	}
	w.seen.reasoning[r] = true
	w.out.Reasoning = append(w.out.Reasoning, Reasoning{Reasoning: r, Timestamp: w.ts})
}

func isBrowserTool(name string) bool {
	name = strings.ToLower(name)
	return strings.Contains(name, "browser") || strings.Contains(name, "web.search") || name == "web"
}

func obj(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}
