// Package render turns analysis results into markdown for the terminal.
package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/pkg/errors"

	"github.com/burpheart/gpt-tap/internal/extractor"
)

// Markdown builds the markdown document for r.
func Markdown(r *extractor.AnalysisResult) string {
	var b strings.Builder

	title := "Conversation analysis"
	if r != nil && r.Metadata != nil && r.Metadata.ConversationTitle != "" {
		title = r.Metadata.ConversationTitle
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	if r == nil {
		b.WriteString("_No analysis._\n")
		return b.String()
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "> **Error:** %s\n\n", r.Error)
		if r.IsConversationNotFound {
			return b.String()
		}
	}

	if md := r.Metadata; md != nil {
		if md.ConversationID != "" {
			fmt.Fprintf(&b, "- **Conversation:** `%s`\n", md.ConversationID)
		}
		if md.TotalMessages > 0 {
			fmt.Fprintf(&b, "- **Messages:** %d\n", md.TotalMessages)
		}
		if md.CaptureMethod != "" {
			fmt.Fprintf(&b, "- **Captured via:** %s\n", md.CaptureMethod)
		}
		if md.Timestamps.CapturedAt != "" {
			fmt.Fprintf(&b, "- **Captured at:** %s\n", md.Timestamps.CapturedAt)
		}
		b.WriteString("\n")
	}

	if !r.HasData {
		b.WriteString("_No search queries, thoughts or reasoning found._\n")
		return b.String()
	}

	if len(r.SearchQueries) > 0 {
		fmt.Fprintf(&b, "## Search queries (%d)\n\n", len(r.SearchQueries))
		for i, q := range r.SearchQueries {
			fmt.Fprintf(&b, "%d. %s%s\n", i+1, inline(q.Query), suffix(q.Timestamp, q.Source))
		}
		b.WriteString("\n")
	}
	if len(r.Thoughts) > 0 {
		fmt.Fprintf(&b, "## Thoughts (%d)\n\n", len(r.Thoughts))
		for _, t := range r.Thoughts {
			fmt.Fprintf(&b, "%s\n\n", quote(t.Thought))
		}
	}
	if len(r.Reasoning) > 0 {
		fmt.Fprintf(&b, "## Reasoning (%d)\n\n", len(r.Reasoning))
		for _, x := range r.Reasoning {
			fmt.Fprintf(&b, "%s\n\n", quote(x.Reasoning))
		}
	}
	return b.String()
}

// Terminal renders r with glamour. style is a glamour style name; empty
// picks one from the terminal background.
func Terminal(r *extractor.AnalysisResult, style string, width int) (string, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStylePath(style))
	}
	tr, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", errors.Wrap(err, "create renderer")
	}
	out, err := tr.Render(Markdown(r))
	if err != nil {
		return "", errors.Wrap(err, "render markdown")
	}
	return out, nil
}

func inline(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func suffix(ts, source string) string {
	var parts []string
	if ts != "" {
		parts = append(parts, ts)
	}
	if source != "" {
		parts = append(parts, source)
	}
	if len(parts) == 0 {
		return ""
	}
	return " _(" + strings.Join(parts, ", ") + ")_"
}

func quote(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}
