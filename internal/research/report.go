package research

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderHTML converts a Markdown report to HTML for export.
func RenderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

// renderFallbackReport builds the report locally when the final LLM call
// fails. Same section layout the reporter prompt asks for.
func renderFallbackReport(run *Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research: %s\n\n", run.Query.Original)

	b.WriteString("## Summary\n\n")
	b.WriteString(fallbackSummary(run))
	b.WriteString("\n\n## Key Learnings\n\n")
	for i, l := range run.Learnings {
		fmt.Fprintf(&b, "%d. %s", i+1, l.Text)
		if len(l.Sources) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(l.Sources, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n## Sources\n\n")
	for _, s := range run.Sources {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	return b.String()
}

func fallbackSummary(run *Run) string {
	n := len(run.Learnings)
	if n > 3 {
		n = 3
	}
	parts := make([]string, 0, n)
	for _, l := range run.Learnings[:n] {
		parts = append(parts, l.Text)
	}
	return strings.Join(parts, " ")
}

// extractSummary pulls the paragraph under the first "## " heading out of a
// Markdown report, which the reporter prompt places at "## Summary".
func extractSummary(md string) string {
	lines := strings.Split(md, "\n")
	inSection := false
	var para []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			if inSection {
				break
			}
			inSection = true
			continue
		}
		if !inSection {
			continue
		}
		if trimmed == "" {
			if len(para) > 0 {
				break
			}
			continue
		}
		para = append(para, trimmed)
	}
	return strings.Join(para, " ")
}
