package research

import (
	"fmt"
	"regexp"
	"strings"
)

const plannerSystemPrompt = `You are a research planner. Given a research goal and what has been learned so far, produce focused follow-up search queries. Output one query per line with no numbering, no commentary.`

const extractorSystemPrompt = `You are a research analyst. Extract discrete factual learnings from web search snippets. Output one learning per line prefixed with "- ". Each learning must be a standalone statement supported by the snippets. Do not invent facts.`

const reporterSystemPrompt = `You are a research writer. Produce a Markdown report with this structure: a "# " title line, a "## Summary" section of one short paragraph, a "## Key Learnings" numbered list citing source URLs inline, and a "## Sources" bulleted list of the URLs. No preamble outside the report.`

func planPrompt(query string, learnings []Learning, count int, budget int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research goal: %s\n\n", query)
	if block := formatLearnings(learnings, budget); block != "" {
		b.WriteString("Learned so far:\n")
		b.WriteString(block)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Produce up to %d follow-up search queries that would close the remaining gaps.", count)
	return b.String()
}

func extractPrompt(subQuery string, learnings []Learning, results []string, budget int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sub-query: %s\n\n", subQuery)
	if block := formatLearnings(learnings, budget); block != "" {
		b.WriteString("Already known:\n")
		b.WriteString(block)
		b.WriteString("\n")
	}
	b.WriteString("Search snippets:\n")
	for _, r := range results {
		b.WriteString(r)
		b.WriteString("\n")
	}
	b.WriteString("\nExtract the new learnings.")
	return b.String()
}

func reportPrompt(query string, learnings []Learning, sources []string, budget int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research goal: %s\n\nLearnings:\n", query)
	b.WriteString(formatLearnings(learnings, budget))
	b.WriteString("\nSources:\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	b.WriteString("\nWrite the final report.")
	return b.String()
}

// formatLearnings renders learnings as a bulleted block, keeping the most
// recent entries when the rendered block would exceed the character budget.
// A budget of 0 disables truncation.
func formatLearnings(learnings []Learning, budget int) string {
	if len(learnings) == 0 {
		return ""
	}
	lines := make([]string, len(learnings))
	for i, l := range learnings {
		lines[i] = "- " + l.Text
	}
	if budget > 0 {
		total := 0
		start := len(lines)
		for start > 0 {
			next := total + len(lines[start-1]) + 1
			if next > budget && start < len(lines) {
				break
			}
			// Keep at least the newest learning even if it alone exceeds
			// the budget.
			total = next
			start--
			if total > budget {
				break
			}
		}
		lines = lines[start:]
	}
	return strings.Join(lines, "\n") + "\n"
}

var listPrefixRe = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

// parseLines splits LLM output into cleaned list items: leading bullets and
// numbering removed, surrounding quotes stripped, blanks dropped.
func parseLines(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = listPrefixRe.ReplaceAllString(line, "")
		line = strings.Trim(strings.TrimSpace(line), `"'`)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// parseSubQueries validates planner output: non-empty lines, each at most
// maxLen characters, at most count entries.
func parseSubQueries(content string, count, maxLen int) []string {
	var out []string
	for _, line := range parseLines(content) {
		if len(out) >= count {
			break
		}
		if len([]rune(line)) > maxLen {
			continue
		}
		out = append(out, line)
	}
	return out
}
