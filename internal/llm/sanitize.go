package llm

import (
	"regexp"
	"strings"
)

// Reasoning models interleave <think>/<thinking> blocks with the answer.
// Those segments are stripped from user-facing content but preserved so
// diagnostics can inspect them.
var (
	thinkBlockRe = regexp.MustCompile(`(?s)<think(?:ing)?>(.*?)</think(?:ing)?>`)
	thinkOpenRe  = regexp.MustCompile(`(?s)<think(?:ing)?>(.*)$`)
)

// StripThinking removes reasoning segments from a completion, returning the
// cleaned content and the concatenated reasoning text. An unterminated
// opening tag swallows the rest of the string, which matches how truncated
// streams arrive.
func StripThinking(content string) (clean, reasoning string) {
	var parts []string

	clean = thinkBlockRe.ReplaceAllStringFunc(content, func(m string) string {
		sub := thinkBlockRe.FindStringSubmatch(m)
		if len(sub) > 1 && strings.TrimSpace(sub[1]) != "" {
			parts = append(parts, strings.TrimSpace(sub[1]))
		}
		return ""
	})
	clean = thinkOpenRe.ReplaceAllStringFunc(clean, func(m string) string {
		sub := thinkOpenRe.FindStringSubmatch(m)
		if len(sub) > 1 && strings.TrimSpace(sub[1]) != "" {
			parts = append(parts, strings.TrimSpace(sub[1]))
		}
		return ""
	})

	return strings.TrimSpace(clean), strings.Join(parts, "\n")
}
