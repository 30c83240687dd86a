package research

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const maxSlugRunes = 80

// FilenameSlug derives a stable Markdown filename from a query. The text is
// NFKC-normalized and case-folded first so visually equivalent queries from
// different locales map to the same name; runs of anything that is not a
// letter or digit collapse to a single hyphen.
func FilenameSlug(query string) string {
	folded := cases.Fold().String(norm.NFKC.String(query))

	var b strings.Builder
	lastHyphen := true
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteRune('-')
			lastHyphen = true
		}
	}

	slug := strings.Trim(b.String(), "-")
	if runes := []rune(slug); len(runes) > maxSlugRunes {
		slug = strings.Trim(string(runes[:maxSlugRunes]), "-")
	}
	if slug == "" {
		slug = "research"
	}
	return slug + ".md"
}
