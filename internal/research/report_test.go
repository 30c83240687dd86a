package research

import (
	"strings"
	"testing"
)

func TestFilenameSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"The History of Stoicism", "the-history-of-stoicism.md"},
		{"  spaces   and\ttabs  ", "spaces-and-tabs.md"},
		{"C++ vs. Rust: a comparison!", "c-vs-rust-a-comparison.md"},
		{"Straße und Maß", "strasse-und-mass.md"},
		{"ĉapelo ĉe ĝardeno", "ĉapelo-ĉe-ĝardeno.md"},
		{"???", "research.md"},
		{"", "research.md"},
	}
	for _, tt := range tests {
		if got := FilenameSlug(tt.in); got != tt.want {
			t.Errorf("FilenameSlug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFilenameSlugCapsLength(t *testing.T) {
	got := FilenameSlug(strings.Repeat("word ", 50))
	if len([]rune(got)) > maxSlugRunes+len(".md") {
		t.Errorf("slug too long: %d runes", len([]rune(got)))
	}
	if !strings.HasSuffix(got, ".md") {
		t.Errorf("missing extension: %q", got)
	}
	if strings.HasSuffix(strings.TrimSuffix(got, ".md"), "-") {
		t.Errorf("trailing hyphen after cap: %q", got)
	}
}

func TestNormalizeText(t *testing.T) {
	a := normalizeText("Zeno  Founded\tStoicism")
	b := normalizeText("zeno founded stoicism")
	if a != b {
		t.Errorf("%q != %q", a, b)
	}
	// NFKC folds the ligature, case folding handles sharp s.
	if normalizeText("ﬁne Straße") != normalizeText("FINE STRASSE") {
		t.Errorf("unicode normalization not applied")
	}
}

func TestParseSubQueries(t *testing.T) {
	content := "1. first query\n2) second query\n- third query\n\n\"quoted query\"\n" +
		strings.Repeat("x", 500) + "\nfifth query"
	got := parseSubQueries(content, 10, 400)
	want := []string{"first query", "second query", "third query", "quoted query", "fifth query"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("query[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if capped := parseSubQueries(content, 2, 400); len(capped) != 2 {
		t.Errorf("cap ignored: %v", capped)
	}
}

func TestFormatLearningsTruncatesOldest(t *testing.T) {
	learnings := []Learning{
		{Text: "oldest learning about alpha"},
		{Text: "middle learning about beta"},
		{Text: "newest learning about gamma"},
	}
	full := formatLearnings(learnings, 0)
	for _, l := range learnings {
		if !strings.Contains(full, l.Text) {
			t.Errorf("unbounded format dropped %q", l.Text)
		}
	}

	tight := formatLearnings(learnings, 60)
	if strings.Contains(tight, "oldest") {
		t.Errorf("oldest entry must be dropped first: %q", tight)
	}
	if !strings.Contains(tight, "newest") {
		t.Errorf("newest entry must survive: %q", tight)
	}
}

func TestExtractSummary(t *testing.T) {
	if got := extractSummary(sampleReport); got != "Stoicism began with Zeno of Citium around 300 BC." {
		t.Errorf("summary = %q", got)
	}
	if got := extractSummary("# Title only\n\nno sections"); got != "" {
		t.Errorf("expected empty summary, got %q", got)
	}
}

func TestRenderHTML(t *testing.T) {
	html, err := RenderHTML(sampleReport)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if !strings.Contains(html, "<h1") || !strings.Contains(html, "<h2") {
		t.Errorf("headings missing: %q", html)
	}
	if !strings.Contains(html, "https://a.example") {
		t.Errorf("source link missing")
	}
}

func TestRenderFallbackReport(t *testing.T) {
	run := &Run{
		Query: Query{Original: "test topic"},
		Learnings: []Learning{
			{Text: "fact one", Sources: []string{"https://a.example"}},
			{Text: "fact two", Sources: []string{"https://b.example"}},
		},
		Sources: []string{"https://a.example", "https://b.example"},
	}
	md := renderFallbackReport(run)
	for _, want := range []string{"# Research: test topic", "## Summary", "1. fact one", "2. fact two", "## Sources", "- https://b.example"} {
		if !strings.Contains(md, want) {
			t.Errorf("fallback report missing %q", want)
		}
	}
	if _, err := RenderHTML(md); err != nil {
		t.Errorf("fallback report must render: %v", err)
	}
}
