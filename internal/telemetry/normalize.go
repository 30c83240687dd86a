package telemetry

import (
	"math"
	"strings"
)

// Field length bounds enforced during normalization. Oversized inputs are
// truncated, never rejected.
const (
	maxQueryLen      = 280
	maxRecordIDLen   = 80
	maxPreviewLen    = 260
	maxSourceLen     = 120
	maxPromptLen     = 240
	maxFocusLen      = 120
	maxRecords       = 6
	maxSuggestions   = 6
	maxTagsPerRecord = 5
)

// Status is the input for EmitStatus.
type Status struct {
	Stage    string
	Message  string
	Detail   string
	Progress any // opaque progress payload forwarded as-is, or nil
	Meta     map[string]any
}

func normalizeStatus(s Status) map[string]any {
	return map[string]any{
		"stage":    s.Stage,
		"message":  s.Message,
		"detail":   nilIfEmpty(s.Detail),
		"progress": s.Progress,
		"meta":     emptyMeta(s.Meta),
	}
}

// Thought is the input for EmitThought.
type Thought struct {
	Text   string
	Source string
	Stage  string
	Meta   map[string]any
}

func normalizeThought(t Thought) map[string]any {
	return map[string]any{
		"text":   t.Text,
		"source": nilIfEmpty(t.Source),
		"stage":  nilIfEmpty(t.Stage),
		"meta":   emptyMeta(t.Meta),
	}
}

// Progress is the input for EmitProgress.
type Progress struct {
	Completed      int
	Total          int
	Status         string
	Message        string
	CurrentDepth   int
	TotalDepth     int
	CurrentBreadth int
	TotalBreadth   int
}

func normalizeProgress(p Progress) map[string]any {
	completed := clampNonNegative(p.Completed)
	total := clampNonNegative(p.Total)
	var percent any
	if total > 0 {
		percent = int(math.Round(100 * float64(completed) / float64(total)))
	}
	return map[string]any{
		"completed":       completed,
		"total":           total,
		"status":          nilIfEmpty(p.Status),
		"message":         nilIfEmpty(p.Message),
		"currentDepth":    p.CurrentDepth,
		"totalDepth":      p.TotalDepth,
		"currentBreadth":  p.CurrentBreadth,
		"totalBreadth":    p.TotalBreadth,
		"percentComplete": percent,
	}
}

// Complete is the input for EmitComplete, the terminal event of a run.
type Complete struct {
	Success           bool
	DurationMs        int64 // negative means unknown
	Learnings         int
	Sources           int
	SuggestedFilename string
	Error             string
	Summary           string
	Meta              map[string]any
}

func normalizeComplete(c Complete) map[string]any {
	var duration any
	if c.DurationMs >= 0 {
		duration = c.DurationMs
	}
	return map[string]any{
		"success":           c.Success,
		"durationMs":        duration,
		"learnings":         clampNonNegative(c.Learnings),
		"sources":           clampNonNegative(c.Sources),
		"suggestedFilename": nilIfEmpty(c.SuggestedFilename),
		"error":             nilIfEmpty(c.Error),
		"summary":           nilIfEmpty(c.Summary),
		"meta":              emptyMeta(c.Meta),
	}
}

// MemoryStats counts memory activity during a run.
type MemoryStats struct {
	Stored         int
	Retrieved      int
	Validated      int
	Summarized     int
	EphemeralCount int
	ValidatedCount int
}

// MemoryRecord is one retrieved memory shown to the operator.
type MemoryRecord struct {
	ID        string
	Layer     string
	Preview   string
	Tags      []string
	Source    string
	Score     float64 // outside [0,1] means unknown
	Timestamp int64   // epoch millis; <=0 means unknown
}

// MemoryContext is the input for EmitMemoryContext.
type MemoryContext struct {
	Query   string
	Stats   MemoryStats
	Records []MemoryRecord
}

func normalizeMemory(m MemoryContext) map[string]any {
	records := make([]map[string]any, 0, min(len(m.Records), maxRecords))
	for _, r := range m.Records {
		if len(records) >= maxRecords {
			break
		}
		var score any
		if r.Score >= 0 && r.Score <= 1 {
			score = r.Score
		}
		var ts any
		if r.Timestamp > 0 {
			ts = r.Timestamp
		}
		records = append(records, map[string]any{
			"id":        truncate(r.ID, maxRecordIDLen),
			"layer":     r.Layer,
			"preview":   truncate(r.Preview, maxPreviewLen),
			"tags":      cleanTags(r.Tags),
			"source":    truncate(r.Source, maxSourceLen),
			"score":     score,
			"timestamp": ts,
		})
	}
	return map[string]any{
		"query": truncate(m.Query, maxQueryLen),
		"stats": map[string]any{
			"stored":         clampNonNegative(m.Stats.Stored),
			"retrieved":      clampNonNegative(m.Stats.Retrieved),
			"validated":      clampNonNegative(m.Stats.Validated),
			"summarized":     clampNonNegative(m.Stats.Summarized),
			"ephemeralCount": clampNonNegative(m.Stats.EphemeralCount),
			"validatedCount": clampNonNegative(m.Stats.ValidatedCount),
		},
		"records": records,
	}
}

// Suggestion is one follow-up research prompt.
type Suggestion struct {
	Prompt   string
	Focus    string
	Layer    string
	MemoryID string
	Tags     []string
	Score    float64
}

// Suggestions is the input for EmitSuggestions.
type Suggestions struct {
	Source      string
	GeneratedAt int64 // epoch millis
	Items       []Suggestion
}

func normalizeSuggestions(s Suggestions) map[string]any {
	items := make([]map[string]any, 0, min(len(s.Items), maxSuggestions))
	for _, it := range s.Items {
		if len(items) >= maxSuggestions {
			break
		}
		score := it.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		items = append(items, map[string]any{
			"prompt":   truncate(it.Prompt, maxPromptLen),
			"focus":    truncate(it.Focus, maxFocusLen),
			"layer":    it.Layer,
			"memoryId": truncate(it.MemoryID, maxRecordIDLen),
			"tags":     cleanTags(it.Tags),
			"score":    score,
		})
	}
	return map[string]any{
		"source":      strings.ToLower(s.Source),
		"generatedAt": s.GeneratedAt,
		"suggestions": items,
	}
}

// TokenUsage is the input for EmitTokenUsage. Negative counters mean the
// provider did not report that figure.
type TokenUsage struct {
	Stage            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
	Meta             map[string]any
}

// normalizedUsage is a fully-resolved usage sample.
type normalizedUsage struct {
	Stage            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
	Meta             map[string]any
}

func normalizeTokenUsage(u TokenUsage) (normalizedUsage, bool) {
	if u.PromptTokens < 0 && u.CompletionTokens < 0 && u.TotalTokens < 0 {
		return normalizedUsage{}, false
	}
	prompt := clampNonNegative(u.PromptTokens)
	completion := clampNonNegative(u.CompletionTokens)
	total := u.TotalTokens
	if total < 0 {
		total = prompt + completion
	}
	return normalizedUsage{
		Stage:            u.Stage,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		Model:            u.Model,
		Meta:             emptyMeta(u.Meta),
	}, true
}

func (n normalizedUsage) asMap() map[string]any {
	return map[string]any{
		"stage":            n.Stage,
		"promptTokens":     n.PromptTokens,
		"completionTokens": n.CompletionTokens,
		"totalTokens":      n.TotalTokens,
		"model":            n.Model,
		"meta":             n.Meta,
	}
}

// TokenCounts is a running sum of one grouping's token usage.
type TokenCounts struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
	Events           int `json:"events"`
}

func (t *TokenCounts) add(n normalizedUsage) {
	t.PromptTokens += n.PromptTokens
	t.CompletionTokens += n.CompletionTokens
	t.TotalTokens += n.TotalTokens
	t.Events++
}

// TokenUsageTotals aggregates accepted token-usage events for a channel.
type TokenUsageTotals struct {
	TokenCounts
	ByStage   map[string]TokenCounts `json:"byStage,omitempty"`
	UpdatedAt int64                  `json:"updatedAt,omitempty"`
}

func (t *TokenUsageTotals) add(n normalizedUsage) {
	t.TokenCounts.add(n)
	if t.ByStage == nil {
		t.ByStage = make(map[string]TokenCounts)
	}
	stage := t.ByStage[n.Stage]
	stage.add(n)
	t.ByStage[n.Stage] = stage
}

func (t TokenUsageTotals) clone() TokenUsageTotals {
	out := t
	if t.ByStage != nil {
		out.ByStage = make(map[string]TokenCounts, len(t.ByStage))
		for k, v := range t.ByStage {
			out.ByStage[k] = v
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary.
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, min(len(tags), maxTagsPerRecord))
	for _, tag := range tags {
		if len(out) >= maxTagsPerRecord {
			break
		}
		tag = strings.TrimSpace(tag)
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

func clampNonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func emptyMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
