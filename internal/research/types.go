// Package research implements the depth/breadth-bounded deep research
// pipeline: plan follow-up queries with the LLM, fan searches out under a
// concurrency ceiling, summarize results into learnings, recurse, and
// render the final Markdown report.
package research

import (
	"time"

	"github.com/google/uuid"
)

// Status is a run's lifecycle stage. Transitions are monotonically forward;
// StatusComplete and StatusFailed are terminal.
type Status string

const (
	StatusPlanning    Status = "planning"
	StatusSearching   Status = "searching"
	StatusSummarizing Status = "summarizing"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
)

// Telemetry stage tags attached to token-usage events.
const (
	StageGenerateQueries = "generate-queries"
	StageProcessResults  = "process-results"
	StageGenerateSummary = "generate-summary"
)

// Query is the operator's original research question. Immutable once a run
// starts.
type Query struct {
	Original string
	Metadata map[string]any
}

// SubQuery is one LLM-planned follow-up question.
type SubQuery struct {
	ID       string
	Text     string
	Depth    int
	ParentID string
}

// NewSubQuery creates a sub-query with a fresh id.
func NewSubQuery(text string, depth int, parentID string) SubQuery {
	return SubQuery{ID: uuid.NewString(), Text: text, Depth: depth, ParentID: parentID}
}

// Learning is one extracted factual atom with its evidence URLs.
type Learning struct {
	Text       string   `json:"text"`
	Sources    []string `json:"sources"`
	ProducedBy string   `json:"producedBy"`
}

// Run is the mutable state and final artifact of one research invocation.
type Run struct {
	ID               string
	Query            Query
	Status           Status
	Depth            int
	Breadth          int
	Learnings        []Learning
	Sources          []string // insertion-ordered set
	CompletedQueries int
	TotalQueries     int
	StartedAt        time.Time
	EndedAt          time.Time
	Summary          string
	Markdown         string
	Filename         string
	Errors           []string // per-sub-query failures, never fatal on their own
}

// newRun initializes a run in the planning stage.
func newRun(query Query, depth, breadth int) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Query:     query,
		Status:    StatusPlanning,
		Depth:     depth,
		Breadth:   breadth,
		StartedAt: time.Now(),
	}
}

// addSource appends a URL unless it is already present.
func (r *Run) addSource(url string) {
	for _, existing := range r.Sources {
		if existing == url {
			return
		}
	}
	r.Sources = append(r.Sources, url)
}

// recordError notes a non-fatal per-item failure.
func (r *Run) recordError(msg string) {
	r.Errors = append(r.Errors, msg)
}
