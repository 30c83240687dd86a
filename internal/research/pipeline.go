package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"fathom/internal/llm"
	"fathom/internal/search"
	"fathom/internal/telemetry"
)

// ErrNoLearnings marks a run that finished without extracting anything.
var ErrNoLearnings = errors.New("research produced no learnings")

// ErrCancelled marks a run aborted by the operator or transport close.
var ErrCancelled = errors.New("research cancelled")

// Config bounds a run's expansion and resource use.
type Config struct {
	MaxDepth          int
	MaxBreadth        int
	Concurrency       int // search fanout ceiling; 0 means per-level breadth
	ResultsPerQuery   int
	MaxSubQueryLen    int           // hard character bound on planner output
	MaxLearningsChars int           // accumulated-learnings budget per prompt
	LLMTimeout        time.Duration // per LLM call
	WallClockBudget   time.Duration // whole-run tree expansion
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:          5,
		MaxBreadth:        10,
		ResultsPerQuery:   5,
		MaxSubQueryLen:    400,
		MaxLearningsChars: 8000,
		LLMTimeout:        90 * time.Second,
		WallClockBudget:   15 * time.Minute,
	}
}

// Pipeline runs depth/breadth-bounded research over a search client and an
// LLM client, streaming telemetry as it goes.
type Pipeline struct {
	search *search.Client
	llm    llm.Client
	config Config
	logger *zap.Logger
}

// New creates a pipeline. Zero counts fall back to defaults; zero durations
// stay zero and disable the corresponding deadline.
func New(searchClient *search.Client, llmClient llm.Client, config Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.MaxDepth <= 0 {
		config.MaxDepth = def.MaxDepth
	}
	if config.MaxBreadth <= 0 {
		config.MaxBreadth = def.MaxBreadth
	}
	if config.ResultsPerQuery <= 0 {
		config.ResultsPerQuery = def.ResultsPerQuery
	}
	if config.MaxSubQueryLen <= 0 {
		config.MaxSubQueryLen = def.MaxSubQueryLen
	}
	if config.MaxLearningsChars <= 0 {
		config.MaxLearningsChars = def.MaxLearningsChars
	}
	return &Pipeline{search: searchClient, llm: llmClient, config: config, logger: logger}
}

// Params describes one research invocation.
type Params struct {
	Query     Query
	Depth     int
	Breadth   int
	Model     string
	Telemetry *telemetry.Channel
}

// runState is the per-run mutable bookkeeping shared across levels.
type runState struct {
	mu           sync.Mutex
	run          *Run
	tele         *telemetry.Channel
	model        string
	seenText     map[string]struct{} // normalized learning dedup
	seenQueries  map[string]struct{} // normalized sub-query dedup
	queryBudget  int                 // depth × breadth
	pendingUsage []telemetry.TokenUsage
}

// Research executes a full run. The returned Run is always populated, even on
// failure; the error mirrors run.Status for callers that branch on it.
func (p *Pipeline) Research(ctx context.Context, params Params) (*Run, error) {
	depth := clamp(params.Depth, 1, p.config.MaxDepth)
	breadth := clamp(params.Breadth, 1, p.config.MaxBreadth)

	run := newRun(params.Query, depth, breadth)
	st := &runState{
		run:         run,
		tele:        params.Telemetry,
		model:       params.Model,
		seenText:    make(map[string]struct{}),
		seenQueries: make(map[string]struct{}),
		queryBudget: depth * breadth,
	}

	expandCtx := ctx
	if p.config.WallClockBudget > 0 {
		var cancel context.CancelFunc
		expandCtx, cancel = context.WithTimeout(ctx, p.config.WallClockBudget)
		defer cancel()
	}

	_, err := p.runLevel(expandCtx, st, params.Query.Original, "", depth, true)
	if ctx.Err() != nil {
		return p.finishCancelled(run, st)
	}
	if err != nil {
		// Budget expiry stops expansion but keeps whatever the run already
		// learned; the report call below runs on the parent context.
		if errors.Is(err, context.DeadlineExceeded) && len(run.Learnings) > 0 {
			st.flushUsage()
			p.logger.Info("research budget exhausted, finalizing partial run",
				zap.String("runId", run.ID),
				zap.Int("learnings", len(run.Learnings)))
			return p.finalize(ctx, st)
		}
		// Root planning failed or the budget expired before any learning:
		// nothing to aggregate.
		run.Status = StatusFailed
		run.EndedAt = time.Now()
		p.emitComplete(st, false, wireError(err))
		return run, err
	}

	return p.finalize(ctx, st)
}

// runLevel performs one plan→fetch→summarize→recurse cycle. root marks the
// top of the tree, where a planning failure is fatal. Returns the number of
// new learnings accumulated at this level (excluding deeper levels).
func (p *Pipeline) runLevel(ctx context.Context, st *runState, queryText, parentID string, depth int, root bool) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	remaining := st.remainingBudget()
	if remaining <= 0 {
		return 0, nil
	}
	count := st.run.Breadth
	if count > remaining {
		count = remaining
	}

	st.run.Status = StatusPlanning
	p.emitStatus(st, StatusPlanning, fmt.Sprintf("Planning follow-up queries for %q", queryText))

	subQueries, rationale, err := p.plan(ctx, st, queryText, parentID, depth, count)
	if err != nil {
		if root {
			return 0, fmt.Errorf("plan research: %w", err)
		}
		st.recordError(fmt.Sprintf("plan %q: %v", queryText, err))
		return 0, nil
	}
	if len(subQueries) == 0 {
		return 0, nil
	}
	st.addPlanned(len(subQueries))

	st.run.Status = StatusSearching
	p.emitStatus(st, StatusSearching, fmt.Sprintf("Searching %d queries", len(subQueries)))

	results := p.fetchAll(ctx, st, subQueries, depth)
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	st.run.Status = StatusSummarizing
	p.emitStatus(st, StatusSummarizing, "Extracting learnings from results")
	st.flushUsage()

	newLearnings := 0
	for i, sq := range subQueries {
		if ctx.Err() != nil {
			return newLearnings, ctx.Err()
		}
		if len(results[i]) == 0 {
			continue
		}
		newLearnings += p.summarize(ctx, st, sq, results[i])
	}

	if rationale != "" {
		st.tele.EmitThought(telemetry.Thought{
			Text:   rationale,
			Source: "planner",
			Stage:  string(StatusPlanning),
		})
	}

	// Early termination: a level that produced nothing new will not plan
	// better queries from the same state.
	if depth-1 <= 0 || newLearnings == 0 {
		return newLearnings, nil
	}
	for _, sq := range subQueries {
		if ctx.Err() != nil {
			return newLearnings, ctx.Err()
		}
		if _, err := p.runLevel(ctx, st, sq.Text, sq.ID, depth-1, false); err != nil && ctx.Err() != nil {
			return newLearnings, err
		}
	}
	return newLearnings, nil
}

// plan asks the LLM for follow-up queries and validates the output.
func (p *Pipeline) plan(ctx context.Context, st *runState, queryText, parentID string, depth, count int) ([]SubQuery, string, error) {
	comp, err := p.complete(ctx, st, plannerSystemPrompt,
		planPrompt(queryText, st.learnings(), count, p.config.MaxLearningsChars))
	if err != nil {
		return nil, "", err
	}
	st.bufferUsage(StageGenerateQueries, comp)

	var out []SubQuery
	for _, text := range parseSubQueries(comp.Content, count, p.config.MaxSubQueryLen) {
		key := normalizeText(text)
		if _, dup := st.seenQueries[key]; dup {
			continue
		}
		st.seenQueries[key] = struct{}{}
		out = append(out, NewSubQuery(text, depth, parentID))
	}
	return out, comp.Reasoning, nil
}

// fetchAll dispatches sub-query searches in parallel under the concurrency
// ceiling, emitting a progress event as each one completes. Search failures
// surface as empty result sets and never abort the level.
func (p *Pipeline) fetchAll(ctx context.Context, st *runState, subQueries []SubQuery, depth int) [][]search.Result {
	results := make([][]search.Result, len(subQueries))

	limit := p.config.Concurrency
	if limit <= 0 {
		limit = st.run.Breadth
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, sq := range subQueries {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			results[i] = p.search.Search(gctx, sq.Text, p.config.ResultsPerQuery)
			p.noteQueryDone(st, sq, depth, len(results[i]))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pipeline) noteQueryDone(st *runState, sq SubQuery, depth int, hits int) {
	st.mu.Lock()
	st.run.CompletedQueries++
	completed := st.run.CompletedQueries
	total := st.run.TotalQueries
	st.mu.Unlock()

	st.tele.EmitProgress(telemetry.Progress{
		Completed:      completed,
		Total:          total,
		Status:         string(StatusSearching),
		Message:        fmt.Sprintf("%q returned %d results", sq.Text, hits),
		CurrentDepth:   st.run.Depth - depth + 1,
		TotalDepth:     st.run.Depth,
		CurrentBreadth: completed,
		TotalBreadth:   st.run.Breadth,
	})
}

// summarize extracts learnings for one sub-query and merges them into the
// run. Returns how many survived dedup.
func (p *Pipeline) summarize(ctx context.Context, st *runState, sq SubQuery, results []search.Result) int {
	snippets := make([]string, 0, len(results))
	urls := make([]string, 0, len(results))
	for _, r := range results {
		snippets = append(snippets, fmt.Sprintf("[%s] %s %s", r.URL, r.Title, r.Snippet))
		urls = append(urls, r.URL)
	}

	comp, err := p.complete(ctx, st, extractorSystemPrompt,
		extractPrompt(sq.Text, st.learnings(), snippets, p.config.MaxLearningsChars))
	if err != nil {
		st.recordError(fmt.Sprintf("summarize %q: %v", sq.Text, err))
		return 0
	}
	st.emitUsage(StageProcessResults, comp)

	added := 0
	st.mu.Lock()
	for _, text := range parseLines(comp.Content) {
		key := normalizeText(text)
		if _, dup := st.seenText[key]; dup {
			continue
		}
		st.seenText[key] = struct{}{}
		st.run.Learnings = append(st.run.Learnings, Learning{
			Text:       text,
			Sources:    urls,
			ProducedBy: sq.ID,
		})
		added++
	}
	for _, u := range urls {
		st.run.addSource(u)
	}
	st.mu.Unlock()
	return added
}

// finalize renders the report, attaches the artifacts, and emits the
// terminal telemetry event.
func (p *Pipeline) finalize(ctx context.Context, st *runState) (*Run, error) {
	run := st.run
	if len(run.Learnings) == 0 {
		run.Status = StatusFailed
		run.EndedAt = time.Now()
		p.emitComplete(st, false, ErrNoLearnings.Error())
		return run, ErrNoLearnings
	}

	p.emitStatus(st, "finalizing", "Writing final report")

	comp, err := p.complete(ctx, st, reporterSystemPrompt,
		reportPrompt(run.Query.Original, run.Learnings, run.Sources, p.config.MaxLearningsChars))
	if err != nil {
		if ctx.Err() != nil {
			return p.finishCancelled(run, st)
		}
		st.recordError(fmt.Sprintf("final report: %v", err))
		run.Markdown = renderFallbackReport(run)
		run.Summary = fallbackSummary(run)
	} else {
		st.emitUsage(StageGenerateSummary, comp)
		run.Markdown = comp.Content
		if run.Summary = extractSummary(comp.Content); run.Summary == "" {
			run.Summary = fallbackSummary(run)
		}
	}
	run.Filename = FilenameSlug(run.Query.Original)
	run.Status = StatusComplete
	run.EndedAt = time.Now()

	p.emitComplete(st, true, "")
	p.logger.Info("research complete",
		zap.String("runId", run.ID),
		zap.Int("learnings", len(run.Learnings)),
		zap.Int("sources", len(run.Sources)),
		zap.Int("queries", run.CompletedQueries))
	return run, nil
}

func (p *Pipeline) finishCancelled(run *Run, st *runState) (*Run, error) {
	run.Status = StatusFailed
	run.EndedAt = time.Now()
	p.emitComplete(st, false, "cancelled")
	return run, ErrCancelled
}

// wireError maps internal failures onto the text clients see. Context
// sentinels never travel raw.
func wireError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "time budget exhausted"
	}
	return err.Error()
}

// complete performs one LLM call under the per-call deadline.
func (p *Pipeline) complete(ctx context.Context, st *runState, system, user string) (llm.Completion, error) {
	cctx := ctx
	if p.config.LLMTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, p.config.LLMTimeout)
		defer cancel()
	}
	return p.llm.CompleteChat(cctx, llm.Request{
		Model: st.model,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
}

func (p *Pipeline) emitStatus(st *runState, stage Status, message string) {
	st.tele.EmitStatus(telemetry.Status{Stage: string(stage), Message: message})
}

func (p *Pipeline) emitComplete(st *runState, success bool, errMsg string) {
	run := st.run
	st.tele.EmitComplete(telemetry.Complete{
		Success:           success,
		DurationMs:        run.EndedAt.Sub(run.StartedAt).Milliseconds(),
		Learnings:         len(run.Learnings),
		Sources:           len(run.Sources),
		SuggestedFilename: run.Filename,
		Error:             errMsg,
		Summary:           run.Summary,
	})
}

func (st *runState) learnings() []Learning {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Learning, len(st.run.Learnings))
	copy(out, st.run.Learnings)
	return out
}

func (st *runState) remainingBudget() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.queryBudget - st.run.TotalQueries
}

func (st *runState) addPlanned(n int) {
	st.mu.Lock()
	st.run.TotalQueries += n
	st.mu.Unlock()
}

func (st *runState) recordError(msg string) {
	st.mu.Lock()
	st.run.recordError(msg)
	st.mu.Unlock()
}

// bufferUsage holds a token-usage sample until the level reaches its
// summarizing stage, keeping the per-run telemetry stream in stage order.
func (st *runState) bufferUsage(stage string, comp llm.Completion) {
	st.mu.Lock()
	st.pendingUsage = append(st.pendingUsage, usageEvent(stage, comp))
	st.mu.Unlock()
}

func (st *runState) flushUsage() {
	st.mu.Lock()
	pending := st.pendingUsage
	st.pendingUsage = nil
	st.mu.Unlock()
	for _, u := range pending {
		st.tele.EmitTokenUsage(u)
	}
}

func (st *runState) emitUsage(stage string, comp llm.Completion) {
	st.tele.EmitTokenUsage(usageEvent(stage, comp))
}

// usageEvent maps a completion's usage onto a telemetry sample. Absent usage
// becomes all-negative counters, which the channel drops as a no-op.
func usageEvent(stage string, comp llm.Completion) telemetry.TokenUsage {
	u := telemetry.TokenUsage{
		Stage:            stage,
		Model:            comp.Model,
		PromptTokens:     -1,
		CompletionTokens: -1,
		TotalTokens:      -1,
	}
	if comp.Usage != nil {
		u.PromptTokens = comp.Usage.PromptTokens
		u.CompletionTokens = comp.Usage.CompletionTokens
		u.TotalTokens = comp.Usage.TotalTokens
	}
	return u
}

// normalizeText is the dedup key: NFKC-normalized, case-folded,
// whitespace-collapsed. Casers are not safe for shared use, so one is built
// per call.
func normalizeText(s string) string {
	folded := cases.Fold().String(norm.NFKC.String(s))
	return strings.Join(strings.Fields(folded), " ")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
