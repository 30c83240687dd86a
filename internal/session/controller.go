package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fathom/internal/activity"
	"fathom/internal/command"
	"fathom/internal/gitstore"
	"fathom/internal/history"
	"fathom/internal/llm"
	"fathom/internal/research"
	"fathom/internal/search"
	"fathom/internal/secrets"
	"fathom/internal/state"
	"fathom/internal/telemetry"
)

// Mode is a session's input mode.
type Mode string

const (
	ModeCommand Mode = "command"
	ModeChat    Mode = "chat"
	ModePrompt  Mode = "prompt"
)

// Config holds controller tunables.
type Config struct {
	PromptTimeout     time.Duration
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	CSRFTTL           time.Duration
	LogSnapshotLimit  int
	Research          research.Config
	ChatDefaults      command.Defaults
	ResearchDefaults  command.Defaults
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		PromptTimeout:     DefaultPromptTimeout,
		InactivityTimeout: 60 * time.Minute,
		SweepInterval:     5 * time.Minute,
		CSRFTTL:           12 * time.Hour,
		LogSnapshotLimit:  120,
		Research:          research.DefaultConfig(),
		ChatDefaults:      command.Defaults{Model: "llama-3.3-70b", Character: "assistant"},
		ResearchDefaults:  command.Defaults{Model: "llama-3.3-70b", Character: "analyst"},
	}
}

// Deps are the controller's collaborators. Factories exist so tests can
// inject fakes without touching the network.
type Deps struct {
	Activity  *activity.Channel
	Telemetry *telemetry.Registry
	Secrets   *secrets.Store
	State     *state.Store
	History   *history.Store // optional

	LLMFactory      func(apiKey string) llm.Client
	SearchFactory   func(braveKey string) *search.Client
	GitStoreFactory func(cfg gitstore.Config) *gitstore.Client

	Logger *zap.Logger
}

// Session is one connected operator transport.
type Session struct {
	ID string

	mu               sync.Mutex
	transport        Transport
	mode             Mode
	lastActivity     time.Time
	busy             bool
	closed           bool
	username         string
	password         string
	csrfToken        string
	csrfExpires      time.Time
	chatModel        string
	chatHistory      []llm.Message
	chatLLM          llm.Client
	runCancel        context.CancelFunc
	unsubActivity    func()
	prompts          promptManager
	Ref              state.SessionRef
	Prefs            command.Prefs
	tele             *telemetry.Channel
}

func (s *Session) send(env Envelope) {
	s.mu.Lock()
	t := s.transport
	closed := s.closed
	s.mu.Unlock()
	if closed || t == nil {
		return
	}
	_ = t.Send(env)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) getMode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// setMode transitions the state machine and notifies the client when the
// mode actually changed.
func (s *Session) setMode(mode Mode) {
	s.mu.Lock()
	changed := s.mode != mode
	s.mode = mode
	s.mu.Unlock()
	if changed {
		s.send(NewEnvelope(TypeModeChange, map[string]any{"mode": string(mode)}))
	}
}

func (s *Session) setBusy(b bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b && s.busy {
		return false
	}
	s.busy = b
	return true
}

// Username returns the authenticated operator.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) getPassword() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password
}

func (s *Session) setPassword(pw string) {
	s.mu.Lock()
	s.password = pw
	s.mu.Unlock()
}

// Controller owns all live sessions and the command surface.
type Controller struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg      Config
	deps     Deps
	registry *command.Registry
	logger   *zap.Logger
}

// NewController wires a controller and registers the built-in commands.
func NewController(cfg Config, deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		deps:     deps,
		registry: command.NewRegistry(logger),
		logger:   logger,
	}
	c.registerHandlers()
	return c
}

// Registry exposes the dispatch table, mainly for tests.
func (c *Controller) Registry() *command.Registry { return c.registry }

type sessionKey struct{}

func withSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

func sessionFrom(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey{}).(*Session)
	return sess
}

// Connect bootstraps a new session on an authenticated transport and runs
// the reconnect sequence: connection, login_success, mode_change,
// csrf_token, activity snapshots, then telemetry replay before live events.
func (c *Controller) Connect(t Transport, username, role string) *Session {
	sess := &Session{
		ID:           uuid.NewString(),
		transport:    t,
		mode:         ModeCommand,
		lastActivity: time.Now(),
		username:     username,
		csrfToken:    uuid.NewString(),
		csrfExpires:  time.Now().Add(c.cfg.CSRFTTL),
	}
	c.deps.State.ApplyStateToRef(&sess.Ref)
	if sess.Ref.SessionModel != "" {
		sess.Prefs.Model = sess.Ref.SessionModel
		sess.Prefs.ModelLocked = true
	}
	if sess.Ref.SessionCharacter != "" {
		sess.Prefs.Character = sess.Ref.SessionCharacter
		sess.Prefs.CharacterLocked = true
	}

	c.mu.Lock()
	c.sessions[sess.ID] = sess
	c.mu.Unlock()

	sess.send(NewEnvelope(TypeConnection, map[string]any{"sessionId": sess.ID}))
	sess.send(NewEnvelope(TypeLoginSuccess, map[string]any{"username": username, "role": role}))
	sess.send(NewEnvelope(TypeModeChange, map[string]any{"mode": string(ModeCommand)}))
	sess.send(NewEnvelope(TypeCSRFToken, map[string]any{
		"token":     sess.csrfToken,
		"issuedAt":  time.Now().UnixMilli(),
		"expiresAt": sess.csrfExpires.UnixMilli(),
	}))

	logEntries := c.deps.Activity.Snapshot(activity.SnapshotQuery{Limit: c.cfg.LogSnapshotLimit})
	sess.send(NewEnvelope(TypeLogSnapshot, map[string]any{"entries": logEntries}))
	sess.send(NewEnvelope(TypeActivitySnapshot, map[string]any{"entries": logEntries}))

	// Telemetry: replay buffered history before any live event resumes.
	sess.tele = c.deps.Telemetry.Acquire(username)
	sender := func(typ telemetry.EventType, data map[string]any) error {
		env := NewEnvelope(telemetryEnvelopeType(typ), data)
		sess.send(env)
		return nil
	}
	if len(sess.tele.GetHistory()) > 0 {
		sess.send(NewEnvelope(telemetryEnvelopeType(telemetry.TypeStatus), map[string]any{
			"stage":   "reconnected",
			"message": "Reconnected; replaying buffered telemetry",
		}))
		_ = sess.tele.Replay(telemetry.Sender(sender))
	}
	sess.tele.UpdateSender(sender)

	// Live activity feed.
	sess.unsubActivity = c.deps.Activity.Subscribe(func(entry activity.Entry) {
		sess.send(NewEnvelope(TypeLogEvent, entry))
		if entry.Source == "github" {
			sess.send(NewEnvelope(TypeActivityEvent, entry))
		}
	})

	sess.send(NewEnvelope(TypeEnableInput, nil))
	c.logger.Info("session connected", zap.String("sessionId", sess.ID), zap.String("username", username))
	return sess
}

// HandleMessage processes one inbound frame. The transport's read loop calls
// this serially; long-running command handlers are detached so prompt
// replies can still arrive.
func (c *Controller) HandleMessage(sess *Session, raw []byte) {
	msg, err := ParseClientMessage(raw)
	if err != nil || msg.Type == "" {
		sess.send(errorEnvelope("Malformed message."))
		return
	}
	sess.touch()

	switch msg.Type {
	case InboundPing:
		sess.send(NewEnvelope(TypePong, nil))
	case InboundInput:
		if !sess.prompts.resolve(msg.Value) {
			sess.send(errorEnvelope("Unexpected input: no prompt is pending."))
		}
	case InboundCommand:
		c.startCommand(sess, msg)
	case InboundChatMessage:
		c.startChat(sess, msg)
	case InboundStatusRefresh:
		sess.send(c.statusSummary(sess))
	case InboundActivityCommand:
		c.handleActivityCommand(sess, msg)
	default:
		sess.send(errorEnvelope("Unknown message type: " + msg.Type))
	}
}

// startCommand runs a slash command in its own goroutine so the read loop
// stays free for prompt input. One command at a time per session.
func (c *Controller) startCommand(sess *Session, msg ClientMessage) {
	if msg.Command == "" {
		sess.send(errorEnvelope("Missing command name."))
		return
	}
	if !sess.setBusy(true) {
		sess.send(errorEnvelope("Another command is still running."))
		return
	}
	sess.send(NewEnvelope(TypeDisableInput, nil))

	line := "/" + strings.TrimPrefix(msg.Command, "/")
	if len(msg.Args) > 0 {
		line += " " + strings.Join(msg.Args, " ")
	}

	go func() {
		defer sess.setBusy(false)
		outcome, err := c.registry.Dispatch(withSession(context.Background(), sess), line, &sess.Prefs)
		if err != nil {
			// The prompt manager already told the client about these and
			// restored input where the transport still exists.
			if isPromptLifecycleError(err) {
				return
			}
			sess.send(errorEnvelope(err.Error()))
			sess.send(NewEnvelope(TypeEnableInput, nil))
			return
		}
		if outcome.Message != "" {
			sess.send(NewEnvelope(TypeOutput, map[string]any{"message": outcome.Message}))
		}
		if outcome.ModeChange != "" {
			sess.setMode(Mode(outcome.ModeChange))
		}
		if !outcome.KeepDisabled && !sess.prompts.active() {
			sess.send(NewEnvelope(TypeEnableInput, nil))
		}
	}()
}

// startChat processes one chat-mode message.
func (c *Controller) startChat(sess *Session, msg ClientMessage) {
	if sess.getMode() != ModeChat {
		sess.send(errorEnvelope("Not in chat mode; start with /chat."))
		return
	}
	text := strings.TrimSpace(msg.Message)
	if text == "" {
		return
	}
	if text == "/exit" {
		c.exitChat(sess)
		return
	}
	if rest, ok := strings.CutPrefix(text, "/exitresearch"); ok {
		c.exitChat(sess)
		c.startCommand(sess, ClientMessage{
			Type:    InboundCommand,
			Command: "research",
			Args:    strings.Fields(rest),
		})
		return
	}
	if !sess.setBusy(true) {
		sess.send(errorEnvelope("Still answering the previous message."))
		return
	}
	sess.send(NewEnvelope(TypeDisableInput, nil))
	go func() {
		defer sess.setBusy(false)
		c.chatTurn(sess, text)
		if !sess.prompts.active() {
			sess.send(NewEnvelope(TypeEnableInput, nil))
		}
	}()
}

func (c *Controller) exitChat(sess *Session) {
	sess.mu.Lock()
	sess.chatLLM = nil
	sess.chatHistory = nil
	sess.mu.Unlock()
	sess.setMode(ModeCommand)
	sess.send(NewEnvelope(TypeChatExit, nil))
}

func (c *Controller) chatTurn(sess *Session, text string) {
	sess.mu.Lock()
	client := sess.chatLLM
	model := sess.chatModel
	sess.chatHistory = append(sess.chatHistory, llm.Message{Role: "user", Content: text})
	messages := make([]llm.Message, len(sess.chatHistory))
	copy(messages, sess.chatHistory)
	sess.mu.Unlock()

	if client == nil {
		sess.send(errorEnvelope("Chat is not initialized; run /chat first."))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	comp, err := client.CompleteChat(ctx, llm.Request{Model: model, Messages: messages})
	if err != nil {
		sess.send(errorEnvelope("Chat failed: " + err.Error()))
		// Fatal chat errors drop back to command mode.
		c.exitChat(sess)
		return
	}

	sess.mu.Lock()
	sess.chatHistory = append(sess.chatHistory, llm.Message{Role: "assistant", Content: comp.Content})
	sess.mu.Unlock()
	sess.send(NewEnvelope(TypeChatResponse, map[string]any{"content": comp.Content, "model": comp.Model}))

	if c.deps.History != nil {
		if err := c.deps.History.Append(sess.ID, "user", text); err != nil {
			c.logger.Warn("chat history append failed", zap.Error(err))
		}
		if err := c.deps.History.Append(sess.ID, "assistant", comp.Content); err != nil {
			c.logger.Warn("chat history append failed", zap.Error(err))
		}
	}
}

// Prompt asks the client one question and waits for the answering input
// frame, a timeout, or cancellation.
func (c *Controller) Prompt(sess *Session, message string, isPassword bool, promptCtx string) (string, error) {
	prevMode := sess.getMode()
	ch := sess.prompts.begin(c.cfg.PromptTimeout, isPassword, promptCtx, func() {
		sess.send(errorEnvelope("Prompt timed out."))
		sess.setMode(prevMode)
		sess.send(NewEnvelope(TypeEnableInput, nil))
	})
	sess.setMode(ModePrompt)

	env := NewEnvelope(TypePrompt, map[string]any{"message": message})
	env.IsPassword = isPassword
	env.Context = promptCtx
	// A prompt keeps input enabled while everything else is held back.
	sess.send(env)
	sess.send(NewEnvelope(TypeEnableInput, nil))

	res := <-ch
	if res.err == nil {
		sess.setMode(prevMode)
	}
	return res.value, res.err
}

// handleActivityCommand serves snapshot/stats/replay/export requests on the
// activity feed.
func (c *Controller) handleActivityCommand(sess *Session, msg ClientMessage) {
	query := activity.SnapshotQuery{
		Limit:         msg.Limit,
		SinceSequence: msg.SinceSequence,
		SinceTime:     msg.Since,
		Search:        msg.Search,
		Sample:        msg.Sample,
	}
	for _, lvl := range msg.Levels {
		query.Levels = append(query.Levels, activity.Level(lvl))
	}
	if query.Limit == 0 {
		query.Limit = c.cfg.LogSnapshotLimit
	}

	switch msg.Command {
	case "snapshot":
		sess.send(NewEnvelope(TypeActivitySnapshot, map[string]any{
			"entries": c.deps.Activity.Snapshot(query),
		}))
	case "stats":
		sess.send(NewEnvelope(TypeActivityStats, c.deps.Activity.GetStats(msg.SinceSequence)))
	case "replay":
		sess.send(NewEnvelope(TypeActivityReplay, map[string]any{
			"entries": c.deps.Activity.Snapshot(query),
		}))
	case "export":
		raw, err := json.MarshalIndent(c.deps.Activity.Snapshot(query), "", "  ")
		if err != nil {
			sess.send(NewEnvelope(TypeActivityError, map[string]any{"message": err.Error()}))
			return
		}
		sess.send(NewEnvelope(TypeActivityExportReady, map[string]any{
			"filename": "activity-export.json",
			"content":  string(raw),
		}))
	default:
		sess.send(NewEnvelope(TypeActivityError, map[string]any{
			"message": "Unknown activity command: " + msg.Command,
		}))
	}
}

func (c *Controller) statusSummary(sess *Session) Envelope {
	var totals telemetry.TokenUsageTotals
	if sess.tele != nil {
		totals = sess.tele.GetTokenUsageTotals()
	}
	sess.mu.Lock()
	data := map[string]any{
		"sessionId":    sess.ID,
		"mode":         string(sess.mode),
		"lastActivity": sess.lastActivity.UnixMilli(),
		"research": map[string]any{
			"query":    sess.Ref.CurrentResearchQuery,
			"filename": sess.Ref.CurrentResearchFilename,
			"summary":  sess.Ref.CurrentResearchSummary,
		},
		"tokenUsage": totals,
		"commands":   c.registry.Names(),
	}
	sess.mu.Unlock()
	return NewEnvelope(TypeStatusSummary, data)
}

// HandleClose runs transport-initiated cleanup.
func (c *Controller) HandleClose(sess *Session) {
	c.cleanup(sess, false)
}

// Run drives the idle sweeper until the context ends.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep expires sessions idle past the inactivity timeout.
func (c *Controller) Sweep() {
	cutoff := time.Now().Add(-c.cfg.InactivityTimeout)
	c.mu.Lock()
	var stale []*Session
	for _, sess := range c.sessions {
		sess.mu.Lock()
		idle := sess.lastActivity.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			stale = append(stale, sess)
		}
	}
	c.mu.Unlock()

	for _, sess := range stale {
		c.logger.Info("session expired", zap.String("sessionId", sess.ID))
		sess.send(NewEnvelope(TypeSessionExpired, map[string]any{"reason": "inactivity"}))
		c.cleanup(sess, true)
	}
}

// cleanup tears one session down: reject the pending prompt, stop the active
// run, detach telemetry and activity, persist state, zero credentials.
// Idempotent.
func (c *Controller) cleanup(sess *Session, expired bool) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	t := sess.transport
	cancelRun := sess.runCancel
	unsub := sess.unsubActivity
	tele := sess.tele
	sess.password = ""
	sess.chatLLM = nil
	sess.chatHistory = nil
	sess.mu.Unlock()

	if expired {
		sess.prompts.cancel(ErrPromptCancelled)
	} else {
		sess.prompts.cancel(ErrTransportClosed)
	}
	if cancelRun != nil {
		cancelRun()
	}
	if tele != nil {
		tele.UpdateSender(nil)
	}
	if unsub != nil {
		unsub()
	}
	if t != nil {
		_ = t.Close(CloseNormal, "session closed")
	}
	if _, err := c.deps.State.PersistFromRef(&sess.Ref, nil); err != nil {
		c.logger.Warn("session state persist failed", zap.Error(err))
	}

	c.mu.Lock()
	delete(c.sessions, sess.ID)
	c.mu.Unlock()
}
