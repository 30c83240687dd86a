package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"fathom/internal/activity"
	"fathom/internal/llm"
	"fathom/internal/search"
	"fathom/internal/secrets"
	"fathom/internal/state"
	"fathom/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memTransport captures outbound envelopes for assertions.
type memTransport struct {
	mu        sync.Mutex
	sent      []Envelope
	closed    bool
	closeCode int
}

func (t *memTransport) Send(env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.sent = append(t.sent, env)
	return nil
}

func (t *memTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closeCode = code
	return nil
}

func (t *memTransport) types() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, env := range t.sent {
		out[i] = env.Type
	}
	return out
}

func (t *memTransport) lastOf(typ string) (Envelope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sent) - 1; i >= 0; i-- {
		if t.sent[i].Type == typ {
			return t.sent[i], true
		}
	}
	return Envelope{}, false
}

// waitFor polls until an envelope of the given type arrives.
func waitFor(t *testing.T, mt *memTransport, typ string) Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if env, ok := mt.lastOf(typ); ok {
			return env
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q envelope arrived; saw %v", typ, mt.types())
	return Envelope{}
}

// waitMode polls until the session reaches the wanted mode.
func waitMode(t *testing.T, sess *Session, want Mode) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sess.getMode() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("mode = %s, want %s", sess.getMode(), want)
}

type scriptedLLM struct {
	mu      sync.Mutex
	answers []string
	calls   int
}

func (s *scriptedLLM) CompleteChat(ctx context.Context, req llm.Request) (llm.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	answer := "done"
	if s.calls < len(s.answers) {
		answer = s.answers[s.calls]
	}
	s.calls++
	return llm.Completion{
		Content: answer,
		Model:   req.Model,
		Usage:   &llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

type staticProvider struct{}

func (staticProvider) Name() string { return "static" }

func (staticProvider) Search(ctx context.Context, query string, count int) ([]search.Result, error) {
	return []search.Result{{URL: "https://example.com/" + fmt.Sprint(len(query)), Snippet: "snippet"}}, nil
}

type testEnv struct {
	controller *Controller
	secrets    *secrets.Store
	llm        *scriptedLLM
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	sec, err := secrets.NewStore(filepath.Join(dir, "users"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sec.CreateUser("alice", "pw1", secrets.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	fake := &scriptedLLM{}

	cfg := DefaultConfig()
	cfg.PromptTimeout = 100 * time.Millisecond
	cfg.Research.LLMTimeout = 0
	cfg.Research.WallClockBudget = 0
	if mutate != nil {
		mutate(&cfg)
	}

	c := NewController(cfg, Deps{
		Activity:  activity.NewChannel(200, nil),
		Telemetry: telemetry.NewRegistry(nil, telemetry.WithThrottle(0)),
		Secrets:   sec,
		State:     state.NewStore(filepath.Join(dir, "session-state.json"), nil),
		LLMFactory: func(apiKey string) llm.Client {
			return fake
		},
		SearchFactory: func(braveKey string) *search.Client {
			return search.NewClient(staticProvider{}, search.RetryConfig{}, 0, nil)
		},
	})
	return &testEnv{controller: c, secrets: sec, llm: fake}
}

func (e *testEnv) connect(t *testing.T) (*Session, *memTransport) {
	t.Helper()
	mt := &memTransport{}
	sess := e.controller.Connect(mt, "alice", secrets.RoleAdmin)
	t.Cleanup(func() { e.controller.HandleClose(sess) })
	return sess, mt
}

func send(c *Controller, sess *Session, msg ClientMessage) {
	raw, _ := json.Marshal(msg)
	c.HandleMessage(sess, raw)
}

func TestConnectBootstrapSequence(t *testing.T) {
	env := newTestEnv(t, nil)
	env.controller.deps.Activity.Push(activity.LevelInfo, "github", "earlier entry", nil)

	_, mt := env.connect(t)

	got := mt.types()
	want := []string{
		TypeConnection, TypeLoginSuccess, TypeModeChange, TypeCSRFToken,
		TypeLogSnapshot, TypeActivitySnapshot, TypeEnableInput,
	}
	if len(got) != len(want) {
		t.Fatalf("envelope types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("envelope[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	env2, _ := mt.lastOf(TypeLogSnapshot)
	data := env2.Data.(map[string]any)
	entries := data["entries"].([]activity.Entry)
	if len(entries) != 1 || entries[0].Message != "earlier entry" {
		t.Errorf("log snapshot wrong: %+v", entries)
	}
}

func TestReconnectReplaysTelemetry(t *testing.T) {
	env := newTestEnv(t, nil)

	sess1, _ := env.connect(t)
	ch := sess1.tele
	ch.EmitStatus(telemetry.Status{Stage: "searching", Message: "old run"})
	ch.EmitComplete(telemetry.Complete{Success: true, DurationMs: 10, Learnings: 2, Sources: 2})
	env.controller.HandleClose(sess1)

	mt := &memTransport{}
	sess2 := env.controller.Connect(mt, "alice", secrets.RoleAdmin)
	defer env.controller.HandleClose(sess2)

	got := mt.types()
	want := []string{
		TypeConnection, TypeLoginSuccess, TypeModeChange, TypeCSRFToken,
		TypeLogSnapshot, TypeActivitySnapshot,
		"research-status",   // stage: reconnected
		"research-status",   // replayed
		"research-complete", // replayed
		TypeEnableInput,
	}
	if len(got) != len(want) {
		t.Fatalf("envelope types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("envelope[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	mt.mu.Lock()
	reconnected := mt.sent[6].Data.(map[string]any)
	replayed := mt.sent[7].Data.(map[string]any)
	mt.mu.Unlock()
	if reconnected["stage"] != "reconnected" {
		t.Errorf("first telemetry frame must be the reconnected status: %v", reconnected)
	}
	if replayed["stage"] != "searching" {
		t.Errorf("replayed event wrong: %v", replayed)
	}
	if replayed["eventId"] == nil || replayed["timestamp"] == nil {
		t.Errorf("replay must decorate events with eventId and timestamp: %v", replayed)
	}
}

func TestPingPong(t *testing.T) {
	env := newTestEnv(t, nil)
	sess, mt := env.connect(t)
	send(env.controller, sess, ClientMessage{Type: InboundPing})
	waitFor(t, mt, TypePong)
}

func TestUnexpectedInputYieldsError(t *testing.T) {
	env := newTestEnv(t, nil)
	sess, mt := env.connect(t)
	send(env.controller, sess, ClientMessage{Type: InboundInput, Value: "surprise"})
	env2 := waitFor(t, mt, TypeError)
	msg := env2.Data.(map[string]any)["message"].(string)
	if !strings.Contains(msg, "Unexpected input") {
		t.Errorf("error message = %q", msg)
	}
}

func TestPromptResolvedByInput(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.PromptTimeout = time.Second })
	sess, mt := env.connect(t)

	type result struct {
		value string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := env.controller.Prompt(sess, "Enter query:", false, "query")
		done <- result{v, err}
	}()

	waitFor(t, mt, TypePrompt)
	if sess.getMode() != ModePrompt {
		t.Errorf("mode = %s, want prompt", sess.getMode())
	}
	send(env.controller, sess, ClientMessage{Type: InboundInput, Value: "stoicism"})

	res := <-done
	if res.err != nil || res.value != "stoicism" {
		t.Fatalf("prompt result = %+v", res)
	}
	if sess.getMode() != ModeCommand {
		t.Errorf("mode not restored: %s", sess.getMode())
	}
}

func TestPromptTimeoutEmitsErrorThenEnableInput(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.PromptTimeout = 50 * time.Millisecond })
	sess, mt := env.connect(t)

	_, err := env.controller.Prompt(sess, "Enter query:", false, "query")
	if err != ErrPromptTimeout {
		t.Fatalf("expected ErrPromptTimeout, got %v", err)
	}

	waitFor(t, mt, TypeError)
	mt.mu.Lock()
	var errIdx, enableIdx int
	for i, envlp := range mt.sent {
		switch envlp.Type {
		case TypeError:
			errIdx = i
		case TypeEnableInput:
			enableIdx = i
		}
	}
	errMsg := mt.sent[errIdx].Data.(map[string]any)["message"].(string)
	mt.mu.Unlock()

	if errMsg != "Prompt timed out." {
		t.Errorf("error message = %q", errMsg)
	}
	if enableIdx < errIdx {
		t.Errorf("enable_input must follow the timeout error")
	}
}

func TestPromptTimeoutInsideCommandReportsOnce(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.PromptTimeout = 50 * time.Millisecond })
	sess, mt := env.connect(t)

	// No cached password, so the handler prompts for one and never gets it.
	send(env.controller, sess, ClientMessage{
		Type:    InboundCommand,
		Command: "keys",
		Args:    []string{"set", "brave"},
	})
	waitFor(t, mt, TypeError)
	time.Sleep(150 * time.Millisecond)

	mt.mu.Lock()
	errIdx := -1
	var errCount, enableAfterErr int
	for i, envlp := range mt.sent {
		switch envlp.Type {
		case TypeError:
			errCount++
			errIdx = i
		case TypeEnableInput:
			if errIdx >= 0 {
				enableAfterErr++
			}
		}
	}
	var errMsg string
	if errIdx >= 0 {
		errMsg = mt.sent[errIdx].Data.(map[string]any)["message"].(string)
	}
	mt.mu.Unlock()

	if errCount != 1 {
		t.Fatalf("error envelopes = %d, want exactly 1", errCount)
	}
	if errMsg != "Prompt timed out." {
		t.Errorf("error message = %q", errMsg)
	}
	if enableAfterErr != 1 {
		t.Errorf("enable_input after the timeout error = %d, want exactly 1", enableAfterErr)
	}
}

func TestPromptReplaced(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.PromptTimeout = time.Second })
	sess, mt := env.connect(t)

	first := make(chan error, 1)
	go func() {
		_, err := env.controller.Prompt(sess, "first?", false, "a")
		first <- err
	}()
	waitFor(t, mt, TypePrompt)

	second := make(chan error, 1)
	go func() {
		_, err := env.controller.Prompt(sess, "second?", false, "b")
		second <- err
	}()

	if err := <-first; err != ErrPromptReplaced {
		t.Fatalf("first prompt: expected ErrPromptReplaced, got %v", err)
	}
	send(env.controller, sess, ClientMessage{Type: InboundInput, Value: "answer"})
	if err := <-second; err != nil {
		t.Fatalf("second prompt must resolve: %v", err)
	}
}

func TestUnknownCommandError(t *testing.T) {
	env := newTestEnv(t, nil)
	sess, mt := env.connect(t)

	send(env.controller, sess, ClientMessage{Type: InboundCommand, Command: "nosuch"})
	env2 := waitFor(t, mt, TypeError)
	msg := env2.Data.(map[string]any)["message"].(string)
	if msg != "Unknown command: /nosuch" {
		t.Errorf("message = %q", msg)
	}
	waitFor(t, mt, TypeEnableInput)
}

func TestHelpCommand(t *testing.T) {
	env := newTestEnv(t, nil)
	sess, mt := env.connect(t)

	send(env.controller, sess, ClientMessage{Type: InboundCommand, Command: "help"})
	env2 := waitFor(t, mt, TypeOutput)
	msg := env2.Data.(map[string]any)["message"].(string)
	for _, name := range []string{"/research", "/chat", "/storage", "/keys", "/export", "/status", "/help", "/logout"} {
		if !strings.Contains(msg, name) {
			t.Errorf("help output missing %s", name)
		}
	}
}

func TestResearchCommandEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	env.llm.answers = []string{
		"zeno of citium\nstoic physics", // planner
		"- learning one",                // summarize 1
		"- learning two",                // summarize 2
		"# Report\n\n## Summary\n\nShort.\n",
	}
	if err := env.secrets.SetAPIKey("alice", "pw1", secrets.ServiceVenice, "venice-key"); err != nil {
		t.Fatal(err)
	}

	sess, mt := env.connect(t)
	sess.setPassword("pw1")

	send(env.controller, sess, ClientMessage{
		Type:    InboundCommand,
		Command: "research",
		Args:    []string{"the history of stoicism", "--depth=1", "--breadth=2"},
	})

	download := waitFor(t, mt, TypeDownloadFile)
	data := download.Data.(map[string]any)
	if data["filename"] != "the-history-of-stoicism.md" {
		t.Errorf("filename = %v", data["filename"])
	}
	if !strings.Contains(data["content"].(string), "# Report") {
		t.Errorf("content = %v", data["content"])
	}

	out := waitFor(t, mt, TypeOutput)
	if msg := out.Data.(map[string]any)["message"].(string); !strings.Contains(msg, "2 learnings") {
		t.Errorf("summary message = %q", msg)
	}
	waitFor(t, mt, "research-complete")
	waitFor(t, mt, TypeEnableInput)

	// The run is persisted for the next connection.
	snap := env.controller.deps.State.Load(true)
	if snap.CurrentResearchFilename != "the-history-of-stoicism.md" {
		t.Errorf("state not persisted: %+v", snap)
	}
}

func TestKeysTestCommandReportsUnconfigured(t *testing.T) {
	env := newTestEnv(t, nil)
	sess, mt := env.connect(t)
	sess.setPassword("pw1")

	send(env.controller, sess, ClientMessage{Type: InboundCommand, Command: "keys", Args: []string{"test"}})
	out := waitFor(t, mt, TypeOutput)
	msg := out.Data.(map[string]any)["message"].(string)
	for _, service := range []string{"brave", "venice", "github"} {
		if !strings.Contains(msg, service) {
			t.Errorf("missing %s in %q", service, msg)
		}
	}
	if !strings.Contains(msg, "not configured") {
		t.Errorf("message = %q", msg)
	}
}

func TestExportCommand(t *testing.T) {
	env := newTestEnv(t, nil)
	sess, mt := env.connect(t)

	sess.mu.Lock()
	sess.Ref.CurrentResearchResult = "# Title\n\nBody text.\n"
	sess.Ref.CurrentResearchFilename = "title.md"
	sess.mu.Unlock()

	send(env.controller, sess, ClientMessage{Type: InboundCommand, Command: "export"})
	download := waitFor(t, mt, TypeDownloadFile)
	data := download.Data.(map[string]any)
	if data["filename"] != "title.html" || data["mimeType"] != "text/html" {
		t.Errorf("download = %v", data)
	}
	if !strings.Contains(data["content"].(string), "<h1") {
		t.Errorf("content not rendered: %v", data["content"])
	}
}

func TestChatModeLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.llm.answers = []string{"hello operator"}
	if err := env.secrets.SetAPIKey("alice", "pw1", secrets.ServiceVenice, "venice-key"); err != nil {
		t.Fatal(err)
	}

	sess, mt := env.connect(t)
	sess.setPassword("pw1")

	send(env.controller, sess, ClientMessage{Type: InboundCommand, Command: "chat"})
	waitFor(t, mt, TypeChatReady)
	waitMode(t, sess, ModeChat)

	send(env.controller, sess, ClientMessage{Type: InboundChatMessage, Message: "hi"})
	resp := waitFor(t, mt, TypeChatResponse)
	if resp.Data.(map[string]any)["content"] != "hello operator" {
		t.Errorf("chat response = %v", resp.Data)
	}

	send(env.controller, sess, ClientMessage{Type: InboundChatMessage, Message: "/exit"})
	waitFor(t, mt, TypeChatExit)
	if sess.getMode() != ModeCommand {
		t.Errorf("mode after exit = %s", sess.getMode())
	}
}

func TestChatMessageOutsideChatMode(t *testing.T) {
	env := newTestEnv(t, nil)
	sess, mt := env.connect(t)
	send(env.controller, sess, ClientMessage{Type: InboundChatMessage, Message: "hi"})
	env2 := waitFor(t, mt, TypeError)
	if msg := env2.Data.(map[string]any)["message"].(string); !strings.Contains(msg, "chat mode") {
		t.Errorf("message = %q", msg)
	}
}

func TestActivitySnapshotCommand(t *testing.T) {
	env := newTestEnv(t, nil)
	env.controller.deps.Activity.Push(activity.LevelError, "github", "upload failed", map[string]any{"token": "abc"})
	sess, mt := env.connect(t)

	send(env.controller, sess, ClientMessage{
		Type: InboundActivityCommand, Command: "snapshot", Limit: 10, Levels: []string{"error"},
	})
	env2 := waitFor(t, mt, TypeActivitySnapshot)
	entries := env2.Data.(map[string]any)["entries"].([]activity.Entry)
	if len(entries) != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Meta["token"] != "[redacted]" {
		t.Errorf("token not redacted: %+v", entries[0].Meta)
	}

	send(env.controller, sess, ClientMessage{Type: InboundActivityCommand, Command: "stats"})
	stats := waitFor(t, mt, TypeActivityStats)
	if stats.Data.(activity.Stats).Total != 1 {
		t.Errorf("stats = %+v", stats.Data)
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.InactivityTimeout = 10 * time.Millisecond })
	sess, mt := env.connect(t)

	sess.mu.Lock()
	sess.lastActivity = time.Now().Add(-time.Minute)
	sess.mu.Unlock()

	env.controller.Sweep()

	waitFor(t, mt, TypeSessionExpired)
	mt.mu.Lock()
	closed, code := mt.closed, mt.closeCode
	mt.mu.Unlock()
	if !closed || code != CloseNormal {
		t.Errorf("transport close: closed=%v code=%d", closed, code)
	}

	env.controller.mu.Lock()
	_, still := env.controller.sessions[sess.ID]
	env.controller.mu.Unlock()
	if still {
		t.Errorf("expired session still registered")
	}
}

func TestCleanupRejectsPendingPromptOnClose(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.PromptTimeout = time.Second })
	sess, mt := env.connect(t)

	done := make(chan error, 1)
	go func() {
		_, err := env.controller.Prompt(sess, "waiting", false, "x")
		done <- err
	}()
	waitFor(t, mt, TypePrompt)

	env.controller.HandleClose(sess)
	if err := <-done; err != ErrTransportClosed {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
	// Cleanup twice is safe.
	env.controller.HandleClose(sess)
}

func TestStatusRefresh(t *testing.T) {
	env := newTestEnv(t, nil)
	sess, mt := env.connect(t)
	send(env.controller, sess, ClientMessage{Type: InboundStatusRefresh})
	env2 := waitFor(t, mt, TypeStatusSummary)
	data := env2.Data.(map[string]any)
	if data["mode"] != "command" || data["sessionId"] != sess.ID {
		t.Errorf("status summary = %v", data)
	}
}
