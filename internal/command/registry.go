package command

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Defaults is the model/character pair applied when the session carries no
// override for a command.
type Defaults struct {
	Model     string
	Character string
}

// Prefs is the session's sticky model/character selection. The --m and --c
// flags bind once per session; later occurrences are ignored and logged.
type Prefs struct {
	Model           string
	Character       string
	ModelLocked     bool
	CharacterLocked bool
}

// Mode values a handler can request.
const (
	ModeCommand = "command"
	ModeChat    = "chat"
)

// Outcome is a handler's typed result.
type Outcome struct {
	Success      bool
	KeepDisabled bool   // leave client input disabled after the handler
	ModeChange   string // "" means no change
	Message      string
	User         string // non-empty when the handler switched the operator
}

// Request is everything a handler receives.
type Request struct {
	Parsed    Parsed
	Model     string // resolved for this call
	Character string
	Prefs     *Prefs
}

// Handler executes one command.
type Handler func(ctx context.Context, req Request) (Outcome, error)

// Registry maps command names to handlers and defaults.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	defaults map[string]Defaults
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		defaults: make(map[string]Defaults),
		logger:   logger,
	}
}

// Register binds a handler, replacing any existing one.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// SetDefaults binds a command's fallback model and character.
func (r *Registry) SetDefaults(name string, d Defaults) {
	r.mu.Lock()
	r.defaults[name] = d
	r.mu.Unlock()
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch parses a command line, resolves model/character, and runs the
// handler. An unregistered name yields UnknownCommandError.
func (r *Registry) Dispatch(ctx context.Context, input string, prefs *Prefs) (Outcome, error) {
	parsed, err := Parse(input)
	if err != nil {
		return Outcome{}, err
	}

	r.mu.RLock()
	handler, ok := r.handlers[parsed.Name]
	defaults := r.defaults[parsed.Name]
	r.mu.RUnlock()
	if !ok {
		return Outcome{}, &UnknownCommandError{Name: parsed.Name}
	}

	if prefs == nil {
		prefs = &Prefs{}
	}
	r.bindFlag(parsed, "m", &prefs.Model, &prefs.ModelLocked)
	r.bindFlag(parsed, "c", &prefs.Character, &prefs.CharacterLocked)

	req := Request{
		Parsed:    parsed,
		Model:     prefs.Model,
		Character: prefs.Character,
		Prefs:     prefs,
	}
	if req.Model == "" {
		req.Model = defaults.Model
	}
	if req.Character == "" {
		req.Character = defaults.Character
	}
	return handler(ctx, req)
}

// bindFlag applies a sticky preference flag on first use only.
func (r *Registry) bindFlag(parsed Parsed, flag string, target *string, locked *bool) {
	value, present := parsed.Flag(flag)
	if !present || value == "" || value == "true" {
		return
	}
	if *locked {
		r.logger.Info("preference flag ignored, already set for this session",
			zap.String("command", parsed.Name),
			zap.String("flag", flag),
			zap.String("value", value))
		return
	}
	*target = value
	*locked = true
}
