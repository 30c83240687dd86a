package session

import (
	"errors"
	"sync"
	"time"
)

// DefaultPromptTimeout bounds how long a server prompt waits for input.
const DefaultPromptTimeout = 2 * time.Minute

var (
	// ErrPromptTimeout rejects a prompt the client never answered.
	ErrPromptTimeout = errors.New("prompt timed out")
	// ErrPromptReplaced rejects a prompt superseded by a newer one.
	ErrPromptReplaced = errors.New("prompt replaced")
	// ErrPromptCancelled rejects a prompt on operator or server cancel.
	ErrPromptCancelled = errors.New("prompt cancelled")
	// ErrTransportClosed rejects a prompt when the connection drops.
	ErrTransportClosed = errors.New("transport closed")
)

// isPromptLifecycleError reports whether err is one of the prompt
// rejection reasons above, all of which reach the client through the
// prompt manager itself.
func isPromptLifecycleError(err error) bool {
	return errors.Is(err, ErrPromptTimeout) ||
		errors.Is(err, ErrPromptReplaced) ||
		errors.Is(err, ErrPromptCancelled) ||
		errors.Is(err, ErrTransportClosed)
}

type promptResult struct {
	value string
	err   error
}

// promptManager owns at most one outstanding prompt per session. The next
// client input resolves exactly that prompt; everything else is rejected
// with a reason.
type promptManager struct {
	mu         sync.Mutex
	pending    chan promptResult
	timer      *time.Timer
	isPassword bool
	context    string
}

// begin registers a new prompt, rejecting any outstanding one with
// ErrPromptReplaced. onTimeout fires outside the lock if the deadline
// passes unanswered.
func (m *promptManager) begin(timeout time.Duration, isPassword bool, promptCtx string, onTimeout func()) <-chan promptResult {
	if timeout <= 0 {
		timeout = DefaultPromptTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.finishLocked(promptResult{err: ErrPromptReplaced})

	ch := make(chan promptResult, 1)
	m.pending = ch
	m.isPassword = isPassword
	m.context = promptCtx
	m.timer = time.AfterFunc(timeout, func() {
		if m.cancel(ErrPromptTimeout) && onTimeout != nil {
			onTimeout()
		}
	})
	return ch
}

// resolve answers the outstanding prompt. Returns false when none is
// pending.
func (m *promptManager) resolve(value string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishLocked(promptResult{value: value})
}

// cancel rejects the outstanding prompt with the given reason.
func (m *promptManager) cancel(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishLocked(promptResult{err: err})
}

// active reports whether a prompt is outstanding.
func (m *promptManager) active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

func (m *promptManager) finishLocked(res promptResult) bool {
	if m.pending == nil {
		return false
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending <- res
	m.pending = nil
	m.isPassword = false
	m.context = ""
	return true
}
