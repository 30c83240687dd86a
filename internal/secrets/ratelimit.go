package secrets

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Failed-authentication limits. Five failures inside the window lock the
// account out; repeated bursts stretch the lockout by floor(failures/5).
const (
	failureThreshold = 5
	failureWindow    = 15 * time.Minute
	lockoutBase      = 15 * time.Minute
)

type failureState struct {
	count       int
	windowStart time.Time
	lockedUntil time.Time
}

// rateLimiter tracks failed authentications per username.
type rateLimiter struct {
	mu    sync.Mutex
	state map[string]*failureState
	now   func() time.Time
}

func newRateLimiter(now func() time.Time) *rateLimiter {
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{state: make(map[string]*failureState), now: now}
}

// check returns an error while the username is locked out.
func (r *rateLimiter) check(username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[username]
	if !ok {
		return nil
	}
	now := r.now()
	if now.Before(st.lockedUntil) {
		minutes := int(math.Ceil(st.lockedUntil.Sub(now).Minutes()))
		return fmt.Errorf("%w: Too many failed attempts. Try again in %d minutes", ErrRateLimited, minutes)
	}
	return nil
}

// recordFailure registers a failed authentication and starts or extends the
// lockout once the threshold is crossed.
func (r *rateLimiter) recordFailure(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	st, ok := r.state[username]
	if !ok || now.Sub(st.windowStart) > failureWindow {
		st = &failureState{windowStart: now}
		r.state[username] = st
	}
	st.count++
	if st.count >= failureThreshold {
		multiplier := st.count / failureThreshold
		st.lockedUntil = now.Add(time.Duration(multiplier) * lockoutBase)
	}
}

// recordSuccess clears the failure counter.
func (r *rateLimiter) recordSuccess(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.state, username)
}
