package pllumcord

import (
	"log/slog"
	"sync"
	"time"
)

// rateLimitWindow is the interval over which request ceilings are
// enforced ("requests per minute").
const rateLimitWindow = time.Minute

// counterPruneAge is how long a per-user counter may sit idle before the
// housekeeping pass drops it. Purely a memory bound - correctness never
// depends on pruning.
const counterPruneAge = 10 * rateLimitWindow

// RateLimitScope identifies which ceiling denied a request.
type RateLimitScope string

const (
	RateLimitScopeGlobal RateLimitScope = "global"
	RateLimitScopeUser   RateLimitScope = "user"
)

// windowCounter counts requests admitted in the current fixed window.
// The window resets (count to zero, start to now) once the window
// interval has elapsed.
type windowCounter struct {
	windowStart time.Time
	count       int
}

// advance resets the counter if its window has elapsed as of now.
func (w *windowCounter) advance(now time.Time) {
	if now.Sub(w.windowStart) >= rateLimitWindow {
		w.windowStart = now
		w.count = 0
	}
}

// RateLimiter enforces a global and a per-user request ceiling over a
// fixed 60-second window. Per-user counters are created lazily on a
// user's first request.
//
// Admission never blocks: a denied request is denied immediately, and
// it's up to the caller to decide whether to tell the user.
type RateLimiter struct {
	globalLimit int
	userLimit   int

	global windowCounter
	users  map[string]*windowCounter

	logger *slog.Logger
	mu     sync.Mutex

	// now is swappable for tests
	now func() time.Time
}

func NewRateLimiter(globalLimit int, userLimit int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		globalLimit: globalLimit,
		userLimit:   userLimit,
		users:       map[string]*windowCounter{},
		logger:      logger.With(loggerNameKey, "rate_limiter"),
		now:         time.Now,
	}
}

// Admit reports whether a request from the given user may proceed, and
// if not, which ceiling denied it. The global ceiling is checked first:
// a globally saturated bot denies users who are still under their own
// per-user ceiling.
//
// An admitted request increments both the global and the user counter.
// A denied request increments neither.
func (r *RateLimiter) Admit(userID string) (bool, RateLimitScope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.global.advance(now)

	user, ok := r.users[userID]
	if !ok {
		user = &windowCounter{windowStart: now}
		r.users[userID] = user
	}
	user.advance(now)

	if r.global.count >= r.globalLimit {
		r.logger.Warn(
			"global rate limit exceeded",
			"user_id", userID,
			"count", r.global.count,
			"limit", r.globalLimit,
		)
		return false, RateLimitScopeGlobal
	}
	if user.count >= r.userLimit {
		r.logger.Warn(
			"user rate limit exceeded",
			"user_id", userID,
			"count", user.count,
			"limit", r.userLimit,
		)
		return false, RateLimitScopeUser
	}

	r.global.count++
	user.count++
	return true, ""
}

// Prune drops per-user counters whose window started long enough ago
// that they can't affect any admission decision.
func (r *RateLimiter) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	pruned := 0
	for userID, counter := range r.users {
		if now.Sub(counter.windowStart) > counterPruneAge {
			delete(r.users, userID)
			pruned++
		}
	}
	return pruned
}

// UserCount returns the number of tracked per-user counters.
func (r *RateLimiter) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}
