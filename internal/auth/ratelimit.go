package auth

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// failureWindow is how long a client's failure streak is remembered before
// it resets to a clean slate (spec.md §4.2's admission rate limiter).
const failureWindow = 10 * time.Minute

// clientState tracks one IP's consecutive JOIN_MEET auth failures and the
// backoff.Backoff that computes its next permissible attempt time. Grounded
// on the interval-growth loop in the teacher's asyncSender.trySend
// (internal/worker/wal/sender.go), replacing its hand-rolled interval math
// with the library it already declares as a dependency.
type clientState struct {
	backoff     *backoff.ExponentialBackOff
	blockedTill time.Time
	lastFailure time.Time
	failCount   int
}

// RateLimiter throttles repeated failed auth attempts per client IP: the
// first maxAttempts-1 failures are free (a typo'd password shouldn't cost a
// client wall-clock time), and the maxAttempts-th failure and every one
// after it grow an exponential backoff, so brute-forcing a meet password
// costs increasing time per guess.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientState

	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
}

// NewRateLimiter builds a limiter with the given attempt threshold and
// backoff shape.
func NewRateLimiter(maxAttempts int, initial, max time.Duration, multiplier float64) *RateLimiter {
	return &RateLimiter{
		clients:         make(map[string]*clientState),
		maxAttempts:     maxAttempts,
		initialInterval: initial,
		maxInterval:     max,
		multiplier:      multiplier,
	}
}

// DefaultRateLimiter matches spec.md §4.2's stated defaults: 5 free
// attempts, then 1s initial backoff, 60s cap, doubling.
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(5, time.Second, 60*time.Second, 2.0)
}

func (r *RateLimiter) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxInterval = r.maxInterval
	b.Multiplier = r.multiplier
	b.RandomizationFactor = 0
	return b
}

// Allow reports whether ip may attempt authentication right now.
func (r *RateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.clients[ip]
	if !ok {
		return true
	}

	now := time.Now()
	if now.Sub(state.lastFailure) > failureWindow {
		delete(r.clients, ip)
		return true
	}

	return !now.Before(state.blockedTill)
}

// RecordFailure registers a failed attempt from ip. Only once the failure
// streak reaches maxAttempts does it start extending the backoff; earlier
// failures within the streak leave ip unblocked.
func (r *RateLimiter) RecordFailure(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	state, ok := r.clients[ip]
	if !ok || now.Sub(state.lastFailure) > failureWindow {
		state = &clientState{backoff: r.newBackoff()}
		r.clients[ip] = state
	}

	state.failCount++
	state.lastFailure = now

	if state.failCount < r.maxAttempts {
		return
	}

	result := state.backoff.NextBackOff()
	if result == backoff.Stop {
		result = r.maxInterval
	}
	state.blockedTill = now.Add(result)
}

// RecordSuccess clears ip's failure streak (successful auth resets trust).
func (r *RateLimiter) RecordSuccess(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, ip)
}
