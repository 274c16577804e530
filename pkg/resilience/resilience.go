// Package resilience guards calls to flaky upstreams: the speaker
// recognition service and object downloads.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
	"voxsign/pkg/logger"
	"voxsign/pkg/metrics"

	"go.uber.org/zap"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "closed"
}

// Breaker stops calling an upstream after threshold consecutive failures and
// lets a single probe through once cooldown has passed.
type Breaker struct {
	name      string
	threshold uint32
	cooldown  time.Duration
	isFailure func(error) bool

	mu       sync.Mutex
	state    State
	failures uint32
	openedAt time.Time
	probing  bool
}

type BreakerOption func(*Breaker)

// CountOnly makes the breaker ignore errors for which fn returns false, e.g.
// client-side rejections that say nothing about upstream health.
func CountOnly(fn func(error) bool) BreakerOption {
	return func(b *Breaker) { b.isFailure = fn }
}

func NewBreaker(name string, threshold uint32, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	if threshold == 0 {
		threshold = 1
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
	}
	for _, opt := range opts {
		opt(b)
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Do runs fn unless the breaker is open. Errors from fn are returned as is.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err != nil && (b.isFailure == nil || b.isFailure(err)) {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.threshold {
			b.openedAt = time.Now()
			b.setState(StateOpen)
		}
		return err
	}

	b.failures = 0
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

// setState must be called with mu held.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	logger.Warn("Circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.Stringer("from", b.state),
		zap.Stringer("to", s),
		zap.Uint32("failures", b.failures))
	b.state = s
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(s))
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.setState(StateClosed)
}

// Backoff retries an operation with exponentially growing, jittered delays.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Factor   float64
	// Jitter is the fraction of each delay that is randomized, 0 to 1.
	Jitter float64
	// Retryable limits retries to transient errors. Nil retries everything.
	Retryable func(error) bool
}

func DefaultBackoff() Backoff {
	return Backoff{
		Attempts: 3,
		Initial:  500 * time.Millisecond,
		Max:      10 * time.Second,
		Factor:   2,
		Jitter:   0.2,
	}
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned.
func (b Backoff) Retry(ctx context.Context, op string, fn func() error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		err = fn()
		if err == nil {
			return nil
		}
		if b.Retryable != nil && !b.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := b.delay(attempt)
		logger.Debug("Retrying after failure",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// delay returns the pause after the given 1-based attempt.
func (b Backoff) delay(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= b.Factor
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d -= d * b.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Throttle is a token bucket that paces outgoing requests.
type Throttle struct {
	mu     sync.Mutex
	every  time.Duration
	burst  float64
	tokens float64
	last   time.Time
}

// NewThrottle allows perSecond requests on average with bursts up to burst.
func NewThrottle(perSecond, burst int) *Throttle {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = perSecond
	}
	return &Throttle{
		every:  time.Second / time.Duration(perSecond),
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	wait := t.reserve(time.Now())
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		t.cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// reserve takes a token, possibly borrowing against the future, and returns
// how long the caller has to wait for it.
func (t *Throttle) reserve(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elapsed := now.Sub(t.last); elapsed > 0 {
		t.tokens += float64(elapsed) / float64(t.every)
		if t.tokens > t.burst {
			t.tokens = t.burst
		}
		t.last = now
	}

	t.tokens--
	if t.tokens >= 0 {
		return 0
	}
	return time.Duration(-t.tokens * float64(t.every))
}

func (t *Throttle) cancel() {
	t.mu.Lock()
	t.tokens++
	t.mu.Unlock()
}
