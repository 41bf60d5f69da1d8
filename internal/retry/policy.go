// Package retry implements the pure retry decision for failed sync attempts.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/storeflow/storeflow-sync-server/internal/errs"
)

const (
	// DefaultMaxAttempts is the total attempt budget per retry chain
	DefaultMaxAttempts = 3

	// DefaultBase is the first backoff interval
	DefaultBase = 5 * time.Minute

	// DefaultCap bounds the backoff interval growth
	DefaultCap = 2 * time.Hour

	// DefaultJitter spreads retries ±20% so tenants sharing the same
	// external API do not retry in lockstep
	DefaultJitter = 0.2
)

// Attempt describes the failed attempt being decided on. RetryCount is the
// 0-based index of the attempt that just failed.
type Attempt struct {
	RetryCount  int
	MaxAttempts int
}

// Decision is the retry policy outcome for one failed attempt.
type Decision struct {
	WillRetry   bool
	NextRetryAt *time.Time
}

// Policy decides whether and when a failed attempt is retried. The zero
// value is not usable; construct with New.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64

	now func() time.Time
}

// Option configures a Policy.
type Option func(*Policy)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(p *Policy) {
		p.now = now
	}
}

// WithMaxAttempts overrides the default attempt budget.
func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		p.MaxAttempts = n
	}
}

// New creates a Policy with the default backoff schedule.
func New(opts ...Option) *Policy {
	p := &Policy{
		MaxAttempts: DefaultMaxAttempts,
		Base:        DefaultBase,
		Cap:         DefaultCap,
		Jitter:      DefaultJitter,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide returns the retry decision for a failed attempt. Only transient
// failures are retried, and only while the attempt budget is not exhausted.
// Permanent failures (auth, malformed data) never retry.
func (p *Policy) Decide(attempt Attempt, cause error) Decision {
	maxAttempts := attempt.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}

	if !errs.IsTransient(cause) {
		return Decision{}
	}
	if attempt.RetryCount+1 >= maxAttempts {
		return Decision{}
	}

	next := p.now().Add(p.interval(attempt.RetryCount))
	return Decision{WillRetry: true, NextRetryAt: &next}
}

// interval computes the jittered backoff for the given attempt index:
// base * 2^retryCount, capped, with ±Jitter randomization.
func (p *Policy) interval(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 2
	b.MaxInterval = p.Cap
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < retryCount; i++ {
		d = b.NextBackOff()
	}
	return d
}
