package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storeflow/storeflow-sync-server/internal/errs"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func TestDecideTransient(t *testing.T) {
	t.Parallel()

	p := New(WithNowFunc(fixedClock))
	cause := errs.NewTransientFetch(errs.CodeNetwork, errors.New("timeout"))

	tests := []struct {
		name      string
		attempt   Attempt
		wantRetry bool
		// expected backoff center, before jitter
		center time.Duration
	}{
		{name: "first failure", attempt: Attempt{RetryCount: 0, MaxAttempts: 3}, wantRetry: true, center: 5 * time.Minute},
		{name: "second failure", attempt: Attempt{RetryCount: 1, MaxAttempts: 3}, wantRetry: true, center: 10 * time.Minute},
		{name: "budget exhausted", attempt: Attempt{RetryCount: 2, MaxAttempts: 3}, wantRetry: false},
		{name: "default budget", attempt: Attempt{RetryCount: 1}, wantRetry: true, center: 10 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := p.Decide(tt.attempt, cause)
			if !tt.wantRetry {
				assert.False(t, d.WillRetry)
				assert.Nil(t, d.NextRetryAt)
				return
			}

			require.True(t, d.WillRetry)
			require.NotNil(t, d.NextRetryAt)
			delay := d.NextRetryAt.Sub(fixedNow)
			lo := time.Duration(float64(tt.center) * (1 - DefaultJitter))
			hi := time.Duration(float64(tt.center) * (1 + DefaultJitter))
			assert.GreaterOrEqual(t, delay, lo)
			assert.LessOrEqual(t, delay, hi)
		})
	}
}

func TestDecidePermanentNeverRetries(t *testing.T) {
	t.Parallel()

	p := New(WithNowFunc(fixedClock))

	permanent := errs.NewPermanentFetch(errs.CodeAuth, "Check credentials.", errors.New("401"))
	d := p.Decide(Attempt{RetryCount: 0, MaxAttempts: 3}, permanent)
	assert.False(t, d.WillRetry)

	// unclassified errors are not retried either
	d = p.Decide(Attempt{RetryCount: 0, MaxAttempts: 3}, errors.New("mystery"))
	assert.False(t, d.WillRetry)
}

func TestBackoffCap(t *testing.T) {
	t.Parallel()

	p := New(WithNowFunc(fixedClock), WithMaxAttempts(20))
	cause := errs.NewStalled("job-1")

	// 5m * 2^10 would be ~85h without the cap
	d := p.Decide(Attempt{RetryCount: 10}, cause)
	require.True(t, d.WillRetry)
	delay := d.NextRetryAt.Sub(fixedNow)
	assert.LessOrEqual(t, delay, time.Duration(float64(DefaultCap)*(1+DefaultJitter)))
}

func TestStalledIsTransient(t *testing.T) {
	t.Parallel()

	p := New(WithNowFunc(fixedClock))
	d := p.Decide(Attempt{RetryCount: 0, MaxAttempts: 3}, errs.NewStalled("job-2"))
	assert.True(t, d.WillRetry)
}
