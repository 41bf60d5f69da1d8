package events

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is the snapshot polling cadence for observers.
const DefaultPollInterval = 30 * time.Second

// SnapshotFunc fetches the current status snapshot, serialized for
// distribution to the observer group.
type SnapshotFunc func(ctx context.Context) ([]byte, error)

// Poller is the visibility-aware polling fallback for one observer. Within
// an observer group only the elected leader fetches the snapshot each cycle;
// the others receive the leader's result through the ResultBus instead of
// firing duplicate requests. An observer that is not visible suspends its
// own participation entirely.
type Poller struct {
	group    string
	interval time.Duration
	lock     Lock
	bus      ResultBus
	fetch    SnapshotFunc
	handle   func([]byte)
	logger   *zap.Logger

	visible atomic.Bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides the default 30s cadence.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		p.interval = d
	}
}

// NewPoller creates a poller for one observer. handle is invoked with every
// snapshot the group obtains, whether this observer was the leader or not.
// Observers start visible.
func NewPoller(
	group string,
	lock Lock,
	bus ResultBus,
	fetch SnapshotFunc,
	handle func([]byte),
	logger *zap.Logger,
	opts ...PollerOption,
) *Poller {
	p := &Poller{
		group:    group,
		interval: DefaultPollInterval,
		lock:     lock,
		bus:      bus,
		fetch:    fetch,
		handle:   handle,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.visible.Store(true)
	return p
}

// SetVisible flags whether this observer is foregrounded. Hidden observers
// skip their polling turns to avoid wasted load.
func (p *Poller) SetVisible(v bool) {
	p.visible.Store(v)
}

// Run polls until the context is cancelled. Blocks.
func (p *Poller) Run(ctx context.Context) error {
	results, cancel := p.bus.SubscribeResults(ctx, p.group)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-results:
			if !ok {
				return nil
			}
			p.handle(payload)
		case <-ticker.C:
			p.pollOnce(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// pollOnce runs one election cycle. Losing the election is the common case
// for all but one observer and means the leader's snapshot will arrive on
// the result channel.
func (p *Poller) pollOnce(ctx context.Context) {
	if !p.visible.Load() {
		return
	}

	// The lock is held for most of the cycle so observers with skewed
	// tickers lose their elections instead of each fetching once per
	// interval. The TTL sits just under the interval so the next cycle's
	// election is never blocked, and a crashed leader blocks the group for
	// at most one cycle.
	ttl := p.interval - p.interval/10
	acquired, err := p.lock.TryAcquire(ctx, "poll:"+p.group, ttl)
	if err != nil {
		p.logger.Warn("poll leader election failed", zap.String("group", p.group), zap.Error(err))
		return
	}
	if !acquired {
		return
	}

	payload, err := p.fetch(ctx)
	if err != nil {
		// Free the lock so another observer can retry before the TTL expires.
		if relErr := p.lock.Release(ctx, "poll:"+p.group); relErr != nil {
			p.logger.Warn("poll lock release failed", zap.String("group", p.group), zap.Error(relErr))
		}
		p.logger.Warn("snapshot poll failed", zap.String("group", p.group), zap.Error(err))
		return
	}
	if err := p.bus.PublishResult(ctx, p.group, payload); err != nil {
		p.logger.Warn("snapshot result publish failed", zap.String("group", p.group), zap.Error(err))
	}
}
