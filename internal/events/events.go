// Package events distributes sync lifecycle events to observers over a push
// channel, with a coordinated polling fallback for when push is unavailable.
package events

import (
	"context"
	"time"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
)

// Kind is the lifecycle stage an event announces.
type Kind string

const (
	// KindStarted is emitted when a sync attempt is created IN_PROGRESS
	KindStarted Kind = "started"

	// KindProgress is emitted on worker progress reports
	KindProgress Kind = "progress"

	// KindCompleted is emitted when an attempt reaches a terminal status
	KindCompleted Kind = "completed"
)

// Event is a lifecycle notification. Events are invalidation hints, not
// state snapshots: subscribers re-derive health and active-job data by
// calling back into the engine rather than trusting the payload, which keeps
// observers correct regardless of event ordering across reconnects.
type Event struct {
	Tenant     string      `json:"tenant"`
	EntityType entity.Type `json:"entityType"`
	Kind       Kind        `json:"kind"`
	Status     string      `json:"status,omitempty"`
	Error      string      `json:"error,omitempty"`
	Progress   int         `json:"progress,omitempty"`
	At         time.Time   `json:"at"`
}

// Broadcaster fans lifecycle events out to subscribers.
type Broadcaster interface {
	// Publish emits an event to all current subscribers.
	Publish(ctx context.Context, ev Event) error

	// Subscribe returns a channel of events and a cancel function. Slow
	// subscribers may miss events; that is acceptable because events are
	// invalidation hints backed by the polling fallback.
	Subscribe(ctx context.Context) (<-chan Event, func())
}

// Lock is the short-TTL named advisory lock used to elect one polling leader
// per observer group. The TTL bounds how long a crashed leader can block the
// group.
type Lock interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// ResultBus carries a polling leader's snapshot to the observers that lost
// the election, so a group issues one request per cycle instead of one per
// observer.
type ResultBus interface {
	PublishResult(ctx context.Context, group string, payload []byte) error
	SubscribeResults(ctx context.Context, group string) (<-chan []byte, func())
}
