package quotaplane

import (
	"context"
	"time"
)

// RateResult is the outcome of one atomic rate-limit operation.
type RateResult struct {
	Allowed bool

	// RetryAfter is the delay until the same request would be admitted.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// BudgetResult is the outcome of one atomic budget debit.
type BudgetResult struct {
	Allowed bool

	// RemainingCents is the balance after the debit, or the untouched
	// balance when the debit was denied.
	RemainingCents int64
}

// AtomicCounterStore executes rate and budget decisions as single atomic
// operations against shared state. The read-check-write for a key must not
// be observable in a partial state by a concurrent caller: the store is the
// serialization point for a subject, the enforcer holds no state of its own.
type AtomicCounterStore interface {
	// AllowRate applies a GCRA admission for key with the given limit over
	// window, consuming cost units on success. State for an idle key
	// expires from the store after roughly two windows.
	AllowRate(ctx context.Context, key string, limit int64, window time.Duration, cost int64) (RateResult, error)

	// DebitBudget debits costCents from the key's remaining balance,
	// initializing the balance to limitCents on first use. A debit that
	// would drive the balance negative is denied and leaves the balance
	// unchanged.
	DebitBudget(ctx context.Context, key string, limitCents, costCents int64) (BudgetResult, error)
}

// ConfigStore fetches and publishes the shared policy config.
type ConfigStore interface {
	// Fetch returns the current config blob. A store with no config yet
	// returns an empty version-0 snapshot.
	Fetch(ctx context.Context) (Config, error)

	// Publish stores the new config and then notifies subscribers, in that
	// order, so a fetch triggered by the notification always sees the new
	// blob.
	Publish(ctx context.Context, update PolicyUpdate) error
}

// PubSubChannel delivers policy update payloads. Delivery is at-least-once
// and may reorder across reconnects; payload versions carry the ordering.
type PubSubChannel interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is a live subscription to the config channel.
type Subscription interface {
	// Receive blocks until the next payload, ctx cancellation, or a
	// channel failure. A failed subscription is not reusable; the caller
	// resubscribes.
	Receive(ctx context.Context) ([]byte, error)

	Close() error
}

// AppendLog appends usage events to a log-like stream. Entry ids are
// assigned by the backend and are monotonic per stream.
type AppendLog interface {
	Append(ctx context.Context, events []UsageEvent) error
}
