// Package memory provides in-memory backends for quotaplane's store
// interfaces.
//
// It is the interchangeable test double for the redis backends: same
// contracts, no network. The clock is injectable so rate-limit behavior can
// be driven deterministically, and faults (errors, latency, dropped
// subscriptions, failing appends) can be injected to exercise the
// degradation paths.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ineyio/quotaplane"
)

// Store implements AtomicCounterStore, ConfigStore, PubSubChannel and
// AppendLog in process memory.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	tats    map[string]tatEntry
	budgets map[string]int64
	config  quotaplane.Config
	subs    []*subscription
	events  []quotaplane.UsageEvent

	opErr          error
	opLatency      time.Duration
	failAppends    int
	failSubscribes int
}

type tatEntry struct {
	tat       time.Time
	expiresAt time.Time
}

var (
	_ quotaplane.AtomicCounterStore = (*Store)(nil)
	_ quotaplane.ConfigStore        = (*Store)(nil)
	_ quotaplane.PubSubChannel      = (*Store)(nil)
	_ quotaplane.AppendLog          = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source (default time.Now).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		tats:    make(map[string]tatEntry),
		budgets: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetError makes every counter operation fail with err until cleared with
// SetError(nil). Used to simulate store unavailability.
func (s *Store) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opErr = err
}

// SetLatency delays every counter operation by d. Used to trip the
// enforcer's check timeout.
func (s *Store) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opLatency = d
}

// FailAppends makes the next n Append calls fail.
func (s *Store) FailAppends(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppends = n
}

// FailSubscribes makes the next n Subscribe calls fail.
func (s *Store) FailSubscribes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSubscribes = n
}

// AllowRate applies one GCRA admission under the store lock, which is the
// atomicity guarantee the contract asks for.
func (s *Store) AllowRate(ctx context.Context, key string, limit int64, window time.Duration, cost int64) (quotaplane.RateResult, error) {
	if err := s.injectFault(ctx); err != nil {
		return quotaplane.RateResult{}, &quotaplane.StoreError{Op: "allow_rate", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var tat time.Time
	if e, ok := s.tats[key]; ok && now.Before(e.expiresAt) {
		tat = e.tat
	}

	newTAT, res := quotaplane.GCRADecide(tat, now, limit, window, cost)
	if res.Allowed && limit > 0 {
		s.tats[key] = tatEntry{tat: newTAT, expiresAt: now.Add(2 * window)}
	}
	return res, nil
}

// DebitBudget debits costCents if the remaining balance covers it. The
// balance is created at limitCents on first use and is never partially
// debited on denial.
func (s *Store) DebitBudget(ctx context.Context, key string, limitCents, costCents int64) (quotaplane.BudgetResult, error) {
	if err := s.injectFault(ctx); err != nil {
		return quotaplane.BudgetResult{}, &quotaplane.StoreError{Op: "debit_budget", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	remaining, ok := s.budgets[key]
	if !ok {
		remaining = limitCents
	}
	if costCents > remaining {
		s.budgets[key] = remaining
		return quotaplane.BudgetResult{RemainingCents: remaining}, nil
	}
	remaining -= costCents
	s.budgets[key] = remaining
	return quotaplane.BudgetResult{Allowed: true, RemainingCents: remaining}, nil
}

// Fetch returns the stored config.
func (s *Store) Fetch(ctx context.Context) (quotaplane.Config, error) {
	if err := s.injectFault(ctx); err != nil {
		return quotaplane.Config{}, &quotaplane.StoreError{Op: "fetch", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config, nil
}

// Publish stores the config and then notifies subscribers, matching the
// store-then-publish ordering of the redis backend.
func (s *Store) Publish(ctx context.Context, update quotaplane.PolicyUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.config = update.Config
	s.config.Version = update.Version
	subs := make([]*subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(payload)
	}
	return nil
}

// Subscribe opens a buffered in-process subscription.
func (s *Store) Subscribe(ctx context.Context) (quotaplane.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSubscribes > 0 {
		s.failSubscribes--
		return nil, &quotaplane.StoreError{Op: "subscribe", Err: quotaplane.ErrStoreUnavailable}
	}

	sub := &subscription{
		store:  s,
		msgs:   make(chan []byte, 64),
		failed: make(chan error, 1),
		closed: make(chan struct{}),
	}
	s.subs = append(s.subs, sub)
	return sub, nil
}

// DropSubscribers fails every open subscription, simulating a channel
// disconnect.
func (s *Store) DropSubscribers(err error) {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fail(err)
	}
}

// SubscriberCount returns the number of open subscriptions.
func (s *Store) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Append stores the batch in the in-memory log.
func (s *Store) Append(ctx context.Context, events []quotaplane.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAppends > 0 {
		s.failAppends--
		return &quotaplane.StoreError{Op: "append", Err: quotaplane.ErrStoreUnavailable}
	}
	s.events = append(s.events, events...)
	return nil
}

// Events returns a copy of the appended usage log.
func (s *Store) Events() []quotaplane.UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]quotaplane.UsageEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Store) injectFault(ctx context.Context) error {
	s.mu.Lock()
	err := s.opErr
	latency := s.opLatency
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(latency):
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

type subscription struct {
	store  *Store
	msgs   chan []byte
	failed chan error
	closed chan struct{}

	closeOnce sync.Once
}

func (s *subscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.msgs:
		return msg, nil
	case err := <-s.failed:
		return nil, err
	case <-s.closed:
		return nil, quotaplane.ErrSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.store.remove(s)
	})
	return nil
}

func (s *subscription) deliver(payload []byte) {
	select {
	case s.msgs <- payload:
	default:
		// Subscriber too slow; the test double drops rather than blocks.
	}
}

func (s *subscription) fail(err error) {
	if err == nil {
		err = quotaplane.ErrSubscriptionClosed
	}
	select {
	case s.failed <- err:
	default:
	}
}

func (s *Store) remove(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.subs {
		if candidate == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}
