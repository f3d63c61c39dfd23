package quotaplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	defaultResubscribeBackoff = time.Second
	defaultMaxBackoff         = 30 * time.Second
)

// ConfigSynchronizer keeps a node's policy snapshot eventually consistent
// with the shared store. It fetches the config once at startup and then
// applies updates arriving on the pub/sub channel, replacing the snapshot
// wholesale behind an atomic pointer. Readers call Current and never
// contend with the replacement path.
type ConfigSynchronizer struct {
	store   ConfigStore
	channel PubSubChannel
	logger  *slog.Logger
	meter   Meter

	initialBackoff time.Duration
	maxBackoff     time.Duration

	current atomic.Pointer[Config]
	stopped chan struct{}
}

// SyncOption configures a ConfigSynchronizer.
type SyncOption func(*ConfigSynchronizer)

// WithSyncLogger sets the logger. Defaults to slog.Default().
func WithSyncLogger(logger *slog.Logger) SyncOption {
	return func(s *ConfigSynchronizer) { s.logger = logger }
}

// WithSyncMeter sets the meter. Defaults to a no-op meter.
func WithSyncMeter(m Meter) SyncOption {
	return func(s *ConfigSynchronizer) { s.meter = m }
}

// WithResubscribeBackoff sets the reconnect backoff bounds
// (default 1s doubling up to 30s).
func WithResubscribeBackoff(initial, max time.Duration) SyncOption {
	return func(s *ConfigSynchronizer) {
		s.initialBackoff = initial
		s.maxBackoff = max
	}
}

// NewConfigSynchronizer creates a ConfigSynchronizer over the given store
// and channel. Call Start to fetch the initial snapshot and begin listening.
func NewConfigSynchronizer(store ConfigStore, channel PubSubChannel, opts ...SyncOption) *ConfigSynchronizer {
	s := &ConfigSynchronizer{
		store:          store,
		channel:        channel,
		logger:         slog.Default(),
		meter:          noopMeter{},
		initialBackoff: defaultResubscribeBackoff,
		maxBackoff:     defaultMaxBackoff,
		stopped:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the config channel, fetches the initial snapshot and
// launches the background listener. Subscribing before fetching closes the
// gap in which an update published mid-fetch would be missed: such an update
// is buffered by the subscription and applied right after, with the version
// gate discarding whichever of the two is older.
//
// The listener runs until ctx is cancelled.
func (s *ConfigSynchronizer) Start(ctx context.Context) error {
	sub, err := s.channel.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrConfigUnavailable, err)
	}

	cfg, err := s.store.Fetch(ctx)
	if err != nil {
		sub.Close()
		return fmt.Errorf("%w: fetch: %v", ErrConfigUnavailable, err)
	}
	s.apply(cfg)
	s.logger.Info("config snapshot loaded", "version", cfg.Version, "teams", len(cfg.Teams))

	go s.run(ctx, sub)
	return nil
}

// Current returns the active snapshot. It is nil only before a successful
// Start. The returned snapshot is immutable; callers must not modify it.
func (s *ConfigSynchronizer) Current() *Config {
	return s.current.Load()
}

// ActiveVersion returns the version of the active snapshot, 0 if none.
func (s *ConfigSynchronizer) ActiveVersion() int64 {
	if cfg := s.current.Load(); cfg != nil {
		return cfg.Version
	}
	return 0
}

// Stopped is closed once the background listener has exited.
func (s *ConfigSynchronizer) Stopped() <-chan struct{} {
	return s.stopped
}

func (s *ConfigSynchronizer) run(ctx context.Context, sub Subscription) {
	defer close(s.stopped)
	defer func() { sub.Close() }()

	for {
		payload, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("config subscription lost", "error", err)
			sub.Close()

			next, ok := s.resubscribe(ctx)
			if !ok {
				return
			}
			sub = next
			continue
		}
		s.handleUpdate(payload)
	}
}

// resubscribe retries the subscription with exponential backoff and, once
// reconnected, refetches the full config to close the gap between
// disconnect and resubscribe. A fetch failure counts as a failed attempt.
func (s *ConfigSynchronizer) resubscribe(ctx context.Context) (Subscription, bool) {
	backoff := s.initialBackoff
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}

		sub, err := s.channel.Subscribe(ctx)
		if err != nil {
			s.logger.Warn("config resubscribe failed", "error", err, "next_attempt_in", backoff)
			continue
		}

		cfg, err := s.store.Fetch(ctx)
		if err != nil {
			sub.Close()
			s.logger.Warn("config refetch after resubscribe failed", "error", err, "next_attempt_in", backoff)
			continue
		}

		if s.apply(cfg) {
			s.logger.Info("config refetched after resubscribe", "version", cfg.Version)
		}
		return sub, true
	}
}

func (s *ConfigSynchronizer) handleUpdate(payload []byte) {
	var update PolicyUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		s.logger.Error("failed to parse policy update", "error", err)
		return
	}

	// The envelope version is authoritative for ordering.
	cfg := update.Config
	cfg.Version = update.Version

	applied := s.apply(cfg)
	s.meter.OnConfig(ConfigEvent{
		Version:       cfg.Version,
		ActiveVersion: s.ActiveVersion(),
		Applied:       applied,
	})
	if applied {
		s.logger.Info("config updated", "version", cfg.Version, "teams", len(cfg.Teams))
	} else {
		s.logger.Info("stale policy update discarded",
			"version", cfg.Version, "active_version", s.ActiveVersion())
	}
}

// apply installs cfg as the active snapshot if it is strictly newer than
// the current one. The swap is a single pointer CAS, so concurrent readers
// see either the old or the new snapshot in full, never a partial mix.
func (s *ConfigSynchronizer) apply(cfg Config) bool {
	for {
		cur := s.current.Load()
		if cur != nil && cfg.Version <= cur.Version {
			return false
		}
		snap := cfg
		if s.current.CompareAndSwap(cur, &snap) {
			return true
		}
	}
}
