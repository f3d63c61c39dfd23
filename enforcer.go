package quotaplane

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const defaultCheckTimeout = 50 * time.Millisecond

// SnapshotSource provides the current policy snapshot. *ConfigSynchronizer
// implements it; tests supply fixed snapshots.
type SnapshotSource interface {
	Current() *Config
}

// StaticSnapshot is a SnapshotSource pinned to a single config.
type StaticSnapshot Config

func (s *StaticSnapshot) Current() *Config { return (*Config)(s) }

// QuotaEnforcer renders allow/deny decisions from the live policy snapshot
// and the shared store. It holds no cross-request state of its own: all
// ordering between concurrent checks for a subject is delegated to the
// store's atomic operations.
type QuotaEnforcer struct {
	snapshots SnapshotSource
	store     AtomicCounterStore
	logger    *slog.Logger
	meter     Meter
	timeout   time.Duration
	keyPrefix string
	estimator func(model string, tokens int64) int64

	degradedAllows atomic.Int64
}

// EnforcerOption configures a QuotaEnforcer.
type EnforcerOption func(*QuotaEnforcer)

// WithCheckTimeout bounds the store round trip per check (default 50ms).
// Exceeding it is treated as store unavailability: the check fails open.
func WithCheckTimeout(d time.Duration) EnforcerOption {
	return func(e *QuotaEnforcer) { e.timeout = d }
}

// WithEnforcerLogger sets the logger. Defaults to slog.Default().
func WithEnforcerLogger(logger *slog.Logger) EnforcerOption {
	return func(e *QuotaEnforcer) { e.logger = logger }
}

// WithEnforcerMeter sets the meter. Defaults to a no-op meter.
func WithEnforcerMeter(m Meter) EnforcerOption {
	return func(e *QuotaEnforcer) { e.meter = m }
}

// WithCostEstimator overrides the budget cost function
// (default EstimatedCostCents with all tokens counted as input).
func WithCostEstimator(f func(model string, tokens int64) int64) EnforcerOption {
	return func(e *QuotaEnforcer) { e.estimator = f }
}

// WithEnforcerKeyPrefix prefixes the logical keys the enforcer derives per
// subject. The store backend adds its own namespace; this is only for
// running several enforcers against one backend.
func WithEnforcerKeyPrefix(prefix string) EnforcerOption {
	return func(e *QuotaEnforcer) { e.keyPrefix = prefix }
}

// NewQuotaEnforcer creates a QuotaEnforcer reading limits from snapshots
// and state from store.
func NewQuotaEnforcer(snapshots SnapshotSource, store AtomicCounterStore, opts ...EnforcerOption) *QuotaEnforcer {
	e := &QuotaEnforcer{
		snapshots: snapshots,
		store:     store,
		logger:    slog.Default(),
		meter:     noopMeter{},
		timeout:   defaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.estimator == nil {
		e.estimator = func(model string, tokens int64) int64 {
			return EstimatedCostCents(model, tokens, 0)
		}
	}
	return e
}

// Check admits or rejects one request for subjectID. It performs at most
// one bounded store round trip per limit dimension (rpm, tpm, budget) and
// fails open with AllowedDegraded when the store is unreachable or slow,
// so traffic is never blocked on infrastructure failure.
//
// Quota consumed by an allowed check is not refunded if the caller later
// abandons the request.
func (e *QuotaEnforcer) Check(ctx context.Context, subjectID string, req CheckRequest) Decision {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cfg := e.snapshots.Current()
	quota := cfg.QuotaFor(subjectID)

	res, err := e.store.AllowRate(ctx, e.keyPrefix+"ratelimit:rpm:"+subjectID, quota.RPMLimit, time.Minute, 1)
	if err != nil {
		return e.degrade(subjectID, req, start, err)
	}
	if !res.Allowed {
		return e.finish(subjectID, req, start, Decision{
			Outcome:              RateLimited,
			RetryAfter:           res.RetryAfter,
			RemainingBudgetCents: -1,
		})
	}

	if req.Tokens > 0 {
		res, err = e.store.AllowRate(ctx, e.keyPrefix+"ratelimit:tpm:"+subjectID, quota.TPMLimit, time.Minute, req.Tokens)
		if err != nil {
			return e.degrade(subjectID, req, start, err)
		}
		if !res.Allowed {
			return e.finish(subjectID, req, start, Decision{
				Outcome:              RateLimited,
				RetryAfter:           res.RetryAfter,
				RemainingBudgetCents: -1,
			})
		}
	}

	teamID := req.TeamID
	if teamID == "" {
		teamID = subjectID
	}
	budgetCents := cfg.QuotaFor(teamID).BudgetCents
	remaining := int64(-1)
	if budgetCents > 0 {
		if cost := e.estimator(req.Model, req.Tokens); cost > 0 {
			budget, err := e.store.DebitBudget(ctx, e.keyPrefix+"budget:"+teamID, budgetCents, cost)
			if err != nil {
				return e.degrade(subjectID, req, start, err)
			}
			if !budget.Allowed {
				return e.finish(subjectID, req, start, Decision{
					Outcome:              BudgetExceeded,
					RemainingBudgetCents: budget.RemainingCents,
				})
			}
			remaining = budget.RemainingCents
		}
	}

	return e.finish(subjectID, req, start, Decision{
		Outcome:              Allowed,
		RemainingBudgetCents: remaining,
	})
}

// DegradedAllows returns the number of checks that failed open, for audit.
func (e *QuotaEnforcer) DegradedAllows() int64 {
	return e.degradedAllows.Load()
}

func (e *QuotaEnforcer) degrade(subjectID string, req CheckRequest, start time.Time, err error) Decision {
	e.degradedAllows.Add(1)
	e.logger.Warn("rate limit store unavailable, failing open",
		"subject", subjectID, "model", req.Model, "error", err)
	d := Decision{Outcome: AllowedDegraded, RemainingBudgetCents: -1}
	e.meter.OnDecision(DecisionEvent{
		SubjectID: subjectID,
		Model:     req.Model,
		Outcome:   d.Outcome,
		Duration:  time.Since(start),
		StoreErr:  err,
	})
	return d
}

func (e *QuotaEnforcer) finish(subjectID string, req CheckRequest, start time.Time, d Decision) Decision {
	e.meter.OnDecision(DecisionEvent{
		SubjectID: subjectID,
		Model:     req.Model,
		Outcome:   d.Outcome,
		Duration:  time.Since(start),
	})
	return d
}
