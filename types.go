package quotaplane

import "time"

// Default limits applied to subjects absent from the config snapshot.
const (
	DefaultRPMLimit = 60
	DefaultTPMLimit = 100000
)

// Quota holds the per-subject limits from the policy config.
// A zero BudgetCents means no budget is enforced for the subject.
type Quota struct {
	RPMLimit    int64 `json:"rpm_limit"`
	TPMLimit    int64 `json:"tpm_limit"`
	BudgetCents int64 `json:"budget_cents"`
}

// RoutingAlias maps a team-visible model alias to a concrete provider model.
type RoutingAlias struct {
	Alias       string `json:"alias"`
	TargetModel string `json:"target_model"`
	Provider    string `json:"provider"`
}

// Config is an immutable, versioned policy snapshot. It is never mutated in
// place: the ConfigSynchronizer replaces the whole snapshot on every accepted
// update, so readers may keep a *Config across a replacement safely.
type Config struct {
	Version int64                              `json:"version"`
	Teams   map[string]Quota                   `json:"teams"`
	Aliases map[string]map[string]RoutingAlias `json:"aliases"`
}

// QuotaFor returns the quota for a subject, falling back to the documented
// defaults (60 rpm / 100000 tpm, no budget) when the subject is unknown.
func (c *Config) QuotaFor(subjectID string) Quota {
	if c != nil {
		if q, ok := c.Teams[subjectID]; ok {
			return q
		}
	}
	return Quota{RPMLimit: DefaultRPMLimit, TPMLimit: DefaultTPMLimit}
}

// ResolveAlias resolves a team's model alias to its routing target.
func (c *Config) ResolveAlias(teamID, alias string) (RoutingAlias, bool) {
	if c == nil {
		return RoutingAlias{}, false
	}
	ra, ok := c.Aliases[teamID][alias]
	return ra, ok
}

// PolicyUpdate is the message published on the config channel whenever the
// policy changes. Consumers apply it wholesale, never as a diff, and discard
// any update whose version is not strictly newer than the active snapshot.
type PolicyUpdate struct {
	Version int64  `json:"version"`
	Config  Config `json:"config"`
}

// Outcome classifies a rate/budget decision.
type Outcome string

const (
	// Allowed means the request is within all limits.
	Allowed Outcome = "allowed"

	// AllowedDegraded means the store was unreachable or too slow, and the
	// enforcer failed open rather than blocking traffic.
	AllowedDegraded Outcome = "allowed_degraded"

	// RateLimited means an rpm or tpm limit was exceeded.
	RateLimited Outcome = "rate_limited"

	// BudgetExceeded means the team's remaining budget cannot cover the
	// request. No partial debit is applied.
	BudgetExceeded Outcome = "budget_exceeded"
)

// Decision is the result of a single QuotaEnforcer check.
type Decision struct {
	Outcome Outcome

	// RetryAfter is set when Outcome is RateLimited: the earliest delay
	// after which an identical request could be admitted.
	RetryAfter time.Duration

	// RemainingBudgetCents is the team budget left after this decision.
	// On BudgetExceeded it reflects the undebited remainder; it is -1 when
	// no budget is configured for the subject.
	RemainingBudgetCents int64
}

// OK reports whether the caller may proceed with the request.
func (d Decision) OK() bool {
	return d.Outcome == Allowed || d.Outcome == AllowedDegraded
}

// CheckRequest describes the request being admitted.
type CheckRequest struct {
	// TeamID owns the budget. Empty means the subject is its own team.
	TeamID string

	// Model is the requested model, after any alias resolution.
	Model string

	// Tokens is the estimated token cost, used for the tpm check and the
	// budget estimate. See EstimateTokens.
	Tokens int64
}

// UsageEvent is one immutable telemetry record per request, appended to the
// usage log regardless of the decision outcome.
type UsageEvent struct {
	SubjectID    string    `json:"subject_id"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	LatencyMS    int64     `json:"latency_ms"`
	Timestamp    time.Time `json:"timestamp"`
	Decision     Outcome   `json:"decision"`
}
