package quotaplane

import "time"

// Meter observes enforcement, config and telemetry events for
// monitoring/logging. Implementations must be safe for concurrent use and
// must not block: meters are called on the request path.
type Meter interface {
	// OnDecision is called once per QuotaEnforcer check.
	OnDecision(event DecisionEvent)

	// OnConfig is called for every received policy update, applied or not.
	OnConfig(event ConfigEvent)

	// OnTelemetry is called by the UsageRecorder on flushes and losses.
	OnTelemetry(event TelemetryEvent)
}

// DecisionEvent describes one enforcement decision.
type DecisionEvent struct {
	SubjectID string
	Model     string
	Outcome   Outcome
	Duration  time.Duration

	// StoreErr is set when the decision degraded because of a store
	// failure or timeout.
	StoreErr error
}

// ConfigEvent describes the handling of one policy update.
type ConfigEvent struct {
	Version       int64
	ActiveVersion int64

	// Applied is false for stale (version <= active) updates.
	Applied bool
}

// TelemetryEvent describes the fate of buffered usage events.
type TelemetryEvent struct {
	// Flushed is the number of events appended to the log.
	Flushed int

	// Dropped is the number of events evicted on buffer overflow.
	Dropped int

	// Lost is the number of events abandoned after flush retries ran out.
	Lost int

	Err error
}

type noopMeter struct{}

func (noopMeter) OnDecision(DecisionEvent)   {}
func (noopMeter) OnConfig(ConfigEvent)       {}
func (noopMeter) OnTelemetry(TelemetryEvent) {}
