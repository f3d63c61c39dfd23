package meter

import "github.com/ineyio/quotaplane"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ quotaplane.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnDecision(quotaplane.DecisionEvent)   {}
func (m *NoopMeter) OnConfig(quotaplane.ConfigEvent)       {}
func (m *NoopMeter) OnTelemetry(quotaplane.TelemetryEvent) {}
