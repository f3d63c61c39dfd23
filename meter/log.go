package meter

import (
	"log/slog"

	"github.com/ineyio/quotaplane"
)

// LogMeter logs enforcement and telemetry events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ quotaplane.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDecision(e quotaplane.DecisionEvent) {
	if e.StoreErr != nil {
		m.Logger.Warn("decision_degraded",
			"subject", e.SubjectID,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.StoreErr,
		)
		return
	}
	m.Logger.Info("decision",
		"subject", e.SubjectID,
		"model", e.Model,
		"outcome", string(e.Outcome),
		"duration_ms", e.Duration.Milliseconds(),
	)
}

func (m *LogMeter) OnConfig(e quotaplane.ConfigEvent) {
	m.Logger.Info("config_update",
		"version", e.Version,
		"active_version", e.ActiveVersion,
		"applied", e.Applied,
	)
}

func (m *LogMeter) OnTelemetry(e quotaplane.TelemetryEvent) {
	switch {
	case e.Lost > 0:
		m.Logger.Error("telemetry_lost", "events", e.Lost, "error", e.Err)
	case e.Dropped > 0:
		m.Logger.Warn("telemetry_dropped", "events", e.Dropped)
	default:
		m.Logger.Debug("telemetry_flushed", "events", e.Flushed)
	}
}
