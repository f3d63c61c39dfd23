package quotaplane

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "50ms" or "2s".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("quotaplane: settings: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Settings holds node-local operational configuration. Policy (limits,
// budgets, aliases) always comes from the coordination store; Settings only
// covers how this node talks to it.
type Settings struct {
	// RedisAddr is the coordination store address (host:port).
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// KeyPrefix namespaces every store key and channel (default
	// "quotaplane:").
	KeyPrefix string `yaml:"key_prefix"`

	// CheckTimeout bounds the store round trip per enforcement check.
	CheckTimeout Duration `yaml:"check_timeout"`

	// Telemetry buffering knobs, see UsageRecorder.
	BufferCapacity int      `yaml:"buffer_capacity"`
	FlushBatchSize int      `yaml:"flush_batch_size"`
	FlushInterval  Duration `yaml:"flush_interval"`
	FlushRetries   int      `yaml:"flush_retries"`

	// Config resubscribe backoff bounds, see ConfigSynchronizer.
	ResubscribeBackoff    Duration `yaml:"resubscribe_backoff"`
	ResubscribeBackoffMax Duration `yaml:"resubscribe_backoff_max"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		RedisAddr:             "localhost:6379",
		KeyPrefix:             "quotaplane:",
		CheckTimeout:          Duration(defaultCheckTimeout),
		BufferCapacity:        defaultBufferCapacity,
		FlushBatchSize:        defaultFlushBatchSize,
		FlushInterval:         Duration(defaultFlushInterval),
		FlushRetries:          defaultFlushRetries,
		ResubscribeBackoff:    Duration(defaultResubscribeBackoff),
		ResubscribeBackoffMax: Duration(defaultMaxBackoff),
	}
}

// LoadSettings reads and parses a YAML settings file over the defaults.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("quotaplane: read settings: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	s := DefaultSettings()
	if err := yaml.Unmarshal([]byte(expanded), &s); err != nil {
		return Settings{}, fmt.Errorf("quotaplane: parse settings: %w", err)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the settings for required fields and consistency.
func (s Settings) Validate() error {
	if s.RedisAddr == "" {
		return fmt.Errorf("quotaplane: settings: redis_addr is required")
	}
	if s.CheckTimeout <= 0 {
		return fmt.Errorf("quotaplane: settings: check_timeout must be positive")
	}
	if s.BufferCapacity <= 0 {
		return fmt.Errorf("quotaplane: settings: buffer_capacity must be positive")
	}
	if s.FlushBatchSize <= 0 || s.FlushBatchSize > s.BufferCapacity {
		return fmt.Errorf("quotaplane: settings: flush_batch_size must be in 1..buffer_capacity")
	}
	if s.FlushInterval <= 0 {
		return fmt.Errorf("quotaplane: settings: flush_interval must be positive")
	}
	if s.FlushRetries < 0 {
		return fmt.Errorf("quotaplane: settings: flush_retries must not be negative")
	}
	if s.ResubscribeBackoff <= 0 || s.ResubscribeBackoffMax < s.ResubscribeBackoff {
		return fmt.Errorf("quotaplane: settings: resubscribe backoff bounds are inconsistent")
	}
	return nil
}
