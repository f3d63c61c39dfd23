package quotaplane_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaplane"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultSettingsAreValid(t *testing.T) {
	assert.NoError(t, quotaplane.DefaultSettings().Validate())
}

func TestLoadSettings_OverridesDefaults(t *testing.T) {
	path := writeSettings(t, `
redis_addr: redis.internal:6380
check_timeout: 25ms
flush_batch_size: 50
`)

	s, err := quotaplane.LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", s.RedisAddr)
	assert.Equal(t, 25*time.Millisecond, s.CheckTimeout.Std())
	assert.Equal(t, 50, s.FlushBatchSize)
	// Untouched fields keep their defaults.
	assert.Equal(t, 500*time.Millisecond, s.FlushInterval.Std())
	assert.Equal(t, "quotaplane:", s.KeyPrefix)
}

func TestLoadSettings_ExpandsEnv(t *testing.T) {
	t.Setenv("QP_REDIS_PASSWORD", "hunter2")
	path := writeSettings(t, `
redis_addr: localhost:6379
redis_password: ${QP_REDIS_PASSWORD}
`)

	s, err := quotaplane.LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", s.RedisPassword)
}

func TestLoadSettings_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty addr":          `redis_addr: ""`,
		"zero timeout":        "check_timeout: 0s",
		"batch over capacity": "buffer_capacity: 10\nflush_batch_size: 20",
		"negative retries":    "flush_retries: -1",
		"backoff bounds":      "resubscribe_backoff: 10s\nresubscribe_backoff_max: 1s",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := quotaplane.LoadSettings(writeSettings(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadSettings_MissingFile(t *testing.T) {
	_, err := quotaplane.LoadSettings(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
