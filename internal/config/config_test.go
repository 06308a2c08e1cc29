package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: file-token
  admin_user_ids: [11, 12]
logging:
  level: debug
  console: true
http:
  addr: ":9000"
queue:
  driver: redis
  url: redis://localhost:6379/0
aggregation:
  delay_seconds: 0
  timezone: Europe/Moscow
seed:
  projects:
    - id: 1
      name: Backend
  instances:
    - id: 7
      project_id: 1
      chat_id: -100
      entity_types: [task, issue]
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func clearEnv(t *testing.T) {
	for _, k := range []string{EnvTelegramToken, EnvAggregationDelay, EnvTimezone, EnvRedisURL, EnvHTTPAddr} {
		t.Setenv(k, "")
	}
}

func TestParseYAML(t *testing.T) {
	clearEnv(t)
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "file-token", cfg.Telegram.Token)
	assert.Equal(t, []int64{11, 12}, cfg.Telegram.AdminUserIDs)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	require.NotNil(t, cfg.Aggregation.DelaySeconds)
	assert.Zero(t, *cfg.Aggregation.DelaySeconds)
	require.Len(t, cfg.Seed.Instances, 1)
	assert.Equal(t, int64(-100), cfg.Seed.Instances[0].ChatID)
	assert.Same(t, cfg, m.Get())
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv(EnvTelegramToken, "env-token")
	t.Setenv(EnvAggregationDelay, "45")
	t.Setenv(EnvRedisURL, "redis://cache:6379/2")
	t.Setenv(EnvHTTPAddr, ":7000")
	t.Setenv(EnvTimezone, "UTC")

	cfg, err := NewManager(writeConfig(t, "config.yaml", sampleYAML)).Parse()
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Telegram.Token)
	assert.Equal(t, 45, *cfg.Aggregation.DelaySeconds)
	assert.Equal(t, "redis://cache:6379/2", cfg.Queue.URL)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, "UTC", cfg.Aggregation.Timezone)
}

func TestApplyEnvRejectsBadDelay(t *testing.T) {
	env := map[string]string{EnvAggregationDelay: "soon"}
	err := applyEnv(&Config{}, func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	assert.ErrorContains(t, err, EnvAggregationDelay)

	env[EnvAggregationDelay] = "-3"
	assert.Error(t, applyEnv(&Config{}, func(k string) (string, bool) { v, ok := env[k]; return v, ok }))

	// Blank values leave the file value alone.
	cfg := &Config{Telegram: TelegramConfig{Token: "keep"}}
	env = map[string]string{EnvTelegramToken: "  "}
	require.NoError(t, applyEnv(cfg, func(k string) (string, bool) { v, ok := env[k]; return v, ok }))
	assert.Equal(t, "keep", cfg.Telegram.Token)
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	_, err := NewManager(writeConfig(t, "config.json", `{"telegram":{"token":"x"},"plugins":{}}`)).Parse()
	assert.Error(t, err)

	_, err = NewManager(writeConfig(t, "config.json", `{"telegram":{"token":"x"}}{}`)).Parse()
	assert.Error(t, err)
}

func TestSummarizeConfigChange(t *testing.T) {
	d30, d0 := 30, 0
	oldCfg := &Config{
		Telegram:    TelegramConfig{Token: "a"},
		HTTP:        HTTPConfig{Pprof: PprofConfig{Token: "p1"}},
		Aggregation: AggregationConfig{DelaySeconds: &d30},
	}
	newCfg := &Config{
		Telegram:    TelegramConfig{Token: "b"},
		HTTP:        HTTPConfig{Pprof: PprofConfig{Token: "p2"}},
		Aggregation: AggregationConfig{DelaySeconds: &d0},
		Queue:       QueueConfig{URL: "redis://:secret@host:6379"},
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	// A rotated pprof token alone is not an http change.
	assert.Equal(t, []string{"aggregation", "queue", "telegram"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"queue"}, RestartRequired(sections))

	sections, _ = SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, sections)
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	_, err = ParseDurationOrDefault("x", "-1s", time.Second)
	assert.Error(t, err)
}

func TestDurationBareSeconds(t *testing.T) {
	d, err := ParseDurationField("x", "45")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)

	_, err = ParseDurationField("aggregation.sweep_grace", "later")
	assert.ErrorContains(t, err, "aggregation.sweep_grace")
}

func TestReload(t *testing.T) {
	path := writeConfig(t, "config.json", `{"telegram":{"token":"a"}}`)
	m := NewManager(path)
	m.lookup = func(string) (string, bool) { return "", false }
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ok, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "unchanged content must not publish")

	require.NoError(t, os.WriteFile(path, []byte(`{"telegram":{"token":"b"}}`), 0o600))
	ok, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", (<-sub).Telegram.Token)
	assert.Equal(t, "b", m.Get().Telegram.Token)

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Telegram.Token == "" {
			return errors.New("token required")
		}
		return nil
	})
	require.NoError(t, os.WriteFile(path, []byte(`{"telegram":{"token":""}}`), 0o600))
	_, err = m.Reload(context.Background())
	assert.ErrorContains(t, err, "token required")
	assert.Equal(t, "b", m.Get().Telegram.Token)
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{Locale: LocaleConfig{Default: "en"}})
	m.publish(&Config{Locale: LocaleConfig{Default: "ru"}})
	assert.Equal(t, "ru", (<-sub).Locale.Default)

	m.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
}
