package app

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"taigabot/internal/config"
	"taigabot/internal/httpapi"
	"taigabot/internal/notifier"
	"taigabot/internal/queue"
	"taigabot/internal/storage"
	"taigabot/internal/webhook"
	logx "taigabot/pkg/logx"
)

const (
	DefaultDelaySeconds = 30
	defaultStorePath    = "./taigabot_store"

	// Telegram's documented per-group limit.
	defaultChatRatePerMin = 20
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// mapNotifierConfig fills runtime defaults. An omitted section means an
// enabled notifier.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      20,
		ChatRatePerMin:  defaultChatRatePerMin,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   30 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.ChatRatePerMin != nil {
		out.ChatRatePerMin = *n.ChatRatePerMin
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}

	switch {
	case out.Workers < 0:
		return notifier.Config{}, fmt.Errorf("notifier.workers must be >= 0")
	case out.QueueSize < 0:
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	case out.RatePerSec < 0:
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	case out.ChatRatePerMin < 0:
		return notifier.Config{}, fmt.Errorf("notifier.chat_rate_per_min must be >= 0")
	case out.RetryMax < 0:
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	case out.DedupMaxEntries < 0:
		return notifier.Config{}, fmt.Errorf("notifier.dedup_max_entries must be >= 0")
	}
	return out, nil
}

// mapStorageConfig defaults to the file driver: instances must live
// somewhere, so "none" is rejected.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: defaultStorePath}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = defaultStorePath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	q := cfg.Queue
	driver := strings.ToLower(strings.TrimSpace(q.Driver))
	switch driver {
	case "", "redis", "memory":
	default:
		return queue.Config{}, fmt.Errorf("unknown queue.driver: %s", q.Driver)
	}
	return queue.Config{Driver: driver, URL: strings.TrimSpace(q.URL), Prefix: q.Prefix}, nil
}

// mapAggregationConfig returns the scheduler knobs and the timezone events
// are normalised into.
func mapAggregationConfig(cfg *config.Config) (webhook.Config, *time.Location, error) {
	a := cfg.Aggregation
	delay := DefaultDelaySeconds
	if a.DelaySeconds != nil {
		delay = *a.DelaySeconds
	}
	if delay < 0 {
		return webhook.Config{}, nil, fmt.Errorf("aggregation.delay_seconds must be >= 0")
	}
	out := webhook.Config{
		Delay:          time.Duration(delay) * time.Second,
		BypassComments: a.BypassComments == nil || *a.BypassComments,
		Sweep:          strings.TrimSpace(a.Sweep),
	}

	if out.Sweep != "" && out.Sweep != "-" {
		if _, err := cron.ParseStandard(out.Sweep); err != nil {
			return webhook.Config{}, nil, fmt.Errorf("aggregation.sweep: %w", err)
		}
	}

	var err error
	if out.SweepGrace, err = config.ParseDurationField("aggregation.sweep_grace", a.SweepGrace); err != nil {
		return webhook.Config{}, nil, err
	}
	if out.FlushTimeout, err = config.ParseDurationField("aggregation.flush_timeout", a.FlushTimeout); err != nil {
		return webhook.Config{}, nil, err
	}

	loc := time.UTC
	if tz := strings.TrimSpace(a.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return webhook.Config{}, nil, fmt.Errorf("aggregation.timezone: invalid %q: %w", tz, err)
		}
	}
	return out, loc, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	out := httpapi.Config{
		Addr:         strings.TrimSpace(h.Addr),
		MaxBodyBytes: h.MaxBodyBytes,
		Pprof: httpapi.PprofConfig{
			Enabled: h.Pprof.Enabled,
			Prefix:  h.Pprof.Prefix,
			Token:   h.Pprof.Token,
		},
	}
	var err error
	for _, f := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"http.read_header_timeout", h.ReadHeaderTimeout, &out.ReadHeaderTimeout},
		{"http.read_timeout", h.ReadTimeout, &out.ReadTimeout},
		{"http.write_timeout", h.WriteTimeout, &out.WriteTimeout},
		{"http.idle_timeout", h.IdleTimeout, &out.IdleTimeout},
	} {
		if *f.dst, err = config.ParseDurationField(f.key, f.raw); err != nil {
			return httpapi.Config{}, err
		}
	}
	if out.Pprof.Enabled && strings.TrimSpace(out.Pprof.Token) == "" {
		return httpapi.Config{}, fmt.Errorf("http.pprof.token is required when pprof is enabled")
	}
	return out, nil
}

// validateConfig rejects a config before it is committed on reload.
func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapAggregationConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	for i, in := range cfg.Seed.Instances {
		if in.ChatID == 0 {
			return fmt.Errorf("seed.instances[%d].chat_id is required", i)
		}
		if in.ProjectID == 0 {
			return fmt.Errorf("seed.instances[%d].project_id is required", i)
		}
	}
	return nil
}
