package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Sections that are
// pointers may be omitted entirely and then take runtime defaults.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	HTTP        HTTPConfig        `json:"http"`
	Queue       QueueConfig       `json:"queue"`
	Aggregation AggregationConfig `json:"aggregation"`
	Notifier    *NotifierConfig   `json:"notifier,omitempty"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Locale      LocaleConfig      `json:"locale"`
	Seed        SeedConfig        `json:"seed"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL overrides the Bot API endpoint (self-hosted bot API servers).
	APIURL string `json:"api_url,omitempty"`
	// AdminUserIDs are seeded as admin users and receive delivery failure
	// reports.
	AdminUserIDs []int64 `json:"admin_user_ids,omitempty"`
	// GroupLog is the chat id operator logs are mirrored to.
	GroupLog string `json:"group_log,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the webhook ingress.
//
// Defaults: addr ":8080", read_header_timeout "10s", read_timeout "30s",
// write_timeout "30s", idle_timeout "2m", max_body_bytes 2 MiB.
type HTTPConfig struct {
	Addr              string     `json:"addr,omitempty"`
	ReadHeaderTimeout string     `json:"read_header_timeout,omitempty"`
	ReadTimeout       string     `json:"read_timeout,omitempty"`
	WriteTimeout      string     `json:"write_timeout,omitempty"`
	IdleTimeout       string     `json:"idle_timeout,omitempty"`
	MaxBodyBytes      int64      `json:"max_body_bytes,omitempty"`
	Pprof             PprofConfig `json:"pprof,omitempty"`
}

// PprofConfig mounts profiling under the ingress. Token is mandatory when
// enabled and is never logged.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix,omitempty"` // default: "/debug/pprof"
	Token   string `json:"token,omitempty"`
}

// QueueConfig selects the coalescing queue backend.
//
//	"queue": { "driver": "redis", "url": "redis://localhost:6379/0" }
type QueueConfig struct {
	Driver string `json:"driver,omitempty"` // redis (default) | memory
	URL    string `json:"url,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// AggregationConfig tunes the per-entity windows.
//
// DelaySeconds is a pointer so an explicit 0 (aggregation off) differs from
// an omitted value (default 30). BypassComments defaults to true.
type AggregationConfig struct {
	DelaySeconds   *int   `json:"delay_seconds,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	BypassComments *bool  `json:"bypass_comments,omitempty"`
	Sweep          string `json:"sweep,omitempty"`
	SweepGrace     string `json:"sweep_grace,omitempty"`
	FlushTimeout   string `json:"flush_timeout,omitempty"`
}

// NotifierConfig controls the async delivery pipeline. When the section is
// omitted the notifier runs with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	ChatRatePerMin  *int   `json:"chat_rate_per_min,omitempty"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig selects the document store.
//
//	"storage": { "driver": "sqlite", "path": "./taigabot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type LocaleConfig struct {
	Default string `json:"default,omitempty"`
}

// SeedConfig lists records upserted into the store at start.
type SeedConfig struct {
	Projects  []SeedProject  `json:"projects,omitempty"`
	Instances []SeedInstance `json:"instances,omitempty"`
}

type SeedProject struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug,omitempty"`
	URL  string `json:"url,omitempty"`
}

type SeedInstance struct {
	ID          int64    `json:"id"`
	ProjectID   int64    `json:"project_id"`
	Name        string   `json:"name,omitempty"`
	ChatID      int64    `json:"chat_id"`
	ThreadID    int      `json:"thread_id,omitempty"`
	Language    string   `json:"language,omitempty"`
	Secret      string   `json:"secret,omitempty"`
	EntityTypes []string `json:"entity_types,omitempty"`
	Disabled    bool     `json:"disabled,omitempty"`
}
