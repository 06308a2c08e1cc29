package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	// ChatRatePerMin caps sends into a single chat; 0 disables the cap.
	ChatRatePerMin  int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Kind       string    `json:"kind,omitempty"`
	InstanceID int64     `json:"instance_id,omitempty"`
	ChatID     int64     `json:"chat_id"`
	ThreadID   int       `json:"thread_id,omitempty"`
	Key        string    `json:"key"`
	At         time.Time `json:"at"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
	// Permanent is set on failures that retrying could not fix.
	Permanent bool `json:"permanent,omitempty"`
}
