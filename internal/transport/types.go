package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is one outbound chat message queued through the notifier.
type Notification struct {
	Target  ChatTarget
	Text    string
	Options *SendOptions

	// InstanceID is the bot instance the message belongs to (0 for
	// operational messages such as admin reports).
	InstanceID int64
	// Kind labels the message for metrics and logs ("webhook", "report").
	Kind string
}

// Gateway is the messaging surface the bot delivers through.
type Gateway interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
}
