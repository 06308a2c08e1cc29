package storage

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot of documents plus a dedup journal
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Project is a Taiga project the bot knows about.
type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug,omitempty"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Instance binds one project to one Telegram chat (and optional topic).
// The webhook URL of an instance is /webhook/<ID>.
type Instance struct {
	ID          int64     `json:"id"`
	ProjectID   int64     `json:"project_id"`
	Name        string    `json:"name,omitempty"`
	ChatID      int64     `json:"chat_id"`
	ThreadID    int       `json:"thread_id,omitempty"`
	Language    string    `json:"language,omitempty"`
	Secret      string    `json:"secret,omitempty"`
	EntityTypes []string  `json:"entity_types,omitempty"`
	Disabled    bool      `json:"disabled,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Subscribed reports whether the instance wants events of entity type t.
// An empty subscription list means every type.
func (i Instance) Subscribed(t string) bool {
	if len(i.EntityTypes) == 0 {
		return true
	}
	for _, v := range i.EntityTypes {
		if strings.EqualFold(v, t) {
			return true
		}
	}
	return false
}

// User is a Telegram user that talked to the bot or was seeded as admin.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username,omitempty"`
	Language  string    `json:"language,omitempty"`
	IsAdmin   bool      `json:"is_admin,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Page selects a window of a listing ordered by id.
type Page struct {
	Offset int
	Limit  int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

func (p Page) normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

func stamp(created *time.Time, updated *time.Time, now time.Time) {
	if created.IsZero() {
		*created = now
	}
	*updated = now
}
