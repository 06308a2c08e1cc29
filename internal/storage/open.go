package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "taigabot/pkg/logx"
)

// DedupStore is the slice of Store the notifier needs.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is the persistence API used by the app.
//
// Put assigns an id when the document has none and refreshes timestamps.
// Get returns ErrNotFound for unknown ids. Deleting a project removes its
// instances.
type Store interface {
	PutProject(ctx context.Context, p Project) (Project, error)
	GetProject(ctx context.Context, id int64) (Project, error)
	ListProjects(ctx context.Context, page Page) ([]Project, error)
	DeleteProject(ctx context.Context, id int64) error

	PutInstance(ctx context.Context, in Instance) (Instance, error)
	GetInstance(ctx context.Context, id int64) (Instance, error)
	ListInstances(ctx context.Context, page Page) ([]Instance, error)
	ProjectInstances(ctx context.Context, projectID int64) ([]Instance, error)
	DeleteInstance(ctx context.Context, id int64) error

	PutUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	ListUsers(ctx context.Context, page Page) ([]User, error)
	Admins(ctx context.Context) ([]User, error)
	DeleteUser(ctx context.Context, id int64) error

	DedupStore
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "file"
	}
	if driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
