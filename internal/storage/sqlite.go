package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "taigabot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func notFound(kind string, id int64, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return err
}

// --- projects ---

const projectCols = `id, name, COALESCE(slug, ''), COALESCE(url, ''), created_at, updated_at`

func scanProject(r rowScanner) (Project, error) {
	var p Project
	var created, updated int64
	if err := r.Scan(&p.ID, &p.Name, &p.Slug, &p.URL, &created, &updated); err != nil {
		return Project{}, err
	}
	p.CreatedAt, p.UpdatedAt = time.UnixMilli(created), time.UnixMilli(updated)
	return p, nil
}

func (s *sqliteStore) PutProject(ctx context.Context, p Project) (Project, error) {
	now := s.now().UnixMilli()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO projects(id, name, slug, url, created_at, updated_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, slug=excluded.slug, url=excluded.url, updated_at=excluded.updated_at
		 RETURNING id`,
		nullID(p.ID), p.Name, nullStr(p.Slug), nullStr(p.URL), now, now,
	).Scan(&id)
	if err != nil {
		return Project{}, fmt.Errorf("put project: %w", err)
	}
	return s.GetProject(ctx, id)
}

func (s *sqliteStore) GetProject(ctx context.Context, id int64) (Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id = ?`, id))
	return p, notFound("project", id, err)
}

func (s *sqliteStore) ListProjects(ctx context.Context, page Page) ([]Project, error) {
	page = page.normalize()
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY id LIMIT ? OFFSET ?`, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteProject(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE project_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// --- instances ---

const instanceCols = `id, project_id, COALESCE(name, ''), chat_id, thread_id, COALESCE(language, ''),
	COALESCE(secret, ''), entity_types, disabled, created_at, updated_at`

func scanInstance(r rowScanner) (Instance, error) {
	var in Instance
	var types string
	var disabled int
	var created, updated int64
	if err := r.Scan(&in.ID, &in.ProjectID, &in.Name, &in.ChatID, &in.ThreadID, &in.Language,
		&in.Secret, &types, &disabled, &created, &updated); err != nil {
		return Instance{}, err
	}
	if err := json.Unmarshal([]byte(types), &in.EntityTypes); err != nil {
		return Instance{}, fmt.Errorf("instance %d entity_types: %w", in.ID, err)
	}
	if len(in.EntityTypes) == 0 {
		in.EntityTypes = nil
	}
	in.Disabled = disabled != 0
	in.CreatedAt, in.UpdatedAt = time.UnixMilli(created), time.UnixMilli(updated)
	return in, nil
}

func (s *sqliteStore) PutInstance(ctx context.Context, in Instance) (Instance, error) {
	if _, err := s.GetProject(ctx, in.ProjectID); err != nil {
		return Instance{}, err
	}
	types := in.EntityTypes
	if types == nil {
		types = []string{}
	}
	typesJSON, err := json.Marshal(types)
	if err != nil {
		return Instance{}, err
	}
	disabled := 0
	if in.Disabled {
		disabled = 1
	}
	now := s.now().UnixMilli()
	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO instances(id, project_id, name, chat_id, thread_id, language, secret, entity_types, disabled, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET project_id=excluded.project_id, name=excluded.name, chat_id=excluded.chat_id,
		   thread_id=excluded.thread_id, language=excluded.language, secret=excluded.secret,
		   entity_types=excluded.entity_types, disabled=excluded.disabled, updated_at=excluded.updated_at
		 RETURNING id`,
		nullID(in.ID), in.ProjectID, nullStr(in.Name), in.ChatID, in.ThreadID, nullStr(in.Language),
		nullStr(in.Secret), string(typesJSON), disabled, now, now,
	).Scan(&id)
	if err != nil {
		return Instance{}, fmt.Errorf("put instance: %w", err)
	}
	return s.GetInstance(ctx, id)
}

func (s *sqliteStore) GetInstance(ctx context.Context, id int64) (Instance, error) {
	in, err := scanInstance(s.db.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM instances WHERE id = ?`, id))
	return in, notFound("instance", id, err)
}

func (s *sqliteStore) queryInstances(ctx context.Context, query string, args ...any) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Instance{}
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListInstances(ctx context.Context, page Page) ([]Instance, error) {
	page = page.normalize()
	return s.queryInstances(ctx, `SELECT `+instanceCols+` FROM instances ORDER BY id LIMIT ? OFFSET ?`, page.Limit, page.Offset)
}

func (s *sqliteStore) ProjectInstances(ctx context.Context, projectID int64) ([]Instance, error) {
	return s.queryInstances(ctx, `SELECT `+instanceCols+` FROM instances WHERE project_id = ? ORDER BY id LIMIT ?`, projectID, MaxPageLimit)
}

func (s *sqliteStore) DeleteInstance(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- users ---

const userCols = `id, COALESCE(username, ''), COALESCE(language, ''), is_admin, created_at, updated_at`

func scanUser(r rowScanner) (User, error) {
	var u User
	var admin int
	var created, updated int64
	if err := r.Scan(&u.ID, &u.Username, &u.Language, &admin, &created, &updated); err != nil {
		return User{}, err
	}
	u.IsAdmin = admin != 0
	u.CreatedAt, u.UpdatedAt = time.UnixMilli(created), time.UnixMilli(updated)
	return u, nil
}

func (s *sqliteStore) PutUser(ctx context.Context, u User) (User, error) {
	if u.ID == 0 {
		return User{}, errors.New("user id is required")
	}
	admin := 0
	if u.IsAdmin {
		admin = 1
	}
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, language, is_admin, created_at, updated_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET username=excluded.username, language=excluded.language,
		   is_admin=excluded.is_admin, updated_at=excluded.updated_at`,
		u.ID, nullStr(u.Username), nullStr(u.Language), admin, now, now,
	)
	if err != nil {
		return User{}, fmt.Errorf("put user: %w", err)
	}
	return s.GetUser(ctx, u.ID)
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id))
	return u, notFound("user", id, err)
}

func (s *sqliteStore) queryUsers(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListUsers(ctx context.Context, page Page) ([]User, error) {
	page = page.normalize()
	return s.queryUsers(ctx, `SELECT `+userCols+` FROM users ORDER BY id LIMIT ? OFFSET ?`, page.Limit, page.Offset)
}

func (s *sqliteStore) Admins(ctx context.Context) ([]User, error) {
	return s.queryUsers(ctx, `SELECT `+userCols+` FROM users WHERE is_admin = 1 ORDER BY id LIMIT ?`, MaxPageLimit)
}

func (s *sqliteStore) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- dedup ---

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
