package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "taigabot/pkg/logx"
)

// fileStore keeps every document in memory and persists it as files.
//
// Files:
//   - <prefix>.docs.json           (documents, rewritten on each change)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// The dedup journal is periodically compacted into its snapshot.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu sync.Mutex

	docsPath string
	docs     fileDocs

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int
}

type fileDocs struct {
	Projects  map[int64]Project  `json:"projects"`
	Instances map[int64]Instance `json:"instances"`
	Users     map[int64]User     `json:"users"`
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	docsPath := prefix + ".docs.json"
	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"

	docs, err := loadDocs(docsPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", docsPath, err)
	}

	dedup := map[string]int64{}
	_ = loadDedupSnapshot(snapPath, dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	log.Info("file store opened",
		logx.String("path", docsPath),
		logx.Int("projects", len(docs.Projects)),
		logx.Int("instances", len(docs.Instances)),
	)
	return &fileStore{
		log:               log,
		now:               time.Now,
		docsPath:          docsPath,
		docs:              docs,
		dedupSnapshotPath: snapPath,
		dedupJournalFile:  jf,
		dedup:             dedup,
	}, nil
}

func loadDocs(path string) (fileDocs, error) {
	docs := fileDocs{
		Projects:  map[int64]Project{},
		Instances: map[int64]Instance{},
		Users:     map[int64]User{},
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return docs, nil
	}
	if err != nil {
		return docs, err
	}
	if err := json.Unmarshal(b, &docs); err != nil {
		return docs, err
	}
	if docs.Projects == nil {
		docs.Projects = map[int64]Project{}
	}
	if docs.Instances == nil {
		docs.Instances = map[int64]Instance{}
	}
	if docs.Users == nil {
		docs.Users = map[int64]User{}
	}
	return docs, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return nil
	}
	err := s.dedupJournalFile.Close()
	s.dedupJournalFile = nil
	return err
}

// saveLocked rewrites the documents file through a temp file and rename.
func (s *fileStore) saveLocked() error {
	if s.dedupJournalFile == nil {
		return ErrDisabled
	}
	b, err := json.MarshalIndent(s.docs, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.docsPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.docsPath)
}

func nextID[T any](m map[int64]T) int64 {
	var top int64
	for id := range m {
		if id > top {
			top = id
		}
	}
	return top + 1
}

func pageOf[T any](m map[int64]T, page Page, keep func(T) bool) []T {
	page = page.normalize()
	ids := make([]int64, 0, len(m))
	for id, v := range m {
		if keep == nil || keep(v) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if page.Offset >= len(ids) {
		return []T{}
	}
	ids = ids[page.Offset:]
	if len(ids) > page.Limit {
		ids = ids[:page.Limit]
	}
	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}

func (s *fileStore) PutProject(_ context.Context, p Project) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = nextID(s.docs.Projects)
	}
	if prev, ok := s.docs.Projects[p.ID]; ok && p.CreatedAt.IsZero() {
		p.CreatedAt = prev.CreatedAt
	}
	stamp(&p.CreatedAt, &p.UpdatedAt, s.now())
	s.docs.Projects[p.ID] = p
	return p, s.saveLocked()
}

func (s *fileStore) GetProject(_ context.Context, id int64) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.docs.Projects[id]
	if !ok {
		return Project{}, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return p, nil
}

func (s *fileStore) ListProjects(_ context.Context, page Page) ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pageOf(s.docs.Projects, page, nil), nil
}

func (s *fileStore) DeleteProject(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs.Projects[id]; !ok {
		return fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	delete(s.docs.Projects, id)
	for iid, in := range s.docs.Instances {
		if in.ProjectID == id {
			delete(s.docs.Instances, iid)
		}
	}
	return s.saveLocked()
}

func (s *fileStore) PutInstance(_ context.Context, in Instance) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs.Projects[in.ProjectID]; !ok {
		return Instance{}, fmt.Errorf("project %d: %w", in.ProjectID, ErrNotFound)
	}
	if in.ID == 0 {
		in.ID = nextID(s.docs.Instances)
	}
	if prev, ok := s.docs.Instances[in.ID]; ok && in.CreatedAt.IsZero() {
		in.CreatedAt = prev.CreatedAt
	}
	stamp(&in.CreatedAt, &in.UpdatedAt, s.now())
	in.EntityTypes = append([]string(nil), in.EntityTypes...)
	s.docs.Instances[in.ID] = in
	return in, s.saveLocked()
}

func (s *fileStore) GetInstance(_ context.Context, id int64) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.docs.Instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	return in, nil
}

func (s *fileStore) ListInstances(_ context.Context, page Page) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pageOf(s.docs.Instances, page, nil), nil
}

func (s *fileStore) ProjectInstances(_ context.Context, projectID int64) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pageOf(s.docs.Instances, Page{Limit: MaxPageLimit}, func(in Instance) bool {
		return in.ProjectID == projectID
	}), nil
}

func (s *fileStore) DeleteInstance(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs.Instances[id]; !ok {
		return fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	delete(s.docs.Instances, id)
	return s.saveLocked()
}

func (s *fileStore) PutUser(_ context.Context, u User) (User, error) {
	if u.ID == 0 {
		return User{}, errors.New("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.docs.Users[u.ID]; ok && u.CreatedAt.IsZero() {
		u.CreatedAt = prev.CreatedAt
	}
	stamp(&u.CreatedAt, &u.UpdatedAt, s.now())
	s.docs.Users[u.ID] = u
	return u, s.saveLocked()
}

func (s *fileStore) GetUser(_ context.Context, id int64) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.docs.Users[id]
	if !ok {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return u, nil
}

func (s *fileStore) ListUsers(_ context.Context, page Page) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pageOf(s.docs.Users, page, nil), nil
}

func (s *fileStore) Admins(_ context.Context) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pageOf(s.docs.Users, Page{Limit: MaxPageLimit}, func(u User) bool { return u.IsAdmin }), nil
}

func (s *fileStore) DeleteUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs.Users[id]; !ok {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	delete(s.docs.Users, id)
	return s.saveLocked()
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
