package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memItem struct {
	score   int64
	payload string
}

type memWindow struct {
	due   time.Time
	items []memItem
}

type memoryQueue struct {
	mu      sync.Mutex
	windows map[string]*memWindow
	closed  bool
}

// NewMemory returns a process-local queue with the same atomicity as the
// redis driver. Used for development and tests.
func NewMemory() Queue {
	return &memoryQueue{windows: map[string]*memWindow{}}
}

func (q *memoryQueue) Enqueue(_ context.Context, key string, payload []byte, score int64, due time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}
	w, existed := q.windows[key]
	if !existed {
		w = &memWindow{due: due}
		q.windows[key] = w
	}
	p := string(payload)
	for i := range w.items {
		if w.items[i].payload == p {
			w.items[i].score = score
			return existed, nil
		}
	}
	w.items = append(w.items, memItem{score: score, payload: p})
	return existed, nil
}

func (q *memoryQueue) Drain(_ context.Context, key string) ([][]byte, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	w := q.windows[key]
	delete(q.windows, key)
	q.mu.Unlock()
	if w == nil {
		return [][]byte{}, nil
	}
	// Same ordering as a sorted set: score, then member bytes.
	sort.Slice(w.items, func(i, j int) bool {
		if w.items[i].score != w.items[j].score {
			return w.items[i].score < w.items[j].score
		}
		return w.items[i].payload < w.items[j].payload
	})
	out := make([][]byte, len(w.items))
	for i, it := range w.items {
		out[i] = []byte(it.payload)
	}
	return out, nil
}

func (q *memoryQueue) Stale(_ context.Context, dueBefore time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	type entry struct {
		key string
		due time.Time
	}
	var stale []entry
	for k, w := range q.windows {
		if w.due.Before(dueBefore) {
			stale = append(stale, entry{k, w.due})
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].due.Before(stale[j].due) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	out := make([]string, len(stale))
	for i, e := range stale {
		out[i] = e.key
	}
	return out, nil
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.windows = map[string]*memWindow{}
	q.mu.Unlock()
	return nil
}
