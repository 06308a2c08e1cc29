package webhook

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taigabot/internal/eventbus"
	"taigabot/internal/locale"
	"taigabot/internal/metrics"
	"taigabot/internal/queue"
	"taigabot/internal/storage"
	"taigabot/internal/taiga"
	kit "taigabot/internal/transport"
	logx "taigabot/pkg/logx"
)

var (
	t0  = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ann = taiga.Actor{ID: 1, Username: "ann", FullName: "Ann"}
	bob = taiga.Actor{ID: 2, Username: "bob", FullName: "Bob"}
)

type fakeSender struct {
	mu  sync.Mutex
	out []kit.Notification
	hit chan struct{}
}

func newFakeSender() *fakeSender { return &fakeSender{hit: make(chan struct{}, 16)} }

func (f *fakeSender) Notify(_ context.Context, n kit.Notification) error {
	f.mu.Lock()
	f.out = append(f.out, n)
	f.mu.Unlock()
	f.hit <- struct{}{}
	return nil
}

func (f *fakeSender) sent() []kit.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kit.Notification(nil), f.out...)
}

func (f *fakeSender) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.hit:
	case <-time.After(2 * time.Second):
		t.Fatal("nothing delivered")
	}
}

type staticResolver map[int64]Target

func (r staticResolver) Resolve(_ context.Context, id int64) (Target, error) {
	tgt, ok := r[id]
	if !ok {
		return Target{}, ErrNoInstance
	}
	return tgt, nil
}

var target = Target{
	Instance: storage.Instance{ID: 7, ProjectID: 1, ChatID: -100, ThreadID: 3, Language: "en"},
	Project:  storage.Project{ID: 1, Name: "Backend"},
}

type harness struct {
	svc    *Service
	q      queue.Queue
	sender *fakeSender
	events <-chan eventbus.Event
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	cat, err := locale.Load("en")
	require.NoError(t, err)

	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	h := &harness{q: queue.NewMemory(), sender: newFakeSender(), events: events}
	h.svc = New(cfg, h.q, h.sender, NewRenderer(cat, time.UTC), staticResolver{7: target}, logx.Nop(), bus)
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(func() { _ = h.svc.Stop(context.Background()) })
	return h
}

func (h *harness) waitFor(t *testing.T, typ string) metrics.WindowEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == typ {
				return ev.Data.(metrics.WindowEvent)
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func taskChange(at int, by taiga.Actor, fields map[string]taiga.FieldChange) taiga.Event {
	return taiga.Event{
		Action: taiga.ActionChange,
		Type:   taiga.Task,
		By:     by,
		Date:   t0.Add(time.Duration(at) * time.Second),
		Data: taiga.Snapshot{
			"id": float64(42), "ref": float64(12), "subject": "Fix login",
			"permalink": "https://taiga.example/t/12",
		},
		Change: &taiga.Change{Diff: taiga.Diff{Fields: fields}},
	}
}

func statusChange(from, to string) map[string]taiga.FieldChange {
	return map[string]taiga.FieldChange{"status": {From: from, To: to}}
}

func aggregating() Config {
	return Config{Delay: 50 * time.Millisecond, Sweep: "-"}
}

func TestRevertedWindowIsSuppressed(t *testing.T) {
	h := newHarness(t, aggregating())
	ctx := context.Background()

	require.NoError(t, h.svc.Handle(ctx, taskChange(0, ann, statusChange("draft", "review")), target))
	require.NoError(t, h.svc.Handle(ctx, taskChange(2, ann, statusChange("review", "draft")), target))

	ev := h.waitFor(t, eventbus.WindowSuppressed)
	assert.Equal(t, "7:task:42", ev.Key)
	assert.Equal(t, 2, ev.Events)
	assert.Empty(t, h.sender.sent())
}

func TestWindowMergesIntoOneMessage(t *testing.T) {
	h := newHarness(t, aggregating())
	ctx := context.Background()

	require.NoError(t, h.svc.Handle(ctx, taskChange(0, ann, statusChange("New", "In progress")), target))
	require.NoError(t, h.svc.Handle(ctx, taskChange(1, bob, statusChange("In progress", "Done")), target))

	h.sender.wait(t)
	ev := h.waitFor(t, eventbus.WindowFlushed)
	assert.Equal(t, int64(7), ev.InstanceID)

	out := h.sender.sent()
	require.Len(t, out, 1)
	n := out[0]
	assert.Equal(t, kit.ChatTarget{ChatID: -100, ThreadID: 3}, n.Target)
	assert.Equal(t, int64(7), n.InstanceID)
	assert.Equal(t, "HTML", n.Options.ParseMode)
	assert.Contains(t, n.Text, "New → Done")
	assert.Contains(t, n.Text, "Ann, Bob")
	assert.NotContains(t, n.Text, "In progress")
}

func TestCommentEditCollapsesToAdded(t *testing.T) {
	h := newHarness(t, aggregating())
	ctx := context.Background()

	added := taskChange(0, ann, nil)
	added.Change.Comment = "hello"

	d2 := t0.Add(2 * time.Second)
	edited := taskChange(2, ann, nil)
	edited.Change.Comment = "hello world"
	edited.Change.EditCommentDate = &d2
	edited.Change.CommentVersions = []taiga.CommentVersion{{Comment: "hello"}}

	require.NoError(t, h.svc.Handle(ctx, added, target))
	require.NoError(t, h.svc.Handle(ctx, edited, target))

	h.sender.wait(t)
	out := h.sender.sent()
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Text, "💬 hello world")
	assert.NotContains(t, out[0].Text, "Edited comment")
}

func TestImmediateRoutes(t *testing.T) {
	cfg := aggregating()
	cfg.BypassComments = true
	h := newHarness(t, cfg)
	ctx := context.Background()

	created := taskChange(0, ann, nil)
	created.Action = taiga.ActionCreate
	require.NoError(t, h.svc.Handle(ctx, created, target))
	h.sender.wait(t)

	commented := taskChange(1, ann, nil)
	commented.Change.Comment = "ping"
	require.NoError(t, h.svc.Handle(ctx, commented, target))
	h.sender.wait(t)

	ping := taiga.Event{Action: taiga.ActionTest, Type: taiga.Test, By: ann}
	require.NoError(t, h.svc.Handle(ctx, ping, target))
	h.sender.wait(t)

	out := h.sender.sent()
	require.Len(t, out, 3)
	assert.Contains(t, out[0].Text, "created by Ann")
	assert.Contains(t, out[1].Text, "💬 ping")
	assert.Contains(t, out[2].Text, "Test webhook")

	stale, err := h.q.Stale(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestZeroDelayDisablesAggregation(t *testing.T) {
	h := newHarness(t, Config{Sweep: "-"})
	require.NoError(t, h.svc.Handle(context.Background(), taskChange(0, ann, statusChange("A", "B")), target))
	h.sender.wait(t)
	assert.Len(t, h.sender.sent(), 1)
}

func TestDeleteInWindowWins(t *testing.T) {
	h := newHarness(t, aggregating())
	ctx := context.Background()

	require.NoError(t, h.svc.Handle(ctx, taskChange(0, ann, statusChange("A", "B")), target))
	del := taskChange(1, bob, nil)
	del.Action = taiga.ActionDelete
	del.Change = nil
	require.NoError(t, h.svc.Handle(ctx, del, target))

	h.sender.wait(t)
	out := h.sender.sent()
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Text, "deleted by Bob")
}

func TestStopFlushesOpenWindows(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour, Sweep: "-"})
	require.NoError(t, h.svc.Handle(context.Background(), taskChange(0, ann, statusChange("A", "B")), target))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Stop(ctx))

	assert.Len(t, h.sender.sent(), 1)
	require.ErrorIs(t, h.svc.Handle(context.Background(), taskChange(1, ann, nil), target), ErrStopped)
}

func TestSweepRecoversOrphanWindows(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Second, SweepGrace: time.Second, Sweep: "-"})
	ctx := context.Background()

	// A window left behind by a previous process: queued, but no timer.
	payload, err := taiga.Marshal(taskChange(0, ann, statusChange("A", "B")))
	require.NoError(t, err)
	_, err = h.q.Enqueue(ctx, "7:task:42", payload, t0.Unix(), time.Now())
	require.NoError(t, err)

	n, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh windows are left to their timer")

	h.svc.now = func() time.Time { return time.Now().Add(time.Minute) }
	n, err = h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.waitFor(t, eventbus.WindowRecovered)
	assert.Len(t, h.sender.sent(), 1)
}

func TestSweepKeepsWindowsArmedUnderLongerDelay(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour, SweepGrace: time.Second, Sweep: "-"})
	ctx := context.Background()
	require.NoError(t, h.svc.Handle(ctx, taskChange(0, ann, statusChange("A", "B")), target))

	h.svc.Apply(Config{Delay: time.Second, SweepGrace: time.Second, Sweep: "-"})
	h.svc.now = func() time.Time { return time.Now().Add(time.Minute) }
	n, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.sender.sent())

	stale, err := h.q.Stale(ctx, time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"7:task:42"}, stale)
}

func TestWindowKeyRoundTrip(t *testing.T) {
	id, rest, err := parseWindowKey(windowKey(7, "userstory:9"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, "userstory:9", rest)

	for _, bad := range []string{"", "7", "x:task:1", "7:"} {
		_, _, err := parseWindowKey(bad)
		assert.ErrorIs(t, err, ErrBadWindow, bad)
	}
}

func TestStoreResolver(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir() + "/bot"}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	p, err := st.PutProject(ctx, storage.Project{Name: "Backend"})
	require.NoError(t, err)
	in, err := st.PutInstance(ctx, storage.Instance{ProjectID: p.ID, ChatID: 5})
	require.NoError(t, err)

	tgt, err := StoreResolver{Store: st}.Resolve(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "Backend", tgt.Project.Name)
	assert.Equal(t, int64(5), tgt.Instance.ChatID)

	_, err = StoreResolver{Store: st}.Resolve(ctx, 999)
	assert.ErrorIs(t, err, ErrNoInstance)
}
