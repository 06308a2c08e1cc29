// Package webhook routes inbound Taiga events to chats.
//
// Creates, tests and (by default) comment or attachment updates go out at
// once. Everything else is buffered per entity in a coalescing queue. The
// first event of a window arms a single delayed drain; when it fires the
// window is merged into one message, or dropped when the changes cancelled
// out. A cron-driven sweeper recovers windows whose drain never ran.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taigabot/internal/aggregate"
	"taigabot/internal/eventbus"
	"taigabot/internal/metrics"
	"taigabot/internal/queue"
	rtsup "taigabot/internal/runtime/supervisor"
	"taigabot/internal/storage"
	"taigabot/internal/taiga"
	kit "taigabot/internal/transport"
	logx "taigabot/pkg/logx"
)

var (
	ErrStopped    = errors.New("webhook service stopped")
	ErrBadWindow  = errors.New("malformed window key")
	ErrNoInstance = errors.New("instance not found")
)

const (
	DefaultSweep      = "@every 1m"
	DefaultSweepGrace = 30 * time.Second
	defaultFlushLimit = 30 * time.Second
	sweepBatch        = 100
	sweepTimeout      = 2 * time.Minute
)

// Config holds the live-tunable aggregation knobs.
type Config struct {
	// Delay is the window length. Zero disables aggregation.
	Delay time.Duration
	// BypassComments sends events carrying a comment or attachment diff
	// immediately.
	BypassComments bool
	// Sweep is a robfig/cron schedule for the orphan sweeper; "-" disables it.
	Sweep      string
	SweepGrace time.Duration
	// FlushTimeout bounds one drain-merge-dispatch cycle.
	FlushTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Sweep == "" {
		c.Sweep = DefaultSweep
	}
	if c.SweepGrace <= 0 {
		c.SweepGrace = DefaultSweepGrace
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = defaultFlushLimit
	}
	return c
}

// Target is the chat context an event is delivered into.
type Target struct {
	Instance storage.Instance
	Project  storage.Project
}

// Sender accepts outbound messages. *notifier.Service implements it.
type Sender interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// Resolver maps an instance id back to its delivery target.
type Resolver interface {
	Resolve(ctx context.Context, instanceID int64) (Target, error)
}

// StoreResolver resolves targets from the document store.
type StoreResolver struct {
	Store storage.Store
}

func (r StoreResolver) Resolve(ctx context.Context, instanceID int64) (Target, error) {
	in, err := r.Store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Target{}, fmt.Errorf("%w: %d", ErrNoInstance, instanceID)
		}
		return Target{}, err
	}
	tgt := Target{Instance: in}
	if p, err := r.Store.GetProject(ctx, in.ProjectID); err == nil {
		tgt.Project = p
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Target{}, err
	}
	return tgt, nil
}

type Service struct {
	log      logx.Logger
	bus      eventbus.Bus
	queue    queue.Queue
	sender   Sender
	render   *Renderer
	resolver Resolver
	now      func() time.Time

	mu       sync.Mutex
	cfg      Config
	running  bool
	sup      *rtsup.Supervisor
	release  chan struct{}
	sweeper  *cron.Cron
	inflight sync.WaitGroup
}

func New(cfg Config, q queue.Queue, sender Sender, render *Renderer, resolver Resolver, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log.With(logx.String("comp", "webhook")),
		bus:      bus,
		queue:    q,
		sender:   sender,
		render:   render,
		resolver: resolver,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the aggregation config. Windows already armed keep their delay;
// a changed sweep schedule takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if old != cfg {
		s.log.Info("aggregation config applied",
			logx.Duration("delay", cfg.Delay),
			logx.Bool("bypass_comments", cfg.BypassComments),
			logx.String("sweep", cfg.Sweep),
		)
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	s.release = make(chan struct{})
	s.running = true

	if s.cfg.Sweep != "-" {
		c := cron.New()
		if _, err := c.AddFunc(s.cfg.Sweep, s.sweepJob); err != nil {
			s.running = false
			s.sup.Cancel()
			return fmt.Errorf("sweep schedule %q: %w", s.cfg.Sweep, err)
		}
		c.Start()
		s.sweeper = c
		s.sup.Go0("webhook.sweep.boot", func(ctx context.Context) { s.sweepJob() })
	}
	s.log.Info("webhook service started", logx.Duration("delay", s.cfg.Delay))
	return nil
}

// Stop refuses new events, releases every armed window early and waits for
// the flushes to finish within ctx. Windows still open when ctx ends stay in
// the queue for the sweeper.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sup, release, sweeper := s.sup, s.release, s.sweeper
	s.sweeper = nil
	s.mu.Unlock()

	s.inflight.Wait()
	close(release)
	if sweeper != nil {
		select {
		case <-sweeper.Stop().Done():
		case <-ctx.Done():
		}
	}
	err := sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		sup.Cancel()
		s.log.Warn("stop deadline reached; open windows left for recovery", logx.Err(err))
		return err
	}
	s.log.Info("webhook service stopped")
	return nil
}

// Handle routes one validated event for tgt.
func (s *Service) Handle(ctx context.Context, ev taiga.Event, tgt Target) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrStopped
	}
	cfg := s.cfg
	sup, release := s.sup, s.release
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if immediate(ev, cfg) {
		return s.dispatch(ctx, ev, aggregate.Params{}, tgt)
	}

	payload, err := taiga.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	key := windowKey(tgt.Instance.ID, ev.Key())
	existed, err := s.queue.Enqueue(ctx, key, payload, ev.Score(), s.now().Add(cfg.Delay))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	if !existed {
		s.arm(sup, release, key, cfg)
	}
	return nil
}

func immediate(ev taiga.Event, cfg Config) bool {
	switch {
	case ev.Action == taiga.ActionCreate, ev.Action == taiga.ActionTest, ev.Key() == "":
		return true
	case cfg.BypassComments && (ev.HasComment() || ev.HasAttachments()):
		return true
	case cfg.Delay <= 0:
		return true
	}
	return false
}

func (s *Service) arm(sup *rtsup.Supervisor, release <-chan struct{}, key string, cfg Config) {
	s.publish(eventbus.WindowArmed, key, 0)
	s.log.Debug("window armed", logx.String("key", key), logx.Duration("delay", cfg.Delay))
	sup.Go0("webhook.window", func(ctx context.Context) {
		t := time.NewTimer(cfg.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-release:
		case <-ctx.Done():
			return
		}
		s.flush(key, cfg, false)
	})
}

// flush drains key and delivers the merged window. It reports whether
// anything was drained.
func (s *Service) flush(key string, cfg Config, recovered bool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.FlushTimeout)
	defer cancel()
	log := s.log.With(logx.String("key", key))

	items, err := s.queue.Drain(ctx, key)
	if err != nil {
		log.Error("drain failed", logx.Err(err))
		return false
	}
	if len(items) == 0 {
		s.publish(eventbus.WindowEmpty, key, 0)
		return false
	}
	if recovered {
		s.publish(eventbus.WindowRecovered, key, len(items))
	}

	events := make([]taiga.Event, 0, len(items))
	for _, raw := range items {
		ev, err := taiga.Unmarshal(raw)
		if err != nil {
			log.Warn("skipping undecodable payload", logx.Err(err))
			continue
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return true
	}

	instanceID, _, err := parseWindowKey(key)
	if err != nil {
		log.Error("window dropped", logx.Err(err))
		return true
	}
	tgt, err := s.resolver.Resolve(ctx, instanceID)
	if err != nil {
		log.Warn("window dropped; target unavailable", logx.Err(err), logx.Int("events", len(events)))
		return true
	}

	merged, params := aggregate.Merge(events)
	if merged.Action == taiga.ActionChange && params.NoChanges {
		s.publish(eventbus.WindowSuppressed, key, len(events))
		log.Debug("window suppressed", logx.Int("events", len(events)))
		return true
	}
	if err := s.dispatch(ctx, merged, params, tgt); err != nil {
		log.Error("window dispatch failed", logx.Err(err), logx.Int("events", len(events)))
		return true
	}
	s.publish(eventbus.WindowFlushed, key, len(events))
	return true
}

func (s *Service) dispatch(ctx context.Context, ev taiga.Event, p aggregate.Params, tgt Target) error {
	text := s.render.Render(ev, p, tgt)
	return s.sender.Notify(ctx, kit.Notification{
		Target:     kit.ChatTarget{ChatID: tgt.Instance.ChatID, ThreadID: tgt.Instance.ThreadID},
		Text:       text,
		Options:    &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
		InstanceID: tgt.Instance.ID,
		Kind:       "webhook",
	})
}

// Sweep drains windows whose due time passed more than SweepGrace ago. It
// returns the number of windows that still held events.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	cfg := s.config()
	cutoff := s.now().Add(-cfg.SweepGrace)
	keys, err := s.queue.Stale(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if s.flush(k, cfg, true) {
			n++
		}
	}
	return n, nil
}

func (s *Service) sweepJob() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	n, err := s.Sweep(ctx)
	if err != nil {
		s.log.Warn("sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("recovered orphan windows", logx.Int("count", n))
	}
}

func (s *Service) publish(typ, key string, events int) {
	if s.bus == nil {
		return
	}
	id, _, _ := parseWindowKey(key)
	s.bus.Publish(eventbus.Event{Type: typ, Data: metrics.WindowEvent{Key: key, InstanceID: id, Events: events}})
}

// windowKey namespaces an entity key by instance: "<instance>:<type>:<id>".
func windowKey(instanceID int64, entityKey string) string {
	return strconv.FormatInt(instanceID, 10) + ":" + entityKey
}

func parseWindowKey(key string) (int64, string, error) {
	head, rest, ok := strings.Cut(key, ":")
	if !ok || rest == "" {
		return 0, "", fmt.Errorf("%w: %q", ErrBadWindow, key)
	}
	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q", ErrBadWindow, key)
	}
	return id, rest, nil
}
