package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taigabot/internal/config"
	"taigabot/internal/eventbus"
	"taigabot/internal/locale"
	"taigabot/internal/notifier"
	"taigabot/internal/storage"
	kit "taigabot/internal/transport"
	logx "taigabot/pkg/logx"
)

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func TestMapAggregationDefaults(t *testing.T) {
	cfg := &config.Config{}
	wc, loc, err := mapAggregationConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, wc.Delay)
	assert.True(t, wc.BypassComments)
	assert.Equal(t, time.UTC, loc)

	cfg.Aggregation = config.AggregationConfig{
		DelaySeconds:   intp(0),
		BypassComments: boolp(false),
		Timezone:       "Europe/Moscow",
		Sweep:          "*/5 * * * *",
		SweepGrace:     "10s",
	}
	wc, loc, err = mapAggregationConfig(cfg)
	require.NoError(t, err)
	assert.Zero(t, wc.Delay)
	assert.False(t, wc.BypassComments)
	assert.Equal(t, "Europe/Moscow", loc.String())
	assert.Equal(t, 10*time.Second, wc.SweepGrace)
}

func TestMapAggregationRejects(t *testing.T) {
	cases := map[string]config.AggregationConfig{
		"negative delay": {DelaySeconds: intp(-1)},
		"bad timezone":   {Timezone: "Mars/Olympus"},
		"bad sweep":      {Sweep: "every now and then"},
		"bad grace":      {SweepGrace: "soon"},
	}
	for name, ac := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := mapAggregationConfig(&config.Config{Aggregation: ac})
			assert.Error(t, err)
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "file", sc.Driver)
	assert.Equal(t, defaultStorePath, sc.Path)

	_, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}})
	assert.Error(t, err)

	_, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "none"}})
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	ok := func() *config.Config {
		return &config.Config{
			Telegram: config.TelegramConfig{Token: "t"},
			Seed: config.SeedConfig{Instances: []config.SeedInstance{
				{ID: 1, ProjectID: 1, ChatID: -100},
			}},
		}
	}
	require.NoError(t, validateConfig(ok()))

	c := ok()
	c.Telegram.Token = " "
	assert.ErrorContains(t, validateConfig(c), "telegram.token")

	c = ok()
	c.Seed.Instances[0].ChatID = 0
	assert.ErrorContains(t, validateConfig(c), "chat_id")

	c = ok()
	c.HTTP.Pprof.Enabled = true
	assert.ErrorContains(t, validateConfig(c), "pprof.token")

	c = ok()
	c.Queue.Driver = "kafka"
	assert.Error(t, validateConfig(c))
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bot.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	_, err := st.PutUser(ctx, storage.User{ID: 5, Username: "ann", Language: "ru"})
	require.NoError(t, err)

	cfg := &config.Config{
		Telegram: config.TelegramConfig{AdminUserIDs: []int64{5, 6}},
		Seed: config.SeedConfig{
			Projects:  []config.SeedProject{{ID: 3, Name: "Backend"}},
			Instances: []config.SeedInstance{{ID: 9, ProjectID: 3, ChatID: -100, EntityTypes: []string{"task"}}},
		},
	}
	require.NoError(t, seed(ctx, st, cfg))
	require.NoError(t, seed(ctx, st, cfg))

	in, err := st.GetInstance(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(-100), in.ChatID)
	assert.True(t, in.Subscribed("task"))
	assert.False(t, in.Subscribed("issue"))

	admins, err := st.Admins(ctx)
	require.NoError(t, err)
	require.Len(t, admins, 2)
	u, err := st.GetUser(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "ru", u.Language)
	assert.True(t, u.IsAdmin)
}

type captureSender struct{ out chan kit.Notification }

func (c captureSender) Notify(_ context.Context, n kit.Notification) error {
	c.out <- n
	return nil
}

func TestReporterNotifiesAdmins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := openStore(t)
	_, err := st.PutUser(ctx, storage.User{ID: 5, IsAdmin: true})
	require.NoError(t, err)
	_, err = st.PutUser(ctx, storage.User{ID: 6})
	require.NoError(t, err)

	cat, err := locale.Load("")
	require.NoError(t, err)
	out := make(chan kit.Notification, 4)
	r := &reporter{admins: st, cat: cat, sender: captureSender{out: out}, log: logx.Nop()}

	bus := eventbus.New()
	go r.loop(bus)(ctx)

	bus.Publish(eventbus.Event{Type: eventbus.NotifyFailed, Data: notifier.NotificationEvent{InstanceID: 7, ChatID: -100, Error: "x"}})
	bus.Publish(eventbus.Event{Type: eventbus.NotifySent, Data: notifier.NotificationEvent{InstanceID: 7, Permanent: true}})
	bus.Publish(eventbus.Event{Type: eventbus.NotifyFailed, Data: notifier.NotificationEvent{InstanceID: 7, ChatID: -100, Error: "<blocked>", Permanent: true}})

	select {
	case n := <-out:
		assert.Equal(t, int64(5), n.Target.ChatID)
		assert.Equal(t, "report", n.Kind)
		assert.Zero(t, n.InstanceID)
		assert.Contains(t, n.Text, "&lt;blocked&gt;")
		assert.Contains(t, n.Text, "-100")
	case <-time.After(2 * time.Second):
		t.Fatal("no report sent")
	}
	select {
	case n := <-out:
		t.Fatalf("unexpected report: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}
