package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taigabot/internal/eventbus"
	"taigabot/internal/metrics"
	"taigabot/internal/storage"
	"taigabot/internal/taiga"
	"taigabot/internal/webhook"
	logx "taigabot/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

type resolver map[int64]webhook.Target

func (r resolver) Resolve(_ context.Context, id int64) (webhook.Target, error) {
	if tgt, ok := r[id]; ok {
		return tgt, nil
	}
	return webhook.Target{}, webhook.ErrNoInstance
}

type recorder struct {
	mu   sync.Mutex
	got  []taiga.Event
	fail error
}

func (r *recorder) Handle(_ context.Context, ev taiga.Event, _ webhook.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, ev)
	return nil
}

const taskBody = `{"action":"change","type":"task","by":{"id":1,"username":"ann"},"date":"2024-03-01T10:00:00Z","data":{"id":42,"subject":"x"},"change":{"diff":{"status":{"from":"a","to":"b"}}}}`

func setup(t *testing.T) (*gin.Engine, *recorder, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	t.Cleanup(unsub)
	rec := &recorder{}
	res := resolver{
		1: {Instance: storage.Instance{ID: 1, ChatID: 10}},
		2: {Instance: storage.Instance{ID: 2, ChatID: 20, EntityTypes: []string{"issue"}}},
		3: {Instance: storage.Instance{ID: 3, ChatID: 30, Secret: "s3cret"}},
		4: {Instance: storage.Instance{ID: 4, Disabled: true}},
	}
	r := NewRouter(Config{}, Deps{Resolver: res, Events: rec, Bus: bus, Metrics: metrics.New().Handler()})
	return r, rec, ch
}

func post(r http.Handler, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookAccepted(t *testing.T) {
	r, rec, ch := setup(t)
	w := post(r, "/webhook/1", taskBody, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])

	require.Len(t, rec.got, 1)
	assert.Equal(t, "task:42", rec.got[0].Key())

	ev := <-ch
	assert.Equal(t, eventbus.WebhookAccepted, ev.Type)
	assert.Equal(t, "task", ev.Data.(metrics.WebhookEvent).EntityType)
}

func TestWebhookRejections(t *testing.T) {
	sig := Sign("s3cret", []byte(taskBody))
	cases := []struct {
		name   string
		path   string
		body   string
		hdr    map[string]string
		status int
	}{
		{"unknown instance", "/webhook/99", taskBody, nil, http.StatusNotFound},
		{"non numeric id", "/webhook/abc", taskBody, nil, http.StatusNotFound},
		{"disabled", "/webhook/4", taskBody, nil, http.StatusNotFound},
		{"malformed", "/webhook/1", `{"action":`, nil, http.StatusBadRequest},
		{"unknown type", "/webhook/1", `{"action":"change","type":"sprint","data":{"id":1}}`, nil, http.StatusBadRequest},
		{"unsubscribed", "/webhook/2", taskBody, nil, http.StatusUnprocessableEntity},
		{"missing signature", "/webhook/3", taskBody, nil, http.StatusUnauthorized},
		{"wrong signature", "/webhook/3", taskBody, map[string]string{SignatureHeader: Sign("other", []byte(taskBody))}, http.StatusUnauthorized},
		{"signed", "/webhook/3", taskBody, map[string]string{SignatureHeader: sig}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _, _ := setup(t)
			w := post(r, tc.path, tc.body, tc.hdr)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
		})
	}
}

func TestTestEventIgnoresSubscriptions(t *testing.T) {
	r, rec, _ := setup(t)
	w := post(r, "/webhook/2", `{"action":"test","type":"test","by":{"username":"ann"},"data":{}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, rec.got, 1)
}

func TestWebhookHandlerErrors(t *testing.T) {
	r, rec, _ := setup(t)
	rec.fail = webhook.ErrStopped
	assert.Equal(t, http.StatusServiceUnavailable, post(r, "/webhook/1", taskBody, nil).Code)

	rec.fail = errors.New("redis down")
	assert.Equal(t, http.StatusInternalServerError, post(r, "/webhook/1", taskBody, nil).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r, _, _ := setup(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestPprofRequiresToken(t *testing.T) {
	r := NewRouter(Config{Pprof: PprofConfig{Enabled: true, Token: "tok"}}, Deps{Resolver: resolver{}, Events: &recorder{}})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline?token=tok", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServerLifecycle(t *testing.T) {
	r, _, _ := setup(t)
	s := NewServer(Config{Addr: "127.0.0.1:0"}, r, logx.Nop())
	require.NoError(t, s.Start(context.Background()))

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, s.Addr())
}
