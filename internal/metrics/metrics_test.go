package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taigabot/internal/eventbus"
)

func TestObserveCountsBusEvents(t *testing.T) {
	r := New()
	r.Observe(eventbus.Event{Type: eventbus.WebhookAccepted, Data: WebhookEvent{EntityType: "task"}})
	r.Observe(eventbus.Event{Type: eventbus.WebhookRejected, Data: WebhookEvent{EntityType: "wikipage", Reason: "unsubscribed"}})
	r.Observe(eventbus.Event{Type: eventbus.WindowArmed})
	r.Observe(eventbus.Event{Type: eventbus.WindowFlushed, Data: WindowEvent{Events: 3}})
	r.Observe(eventbus.Event{Type: eventbus.NotifySent})
	r.Observe(eventbus.Event{Type: eventbus.NotifySent})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.webhooks.WithLabelValues("accepted", "task")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.webhooks.WithLabelValues("unsubscribed", "wikipage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.windows.WithLabelValues("armed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.deliveries.WithLabelValues("sent")))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "taigabot_aggregation_window_events_count 1"))
}
