package httpapi

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"taigabot/internal/eventbus"
	"taigabot/internal/metrics"
	"taigabot/internal/taiga"
	"taigabot/internal/webhook"
	logx "taigabot/pkg/logx"
)

// SignatureHeader carries the hex HMAC-SHA1 of the body keyed by the
// instance secret.
const SignatureHeader = "X-TAIGA-WEBHOOK-SIGNATURE"

// Rejection reasons published on the bus and used as metric labels.
const (
	reasonUnknownInstance = "unknown_instance"
	reasonSignature       = "bad_signature"
	reasonMalformed       = "malformed"
	reasonUnsubscribed    = "unsubscribed"
	reasonUnavailable     = "unavailable"
	reasonError           = "error"
)

type webhookHandler struct {
	resolver webhook.Resolver
	events   EventHandler
	bus      eventbus.Bus
	loc      *time.Location
	maxBody  int64
	log      logx.Logger
}

func (h *webhookHandler) handle(c *gin.Context) {
	ctx := c.Request.Context()

	id, err := strconv.ParseInt(c.Param("instance_id"), 10, 64)
	if err != nil || id <= 0 {
		h.reject(c, http.StatusNotFound, metrics.WebhookEvent{Reason: reasonUnknownInstance}, "unknown instance")
		return
	}
	meta := metrics.WebhookEvent{InstanceID: id}

	tgt, err := h.resolver.Resolve(ctx, id)
	switch {
	case errors.Is(err, webhook.ErrNoInstance):
		meta.Reason = reasonUnknownInstance
		h.reject(c, http.StatusNotFound, meta, "unknown instance")
		return
	case err != nil:
		h.log.Error("resolve instance failed", logx.Int64("instance", id), logx.Err(err))
		meta.Reason = reasonError
		h.reject(c, http.StatusInternalServerError, meta, "internal error")
		return
	case tgt.Instance.Disabled:
		meta.Reason = reasonUnknownInstance
		h.reject(c, http.StatusNotFound, meta, "instance disabled")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody))
	if err != nil {
		meta.Reason = reasonMalformed
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.reject(c, status, meta, "cannot read body")
		return
	}

	if secret := tgt.Instance.Secret; secret != "" && !validSignature(secret, body, c.GetHeader(SignatureHeader)) {
		meta.Reason = reasonSignature
		h.reject(c, http.StatusUnauthorized, meta, "invalid signature")
		return
	}

	ev, err := taiga.Parse(body, h.loc)
	if err != nil {
		meta.Reason = reasonMalformed
		h.reject(c, http.StatusBadRequest, meta, err.Error())
		return
	}
	meta.EntityType = string(ev.Type)
	meta.Action = string(ev.Action)

	if ev.Action != taiga.ActionTest && !tgt.Instance.Subscribed(string(ev.Type)) {
		meta.Reason = reasonUnsubscribed
		h.reject(c, http.StatusUnprocessableEntity, meta, "entity type not subscribed")
		return
	}

	if err := h.events.Handle(ctx, ev, tgt); err != nil {
		if errors.Is(err, webhook.ErrStopped) {
			meta.Reason = reasonUnavailable
			h.reject(c, http.StatusServiceUnavailable, meta, "shutting down")
			return
		}
		h.log.Error("handle webhook failed", logx.Int64("instance", id), logx.String("key", ev.Key()), logx.Err(err))
		meta.Reason = reasonError
		h.reject(c, http.StatusInternalServerError, meta, "internal error")
		return
	}

	h.publish(eventbus.WebhookAccepted, meta)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *webhookHandler) reject(c *gin.Context, status int, meta metrics.WebhookEvent, msg string) {
	h.publish(eventbus.WebhookRejected, meta)
	h.log.Debug("webhook rejected", logx.Int64("instance", meta.InstanceID), logx.String("reason", meta.Reason), logx.Int("status", status))
	body := gin.H{"status": "rejected", "error": msg}
	c.AbortWithStatusJSON(status, body)
}

func (h *webhookHandler) publish(typ string, meta metrics.WebhookEvent) {
	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: typ, Data: meta})
	}
}

func validSignature(secret string, body []byte, got string) bool {
	want, err := hex.DecodeString(strings.TrimSpace(got))
	if err != nil || len(want) == 0 {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign returns the signature header value Taiga sends for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
