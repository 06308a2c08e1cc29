// Package httpapi is the HTTP ingress: the Taiga webhook endpoint plus
// health, metrics and optional pprof routes, served by gin.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"taigabot/internal/eventbus"
	"taigabot/internal/taiga"
	"taigabot/internal/webhook"
	logx "taigabot/pkg/logx"
)

// EventHandler consumes accepted webhook events. *webhook.Service
// implements it.
type EventHandler interface {
	Handle(ctx context.Context, ev taiga.Event, tgt webhook.Target) error
}

// Deps are the collaborators the router dispatches to.
type Deps struct {
	Resolver webhook.Resolver
	Events   EventHandler
	Bus      eventbus.Bus
	Metrics  http.Handler
	// Location normalises event dates; nil keeps the payload zone.
	Location *time.Location
	// Health optionally adds fields to the /health body.
	Health func() map[string]any
	Log    logx.Logger
}

// NewRouter builds the gin engine. Release mode is left to the caller.
func NewRouter(cfg Config, d Deps) *gin.Engine {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	log := d.Log.With(logx.String("comp", "http"))

	r := gin.New()
	r.Use(recovery(log), accessLog(log))

	r.GET("/health", func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if d.Health != nil {
			for k, v := range d.Health() {
				body[k] = v
			}
		}
		c.JSON(http.StatusOK, body)
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	h := &webhookHandler{
		resolver: d.Resolver,
		events:   d.Events,
		bus:      d.Bus,
		loc:      d.Location,
		maxBody:  cfg.withDefaults().MaxBodyBytes,
		log:      log,
	}
	r.POST("/webhook/:instance_id", h.handle)

	if cfg.Pprof.Enabled {
		mountPprof(r, cfg.Pprof, log)
	}
	return r
}

func recovery(log logx.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, rec any) {
		log.Error("handler panicked", logx.String("path", c.Request.URL.Path), logx.Any("panic", rec))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}

func accessLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
		}
		switch {
		case status >= 500:
			log.Warn("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}
