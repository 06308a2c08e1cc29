package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"

	logx "taigabot/pkg/logx"
)

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}

// mountPprof serves the profiling endpoints. Without a token it refuses to
// mount, since the ingress listens on public interfaces.
func mountPprof(r *gin.Engine, cfg PprofConfig, log logx.Logger) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		log.Error("pprof not mounted: token is required")
		return
	}
	base := normalizePrefix(cfg.Prefix)
	g := r.Group(base, pprofAuth(token))

	g.Any("/*name", func(c *gin.Context) {
		switch strings.TrimPrefix(c.Param("name"), "/") {
		case "cmdline":
			hpprof.Cmdline(c.Writer, c.Request)
		case "profile":
			hpprof.Profile(c.Writer, c.Request)
		case "symbol":
			hpprof.Symbol(c.Writer, c.Request)
		case "trace":
			hpprof.Trace(c.Writer, c.Request)
		default:
			indexAt(base)(c.Writer, c.Request)
		}
	})
	log.Info("pprof mounted", logx.String("prefix", base))
}

func pprofAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if got := c.Query("token"); got != "" {
			if got == token {
				c.Next()
				return
			}
		} else if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, "Bearer ") &&
			strings.TrimSpace(strings.TrimPrefix(ah, "Bearer ")) == token {
			c.Next()
			return
		}
		c.Header("WWW-Authenticate", "Bearer")
		c.AbortWithStatus(http.StatusUnauthorized)
	}
}

// hpprof.Index expects /debug/pprof/ paths; rewrite custom prefixes.
func indexAt(base string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, base), "/")
		hpprof.Index(w, r2)
	}
}
