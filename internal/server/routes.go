package server

import (
	"net"
	"net/http"
	"time"

	"github.com/danmuck/remoterc/internal/dispatch"
	"github.com/danmuck/remoterc/internal/observability"
	"github.com/danmuck/remoterc/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type activeJobs interface {
	Active() []dispatch.JobStatus
}

func (m *Manager) newRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger("server")))
	r.Use(observability.RequestMetricsMiddleware(m.cfg.NodeName))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(m.cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/", m.handleUpgrade)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(m.started).String(),
			"node":      m.cfg.NodeName,
			"peers":     m.registry.Len(),
			"listeners": addrStrings(m.Addrs()),
		})
	})

	r.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"peers": m.registry.Snapshot(),
		})
	})

	r.GET("/jobs", func(c *gin.Context) {
		jobs := []dispatch.JobStatus{}
		if lister, ok := m.dispatcher.(activeJobs); ok {
			jobs = lister.Active()
		}
		c.JSON(http.StatusOK, gin.H{
			"jobs": jobs,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func (m *Manager) handleUpgrade(c *gin.Context) {
	if !c.IsWebsocket() {
		c.JSON(http.StatusUpgradeRequired, gin.H{"error": "websocket upgrade required"})
		return
	}
	conn, err := session.Accept(c.Writer, c.Request, m.cfg.Session)
	if err != nil {
		log.Warn().Err(err).Msgf("server.handleUpgrade failed remote=%s", c.Request.RemoteAddr)
		return
	}
	m.handleSession(conn)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func addrStrings(addrs []net.Addr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}
