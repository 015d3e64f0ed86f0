package engine

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/simctl/internal/observability"
)

// DebugRouter builds the optional HTTP status surface: entity listing,
// tick counter, and prometheus metrics. It reads engine state through the
// same store and counters the protocol path uses.
func (s *Server) DebugRouter(node string) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://localhost", "http://127.0.0.1"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"running":  s.Running(),
			"tick":     s.Tick(),
			"entities": s.store.Len(),
		})
	})
	r.GET("/entities", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.store.List())
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// ServeDebug runs the debug surface on its own address. Callers run it in
// a goroutine beside Serve.
func (s *Server) ServeDebug(node, addr string) error {
	return s.DebugRouter(node).Run(addr)
}
