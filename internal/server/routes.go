package server

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/pulsectl/internal/node"
	"github.com/danmuck/pulsectl/internal/observability"
	"github.com/danmuck/pulsectl/internal/transcript"
)

// Pulse router assembly: middleware chain, health surface, and the
// websocket endpoint.
func (s *Service) buildRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.NodeID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"node":   node.Describe(s, Version, s.started),
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":       true,
			"connections": s.hub.Len(),
			"node":        node.Describe(s, Version, s.started),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": s.hub.Snapshot()})
	})

	r.GET("/transcript", s.handleTranscript)

	r.GET(s.cfg.GraphQLPath, s.handleSubscribe)
	return r
}

func (s *Service) handleTranscript(c *gin.Context) {
	if s.rec == nil {
		c.JSON(http.StatusOK, gin.H{"events": []transcript.Event{}})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := s.rec.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if events == nil {
		events = []transcript.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// originAllowed gates websocket upgrades by Origin header. Non-browser
// clients omit the header and are admitted; browsers must match the
// serving host or a configured origin.
func (s *Service) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range normalizeOrigins(s.cfg.CORSOrigins) {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
