// Package api serves the ops surface: health, readiness, Prometheus
// metrics, fix status/timeline lookups, and the approve/reject
// endpoints that feed the approval gate's control topic.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crisisops/fixengine/pkg/bus"
	"github.com/crisisops/fixengine/pkg/metrics"
	"github.com/crisisops/fixengine/pkg/store"
)

// Server is the ops HTTP server.
type Server struct {
	bus           bus.Bus
	store         *store.Client
	log           *store.EventLog
	deployments   *store.DeploymentStore
	verifications *store.VerificationStore
	metrics       *metrics.Metrics
	logger        *slog.Logger

	http *http.Server
}

// NewServer wires the ops server. It does not start listening; call
// Start.
func NewServer(port string, b bus.Bus, st *store.Client, log *store.EventLog, deployments *store.DeploymentStore, verifications *store.VerificationStore, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		bus:           b,
		store:         st,
		log:           log,
		deployments:   deployments,
		verifications: verifications,
		metrics:       m,
		logger:        logger.With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.health)
	router.GET("/ready", s.ready)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/fixes/:id", s.getFix)
		v1.GET("/fixes/:id/timeline", s.getFixTimeline)
		v1.POST("/fixes/:id/approve", s.approveFix)
		v1.POST("/fixes/:id/reject", s.rejectFix)
	}

	s.http = &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Ops API listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops api: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func (s *Server) health(c *gin.Context) {
	dbHealth, err := store.Health(c.Request.Context(), s.store.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"store":  dbHealth,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"store":  dbHealth,
	})
}

func (s *Server) ready(c *gin.Context) {
	if _, err := store.Health(c.Request.Context(), s.store.DB()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}
