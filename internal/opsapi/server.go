// Package opsapi is the local operations endpoint: liveness, a status
// snapshot, a shutdown trigger and the Prometheus registry.
package opsapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"funding-arb-bot/internal/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Backend interface {
	// Health returns nil while the bot can trade.
	Health() error
	Status(ctx context.Context) any
	// RequestShutdown starts the shutdown sequence without waiting for it and
	// reports whether this call started it.
	RequestShutdown(reason string) bool
}

type Server struct {
	cfg     config.OpsConfig
	backend Backend
	metrics http.Handler
	log     *zap.Logger
}

func New(cfg config.OpsConfig, backend Backend, metrics http.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, backend: backend, metrics: metrics, log: log}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.POST("/shutdown", s.handleShutdown)
	if s.metrics != nil {
		r.GET(s.cfg.MetricsPath, gin.WrapH(s.metrics))
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.backend.Health(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Status(c.Request.Context()))
}

func (s *Server) handleShutdown(c *gin.Context) {
	reason := c.DefaultQuery("reason", "ops api")
	started := s.backend.RequestShutdown(reason)
	s.log.Warn("shutdown requested over ops api", zap.String("remote", c.ClientIP()), zap.Bool("started", started))
	c.JSON(http.StatusAccepted, gin.H{"started": started})
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info("ops api listening", zap.String("addr", ln.Addr().String()))
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
