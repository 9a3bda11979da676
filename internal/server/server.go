// Package server exposes session lifecycle and outbound sends over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/wabridge/internal/auth"
	"github.com/danmuck/wabridge/internal/bridge"
	"github.com/danmuck/wabridge/internal/lifecycle"
	"github.com/danmuck/wabridge/internal/observability"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

type Config struct {
	Name        string
	Addr        string
	CORSOrigins []string
	APIKey      string
}

// Server owns the gin router in front of one Manager and Bridge.
type Server struct {
	Name     string
	Addr     string
	Appeared time.Time

	manager   *lifecycle.Manager
	bridge    *bridge.Bridge
	validator auth.Validator
	router    *gin.Engine
}

func New(cfg Config, manager *lifecycle.Manager, br *bridge.Bridge) *Server {
	observability.RegisterMetrics()
	if cfg.Name == "" {
		cfg.Name = "wabridge"
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(cfg.CORSOrigins),
		AllowMethods:  []string{"GET", "POST", "DELETE"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", auth.HeaderAPIKey, observability.RequestIDHeader},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Name:     cfg.Name,
		Addr:     cfg.Addr,
		Appeared: time.Now(),
		manager:  manager,
		bridge:   br,
		router:   r,
	}
	if cfg.APIKey != "" {
		s.validator = auth.StaticToken{Token: cfg.APIKey}
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve listens on Addr until ctx ends, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Str("server", s.Name).Msg("server.Server.Serve listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Str("server", s.Name).Msg("server.Server.Serve stopped")
	return nil
}

// requireToken rejects requests without a valid API key. With no key
// configured every request passes.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.validator == nil {
			c.Next()
			return
		}
		if err := s.validator.Validate(auth.TokenFromRequest(c.Request)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
