package server

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/danmuck/wabridge/internal/bridge"
	"github.com/danmuck/wabridge/internal/lifecycle"
	"github.com/danmuck/wabridge/internal/observability"
	"github.com/danmuck/wabridge/internal/session"
)

const qrSize = 256

type createSessionRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", s.health)
	r.GET("/ready", s.ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", s.requireToken())
	api.POST("/sessions", s.createSession)
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.getSession)
	api.GET("/sessions/:id/qr", s.sessionQR)
	api.DELETE("/sessions/:id", s.deleteSession)
	api.POST("/messages", s.sendMessage)
	api.GET("/pairing/queue", s.pairingQueue)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.Appeared).String(),
		"service": s.Name,
		"version": version,
	})
}

func (s *Server) ready(c *gin.Context) {
	ready := s.manager != nil && s.manager.Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":   ready,
		"uptime":  time.Since(s.Appeared).String(),
		"service": s.Name,
		"version": version,
	})
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := s.manager.CreateSession(c.Request.Context(), req.SessionID)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, session.ErrInvalidID):
			status = http.StatusBadRequest
		case errors.Is(err, lifecycle.ErrNotStarted):
			status = http.StatusServiceUnavailable
		}
		log.Warn().
			Str("request_id", observability.RequestIDFrom(c)).
			Str("session_id", req.SessionID).
			Err(err).
			Msg("server.createSession failed")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) listSessions(c *gin.Context) {
	want := session.Status(strings.TrimSpace(c.Query("status")))
	all := s.manager.Registry().List()
	out := make([]session.Session, 0, len(all))
	for _, sess := range all {
		if want != "" && sess.Status != want {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.manager.Registry().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": lifecycle.ErrSessionNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) sessionQR(c *gin.Context) {
	sess, ok := s.manager.Registry().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": lifecycle.ErrSessionNotFound.Error()})
		return
	}
	if sess.Status != session.StatusQRReady || sess.PairingPayload == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pairing code", "status": sess.Status})
		return
	}
	png, err := qrcode.Encode(sess.PairingPayload, qrcode.Medium, qrSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (s *Server) deleteSession(c *gin.Context) {
	id := c.Param("id")
	mode := strings.ToLower(strings.TrimSpace(c.DefaultQuery("mode", "logout")))
	var err error
	switch mode {
	case "logout":
		err = s.manager.Logout(c.Request.Context(), id)
	case "reset":
		err = s.manager.Reset(c.Request.Context(), id)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be logout or reset"})
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, lifecycle.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session_id": id, "mode": mode})
}

func (s *Server) sendMessage(c *gin.Context) {
	var req bridge.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := s.bridge.Send(c.Request.Context(), req)
	c.JSON(http.StatusOK, res)
}

func (s *Server) pairingQueue(c *gin.Context) {
	q := s.manager.Queue()
	c.JSON(http.StatusOK, gin.H{
		"pending":   q.Pending(),
		"in_flight": q.InFlight(),
	})
}
