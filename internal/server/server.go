// Package server exposes the game over HTTP: the websocket endpoint plus a
// few read-only REST routes.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pumpcrash/internal/fairness"
	"pumpcrash/internal/metrics"
	"pumpcrash/internal/protocol"
)

// Storage is what the HTTP routes read from storage.
type Storage interface {
	Ping(ctx context.Context) error
	Bankroll(ctx context.Context) (int64, error)
}

type Deps struct {
	Hub          *protocol.Hub
	Storage      Storage
	Metrics      *metrics.Metrics
	HouseEdgeBPS int64
	Logger       logrus.FieldLogger
}

type Server struct {
	deps Deps
	log  logrus.FieldLogger
}

// NewRouter wires all routes.
func NewRouter(d Deps) *gin.Engine {
	log := d.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{deps: d, log: log.WithField("component", "http")}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/ws", s.serveWS)
	r.GET("/health", s.healthHandler)
	r.GET("/bankroll", s.bankrollHandler)
	r.GET("/history", s.historyHandler)
	r.GET("/verify", s.verifyHandler)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("request")
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Storage.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("storage ping failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": s.deps.Hub.Count()})
}

func (s *Server) bankrollHandler(c *gin.Context) {
	b, err := s.deps.Storage.Bankroll(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("read bankroll")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bankroll": b})
}

func (s *Server) historyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"history": s.deps.Hub.History()})
}

// verifyHandler recomputes the crash point of a revealed hash and, given the
// hash of the round before it (or the genesis anchor), checks the link.
func (s *Server) verifyHandler(c *gin.Context) {
	hash := c.Query("hash")
	point, err := fairness.CrashPoint(hash, s.deps.HouseEdgeBPS)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hash"})
		return
	}

	res := gin.H{
		"hash":        hash,
		"crash_point": point,
		"multiplier":  fairness.FormatMultiplier(point),
	}
	if prev := c.Query("prev"); prev != "" {
		res["prev"] = prev
		res["valid"] = fairness.Verify(hash, prev)
	}
	c.JSON(http.StatusOK, res)
}
