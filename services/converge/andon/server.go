// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package andon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/jinterlante1206/converge/services/converge/controller"
	"github.com/jinterlante1206/converge/services/converge/report"
)

// ServerConfig wires the status server to a running session.
type ServerConfig struct {
	// Addr is the listen address, for example ":9090".
	Addr string

	// StateFn snapshots controller state for /status. Required.
	StateFn func() *controller.State

	// History backs /history. Optional; without it the endpoint
	// reports that no history is configured.
	History *report.History

	// Targets annotate /status tiers with their goals.
	Targets map[string]float64

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server exposes a read-only view of a convergence session over HTTP:
// current state, recent cycle reports, Prometheus metrics, and a
// websocket stream of loop events.
//
// Thread Safety: safe for concurrent use. Every handler reads
// snapshots; nothing here writes controller state.
type Server struct {
	cfg    ServerConfig
	hub    *Hub
	logger *slog.Logger
	http   *http.Server

	addr string
}

// NewServer builds the router and handlers. Start actually listens.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.StateFn == nil {
		return nil, errors.New("andon: server needs a state source")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "andon.server")

	s := &Server{cfg: cfg, hub: NewHub(logger), logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("converge-andon"))

	router.GET("/healthz", s.handleHealthz)
	router.GET("/status", s.handleStatus)
	router.GET("/history", s.handleHistory)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/events", func(c *gin.Context) {
		s.hub.Handle(c.Writer, c.Request)
	})

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Observe implements Sink by forwarding to the websocket hub.
func (s *Server) Observe(e controller.Event) { s.hub.Observe(e) }

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Addr reports the bound address once Start has returned.
func (s *Server) Addr() string { return s.addr }

// Start binds the listener and serves in the background. Bind errors
// surface here rather than in the serving goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("andon: listen %s: %w", s.http.Addr, err)
	}
	s.addr = ln.Addr().String()
	s.logger.Info("status server listening", "addr", s.addr)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown disconnects event subscribers and drains HTTP connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.http.Shutdown(ctx)
}

// statusView is the /status payload.
type statusView struct {
	Phase       controller.Phase      `json:"phase"`
	Cycle       int                   `json:"cycle"`
	Seed        uint64                `json:"seed"`
	CorpusHash  string                `json:"corpus_hash"`
	Rate        float64               `json:"rate"`
	Tiers       []tierStatus          `json:"tiers"`
	QueueDepth  int                   `json:"queue_depth"`
	Classified  int                   `json:"classified"`
	Unknown     int                   `json:"unknown"`
	Stalled     int                   `json:"cycles_since_improvement"`
	Halted      bool                  `json:"halted"`
	HaltReason  controller.HaltReason `json:"halt_reason,omitempty"`
	RateHistory []float64             `json:"rate_history,omitempty"`
}

// tierStatus reports one tier's rate against its goal. Met is only
// meaningful when a target is configured.
type tierStatus struct {
	Tier   string  `json:"tier"`
	Rate   float64 `json:"rate"`
	Target float64 `json:"target,omitempty"`
	Met    bool    `json:"met"`
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.cfg.StateFn()

	tiers := make([]tierStatus, 0, len(st.Rates))
	for tier, rate := range st.Rates {
		target := s.cfg.Targets[tier]
		tiers = append(tiers, tierStatus{
			Tier:   tier,
			Rate:   rate,
			Target: target,
			Met:    target > 0 && rate >= target,
		})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Tier < tiers[j].Tier })

	c.JSON(http.StatusOK, statusView{
		Phase:       st.Phase,
		Cycle:       st.Cycle,
		Seed:        st.Seed,
		CorpusHash:  st.CorpusHash,
		Rate:        st.Rate,
		Tiers:       tiers,
		QueueDepth:  len(st.Queue),
		Classified:  st.Classified,
		Unknown:     st.Unknown,
		Stalled:     st.CyclesSinceImprovement,
		Halted:      st.Halted,
		HaltReason:  st.HaltReason,
		RateHistory: st.RateHistory,
	})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.cfg.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history not configured"})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	reports, err := s.cfg.History.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("reading history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history read failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(reports), "reports": reports})
}
