// Package server provides the HTTP server and routing.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/quantlab/internal/engine"
)

// Config holds server configuration.
type Config struct {
	Port    int
	Log     zerolog.Logger
	Engine  *engine.Engine
	DevMode bool
}

// Server is the HTTP front of the engine. It owns no state beyond the
// router; everything flows through the Engine value it was given.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	engine  *engine.Engine
	started time.Time
}

// New creates the HTTP server and mounts all routes.
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Log.With().Str("component", "server").Logger(),
		engine:  cfg.Engine,
		started: time.Now().UTC(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	s.router.Get("/health", s.handleHealth)
	s.router.Post("/data/ohlcv", s.handleOHLCV)
	s.router.Get("/symbols/search", s.handleSymbolSearch)

	s.router.Route("/expr", func(r chi.Router) {
		r.Post("/series", s.handleSeries)
		r.Post("/chart", s.handleChart)
		r.Post("/close", s.handleClose)
		r.Post("/ma", s.handleMA)
		r.Post("/bollinger", s.handleBollinger)
		r.Post("/rsi", s.handleRSI)
		r.Post("/drawdown", s.handleDrawdown)
		r.Post("/sharpe", s.handleSharpe)
		r.Post("/zscore", s.handleZScore)
		r.Post("/corr", s.handleCorr)
		r.Post("/pack", s.handlePack)
		r.Route("/seasonality", func(r chi.Router) {
			r.Post("/years", s.handleSeasonalityYears)
			r.Post("/heatmap", s.handleSeasonalityHeatmap)
		})
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router exposes the mux, used by tests.
func (s *Server) Router() http.Handler { return s.router }

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
