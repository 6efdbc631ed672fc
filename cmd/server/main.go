// Package main is the entry point for the quantlab research back-end: an
// HTTP service that evaluates symbolic expressions over financial
// instruments against historical bars from the market-data gateway and
// serves chart-ready series, indicators, seasonality artifacts and
// composite packs.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/quantlab/internal/barcache"
	"github.com/aristath/quantlab/internal/config"
	"github.com/aristath/quantlab/internal/coordinator"
	"github.com/aristath/quantlab/internal/database"
	"github.com/aristath/quantlab/internal/engine"
	"github.com/aristath/quantlab/internal/server"
	"github.com/aristath/quantlab/internal/symbols"
	"github.com/aristath/quantlab/internal/timegrid"
	"github.com/aristath/quantlab/internal/upstream"
	"github.com/aristath/quantlab/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	logger.SetGlobalLogger(log)
	log.Info().Msg("Starting quantlab")

	// Expiry calendar store, on disk next to the discovered-products cache.
	calendarDB, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "calendar.db"),
		Name: "calendar",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open calendar database")
	}
	defer calendarDB.Close()

	calendarStore, err := symbols.NewCalendarStore(calendarDB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize calendar store")
	}

	// Single gateway session; the coordinator is the only caller.
	session := upstream.NewSession(upstream.Config{
		Host:     cfg.GatewayHost,
		Port:     cfg.GatewayPort,
		ClientID: cfg.GatewayClientID,
	}, log)

	coordCfg := coordinator.DefaultConfig()
	coordCfg.Slots = cfg.CoordinatorSlots
	coordCfg.RequestTimeout = cfg.RequestTimeout
	coord := coordinator.New(coordCfg, session, log)

	registry := symbols.NewRegistry(cfg.DataDir, log)
	resolver := symbols.NewResolver(registry, calendarStore, coord, log)

	cache := barcache.New(cfg.CacheMaxBars, cfg.CacheTTL, log)

	eng := engine.New(engine.Options{
		Source:           coord,
		Resolver:         resolver,
		Cache:            cache,
		Fill:             timegrid.FillPolicy{MaxConsecutive: cfg.FillMaxGap},
		Log:              log,
		Session:          session,
		Coordinator:      coord,
		Searcher:         coord,
		RefreshCalendars: resolver.RefreshStored,
	})

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := eng.Start(startCtx); err != nil {
		startCancel()
		log.Fatal().Err(err).Msg("Failed to start engine")
	}
	startCancel()

	srv := server.New(server.Config{
		Port:    cfg.Port,
		Log:     log,
		Engine:  eng,
		DevMode: cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Engine forced to shutdown")
	}
	log.Info().Msg("Stopped")
}
