// Package engine owns the evaluation pipeline: it resolves expression
// leaves, fetches bars through the cache and coordinator, aligns legs,
// evaluates pointwise and drives the composite pack orchestrator. The
// Engine value also owns the process lifecycle of the upstream session, the
// coordinator and the calendar refresh job.
package engine

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/quantlab/internal/barcache"
	"github.com/aristath/quantlab/internal/coordinator"
	"github.com/aristath/quantlab/internal/domain"
	"github.com/aristath/quantlab/internal/symbols"
	"github.com/aristath/quantlab/internal/timegrid"
	"github.com/aristath/quantlab/internal/upstream"
)

// BarSource fetches bars for one contract segment. The coordinator is the
// production implementation.
type BarSource interface {
	FetchBars(ctx context.Context, req coordinator.BarRequest) ([]domain.Bar, error)
}

// LeafResolver materializes tokens into contract chains.
type LeafResolver interface {
	Resolve(ctx context.Context, tok symbols.Token, rng domain.Range) (symbols.Chain, error)
}

// Searcher serves the symbol lookup endpoint.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]upstream.ContractDetails, error)
}

// Options wires an Engine.
type Options struct {
	Source   BarSource
	Resolver LeafResolver
	Cache    *barcache.Cache
	Fill     timegrid.FillPolicy
	Log      zerolog.Logger

	// Lifecycle-managed components; nil in tests.
	Session     *upstream.Session
	Coordinator *coordinator.Coordinator
	Searcher    Searcher
	// RefreshCalendars is invoked by the daily cron job.
	RefreshCalendars func(ctx context.Context)
}

// Engine is the explicit owner of session, caches and resolver; request
// handlers receive it as a value and never touch process-level state.
type Engine struct {
	log      zerolog.Logger
	source   BarSource
	resolver LeafResolver
	cache    *barcache.Cache
	fill     timegrid.FillPolicy
	searcher Searcher

	session *upstream.Session
	coord   *coordinator.Coordinator
	cron    *cron.Cron
	refresh func(ctx context.Context)
}

// New builds an Engine from its parts.
func New(opts Options) *Engine {
	fill := opts.Fill
	if fill.MaxConsecutive == 0 {
		fill = timegrid.DefaultFill
	}
	return &Engine{
		log:      opts.Log.With().Str("component", "engine").Logger(),
		source:   opts.Source,
		resolver: opts.Resolver,
		cache:    opts.Cache,
		fill:     fill,
		searcher: opts.Searcher,
		session:  opts.Session,
		coord:    opts.Coordinator,
		refresh:  opts.RefreshCalendars,
	}
}

// Start connects the upstream session, launches the coordinator workers and
// schedules the daily expiry-calendar refresh.
func (e *Engine) Start(ctx context.Context) error {
	if e.session != nil {
		if err := e.session.Start(ctx); err != nil {
			return err
		}
	}
	if e.coord != nil {
		e.coord.Start()
	}
	if e.refresh != nil {
		e.cron = cron.New()
		// Refresh shortly after the trading day rolls over.
		if _, err := e.cron.AddFunc("15 0 * * *", func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			e.refresh(rctx)
		}); err != nil {
			return err
		}
		e.cron.Start()
	}
	e.log.Info().Msg("engine started")
	return nil
}

// Shutdown drains in-flight work and closes the upstream session.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.cron != nil {
		cronCtx := e.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}
	var firstErr error
	if e.coord != nil {
		if err := e.coord.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if e.session != nil {
		if err := e.session.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.log.Info().Msg("engine stopped")
	return firstErr
}

// Connected reports upstream session health for /health.
func (e *Engine) Connected() bool {
	if e.session == nil {
		return false
	}
	return e.session.Connected()
}

// CacheStats exposes bar cache occupancy for /health.
func (e *Engine) CacheStats() (entries, bars int) {
	if e.cache == nil {
		return 0, 0
	}
	return e.cache.Len(), e.cache.TotalBars()
}

// Search proxies the symbol lookup endpoint.
func (e *Engine) Search(ctx context.Context, query string, limit int) ([]upstream.ContractDetails, error) {
	if e.searcher == nil {
		return nil, domain.E(domain.KindUpstreamUnavailable, "symbol search not available")
	}
	return e.searcher.Search(ctx, query, limit)
}
