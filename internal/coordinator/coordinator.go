// Package coordinator multiplexes concurrent request intents onto the single
// upstream gateway session. It owns the request queue, the in-flight slot
// pool, the pacing limiters, in-flight deduplication, retries and deadlines.
package coordinator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/quantlab/internal/domain"
	"github.com/aristath/quantlab/internal/symbols"
	"github.com/aristath/quantlab/internal/upstream"
)

// Gateway is the slice of the upstream session the coordinator drives.
type Gateway interface {
	HistoricalBars(ctx context.Context, p upstream.BarsParams) ([]domain.Bar, error)
	ContractDetails(ctx context.Context, p upstream.DetailsParams) ([]upstream.ContractDetails, error)
	MatchingSymbols(ctx context.Context, query string, limit int) ([]upstream.ContractDetails, error)
	Connected() bool
}

// Config bounds the coordinator's concurrency and pacing.
type Config struct {
	// Slots is the number of concurrent upstream requests.
	Slots int
	// QueueSize bounds the number of requests waiting for a slot.
	QueueSize int
	// RatePerInterval / RateInterval is the overall pacing budget.
	RatePerInterval int
	RateInterval    time.Duration
	// ContractRatePerInterval / ContractRateInterval paces requests that hit
	// the same contract.
	ContractRatePerInterval int
	ContractRateInterval    time.Duration
	// RequestTimeout is the per-request upstream deadline, which also serves
	// as the queue dwell limit.
	RequestTimeout time.Duration
	// MaxAttempts bounds retries of transient upstream errors.
	MaxAttempts int
	// RetryBase is the first backoff step; attempts double it.
	RetryBase time.Duration
}

// DefaultConfig mirrors the upstream's documented pacing rules.
func DefaultConfig() Config {
	return Config{
		Slots:                   50,
		QueueSize:               512,
		RatePerInterval:         60,
		RateInterval:            10 * time.Minute,
		ContractRatePerInterval: 6,
		ContractRateInterval:    2 * time.Minute,
		RequestTimeout:          30 * time.Second,
		MaxAttempts:             3,
		RetryBase:               500 * time.Millisecond,
	}
}

// BarRequest is one bar-fetch intent.
type BarRequest struct {
	Instrument symbols.Instrument
	BarSize    domain.BarSize
	Range      domain.Range
	RTH        bool
}

// Key is the dedup and cache identity of the request: contract fingerprint,
// bar size, RTH flag and the range rounded to whole bar boundaries.
func (r BarRequest) Key() string {
	rounded := r.Range.Round(r.BarSize.Step)
	return fmt.Sprintf("%s|%s|%t|%d|%d",
		r.Instrument.Fingerprint(), r.BarSize.Label, r.RTH,
		rounded.Start.Unix(), rounded.End.Unix())
}

// state of one queued call.
type callState int32

const (
	stateQueued callState = iota
	stateInflight
	stateDone
	stateFailed
	stateTimedOut
	stateCancelled
)

// call is one deduplicated upstream fetch. Multiple callers may wait on it.
type call struct {
	req      BarRequest
	key      string
	deadline time.Time

	state   atomic.Int32
	waiters atomic.Int32

	done chan struct{}
	bars []domain.Bar
	err  error
}

// Coordinator funnels bar fetches through the session under the pacing
// rules. Identical in-flight requests share one upstream call.
type Coordinator struct {
	cfg     Config
	gateway Gateway
	log     zerolog.Logger

	limiter *rate.Limiter

	mu         sync.Mutex
	inflight   map[string]*call
	perKeyRate map[string]*rate.Limiter

	queue   chan *call
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool

	active atomic.Int32 // concurrent upstream requests, for invariants
}

// New builds a coordinator around a gateway session.
func New(cfg Config, gateway Gateway, log zerolog.Logger) *Coordinator {
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultConfig().Slots
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.RatePerInterval <= 0 {
		cfg.RatePerInterval = DefaultConfig().RatePerInterval
		cfg.RateInterval = DefaultConfig().RateInterval
	}
	if cfg.ContractRatePerInterval <= 0 {
		cfg.ContractRatePerInterval = DefaultConfig().ContractRatePerInterval
		cfg.ContractRateInterval = DefaultConfig().ContractRateInterval
	}
	return &Coordinator{
		cfg:     cfg,
		gateway: gateway,
		log:     log.With().Str("component", "coordinator").Logger(),
		limiter: rate.NewLimiter(
			rate.Limit(float64(cfg.RatePerInterval)/cfg.RateInterval.Seconds()),
			cfg.RatePerInterval),
		inflight:   make(map[string]*call),
		perKeyRate: make(map[string]*rate.Limiter),
		queue:      make(chan *call, cfg.QueueSize),
		stop:       make(chan struct{}),
	}
}

// Start launches the worker pool.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	for i := 0; i < c.cfg.Slots; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	c.log.Info().Int("slots", c.cfg.Slots).Msg("coordinator started")
}

// Shutdown stops accepting work and drains in-flight requests until ctx
// expires.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	close(c.stop)
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of requests currently against the upstream.
func (c *Coordinator) InFlight() int { return int(c.active.Load()) }

// FetchBars returns the bars for one contract segment, deduplicating against
// identical in-flight requests. The caller's context bounds only the wait: a
// shared fetch keeps running for its other waiters after this caller leaves.
func (c *Coordinator) FetchBars(ctx context.Context, req BarRequest) ([]domain.Bar, error) {
	key := req.Key()

	c.mu.Lock()
	cl, shared := c.inflight[key]
	if !shared {
		cl = &call{
			req:      req,
			key:      key,
			deadline: time.Now().Add(c.cfg.RequestTimeout),
			done:     make(chan struct{}),
		}
		c.inflight[key] = cl
	}
	cl.waiters.Add(1)
	c.mu.Unlock()

	if !shared {
		select {
		case c.queue <- cl:
		case <-c.stop:
			c.finish(cl, nil, domain.E(domain.KindCancelled, "coordinator shutting down"))
		case <-ctx.Done():
			cl.waiters.Add(-1)
			c.abandonIfQueued(cl)
			return nil, ctxError(ctx)
		}
	}

	select {
	case <-cl.done:
		return cl.bars, cl.err
	case <-ctx.Done():
		cl.waiters.Add(-1)
		c.abandonIfQueued(cl)
		return nil, ctxError(ctx)
	}
}

func ctxError(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return domain.E(domain.KindTimeout, "request deadline exceeded while waiting for upstream")
	}
	return domain.E(domain.KindCancelled, "request cancelled")
}

// abandonIfQueued cancels a call that lost all waiters before reaching the
// upstream. In-flight calls are left to finish: their result still fills the
// cache.
func (c *Coordinator) abandonIfQueued(cl *call) {
	if cl.waiters.Load() > 0 {
		return
	}
	if cl.state.CompareAndSwap(int32(stateQueued), int32(stateCancelled)) {
		c.removeInflight(cl)
	}
}

func (c *Coordinator) removeInflight(cl *call) {
	c.mu.Lock()
	if cur, ok := c.inflight[cl.key]; ok && cur == cl {
		delete(c.inflight, cl.key)
	}
	c.mu.Unlock()
}

func (c *Coordinator) finish(cl *call, bars []domain.Bar, err error) {
	cl.bars = bars
	cl.err = err
	c.removeInflight(cl)
	close(cl.done)
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case cl := <-c.queue:
			c.process(cl)
		}
	}
}

func (c *Coordinator) process(cl *call) {
	// Cancelled while queued: honored before the inflight transition.
	if callState(cl.state.Load()) == stateCancelled {
		c.finish(cl, nil, domain.E(domain.KindCancelled, "cancelled while queued"))
		return
	}
	// Dwell check: a request that would start past its deadline fails
	// without touching the upstream.
	if time.Now().After(cl.deadline) {
		cl.state.Store(int32(stateTimedOut))
		c.finish(cl, nil, domain.E(domain.KindTimeout, "request expired in queue"))
		return
	}
	cl.state.Store(int32(stateInflight))

	ctx, cancel := context.WithDeadline(context.Background(), cl.deadline)
	defer cancel()

	if err := c.pace(ctx, contractPaceKey(cl.req)); err != nil {
		cl.state.Store(int32(stateTimedOut))
		c.finish(cl, nil, domain.E(domain.KindTimeout, "request expired waiting for pacing budget"))
		return
	}

	bars, err := c.fetchWithRetry(ctx, cl.req)
	if err != nil {
		cl.state.Store(int32(stateFailed))
		c.finish(cl, nil, err)
		return
	}
	cl.state.Store(int32(stateDone))
	c.finish(cl, bars, nil)
}

// contractPaceKey groups requests that count against the same per-contract
// pacing budget: same contract and bar size, any range.
func contractPaceKey(req BarRequest) string {
	return req.Instrument.Fingerprint() + "|" + req.BarSize.Label
}

// pace waits on the overall and per-contract token buckets.
func (c *Coordinator) pace(ctx context.Context, key string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.contractLimiter(key).Wait(ctx)
}

// contractLimiter returns the pacing bucket for one pace key (contract
// fingerprint and bar size, see contractPaceKey).
func (c *Coordinator) contractLimiter(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.perKeyRate[key]
	if !ok {
		lim = rate.NewLimiter(
			rate.Limit(float64(c.cfg.ContractRatePerInterval)/c.cfg.ContractRateInterval.Seconds()),
			c.cfg.ContractRatePerInterval)
		c.perKeyRate[key] = lim
	}
	return lim
}

// fetchWithRetry performs the upstream call, retrying transient errors with
// exponential backoff. Permanent errors fail immediately.
func (c *Coordinator) fetchWithRetry(ctx context.Context, req BarRequest) ([]domain.Bar, error) {
	what := "TRADES"
	if req.Instrument.SecType == symbols.SecForex {
		what = "MIDPOINT"
	}
	params := upstream.BarsParams{
		Contract:   upstream.ContractRefFor(req.Instrument),
		BarSize:    req.BarSize.Label,
		Start:      req.Range.Start,
		End:        req.Range.End,
		UseRTH:     req.RTH,
		WhatToShow: what,
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(float64(c.cfg.RetryBase) * math.Pow(2, float64(attempt-1)))
			c.log.Debug().Dur("wait", wait).Int("attempt", attempt+1).
				Str("contract", req.Instrument.Display()).Msg("retrying upstream fetch")
			select {
			case <-ctx.Done():
				return nil, domain.E(domain.KindTimeout, "request deadline exceeded during retry backoff")
			case <-time.After(wait):
			}
		}

		c.active.Add(1)
		bars, err := c.gateway.HistoricalBars(ctx, params)
		c.active.Add(-1)
		if err == nil {
			return bars, nil
		}
		lastErr = err
		if !domain.Retryable(err) {
			return nil, err
		}
		c.log.Warn().Err(err).Str("contract", req.Instrument.Display()).Msg("transient upstream error")
	}
	return nil, lastErr
}
