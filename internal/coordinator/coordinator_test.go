package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantlab/internal/domain"
	"github.com/aristath/quantlab/internal/symbols"
	"github.com/aristath/quantlab/internal/upstream"
)

type fakeGateway struct {
	mu        sync.Mutex
	calls     atomic.Int64
	maxActive atomic.Int32
	active    atomic.Int32
	delay     time.Duration
	errs      []error // consumed per call before succeeding
	bars      []domain.Bar
}

func (g *fakeGateway) HistoricalBars(ctx context.Context, _ upstream.BarsParams) ([]domain.Bar, error) {
	g.calls.Add(1)
	cur := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		max := g.maxActive.Load()
		if cur <= max || g.maxActive.CompareAndSwap(max, cur) {
			break
		}
	}
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, domain.E(domain.KindTimeout, "gateway request timed out")
		}
	}
	g.mu.Lock()
	var err error
	if len(g.errs) > 0 {
		err, g.errs = g.errs[0], g.errs[1:]
	}
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return g.bars, nil
}

func (g *fakeGateway) ContractDetails(context.Context, upstream.DetailsParams) ([]upstream.ContractDetails, error) {
	return nil, nil
}

func (g *fakeGateway) MatchingSymbols(context.Context, string, int) ([]upstream.ContractDetails, error) {
	return nil, nil
}

func (g *fakeGateway) Connected() bool { return true }

func testBars(n int) []domain.Bar {
	t0 := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Bar, n)
	for i := range out {
		out[i] = domain.Bar{Time: t0.AddDate(0, 0, i), Close: float64(100 + i)}
	}
	return out
}

func testRequest() BarRequest {
	size, _ := domain.ParseBarSize("1 day")
	return BarRequest{
		Instrument: symbols.Instrument{SecType: symbols.SecStock, Symbol: "SPY", Exchange: "SMART", Currency: "USD"},
		BarSize:    size,
		Range: domain.Range{
			Start: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		},
		RTH: true,
	}
}

func fastConfig() Config {
	return Config{
		Slots:                   4,
		QueueSize:               64,
		RatePerInterval:         10000,
		RateInterval:            time.Second,
		ContractRatePerInterval: 10000,
		ContractRateInterval:    time.Second,
		RequestTimeout:          2 * time.Second,
		MaxAttempts:             3,
		RetryBase:               time.Millisecond,
	}
}

func newTestCoordinator(t *testing.T, gw *fakeGateway, cfg Config) *Coordinator {
	t.Helper()
	c := New(cfg, gw, zerolog.New(nil).Level(zerolog.Disabled))
	c.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func TestFetchBarsDedupSharesOneUpstreamCall(t *testing.T) {
	gw := &fakeGateway{bars: testBars(5), delay: 50 * time.Millisecond}
	c := newTestCoordinator(t, gw, fastConfig())

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bars, err := c.FetchBars(context.Background(), testRequest())
			assert.NoError(t, err)
			assert.Len(t, bars, 5)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), gw.calls.Load(), "identical in-flight requests must share one upstream call")
}

func TestFetchBarsSlotBound(t *testing.T) {
	cfg := fastConfig()
	cfg.Slots = 3
	gw := &fakeGateway{bars: testBars(1), delay: 40 * time.Millisecond}
	c := newTestCoordinator(t, gw, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		req := testRequest()
		// Distinct ranges so the requests do not dedup.
		req.Range.Start = req.Range.Start.AddDate(0, 0, i)
		go func(r BarRequest) {
			defer wg.Done()
			_, _ = c.FetchBars(context.Background(), r)
		}(req)
	}
	wg.Wait()
	assert.LessOrEqual(t, gw.maxActive.Load(), int32(cfg.Slots),
		"concurrent upstream requests must not exceed the slot count")
}

func TestFetchBarsRetriesTransientErrors(t *testing.T) {
	gw := &fakeGateway{
		bars: testBars(2),
		errs: []error{
			domain.E(domain.KindPacingViolation, "pacing"),
			domain.E(domain.KindNoDataFarm, "farm down"),
		},
	}
	c := newTestCoordinator(t, gw, fastConfig())

	bars, err := c.FetchBars(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Len(t, bars, 2)
	assert.Equal(t, int64(3), gw.calls.Load())
}

func TestFetchBarsPermanentErrorFailsImmediately(t *testing.T) {
	gw := &fakeGateway{
		errs: []error{domain.E(domain.KindUnknownSymbol, "no security definition")},
	}
	c := newTestCoordinator(t, gw, fastConfig())

	_, err := c.FetchBars(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, domain.KindUnknownSymbol, domain.KindOf(err))
	assert.Equal(t, int64(1), gw.calls.Load(), "permanent errors must not retry")
}

func TestFetchBarsCallerDeadline(t *testing.T) {
	gw := &fakeGateway{bars: testBars(1), delay: 200 * time.Millisecond}
	c := newTestCoordinator(t, gw, fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.FetchBars(ctx, testRequest())
	require.Error(t, err)
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
}

func TestFetchBarsRetryExhaustionReturnsLastError(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	gw := &fakeGateway{
		errs: []error{
			domain.E(domain.KindPacingViolation, "pacing"),
			domain.E(domain.KindPacingViolation, "pacing"),
			domain.E(domain.KindPacingViolation, "pacing"),
		},
	}
	c := newTestCoordinator(t, gw, cfg)

	_, err := c.FetchBars(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, domain.KindPacingViolation, domain.KindOf(err))
	assert.Equal(t, int64(2), gw.calls.Load())
}

func TestBarRequestKeyRoundsRange(t *testing.T) {
	a := testRequest()
	b := testRequest()
	// Same bars, edges inside the same bar boundaries.
	b.Range.Start = b.Range.Start.Add(2 * time.Hour)
	assert.Equal(t, a.Key(), b.Key())

	c := testRequest()
	c.RTH = false
	assert.NotEqual(t, a.Key(), c.Key())
}
