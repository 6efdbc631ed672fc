package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/quantlab/internal/domain"
	"github.com/aristath/quantlab/internal/symbols"
	"github.com/aristath/quantlab/internal/timegrid"
)

// OHLCVRequest asks for raw bars of a single instrument.
type OHLCVRequest struct {
	Symbol        string
	BarSize       domain.BarSize
	Range         domain.Range
	RTH           bool
	IncludeVolume bool
	MaxBars       int
}

// OHLCV fetches full bars for one canonical symbol. Futures selectors are
// resolved through the chain like any expression leaf; continuous chains are
// ratio-adjusted at the seams.
func (e *Engine) OHLCV(ctx context.Context, req OHLCVRequest) ([]domain.Bar, error) {
	tok, err := symbols.ParseToken(req.Symbol)
	if err != nil {
		return nil, err
	}
	chain, err := e.resolver.Resolve(ctx, tok, req.Range)
	if err != nil {
		return nil, err
	}

	parts := make([][]domain.Bar, len(chain))
	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range chain {
		i, seg := i, seg
		g.Go(func() error {
			bars, err := e.fetchSegment(gctx, seg, req.BarSize, req.RTH)
			if err != nil {
				return err
			}
			// Copy before any in-place adjustment: the slices alias the
			// cache's backing arrays.
			parts[i] = cloneBars(bars)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if tok.Kind == symbols.FutContinuous {
		adjustRatio(parts)
	}

	bars := flatten(parts)
	if len(bars) == 0 {
		return nil, domain.E(domain.KindEmptyResult, "no bars for %s over %s", req.Symbol, domain.FormatRange(req.Range))
	}
	bars = timegrid.NormalizeUTC(bars)
	if req.RTH {
		bars = timegrid.FilterRTH(bars, req.BarSize, primaryVenue(chain[0].Instrument))
	}
	if !req.IncludeVolume {
		for i := range bars {
			bars[i].Volume = 0
		}
	}
	if req.MaxBars > 0 && len(bars) > req.MaxBars {
		bars = bars[len(bars)-req.MaxBars:]
	}
	return bars, nil
}
