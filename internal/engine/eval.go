package engine

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/quantlab/internal/barcache"
	"github.com/aristath/quantlab/internal/coordinator"
	"github.com/aristath/quantlab/internal/domain"
	"github.com/aristath/quantlab/internal/expr"
	"github.com/aristath/quantlab/internal/symbols"
	"github.com/aristath/quantlab/internal/timegrid"
)

// EvalRequest is a fully parsed expression evaluation request.
type EvalRequest struct {
	Expr        string
	Range       domain.Range
	BarSize     domain.BarSize
	RTH         bool
	Align       timegrid.AlignMode
	IncludeGaps bool
	Norm        string // "" none, "0" percent, K index-to-K
	Ccy         string // rebase all legs into this currency
}

// Series evaluates an expression into a single series. Any unresolvable
// leaf fails the whole request; an expression with no overlapping data
// returns EmptyResult.
func (e *Engine) Series(ctx context.Context, req EvalRequest) (domain.Result, error) {
	node, err := expr.Parse(req.Expr)
	if err != nil {
		return domain.Result{}, err
	}
	leaves := expr.Leaves(node)
	if len(leaves) == 0 {
		return domain.Result{}, domain.E(domain.KindParseError, "expression %q has no instrument leaves", req.Expr)
	}

	legs, err := e.fetchLeaves(ctx, leaves, req)
	if err != nil {
		return domain.Result{}, err
	}

	frame := timegrid.Align(legs, req.Align, e.fill)
	series := expr.Evaluate(node, frame)
	if series.DefinedCount() == 0 {
		return domain.Result{}, domain.E(domain.KindEmptyResult, "expression %q produced no defined points", req.Expr)
	}
	if !req.IncludeGaps {
		series = series.DropGaps()
	}
	series, err = expr.Normalize(series, req.Norm)
	if err != nil {
		return domain.Result{}, err
	}

	res := domain.Result{
		Kind:   domain.ResultChart,
		Label:  series.Label,
		Expr:   req.Expr,
		Series: []domain.Series{series},
	}
	if isContinuous(leaves) {
		res.AddMeta("adjust", "ratio at roll seams, adjacent closes")
	}
	return res, nil
}

// Pair evaluates two expressions and aligns them on the intersection of
// their grids, for the correlation endpoint.
func (e *Engine) Pair(ctx context.Context, a, b string, req EvalRequest) (domain.Series, domain.Series, error) {
	reqA, reqB := req, req
	reqA.Expr, reqB.Expr = a, b

	var sa, sb domain.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sa, err = e.Series(gctx, reqA)
		return err
	})
	g.Go(func() error {
		var err error
		sb, err = e.Series(gctx, reqB)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.Series{}, domain.Series{}, err
	}

	legs := map[string]domain.Series{"a": sa.Series[0], "b": sb.Series[0]}
	frame := timegrid.Align(legs, timegrid.Intersection, e.fill)
	outA := frameLegSeries(frame, "a", a)
	outB := frameLegSeries(frame, "b", b)
	return outA, outB, nil
}

func frameLegSeries(f timegrid.Frame, key, label string) domain.Series {
	leg := f.Legs[key]
	s := domain.Series{Label: label, Unit: domain.UnitPrice, Points: make([]domain.Point, f.Len())}
	for i, t := range f.Times {
		s.Points[i] = domain.Point{T: t, V: leg.Values[i], Defined: leg.Defined[i]}
	}
	return s
}

// fetchLeaves resolves and fetches all leaves concurrently, applying
// currency conversion when requested.
func (e *Engine) fetchLeaves(ctx context.Context, leaves []symbols.Token, req EvalRequest) (map[string]domain.Series, error) {
	legs := make(map[string]domain.Series, len(leaves))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, leaf := range leaves {
		leaf := leaf
		g.Go(func() error {
			s, err := e.fetchLeaf(gctx, leaf, req)
			if err != nil {
				return err
			}
			mu.Lock()
			legs[leaf.String()] = s
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return legs, nil
}

// fetchLeaf resolves one token to its chain, fetches each segment through
// the cache, back-adjusts continuous chains at roll seams, filters to RTH
// and emits the close series.
func (e *Engine) fetchLeaf(ctx context.Context, tok symbols.Token, req EvalRequest) (domain.Series, error) {
	chain, err := e.resolver.Resolve(ctx, tok, req.Range)
	if err != nil {
		return domain.Series{}, err
	}

	// FX and futures trade around the clock; the RTH flag only applies to
	// equity and cash-index sessions.
	rth := req.RTH
	if st := chain[0].Instrument.SecType; st == symbols.SecForex || st == symbols.SecFuture {
		rth = false
	}

	parts := make([][]domain.Bar, len(chain))
	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range chain {
		i, seg := i, seg
		g.Go(func() error {
			bars, err := e.fetchSegment(gctx, seg, req.BarSize, rth)
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
		return domain.Series{}, err
	}

	if tok.Kind == symbols.FutContinuous {
		adjustRatio(parts)
	}
	bars := flatten(parts)
	if len(bars) == 0 {
		return domain.Series{}, domain.E(domain.KindEmptyResult, "no bars for %s over %s", tok, domain.FormatRange(req.Range))
	}
	bars = timegrid.NormalizeUTC(bars)
	if rth {
		bars = timegrid.FilterRTH(bars, req.BarSize, primaryVenue(chain[0].Instrument))
	}

	series := domain.SeriesFromBars(tok.String(), bars)
	if req.Ccy != "" {
		series, err = e.convertCurrency(ctx, series, chain[0].Instrument.Currency, req)
		if err != nil {
			return domain.Series{}, err
		}
	}
	return series, nil
}

func primaryVenue(inst symbols.Instrument) string {
	if inst.PrimaryExchange != "" {
		return inst.PrimaryExchange
	}
	return inst.Exchange
}

// fetchSegment serves one (contract, validity) pair: cache first, then only
// the missing sub-ranges from the coordinator. Stale entries are refreshed;
// if the upstream is down the stale bars still serve.
func (e *Engine) fetchSegment(ctx context.Context, seg symbols.Segment, size domain.BarSize, rth bool) ([]domain.Bar, error) {
	key := barcache.NewKey(seg.Instrument.Fingerprint(), size, rth, seg.Validity)
	lookup := e.cache.Get(key)

	if lookup.Complete() && !lookup.Stale {
		return lookup.Bars(), nil
	}

	if lookup.Complete() && lookup.Stale {
		bars, err := e.fetchRange(ctx, seg.Instrument, size, rth, key.Range)
		if err != nil {
			if domain.Retryable(err) || domain.KindOf(err) == domain.KindTimeout {
				e.log.Warn().Err(err).Str("contract", seg.Instrument.Display()).
					Msg("refresh failed, serving stale bars")
				e.cache.Touch(key)
				return lookup.Bars(), nil
			}
			return nil, err
		}
		e.cache.Put(key, bars)
		return bars, nil
	}

	// Partial or empty coverage: fetch only the missing sub-ranges, splice
	// with what the cache held, and store the composed range.
	fetched := lookup.Parts
	for _, missing := range lookup.Missing {
		bars, err := e.fetchRange(ctx, seg.Instrument, size, rth, missing)
		if err != nil {
			return nil, err
		}
		fetched = append(fetched, bars)
	}
	sort.Slice(fetched, func(i, j int) bool {
		if len(fetched[i]) == 0 {
			return false
		}
		if len(fetched[j]) == 0 {
			return true
		}
		return fetched[i][0].Time.Before(fetched[j][0].Time)
	})
	combined, err := barcache.Splice(size.Step, fetched...)
	if err != nil {
		// Seam mismatch between cached and fresh bars: refetch the whole
		// range from the upstream, which is authoritative.
		e.log.Warn().Err(err).Str("contract", seg.Instrument.Display()).Msg("splice failed, refetching range")
		combined, err = e.fetchRange(ctx, seg.Instrument, size, rth, key.Range)
		if err != nil {
			return nil, err
		}
	}
	e.cache.Put(key, combined)
	return combined, nil
}

func (e *Engine) fetchRange(ctx context.Context, inst symbols.Instrument, size domain.BarSize, rth bool, rng domain.Range) ([]domain.Bar, error) {
	return e.source.FetchBars(ctx, coordinator.BarRequest{
		Instrument: inst,
		BarSize:    size,
		Range:      rng,
		RTH:        rth,
	})
}

// adjustRatio back-adjusts a continuous chain in place: each earlier
// segment's prices are scaled so the spliced series has no roll
// discontinuity. The latest segment is left untouched.
func adjustRatio(parts [][]domain.Bar) {
	// Walk backward: parts[i+1] is already on the final scale, so the ratio
	// of its first close to the current segment's last close carries the
	// accumulated adjustment.
	for i := len(parts) - 2; i >= 0; i-- {
		cur, next := parts[i], parts[i+1]
		if len(cur) == 0 || len(next) == 0 {
			continue
		}
		old := cur[len(cur)-1].Close
		if old == 0 {
			continue
		}
		r := next[0].Close / old
		for j := range cur {
			cur[j].Open *= r
			cur[j].High *= r
			cur[j].Low *= r
			cur[j].Close *= r
		}
	}
}

func cloneBars(bars []domain.Bar) []domain.Bar {
	out := make([]domain.Bar, len(bars))
	copy(out, bars)
	return out
}

func flatten(parts [][]domain.Bar) []domain.Bar {
	var out []domain.Bar
	for _, p := range parts {
		out = append(out, p...)
	}
	// Defensive ordering: segments are fetched per validity interval and
	// must already be ordered, but a bar straddling a seam would corrupt
	// every downstream computation.
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	dedup := out[:0]
	for i, b := range out {
		if i > 0 && b.Time.Equal(out[i-1].Time) {
			continue
		}
		dedup = append(dedup, b)
	}
	return dedup
}

// ccyPrecedence orders the conventional FX base currencies.
var ccyPrecedence = map[string]int{
	"EUR": 0, "GBP": 1, "AUD": 2, "NZD": 3, "USD": 4, "CAD": 5, "CHF": 6, "JPY": 7,
}

// convertCurrency rebases a leg into the target currency via the
// conventional FX pair, inverting when the market quotes the other way.
func (e *Engine) convertCurrency(ctx context.Context, s domain.Series, legCcy string, req EvalRequest) (domain.Series, error) {
	target := req.Ccy
	if legCcy == "" || legCcy == target {
		return s, nil
	}

	base, quote, invert := legCcy, target, false
	pb, okB := ccyPrecedence[base]
	pq, okQ := ccyPrecedence[quote]
	if okB && okQ && pq < pb {
		base, quote, invert = quote, base, true
	}

	fxTok, err := symbols.ParseToken("FX:" + base + quote)
	if err != nil {
		return domain.Series{}, domain.E(domain.KindUnsupportedParameter, "cannot convert %s to %s", legCcy, target)
	}
	fxReq := req
	fxReq.Ccy = "" // no recursion
	fx, err := e.fetchLeaf(ctx, fxTok, fxReq)
	if err != nil {
		return domain.Series{}, err
	}

	legs := map[string]domain.Series{"leg": s, "fx": fx}
	frame := timegrid.Align(legs, timegrid.Union, e.fill)
	out := domain.Series{Label: s.Label, Expr: s.Expr, Unit: s.Unit, Points: make([]domain.Point, frame.Len())}
	lv, fv := frame.Legs["leg"], frame.Legs["fx"]
	for i, t := range frame.Times {
		p := domain.Point{T: t}
		if lv.Defined[i] && fv.Defined[i] && fv.Values[i] != 0 {
			rate := fv.Values[i]
			if invert {
				rate = 1 / rate
			}
			p.V = lv.Values[i] * rate
			p.Defined = true
		}
		out.Points[i] = p
	}
	return out, nil
}

func isContinuous(leaves []symbols.Token) bool {
	for _, l := range leaves {
		if l.Kind == symbols.FutContinuous {
			return true
		}
	}
	return false
}
