package engine

import (
	"context"
	"sync"

	"github.com/aristath/quantlab/internal/domain"
	"github.com/aristath/quantlab/internal/expr"
	"github.com/aristath/quantlab/internal/indicators"
)

// CompanionSpec declares one overlay or panel of a pack request.
type CompanionSpec struct {
	Kind          string    `json:"kind"`
	MA            string    `json:"ma,omitempty"`
	Window        int       `json:"window,omitempty"`
	Period        int       `json:"period,omitempty"`
	Sigma         float64   `json:"sigma,omitempty"`
	Bands         string    `json:"bands,omitempty"`
	Levels        []float64 `json:"levels,omitempty"`
	Mode          string    `json:"mode,omitempty"`
	RollingWindow int       `json:"rolling_window,omitempty"`
	Bins          int       `json:"bins,omitempty"`
}

// CompanionOutcome carries one companion's result or its failure. A failed
// companion never fails the pack.
type CompanionOutcome struct {
	Kind      string
	Status    string // "ok" or "error"
	ErrorKind domain.Kind
	Error     string
	Result    *domain.Result
}

// PackRequest bundles a base expression with overlays sharing its grid and
// panels with their own scales.
type PackRequest struct {
	Base     string
	Overlays []CompanionSpec
	Panels   []CompanionSpec
	Eval     EvalRequest
}

// PackResult is the merged response, companions in declared order.
type PackResult struct {
	Base     domain.Result
	Overlays []CompanionOutcome
	Panels   []CompanionOutcome
}

// Pack fetches the base expression once, then evaluates every companion
// concurrently against the cached base series. Outputs merge in declared
// order regardless of completion order.
func (e *Engine) Pack(ctx context.Context, req PackRequest) (PackResult, error) {
	evalReq := req.Eval
	evalReq.Expr = req.Base
	// The base is evaluated once with gaps dropped; every companion runs on
	// those defined points.
	evalReq.IncludeGaps = false

	base, err := e.Series(ctx, evalReq)
	if err != nil {
		return PackResult{}, err
	}
	baseSeries := base.Series[0]

	out := PackResult{
		Base:     base,
		Overlays: make([]CompanionOutcome, len(req.Overlays)),
		Panels:   make([]CompanionOutcome, len(req.Panels)),
	}

	var wg sync.WaitGroup
	run := func(slot *CompanionOutcome, spec CompanionSpec) {
		defer wg.Done()
		*slot = e.runCompanion(ctx, spec, baseSeries, req)
	}
	for i, spec := range req.Overlays {
		wg.Add(1)
		go run(&out.Overlays[i], spec)
	}
	for i, spec := range req.Panels {
		wg.Add(1)
		go run(&out.Panels[i], spec)
	}
	wg.Wait()
	return out, nil
}

// runCompanion evaluates one overlay or panel. All failures are contained
// in the outcome.
func (e *Engine) runCompanion(ctx context.Context, spec CompanionSpec, base domain.Series, req PackRequest) CompanionOutcome {
	out := CompanionOutcome{Kind: spec.Kind, Status: "ok"}
	res, err := e.companionResult(ctx, spec, base, req)
	if err != nil {
		return CompanionOutcome{
			Kind:      spec.Kind,
			Status:    "error",
			ErrorKind: domain.KindOf(err),
			Error:     domain.MessageOf(err),
		}
	}
	out.Result = &res
	return out
}

func (e *Engine) companionResult(ctx context.Context, spec CompanionSpec, base domain.Series, req PackRequest) (domain.Result, error) {
	switch spec.Kind {
	case "bollinger":
		period := orDefault(spec.Period, 20)
		sigma := spec.Sigma
		if sigma == 0 {
			sigma = 2
		}
		return indicators.Bollinger(base, period, sigma), nil

	case "sma", "ema":
		return indicators.MovingAverage(base, spec.Kind, orDefault(spec.Window, 20))

	case "ma":
		kind := spec.MA
		if kind == "" {
			kind = "sma"
		}
		return indicators.MovingAverage(base, kind, orDefault(spec.Window, 20))

	case "rsi":
		levels, err := indicators.RSILevels(spec.Bands, spec.Levels)
		if err != nil {
			return domain.Result{}, err
		}
		return indicators.RSI(base, orDefault(spec.Period, 14), levels), nil

	case "drawdown":
		return indicators.Drawdown(base, spec.Mode, spec.RollingWindow)

	case "sharpe":
		return indicators.RollingSharpe(base, orDefault(spec.Window, 63), req.Eval.BarSize), nil

	case "zscore":
		return indicators.ZScore(base, orDefault(spec.Window, 20), spec.Levels), nil

	case "volume":
		return e.volumePanel(ctx, spec, req)

	case "":
		return domain.Result{}, domain.E(domain.KindUnsupportedParameter, "companion is missing its kind")
	}
	return domain.Result{}, domain.E(domain.KindUnsupportedParameter, "unknown companion kind %q", spec.Kind)
}

// volumePanel needs OHLCV bars, which only exist for a single-instrument
// base. A composite base fails this one companion, not the pack.
func (e *Engine) volumePanel(ctx context.Context, spec CompanionSpec, req PackRequest) (domain.Result, error) {
	node, err := expr.Parse(req.Base)
	if err != nil {
		return domain.Result{}, err
	}
	leaves := expr.Leaves(node)
	if len(leaves) != 1 {
		return domain.Result{}, domain.E(domain.KindUnsupportedParameter,
			"volume profile needs a single-instrument base, got %q", req.Base)
	}
	if _, isLeaf := node.(expr.Leaf); !isLeaf {
		return domain.Result{}, domain.E(domain.KindUnsupportedParameter,
			"volume profile needs a bare instrument base, got %q", req.Base)
	}
	bars, err := e.OHLCV(ctx, OHLCVRequest{
		Symbol:        leaves[0].String(),
		BarSize:       req.Eval.BarSize,
		Range:         req.Eval.Range,
		RTH:           req.Eval.RTH,
		IncludeVolume: true,
	})
	if err != nil {
		return domain.Result{}, err
	}
	return indicators.VolumeProfile(bars, orDefault(spec.Bins, 30), indicators.DefaultValueAreaFraction), nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
