package server

import (
	"net/http"
	"time"

	"github.com/aristath/quantlab/internal/domain"
	"github.com/aristath/quantlab/internal/engine"
	"github.com/aristath/quantlab/internal/indicators"
	"github.com/aristath/quantlab/internal/timegrid"
)

// exprRequest carries the fields every expression endpoint shares, plus the
// per-endpoint extras. Unknown fields are ignored, absent ones take the
// documented defaults.
type exprRequest struct {
	Expr     string `json:"expr"`
	Duration string `json:"duration"`
	BarSize  string `json:"bar_size"`
	UseRTH   *bool  `json:"use_rth"`

	Align       string `json:"align"`
	IncludeGaps *bool  `json:"include_gaps"`
	Norm        string `json:"norm"`
	Ccy         string `json:"ccy"`

	// Moving averages.
	MA     string `json:"ma"`
	Window int    `json:"window"`

	// Bollinger / RSI.
	Period int       `json:"period"`
	Sigma  float64   `json:"sigma"`
	Bands  string    `json:"bands"`
	Levels []float64 `json:"levels"`

	// Drawdown.
	Mode          string `json:"mode"`
	RollingWindow int    `json:"rolling_window"`

	// Correlation.
	A          string `json:"a"`
	B          string `json:"b"`
	RetHorizon int    `json:"ret_horizon"`

	// Seasonality.
	Years            []int  `json:"years"`
	Rebase           *bool  `json:"rebase"`
	MinPointsPerYear int    `json:"min_points_per_year"`
	Bucket           string `json:"bucket"`
}

// evalRequest turns the wire request into the engine's parsed form.
// includeGapsDefault differs per endpoint: /expr/series drops gaps,
// /expr/chart keeps them as nulls.
func (s *Server) evalRequest(req exprRequest, includeGapsDefault bool) (engine.EvalRequest, requestMeta, error) {
	if req.Expr == "" {
		return engine.EvalRequest{}, requestMeta{}, domain.E(domain.KindParseError, "expr is required")
	}
	duration := req.Duration
	if duration == "" {
		duration = "1 Y"
	}
	rng, err := domain.ParseLookback(duration, time.Now().UTC())
	if err != nil {
		return engine.EvalRequest{}, requestMeta{}, err
	}
	barSize := req.BarSize
	if barSize == "" {
		barSize = "1 day"
	}
	size, err := domain.ParseBarSize(barSize)
	if err != nil {
		return engine.EvalRequest{}, requestMeta{}, err
	}
	align, err := timegrid.ParseAlignMode(req.Align)
	if err != nil {
		return engine.EvalRequest{}, requestMeta{}, err
	}

	useRTH := true
	if req.UseRTH != nil {
		useRTH = *req.UseRTH
	}
	includeGaps := includeGapsDefault
	if req.IncludeGaps != nil {
		includeGaps = *req.IncludeGaps
	}

	eval := engine.EvalRequest{
		Expr:        req.Expr,
		Range:       rng,
		BarSize:     size,
		RTH:         useRTH,
		Align:       align,
		IncludeGaps: includeGaps,
		Norm:        req.Norm,
		Ccy:         req.Ccy,
	}
	meta := requestMeta{BarSize: size.Label, UseRTH: useRTH, Range: rng}
	return eval, meta, nil
}

// handleSeries serves POST /expr/series: the evaluated expression with gaps
// dropped.
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	var req exprRequest
	if !s.decode(w, r, &req) {
		return
	}
	eval, meta, err := s.evalRequest(req, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.engine.Series(r.Context(), eval)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toChart(res, meta))
}

// handleChart serves POST /expr/chart: identical to /expr/series except
// gaps serialize as nulls.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	var req exprRequest
	if !s.decode(w, r, &req) {
		return
	}
	eval, meta, err := s.evalRequest(req, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.engine.Series(r.Context(), eval)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toChart(res, meta))
}

// handleClose serves POST /expr/close, the single-symbol convenience form.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.handleSeries(w, r)
}

// runIndicator factors the common evaluate-then-transform shape of the
// indicator endpoints.
func (s *Server) runIndicator(w http.ResponseWriter, r *http.Request, req exprRequest, transform func(domain.Series, engine.EvalRequest) (domain.Result, error)) {
	eval, meta, err := s.evalRequest(req, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	base, err := s.engine.Series(r.Context(), eval)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := transform(base.Series[0], eval)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res.Expr = req.Expr
	s.writeJSON(w, http.StatusOK, toChart(res, meta))
}

func (s *Server) handleMA(w http.ResponseWriter, r *http.Request) {
	var req exprRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Window <= 0 {
		s.writeError(w, domain.E(domain.KindUnsupportedParameter, "window must be positive"))
		return
	}
	kind := req.MA
	if kind == "" {
		kind = "sma"
	}
	s.runIndicator(w, r, req, func(base domain.Series, _ engine.EvalRequest) (domain.Result, error) {
		return indicators.MovingAverage(base, kind, req.Window)
	})
}

func (s *Server) handleBollinger(w http.ResponseWriter, r *http.Request) {
	var req exprRequest
	if !s.decode(w, r, &req) {
		return
	}
	period := req.Period
	if period == 0 {
		period = 20
	}
	sigma := req.Sigma
	if sigma == 0 {
		sigma = 2
	}
	s.runIndicator(w, r, req, func(base domain.Series, _ engine.EvalRequest) (domain.Result, error) {
		return indicators.Bollinger(base, period, sigma), nil
	})
}

func (s *Server) handleRSI(w http.ResponseWriter, r *http.Request) {
	var req exprRequest
	if !s.decode(w, r, &req) {
		return
	}
	period := req.Period
	if period == 0 {
		period = 14
	}
	levels, err := indicators.RSILevels(req.Bands, req.Levels)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.runIndicator(w, r, req, func(base domain.Series, _ engine.EvalRequest) (domain.Result, error) {
		return indicators.RSI(base, period, levels), nil
	})
}

func (s *Server) handleDrawdown(w http.ResponseWriter, r *http.Request) {
	var req exprRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.runIndicator(w, r, req, func(base domain.Series, _ engine.EvalRequest) (domain.Result, error) {
		return indicators.Drawdown(base, req.Mode, req.RollingWindow)
	})
}

func (s *Server) handleSharpe(w http.ResponseWriter, r *http.Request) {
	var req exprRequest
	if !s.decode(w, r, &req) {
		return
	}
	window := req.Window
	if window == 0 {
		window = 63
	}
	s.runIndicator(w, r, req, func(base domain.Series, eval engine.EvalRequest) (domain.Result, error) {
		return indicators.RollingSharpe(base, window, eval.BarSize), nil
	})
}

func (s *Server) handleZScore(w http.ResponseWriter, r *http.Request) {
	var req exprRequest
	if !s.decode(w, r, &req) {
		return
	}
	window := req.Window
	if window == 0 {
		window = 20
	}
	s.runIndicator(w, r, req, func(base domain.Series, _ engine.EvalRequest) (domain.Result, error) {
		return indicators.ZScore(base, window, req.Levels), nil
	})
}

// handleCorr serves POST /expr/corr: rolling correlation of two
// expressions' log returns.
func (s *Server) handleCorr(w http.ResponseWriter, r *http.Request) {
	var req exprRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.A == "" || req.B == "" {
		s.writeError(w, domain.E(domain.KindParseError, "a and b expressions are required"))
		return
	}
	// Pair evaluation needs a placeholder expr for the shared parser.
	req.Expr = req.A
	eval, meta, err := s.evalRequest(req, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	horizon := req.RetHorizon
	if horizon == 0 {
		horizon = 1
	}
	window := req.Window
	if window == 0 {
		window = 63
	}

	sa, sb, err := s.engine.Pair(r.Context(), req.A, req.B, eval)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res := indicators.Correlation(sa, sb, horizon, window)
	res.Expr = req.A + " ~ " + req.B
	res.Label = "Corr(" + req.A + ", " + req.B + ")"
	s.writeJSON(w, http.StatusOK, toChart(res, meta))
}
