package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/quantlab/internal/domain"
	"github.com/aristath/quantlab/internal/engine"
	"github.com/aristath/quantlab/internal/seasonality"
)

// ohlcvRequest mirrors the /data/ohlcv wire shape.
type ohlcvRequest struct {
	Symbol     string `json:"symbol"`
	Resolution string `json:"resolution"`
	Range      struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"range"`
	IncludeVolume *bool  `json:"include_volume"`
	TZ            string `json:"tz"`
	MaxBars       int    `json:"max_bars"`
	UseRTH        *bool  `json:"use_rth"`
}

type ohlcvBar struct {
	T string   `json:"t"`
	O float64  `json:"o"`
	H float64  `json:"h"`
	L float64  `json:"l"`
	C float64  `json:"c"`
	V *float64 `json:"v,omitempty"`
}

type ohlcvResponse struct {
	Symbol     string     `json:"symbol"`
	Resolution string     `json:"resolution"`
	TZ         string     `json:"tz"`
	Bars       []ohlcvBar `json:"bars"`
}

// handleOHLCV serves POST /data/ohlcv: raw bars for one canonical symbol.
func (s *Server) handleOHLCV(w http.ResponseWriter, r *http.Request) {
	var req ohlcvRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Symbol == "" {
		s.writeError(w, domain.E(domain.KindParseError, "symbol is required"))
		return
	}
	resolution := req.Resolution
	if resolution == "" {
		resolution = "1D"
	}
	size, err := domain.ParseBarSize(resolution)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rng, err := parseISORange(req.Range.Start, req.Range.End)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tz := req.TZ
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.writeError(w, domain.E(domain.KindUnsupportedParameter, "unknown timezone %q", tz))
		return
	}
	includeVolume := true
	if req.IncludeVolume != nil {
		includeVolume = *req.IncludeVolume
	}
	maxBars := req.MaxBars
	if maxBars <= 0 {
		maxBars = 5000
	}
	useRTH := false
	if req.UseRTH != nil {
		useRTH = *req.UseRTH
	}

	bars, err := s.engine.OHLCV(r.Context(), engine.OHLCVRequest{
		Symbol:        req.Symbol,
		BarSize:       size,
		Range:         rng,
		RTH:           useRTH,
		IncludeVolume: includeVolume,
		MaxBars:       maxBars,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := ohlcvResponse{Symbol: req.Symbol, Resolution: resolution, TZ: tz, Bars: make([]ohlcvBar, len(bars))}
	for i, b := range bars {
		ob := ohlcvBar{T: b.Time.In(loc).Format(time.RFC3339), O: b.Open, H: b.High, L: b.Low, C: b.Close}
		if includeVolume {
			v := b.Volume
			ob.V = &v
		}
		out.Bars[i] = ob
	}
	s.writeJSON(w, http.StatusOK, out)
}

func parseISORange(start, end string) (domain.Range, error) {
	if start == "" || end == "" {
		return domain.Range{}, domain.E(domain.KindEmptyRange, "range.start and range.end are required")
	}
	parse := func(s string) (time.Time, error) {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), nil
		}
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return time.Time{}, domain.E(domain.KindUnsupportedParameter, "bad date %q: use YYYY-MM-DD or RFC3339", s)
		}
		return t.UTC(), nil
	}
	st, err := parse(start)
	if err != nil {
		return domain.Range{}, err
	}
	en, err := parse(end)
	if err != nil {
		return domain.Range{}, err
	}
	if !st.Before(en) {
		return domain.Range{}, domain.E(domain.KindEmptyRange, "range start must precede end")
	}
	return domain.Range{Start: st, End: en}, nil
}

// handleSeasonalityYears serves POST /expr/seasonality/years.
func (s *Server) handleSeasonalityYears(w http.ResponseWriter, r *http.Request) {
	var req exprRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Years) == 0 {
		s.writeError(w, domain.E(domain.KindUnsupportedParameter, "years is required"))
		return
	}
	eval, meta, err := s.evalRequestForYears(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	base, err := s.engine.Series(r.Context(), eval)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rebase := true
	if req.Rebase != nil {
		rebase = *req.Rebase
	}
	res := seasonality.Years(base.Series[0], seasonality.YearsRequest{
		Years:     req.Years,
		Rebase:    rebase,
		Norm:      req.Norm,
		MinPoints: req.MinPointsPerYear,
	})
	res.Expr = req.Expr
	s.writeJSON(w, http.StatusOK, toChart(res, meta))
}

// handleSeasonalityHeatmap serves POST /expr/seasonality/heatmap.
func (s *Server) handleSeasonalityHeatmap(w http.ResponseWriter, r *http.Request) {
	var req exprRequest
	if !s.decode(w, r, &req) {
		return
	}
	bucket, err := seasonality.ParseBucket(req.Bucket)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Years) == 0 {
		s.writeError(w, domain.E(domain.KindUnsupportedParameter, "years is required"))
		return
	}
	eval, meta, err := s.evalRequestForYears(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	base, err := s.engine.Series(r.Context(), eval)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res := seasonality.Heatmap(base.Series[0], bucket, req.Years, req.MinPointsPerYear)
	res.Expr = req.Expr
	s.writeJSON(w, http.StatusOK, toChart(res, meta))
}

// evalRequestForYears derives the fetch range from the requested years
// instead of a lookback duration. Bar size and include_gaps come from the
// request as on the other expression endpoints (daily bars and gaps dropped
// by default).
func (s *Server) evalRequestForYears(req exprRequest) (engine.EvalRequest, requestMeta, error) {
	minYear, maxYear := req.Years[0], req.Years[0]
	for _, y := range req.Years {
		if y < 1900 || y > 2200 {
			return engine.EvalRequest{}, requestMeta{}, domain.E(domain.KindUnsupportedParameter, "year %d out of range", y)
		}
		if y < minYear {
			minYear = y
		}
		if y > maxYear {
			maxYear = y
		}
	}
	now := time.Now().UTC()
	rng := domain.Range{
		Start: time.Date(minYear, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(maxYear+1, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if rng.End.After(now) {
		rng.End = now
	}
	if !rng.Start.Before(rng.End) {
		return engine.EvalRequest{}, requestMeta{}, domain.E(domain.KindEmptyRange, "requested years are entirely in the future")
	}

	req.Duration = "" // range comes from the years
	base, meta, err := s.evalRequest(req, false)
	if err != nil {
		return engine.EvalRequest{}, requestMeta{}, err
	}
	base.Range = rng
	meta.Range = rng
	return base, meta, nil
}

// handleSymbolSearch serves GET /symbols/search?q=...&limit=N.
func (s *Server) handleSymbolSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		s.writeError(w, domain.E(domain.KindParseError, "q is required"))
		return
	}
	limit := 10
	if ls := r.URL.Query().Get("limit"); ls != "" {
		if n, err := strconv.Atoi(ls); err == nil && n > 0 {
			limit = n
		}
	}
	matches, err := s.engine.Search(r.Context(), q, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"query": q, "matches": matches})
}
