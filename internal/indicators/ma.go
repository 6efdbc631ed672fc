// Package indicators computes the technical indicator payloads served by
// the HTTP layer. Every function consumes a single series (gaps already
// dropped by the engine), emits a named multi-series Result and reports
// insufficient data through Result.Warning, never through an error.
//
// Moving-average family calculations delegate to go-talib; dispersion and
// correlation use gonum. Warmup windows are emitted as explicit gaps.
package indicators

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/quantlab/internal/domain"
)

// values extracts the defined closes of a series.
func values(s domain.Series) ([]float64, []domain.Point) {
	pts := s.DefinedPoints()
	vals := make([]float64, len(pts))
	for i, p := range pts {
		vals[i] = p.V
	}
	return vals, pts
}

// windowed builds a series from a computed array whose first firstDefined
// entries are warmup: they are emitted as explicit gaps, not zeros.
func windowed(pts []domain.Point, vals []float64, firstDefined int, label string, unit domain.Unit) domain.Series {
	out := domain.Series{Label: label, Unit: unit, Points: make([]domain.Point, len(pts))}
	for i, p := range pts {
		defined := i >= firstDefined && !math.IsNaN(vals[i])
		out.Points[i] = domain.Point{T: p.T, V: vals[i], Defined: defined}
	}
	return out
}

// SMA is the arithmetic mean of the last window closes; undefined for the
// first window-1 points.
func SMA(s domain.Series, window int) domain.Result {
	label := fmt.Sprintf("SMA(%d)", window)
	vals, pts := values(s)
	res := domain.Result{Kind: domain.ResultIndicator, Label: label, Expr: s.Expr}
	if window < 1 {
		res.Warning = "window must be >= 1"
		return res
	}
	if len(vals) < window {
		res.Warning = fmt.Sprintf("need %d bars for %s, have %d", window, label, len(vals))
		res.Series = []domain.Series{{Label: label, Unit: s.Unit}}
		return res
	}
	out := talib.Sma(vals, window)
	res.Series = []domain.Series{windowed(pts, out, window-1, label, s.Unit)}
	return res
}

// EMA is the exponential moving average with smoothing 2/(window+1), seeded
// with the first SMA(window); undefined for the first window-1 points.
func EMA(s domain.Series, window int) domain.Result {
	label := fmt.Sprintf("EMA(%d)", window)
	vals, pts := values(s)
	res := domain.Result{Kind: domain.ResultIndicator, Label: label, Expr: s.Expr}
	if window < 1 {
		res.Warning = "window must be >= 1"
		return res
	}
	if len(vals) < window {
		res.Warning = fmt.Sprintf("need %d bars for %s, have %d", window, label, len(vals))
		res.Series = []domain.Series{{Label: label, Unit: s.Unit}}
		return res
	}
	out := talib.Ema(vals, window)
	res.Series = []domain.Series{windowed(pts, out, window-1, label, s.Unit)}
	return res
}

// MovingAverage dispatches on the ma parameter.
func MovingAverage(s domain.Series, kind string, window int) (domain.Result, error) {
	switch kind {
	case "sma":
		return SMA(s, window), nil
	case "ema":
		return EMA(s, window), nil
	}
	return domain.Result{}, domain.E(domain.KindUnsupportedParameter, "unknown ma kind %q: use sma or ema", kind)
}

// Bollinger emits mid (SMA), upper and lower bands at sigma sample standard
// deviations. At every defined index upper-mid equals mid-lower.
func Bollinger(s domain.Series, period int, sigma float64) domain.Result {
	label := fmt.Sprintf("Bollinger(%d,%g)", period, sigma)
	vals, pts := values(s)
	res := domain.Result{Kind: domain.ResultIndicator, Label: label, Expr: s.Expr}
	if period < 2 {
		res.Warning = "period must be >= 2"
		return res
	}
	if len(vals) < period {
		res.Warning = fmt.Sprintf("need %d bars for %s, have %d", period, label, len(vals))
		res.Series = []domain.Series{
			{Label: "mid", Unit: s.Unit}, {Label: "upper", Unit: s.Unit}, {Label: "lower", Unit: s.Unit},
		}
		return res
	}

	mid := talib.Sma(vals, period)
	upper := make([]float64, len(vals))
	lower := make([]float64, len(vals))
	for i := period - 1; i < len(vals); i++ {
		// Sample standard deviation over the same window as the mid band.
		sd := stat.StdDev(vals[i-period+1:i+1], nil)
		upper[i] = mid[i] + sigma*sd
		lower[i] = mid[i] - sigma*sd
	}

	res.Series = []domain.Series{
		windowed(pts, mid, period-1, "mid", s.Unit),
		windowed(pts, upper, period-1, "upper", s.Unit),
		windowed(pts, lower, period-1, "lower", s.Unit),
	}
	return res
}
