package indicators

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/quantlab/internal/domain"
)

// Drawdown computes the underwater curve 100*(price-runningMax)/runningMax.
// In point mode the running max is cumulative from the first point, so the
// first defined value is 0 and every value is <= 0. In rolling mode the max
// is over the last window bars.
func Drawdown(s domain.Series, mode string, window int) (domain.Result, error) {
	vals, pts := values(s)
	switch mode {
	case "", "point":
		res := domain.Result{Kind: domain.ResultIndicator, Label: "Drawdown", Expr: s.Expr}
		if len(vals) == 0 {
			res.Warning = "no bars"
			res.Series = []domain.Series{{Label: "drawdown", Unit: domain.UnitPercent}}
			return res, nil
		}
		out := make([]float64, len(vals))
		runMax := vals[0]
		for i, v := range vals {
			if v > runMax {
				runMax = v
			}
			out[i] = 100 * (v - runMax) / runMax
		}
		res.Series = []domain.Series{windowed(pts, out, 0, "drawdown", domain.UnitPercent)}
		return res, nil

	case "rolling":
		label := fmt.Sprintf("Drawdown(%d)", window)
		res := domain.Result{Kind: domain.ResultIndicator, Label: label, Expr: s.Expr}
		if window < 1 {
			return domain.Result{}, domain.E(domain.KindUnsupportedParameter, "rolling_window must be >= 1")
		}
		if len(vals) < window {
			res.Warning = fmt.Sprintf("need %d bars, have %d", window, len(vals))
			res.Series = []domain.Series{{Label: "drawdown", Unit: domain.UnitPercent}}
			return res, nil
		}
		out := make([]float64, len(vals))
		for i := window - 1; i < len(vals); i++ {
			winMax := vals[i-window+1]
			for _, v := range vals[i-window+1 : i+1] {
				if v > winMax {
					winMax = v
				}
			}
			out[i] = 100 * (vals[i] - winMax) / winMax
		}
		res.Series = []domain.Series{windowed(pts, out, window-1, "drawdown", domain.UnitPercent)}
		return res, nil
	}
	return domain.Result{}, domain.E(domain.KindUnsupportedParameter, "unknown drawdown mode %q: use point or rolling", mode)
}

// RollingSharpe computes the annualized Sharpe ratio of log returns over a
// rolling window. The annualization factor is inferred from the bar size.
func RollingSharpe(s domain.Series, window int, size domain.BarSize) domain.Result {
	label := fmt.Sprintf("Sharpe(%d)", window)
	vals, pts := values(s)
	res := domain.Result{Kind: domain.ResultIndicator, Label: label, Expr: s.Expr}
	if window < 2 {
		res.Warning = "window must be >= 2"
		return res
	}
	if len(vals) < window+1 {
		res.Warning = fmt.Sprintf("need %d bars for %s, have %d", window+1, label, len(vals))
		res.Series = []domain.Series{{Label: "sharpe", Unit: domain.UnitRatio}}
		return res
	}

	rets := logReturns(vals, 1)
	ann := math.Sqrt(size.AnnualizationFactor())
	out := make([]float64, len(vals))
	for i := range out {
		out[i] = math.NaN()
	}
	// Return j corresponds to price index j+1; the first full window of
	// returns ends at price index window.
	for j := window - 1; j < len(rets); j++ {
		win := rets[j-window+1 : j+1]
		mean := stat.Mean(win, nil)
		sd := stat.StdDev(win, nil)
		if sd > 0 {
			out[j+1] = mean / sd * ann
		}
	}
	res.Series = []domain.Series{windowed(pts, out, window, "sharpe", domain.UnitRatio)}
	return res
}

// ZScore computes (x - mean)/stdev over a rolling window, plus one constant
// sub-series per requested level.
func ZScore(s domain.Series, window int, levels []float64) domain.Result {
	label := fmt.Sprintf("ZScore(%d)", window)
	vals, pts := values(s)
	res := domain.Result{Kind: domain.ResultIndicator, Label: label, Expr: s.Expr}
	if window < 2 {
		res.Warning = "window must be >= 2"
		return res
	}
	if len(vals) < window {
		res.Warning = fmt.Sprintf("need %d bars for %s, have %d", window, label, len(vals))
		res.Series = []domain.Series{{Label: "zscore", Unit: domain.UnitZScore}}
		return res
	}

	out := make([]float64, len(vals))
	for i := range out {
		out[i] = math.NaN()
	}
	for i := window - 1; i < len(vals); i++ {
		win := vals[i-window+1 : i+1]
		mean := stat.Mean(win, nil)
		sd := stat.StdDev(win, nil)
		if sd > 0 {
			out[i] = (vals[i] - mean) / sd
		}
	}
	z := windowed(pts, out, window-1, "zscore", domain.UnitZScore)
	res.Series = []domain.Series{z}
	for _, lvl := range levels {
		res.Series = append(res.Series, domain.ConstantLike(z, fmt.Sprintf("level %g", lvl), lvl))
	}
	res.AddMeta("levels", levels)
	return res
}

// logReturns computes horizon-bar log returns; the result has
// len(vals)-horizon entries, entry j covering prices j..j+horizon.
func logReturns(vals []float64, horizon int) []float64 {
	if horizon < 1 || len(vals) <= horizon {
		return nil
	}
	out := make([]float64, len(vals)-horizon)
	for j := range out {
		out[j] = math.Log(vals[j+horizon] / vals[j])
	}
	return out
}
