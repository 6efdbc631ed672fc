package indicators

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/quantlab/internal/domain"
)

// Correlation computes the rolling Pearson correlation of horizon-bar log
// returns of two already-aligned series over a window. Both inputs must
// share the same timestamp grid; the engine aligns them with intersection
// semantics before calling.
func Correlation(a, b domain.Series, horizon, window int) domain.Result {
	label := fmt.Sprintf("Corr(%d,%d)", horizon, window)
	res := domain.Result{Kind: domain.ResultIndicator, Label: label}
	if horizon < 1 {
		res.Warning = "ret_horizon must be >= 1"
		return res
	}
	if window < 3 {
		res.Warning = "window must be >= 3"
		return res
	}

	av, apts := values(a)
	bv, _ := values(b)
	n := len(av)
	if len(bv) < n {
		n = len(bv)
	}
	if n < horizon+window {
		res.Warning = fmt.Sprintf("need %d shared bars for %s, have %d", horizon+window, label, n)
		res.Series = []domain.Series{{Label: "corr", Unit: domain.UnitRatio}}
		return res
	}
	av, bv, apts = av[:n], bv[:n], apts[:n]

	ra := logReturns(av, horizon)
	rb := logReturns(bv, horizon)

	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	// Return j covers prices j..j+horizon; a full window of returns ending
	// at j maps to price index j+horizon.
	for j := window - 1; j < len(ra); j++ {
		c := stat.Correlation(ra[j-window+1:j+1], rb[j-window+1:j+1], nil)
		if !math.IsNaN(c) {
			out[j+horizon] = c
		}
	}
	res.Series = []domain.Series{windowed(apts, out, horizon+window-1, "corr", domain.UnitRatio)}
	return res
}
