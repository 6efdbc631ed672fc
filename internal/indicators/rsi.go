package indicators

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/aristath/quantlab/internal/domain"
)

// RSI level presets, matching the classic charting conventions.
var rsiPresets = map[string][]float64{
	"classic": {70, 30},
	"strict":  {80, 20},
	"full":    {80, 70, 50, 30, 20},
	"none":    {},
}

// RSILevels resolves the bands preset or an explicit level list. Explicit
// levels win when both are given.
func RSILevels(preset string, explicit []float64) ([]float64, error) {
	if explicit != nil {
		return explicit, nil
	}
	if preset == "" {
		preset = "classic"
	}
	levels, ok := rsiPresets[preset]
	if !ok {
		return nil, domain.E(domain.KindUnsupportedParameter,
			"unknown bands preset %q: use classic, strict, full or none", preset)
	}
	return levels, nil
}

// RSI computes Wilder's relative strength index. The first defined value is
// at index period; all defined values lie in [0, 100]. Level lines come back
// as constant sub-series named after their role, plus the last value as a
// scalar in meta.
func RSI(s domain.Series, period int, levels []float64) domain.Result {
	label := fmt.Sprintf("RSI(%d)", period)
	vals, pts := values(s)
	res := domain.Result{Kind: domain.ResultIndicator, Label: label, Expr: s.Expr}
	if period < 2 {
		res.Warning = "period must be >= 2"
		return res
	}
	if len(vals) <= period {
		res.Warning = fmt.Sprintf("need %d bars for %s, have %d", period+1, label, len(vals))
		res.Series = []domain.Series{{Label: "rsi", Unit: domain.UnitCount}}
		return res
	}

	raw := talib.Rsi(vals, period)
	for i := range raw {
		// Numerical safety only; Wilder's formula is already bounded.
		if raw[i] < 0 {
			raw[i] = 0
		}
		if raw[i] > 100 {
			raw[i] = 100
		}
	}
	rsi := windowed(pts, raw, period, "rsi", domain.UnitCount)
	res.Series = []domain.Series{rsi}

	for i, lvl := range levels {
		name := fmt.Sprintf("level %g", lvl)
		if len(levels) == 2 {
			name = [2]string{"overbought", "oversold"}[i]
		}
		res.Series = append(res.Series, domain.ConstantLike(rsi, name, lvl))
	}
	res.AddMeta("levels", levels)

	if last, ok := rsi.Last(); ok {
		res.AddMeta("last", map[string]any{"t": last.T.UnixMilli(), "v": last.V})
	}
	return res
}
