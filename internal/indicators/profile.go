package indicators

import (
	"fmt"
	"math"

	"github.com/aristath/quantlab/internal/domain"
)

// DefaultValueAreaFraction is the volume mass the value area captures.
const DefaultValueAreaFraction = 0.70

// VolumeProfile allocates each bar's volume uniformly across the price bins
// its [low, high] span overlaps, then derives the cumulative distribution
// and the value area around the point of control.
func VolumeProfile(bars []domain.Bar, bins int, fraction float64) domain.Result {
	res := domain.Result{Kind: domain.ResultTable, Label: fmt.Sprintf("VolumeProfile(%d)", bins)}
	if bins < 1 {
		res.Warning = "bins must be >= 1"
		return res
	}
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultValueAreaFraction
	}
	if len(bars) == 0 {
		res.Warning = "no bars"
		return res
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, b := range bars {
		if b.Low < lo {
			lo = b.Low
		}
		if b.High > hi {
			hi = b.High
		}
	}
	if !(hi > lo) {
		// Degenerate tape: every trade at one price.
		hi = lo + 1e-9
	}
	width := (hi - lo) / float64(bins)

	volumes := make([]float64, bins)
	var total float64
	for _, b := range bars {
		if b.Volume <= 0 {
			continue
		}
		total += b.Volume
		span := b.High - b.Low
		if span <= 0 {
			idx := binIndex(b.Low, lo, width, bins)
			volumes[idx] += b.Volume
			continue
		}
		first := binIndex(b.Low, lo, width, bins)
		last := binIndex(b.High, lo, width, bins)
		for i := first; i <= last; i++ {
			binLo := lo + float64(i)*width
			binHi := binLo + width
			overlap := math.Min(b.High, binHi) - math.Max(b.Low, binLo)
			if overlap > 0 {
				volumes[i] += b.Volume * overlap / span
			}
		}
	}

	centers := make([]float64, bins)
	for i := range centers {
		centers[i] = lo + (float64(i)+0.5)*width
	}
	cumulative := make([]float64, bins)
	var running float64
	for i, v := range volumes {
		running += v
		if total > 0 {
			cumulative[i] = running / total
		}
	}

	vaLow, vaHigh := valueArea(volumes, fraction)

	res.Tables = map[string]any{
		"profile": map[string]any{
			"bin_centers":     centers,
			"volumes":         volumes,
			"cumulative":      cumulative,
			"value_area_low":  lo + float64(vaLow)*width,
			"value_area_high": lo + float64(vaHigh+1)*width,
			"total_volume":    total,
		},
	}
	res.AddMeta("bins", bins)
	res.AddMeta("value_area_fraction", fraction)
	return res
}

func binIndex(price, lo, width float64, bins int) int {
	idx := int((price - lo) / width)
	if idx < 0 {
		return 0
	}
	if idx >= bins {
		return bins - 1
	}
	return idx
}

// valueArea expands from the point of control, at each step absorbing the
// larger of the two neighboring bins, until the captured mass reaches the
// fraction. Returns the inclusive bin index bounds.
func valueArea(volumes []float64, fraction float64) (int, int) {
	var total float64
	poc := 0
	for i, v := range volumes {
		total += v
		if v > volumes[poc] {
			poc = i
		}
	}
	if total <= 0 {
		return 0, len(volumes) - 1
	}

	lo, hi := poc, poc
	captured := volumes[poc]
	for captured/total < fraction && (lo > 0 || hi < len(volumes)-1) {
		var left, right float64 = -1, -1
		if lo > 0 {
			left = volumes[lo-1]
		}
		if hi < len(volumes)-1 {
			right = volumes[hi+1]
		}
		if right >= left {
			hi++
			captured += right
		} else {
			lo--
			captured += left
		}
	}
	return lo, hi
}
