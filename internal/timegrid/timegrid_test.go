package timegrid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantlab/internal/domain"
)

func ts(d int) time.Time { return time.Date(2026, 4, d, 0, 0, 0, 0, time.UTC) }

func series(label string, days []int, base float64) domain.Series {
	s := domain.Series{Label: label, Unit: domain.UnitPrice}
	for i, d := range days {
		s.Points = append(s.Points, domain.Point{T: ts(d), V: base + float64(i), Defined: true})
	}
	return s
}

func TestAlignUnion(t *testing.T) {
	legs := map[string]domain.Series{
		"a": series("a", []int{1, 2, 3}, 10),
		"b": series("b", []int{2, 3, 4}, 20),
	}
	f := Align(legs, Union, DefaultFill)
	require.Equal(t, 4, f.Len())
	assert.Equal(t, []time.Time{ts(1), ts(2), ts(3), ts(4)}, f.Times)

	// Leg b is missing at ts(1): no prior observation, so undefined.
	assert.False(t, f.Legs["b"].Defined[0])
	// Leg a is missing at ts(4): forward-filled from ts(3).
	assert.True(t, f.Legs["a"].Defined[3])
	assert.Equal(t, 12.0, f.Legs["a"].Values[3])
}

func TestAlignIntersection(t *testing.T) {
	legs := map[string]domain.Series{
		"a": series("a", []int{1, 2, 3}, 10),
		"b": series("b", []int{2, 3, 4}, 20),
	}
	f := Align(legs, Intersection, DefaultFill)
	require.Equal(t, 2, f.Len())
	assert.Equal(t, []time.Time{ts(2), ts(3)}, f.Times)
	for _, leg := range f.Legs {
		for _, d := range leg.Defined {
			assert.True(t, d)
		}
	}
}

func TestForwardFillCap(t *testing.T) {
	legs := map[string]domain.Series{
		"a": series("a", []int{1, 2, 3, 4, 5, 6, 7, 8}, 10),
		"b": series("b", []int{1}, 20),
	}
	f := Align(legs, Union, FillPolicy{MaxConsecutive: 2})

	b := f.Legs["b"]
	assert.True(t, b.Defined[0])  // actual observation
	assert.True(t, b.Defined[1])  // fill 1
	assert.True(t, b.Defined[2])  // fill 2
	assert.False(t, b.Defined[3]) // past the cap
	assert.False(t, b.Defined[7])
	assert.Equal(t, 20.0, b.Values[2])
}

func TestFillResetsAfterObservation(t *testing.T) {
	legs := map[string]domain.Series{
		"a": series("a", []int{1, 2, 3, 4, 5, 6}, 10),
		"b": series("b", []int{1, 4}, 20),
	}
	f := Align(legs, Union, FillPolicy{MaxConsecutive: 2})
	b := f.Legs["b"]
	assert.True(t, b.Defined[3]) // fresh observation at ts(4)
	assert.Equal(t, 21.0, b.Values[3])
	assert.True(t, b.Defined[5]) // fill 2 of 2 after the reset
}

func TestFilterRTHIntraday(t *testing.T) {
	hourly, _ := domain.ParseBarSize("1 hour")
	mk := func(h int) domain.Bar {
		return domain.Bar{Time: time.Date(2026, 4, 6, h, 30, 0, 0, time.UTC)} // a Monday
	}
	bars := []domain.Bar{mk(9), mk(13), mk(15), mk(20), mk(21)}

	got := FilterRTH(bars, hourly, "SMART")
	require.Len(t, got, 2) // 13:30 and 15:30 fall inside 13:30-20:00 UTC
	assert.Equal(t, 13, got[0].Time.Hour())
	assert.Equal(t, 15, got[1].Time.Hour())

	// Weekend bars never pass.
	sat := []domain.Bar{{Time: time.Date(2026, 4, 4, 14, 0, 0, 0, time.UTC)}}
	assert.Empty(t, FilterRTH(sat, hourly, "SMART"))

	// Daily bars pass through untouched.
	dailySize, _ := domain.ParseBarSize("1 day")
	assert.Len(t, FilterRTH(bars, dailySize, "SMART"), len(bars))
}
