package seasonality

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantlab/internal/domain"
)

// dailySeries builds a weekday close series over [start, end] from a price
// walk function.
func dailySeries(start, end time.Time, price func(t time.Time) float64) domain.Series {
	s := domain.Series{Label: "test", Unit: domain.UnitPrice}
	for t := start; !t.After(end); t = t.AddDate(0, 0, 1) {
		if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		s.Points = append(s.Points, domain.Point{T: t, V: price(t), Defined: true})
	}
	return s
}

func trendPrice(t time.Time) float64 {
	days := t.Sub(time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)).Hours() / 24
	return 100 * math.Exp(0.0003*days+0.02*math.Sin(days/40))
}

func TestDayIndexFeb29Policy(t *testing.T) {
	feb28 := time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)
	feb29 := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	mar1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, DayIndex(feb28), DayIndex(feb29), "Feb 29 maps onto Feb 28's slot")
	assert.Equal(t, DayIndex(feb28)+1, DayIndex(mar1))

	// The same calendar day shares its slot across leap and non-leap years.
	assert.Equal(t,
		DayIndex(time.Date(2023, 7, 4, 0, 0, 0, 0, time.UTC)),
		DayIndex(time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC)))

	assert.Equal(t, 0, DayIndex(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 364, DayIndex(time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)))
}

func TestYearsModeCurvesAndBands(t *testing.T) {
	s := dailySeries(
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC),
		trendPrice)

	res := Years(s, YearsRequest{Years: []int{2020, 2021, 2022}, Rebase: true})
	require.Empty(t, res.Warning)

	// Three year curves plus p0/p50/p100/mean.
	require.Len(t, res.Series, 7)
	labels := map[string]bool{}
	for _, cs := range res.Series {
		labels[cs.Label] = true
	}
	for _, want := range []string{"2020", "2021", "2022", "p0", "p50", "p100", "mean"} {
		assert.True(t, labels[want], "missing series %s", want)
	}

	// Rebased curves start at 0 percent.
	for _, cs := range res.Series[:3] {
		require.NotEmpty(t, cs.Points)
		assert.InDelta(t, 0, cs.Points[0].V, 1e-9)
	}

	// Band ordering: p0 <= p50 <= p100 at every slot.
	var p0, p50, p100 domain.Series
	for _, cs := range res.Series {
		switch cs.Label {
		case "p0":
			p0 = cs
		case "p50":
			p50 = cs
		case "p100":
			p100 = cs
		}
	}
	require.Equal(t, len(p0.Points), len(p100.Points))
	for i := range p0.Points {
		assert.LessOrEqual(t, p0.Points[i].V, p50.Points[i].V+1e-12)
		assert.LessOrEqual(t, p50.Points[i].V, p100.Points[i].V+1e-12)
	}
}

func TestYearsModeExcludesSparseYears(t *testing.T) {
	// 2022 has only a handful of points.
	s := dailySeries(
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2021, 12, 31, 0, 0, 0, 0, time.UTC),
		trendPrice)
	sparse := dailySeries(
		time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2022, 1, 7, 0, 0, 0, 0, time.UTC),
		trendPrice)
	s.Points = append(s.Points, sparse.Points...)

	res := Years(s, YearsRequest{Years: []int{2020, 2021, 2022}, Rebase: true, MinPoints: 30})
	included := res.Meta["included"].([]int)
	assert.Equal(t, []int{2020, 2021}, included)

	// The sparse year still gets a curve, flagged partial.
	var found bool
	for _, cs := range res.Series {
		if cs.Label == "2022 (partial)" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestHeatmapMonthlyComposition(t *testing.T) {
	s := dailySeries(
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC),
		trendPrice)

	res := Heatmap(s, BucketMonth, []int{2020, 2021, 2022}, 30)
	rows := res.Tables["heatmap"].([]HeatmapRow)
	assert.LessOrEqual(t, len(rows), 36, "at most one row per (year, month)")

	// For a fully covered year, compounding the monthly returns reproduces
	// the year's full-period return.
	for _, year := range []int{2020, 2021, 2022} {
		var monthly []float64
		for _, r := range rows {
			if r.Year == year {
				monthly = append(monthly, r.ReturnPct)
			}
		}
		require.Len(t, monthly, 12, "year %d should have 12 months", year)
		want, ok := YearReturn(s, year)
		require.True(t, ok)
		assert.InDelta(t, want, ComposeReturns(monthly), 1e-6, "year %d", year)
	}
}

func TestHeatmapAggregates(t *testing.T) {
	s := dailySeries(
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC),
		trendPrice)

	res := Heatmap(s, BucketMonth, []int{2020, 2021, 2022}, 30)
	stats := res.Tables["aggregates"].([]BucketStats)
	require.Len(t, stats, 12)
	for _, st := range stats {
		assert.Equal(t, 3, st.Count)
		assert.LessOrEqual(t, st.Min, st.Median)
		assert.LessOrEqual(t, st.Median, st.Max)
		assert.InDelta(t, 1.0, st.FracPositive+st.FracNegative, 1.0) // both in [0,1]
		assert.GreaterOrEqual(t, st.Stdev, 0.0)
	}
}

func TestHeatmapWeekBuckets(t *testing.T) {
	s := dailySeries(
		time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2021, 12, 31, 0, 0, 0, 0, time.UTC),
		trendPrice)

	res := Heatmap(s, BucketWeek, []int{2021}, 30)
	rows := res.Tables["heatmap"].([]HeatmapRow)
	require.NotEmpty(t, rows)
	for _, r := range rows {
		assert.GreaterOrEqual(t, r.Bucket, 1)
		assert.LessOrEqual(t, r.Bucket, 53)
	}
}

func TestParseBucket(t *testing.T) {
	b, err := ParseBucket("")
	require.NoError(t, err)
	assert.Equal(t, BucketMonth, b)

	b, err = ParseBucket("week")
	require.NoError(t, err)
	assert.Equal(t, BucketWeek, b)

	_, err = ParseBucket("quarter")
	require.Error(t, err)
}
