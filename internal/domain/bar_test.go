package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBarSize(t *testing.T) {
	tests := []struct {
		in    string
		label string
		step  time.Duration
		ok    bool
	}{
		{"1 day", "1 day", 24 * time.Hour, true},
		{"1D", "1 day", 24 * time.Hour, true},
		{"5 mins", "5 mins", 5 * time.Minute, true},
		{"5min", "5 mins", 5 * time.Minute, true},
		{"1 hour", "1 hour", time.Hour, true},
		{"1 week", "1 week", 7 * 24 * time.Hour, true},
		{"3 days", "", 0, false},
		{"", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			bs, err := ParseBarSize(tt.in)
			if !tt.ok {
				require.Error(t, err)
				assert.Equal(t, KindUnsupportedParameter, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.label, bs.Label)
			assert.Equal(t, tt.step, bs.Step)
		})
	}
}

func TestAnnualizationFactor(t *testing.T) {
	daily, _ := ParseBarSize("1 day")
	assert.InDelta(t, 252, daily.AnnualizationFactor(), 1e-9)

	weekly, _ := ParseBarSize("1 week")
	assert.InDelta(t, 52, weekly.AnnualizationFactor(), 1e-9)

	hourly, _ := ParseBarSize("1 hour")
	assert.InDelta(t, 252*6.5, hourly.AnnualizationFactor(), 1e-9)
}

func TestParseLookbackBusinessDays(t *testing.T) {
	// Friday 2026-01-09.
	now := time.Date(2026, 1, 9, 21, 0, 0, 0, time.UTC)

	r, err := ParseLookback("5 D", now)
	require.NoError(t, err)
	// Five business days back from Friday crosses one weekend.
	assert.Equal(t, time.Date(2026, 1, 2, 21, 0, 0, 0, time.UTC), r.Start)
	assert.Equal(t, now, r.End)

	r, err = ParseLookback("2w", now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -14), r.Start)

	_, err = ParseLookback("0d", now)
	require.Error(t, err)

	_, err = ParseLookback("5 Q", now)
	require.Error(t, err)
}

func TestRangeRound(t *testing.T) {
	day := 24 * time.Hour
	r := Range{
		Start: time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC),
		End:   time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC),
	}
	got := r.Round(day)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), got.Start)
	assert.Equal(t, time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC), got.End)

	// Already aligned edges stay put.
	aligned := Range{Start: got.Start, End: got.End}
	assert.Equal(t, aligned, aligned.Round(day))
}

func TestRangeClamp(t *testing.T) {
	base := Range{
		Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	in := Range{
		Start: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	got := base.Clamp(in)
	assert.Equal(t, in.Start, got.Start)
	assert.Equal(t, base.End, got.End)

	disjoint := Range{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	assert.True(t, base.Clamp(disjoint).IsZero())
}

func TestValidateBars(t *testing.T) {
	hourly, _ := ParseBarSize("1 hour")
	t0 := time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)

	good := []Bar{
		{Time: t0, Close: 1},
		{Time: t0.Add(time.Hour), Close: 2},
		{Time: t0.Add(3 * time.Hour), Close: 3}, // gap of 2 bars is fine
	}
	require.NoError(t, ValidateBars(good, hourly))

	dup := []Bar{{Time: t0}, {Time: t0}}
	require.Error(t, ValidateBars(dup, hourly))

	ragged := []Bar{{Time: t0}, {Time: t0.Add(90 * time.Minute)}}
	require.Error(t, ValidateBars(ragged, hourly))
}
