package barcache

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantlab/internal/domain"
)

func daily(t *testing.T) domain.BarSize {
	t.Helper()
	bs, err := domain.ParseBarSize("1 day")
	require.NoError(t, err)
	return bs
}

func mkBars(start time.Time, n int) []domain.Bar {
	out := make([]domain.Bar, n)
	for i := range out {
		out[i] = domain.Bar{Time: start.AddDate(0, 0, i), Close: float64(i)}
	}
	return out
}

func day(d int) time.Time {
	return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC)
}

func newTestCache() *Cache {
	return New(0, 0, zerolog.New(nil).Level(zerolog.Disabled))
}

func TestGetSupersetSlices(t *testing.T) {
	c := newTestCache()
	bs := daily(t)

	stored := NewKey("SPY", bs, true, domain.Range{Start: day(1), End: day(21)})
	c.Put(stored, mkBars(day(1), 20))

	want := NewKey("SPY", bs, true, domain.Range{Start: day(5), End: day(10)})
	got := c.Get(want)
	require.True(t, got.Complete())
	bars := got.Bars()
	require.Len(t, bars, 5)
	assert.Equal(t, day(5), bars[0].Time)
	assert.Equal(t, day(9), bars[len(bars)-1].Time)
}

func TestGetPartialCoverageReportsMissing(t *testing.T) {
	c := newTestCache()
	bs := daily(t)

	c.Put(NewKey("SPY", bs, true, domain.Range{Start: day(5), End: day(10)}), mkBars(day(5), 5))

	got := c.Get(NewKey("SPY", bs, true, domain.Range{Start: day(1), End: day(15)}))
	require.False(t, got.Complete())
	require.Len(t, got.Missing, 2)
	assert.Equal(t, domain.Range{Start: day(1), End: day(5)}, got.Missing[0])
	assert.Equal(t, domain.Range{Start: day(10), End: day(15)}, got.Missing[1])
	require.Len(t, got.Parts, 1)
	assert.Len(t, got.Parts[0], 5)
}

func TestGetComposesAcrossEntries(t *testing.T) {
	c := newTestCache()
	bs := daily(t)

	c.Put(NewKey("SPY", bs, true, domain.Range{Start: day(1), End: day(6)}), mkBars(day(1), 5))
	c.Put(NewKey("SPY", bs, true, domain.Range{Start: day(6), End: day(11)}), mkBars(day(6), 5))

	got := c.Get(NewKey("SPY", bs, true, domain.Range{Start: day(2), End: day(9)}))
	require.True(t, got.Complete())
	assert.Len(t, got.Bars(), 7)
}

func TestKeysSeparateRTHAndSize(t *testing.T) {
	c := newTestCache()
	bs := daily(t)
	rng := domain.Range{Start: day(1), End: day(6)}

	c.Put(NewKey("SPY", bs, true, rng), mkBars(day(1), 5))

	assert.False(t, c.Get(NewKey("SPY", bs, false, rng)).Complete())
	assert.False(t, c.Get(NewKey("QQQ", bs, true, rng)).Complete())
}

func TestTTLMarksStale(t *testing.T) {
	c := newTestCache()
	c.ttl = time.Minute
	bs := daily(t)
	rng := domain.Range{Start: day(1), End: day(6)}
	c.Put(NewKey("SPY", bs, true, rng), mkBars(day(1), 5))

	now := time.Now()
	c.now = func() time.Time { return now.Add(2 * time.Minute) }
	got := c.Get(NewKey("SPY", bs, true, rng))
	require.True(t, got.Complete())
	assert.True(t, got.Stale)

	// Touch re-stamps so the stale entry is not retried immediately.
	c.Touch(NewKey("SPY", bs, true, rng))
	got = c.Get(NewKey("SPY", bs, true, rng))
	assert.False(t, got.Stale)
}

func TestLRUEvictionByBarCount(t *testing.T) {
	c := New(25, time.Hour, zerolog.New(nil).Level(zerolog.Disabled))
	bs := daily(t)

	keyA := NewKey("A", bs, true, domain.Range{Start: day(1), End: day(11)})
	keyB := NewKey("B", bs, true, domain.Range{Start: day(1), End: day(11)})
	c.Put(keyA, mkBars(day(1), 10))
	c.Put(keyB, mkBars(day(1), 10))

	// Touch A so B is the eviction candidate.
	c.Get(keyA)

	c.Put(NewKey("C", bs, true, domain.Range{Start: day(1), End: day(11)}), mkBars(day(1), 10))
	assert.LessOrEqual(t, c.TotalBars(), 25)
	assert.True(t, c.Get(keyA).Complete(), "recently used entry must survive")
	assert.False(t, c.Get(keyB).Complete(), "LRU entry must be evicted")
}

func TestSpliceSeamRules(t *testing.T) {
	step := 24 * time.Hour

	a := mkBars(day(1), 5)  // 1..5
	b := mkBars(day(6), 5)  // 6..10
	out, err := Splice(step, a, b)
	require.NoError(t, err)
	assert.Len(t, out, 10)

	// Overlap rejected.
	_, err = Splice(step, a, mkBars(day(5), 3))
	require.Error(t, err)

	// A gap wider than the weekend allowance rejected.
	_, err = Splice(step, a, mkBars(day(15), 3))
	require.Error(t, err)
}
