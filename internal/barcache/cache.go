// Package barcache is the in-memory bar cache: entries keyed by (contract
// fingerprint, bar size, RTH flag, normalized range), LRU-evicted by bar
// count, TTL-stamped for refresh-on-access with stale-on-failure.
package barcache

import (
	"container/list"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quantlab/internal/domain"
)

// Key identifies one cached bar range.
type Key struct {
	Fingerprint string
	BarSize     domain.BarSize
	RTH         bool
	Range       domain.Range // normalized: right-open, bar-aligned
}

// NewKey normalizes the range onto bar boundaries.
func NewKey(fingerprint string, size domain.BarSize, rth bool, rng domain.Range) Key {
	return Key{Fingerprint: fingerprint, BarSize: size, RTH: rth, Range: rng.Round(size.Step)}
}

// seriesID groups entries that hold bars of the same series.
func (k Key) seriesID() string {
	return fmt.Sprintf("%s|%s|%t", k.Fingerprint, k.BarSize.Label, k.RTH)
}

func (k Key) id() string {
	return fmt.Sprintf("%s|%d|%d", k.seriesID(), k.Range.Start.Unix(), k.Range.End.Unix())
}

type entry struct {
	key     Key
	bars    []domain.Bar
	fetched time.Time
	elem    *list.Element
}

// Lookup is the result of a cache read: the covered parts in time order, the
// missing sub-ranges the caller must fetch, and whether any used entry is
// past its TTL.
type Lookup struct {
	Parts   [][]domain.Bar
	Missing []domain.Range
	Stale   bool
}

// Complete reports whether the cache fully covered the request.
func (l Lookup) Complete() bool { return len(l.Missing) == 0 }

// Bars flattens the covered parts. Only meaningful when Complete.
func (l Lookup) Bars() []domain.Bar {
	if len(l.Parts) == 1 {
		return l.Parts[0]
	}
	var out []domain.Bar
	for _, p := range l.Parts {
		out = append(out, p...)
	}
	return out
}

// Cache is safe for concurrent use. Every operation, reads included (a read
// updates the LRU order), is serialized by the single mutex, which is never
// held across a fetch; reads of different keys do not run in parallel.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	bySeries map[string][]*entry
	lru      *list.List // front = most recent
	total    int
	maxBars  int
	ttl      time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// DefaultMaxBars bounds cache memory to roughly a few hundred MB of bars.
const DefaultMaxBars = 2_000_000

// DefaultTTL is how long an entry serves without a refresh attempt.
const DefaultTTL = 15 * time.Minute

// New builds a cache. Zero maxBars or ttl pick the defaults.
func New(maxBars int, ttl time.Duration, log zerolog.Logger) *Cache {
	if maxBars <= 0 {
		maxBars = DefaultMaxBars
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries:  make(map[string]*entry),
		bySeries: make(map[string][]*entry),
		lru:      list.New(),
		maxBars:  maxBars,
		ttl:      ttl,
		now:      time.Now,
		log:      log.With().Str("component", "barcache").Logger(),
	}
}

// Get composes the requested range from stored entries. Parts are clipped to
// the range; gaps between and around them come back as missing sub-ranges.
func (c *Cache) Get(k Key) Lookup {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out Lookup
	cursor := k.Range.Start
	for _, e := range c.bySeries[k.seriesID()] {
		if !e.key.Range.Overlaps(k.Range) || !e.key.Range.End.After(cursor) {
			continue
		}
		if e.key.Range.Start.After(cursor) {
			out.Missing = append(out.Missing, domain.Range{Start: cursor, End: minTime(e.key.Range.Start, k.Range.End)})
			cursor = e.key.Range.Start
		}
		if cursor.Equal(k.Range.End) || cursor.After(k.Range.End) {
			break
		}
		window := domain.Range{Start: cursor, End: minTime(e.key.Range.End, k.Range.End)}
		out.Parts = append(out.Parts, sliceBars(e.bars, window))
		if c.now().Sub(e.fetched) > c.ttl {
			out.Stale = true
		}
		c.lru.MoveToFront(e.elem)
		cursor = window.End
		if !cursor.Before(k.Range.End) {
			break
		}
	}
	if cursor.Before(k.Range.End) {
		out.Missing = append(out.Missing, domain.Range{Start: cursor, End: k.Range.End})
	}
	return out
}

// Put stores bars for a key, replacing any entry with the same identity and
// evicting least-recently-used entries past the bar budget.
func (c *Cache) Put(k Key, bars []domain.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := k.id()
	if old, ok := c.entries[id]; ok {
		c.removeLocked(old)
	}
	e := &entry{key: k, bars: bars, fetched: c.now()}
	e.elem = c.lru.PushFront(e)
	c.entries[id] = e

	sid := k.seriesID()
	c.bySeries[sid] = append(c.bySeries[sid], e)
	sort.Slice(c.bySeries[sid], func(i, j int) bool {
		return c.bySeries[sid][i].key.Range.Start.Before(c.bySeries[sid][j].key.Range.Start)
	})
	c.total += len(bars)

	for c.total > c.maxBars && c.lru.Len() > 1 {
		oldest := c.lru.Back().Value.(*entry)
		c.removeLocked(oldest)
		c.log.Debug().Str("key", oldest.key.id()).Msg("evicted cache entry")
	}
}

// Touch re-stamps an entry after a failed refresh so a stale entry is not
// re-attempted on every read while the upstream is down.
func (c *Cache) Touch(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[k.id()]; ok {
		e.fetched = c.now()
	}
}

// Len returns the number of entries, for observability.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TotalBars returns the cached bar count, for observability.
func (c *Cache) TotalBars() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key.id())
	c.lru.Remove(e.elem)
	c.total -= len(e.bars)
	sid := e.key.seriesID()
	list := c.bySeries[sid]
	for i, cur := range list {
		if cur == e {
			c.bySeries[sid] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.bySeries[sid]) == 0 {
		delete(c.bySeries, sid)
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// sliceBars returns the bars whose open falls inside window.
func sliceBars(bars []domain.Bar, window domain.Range) []domain.Bar {
	lo := sort.Search(len(bars), func(i int) bool { return !bars[i].Time.Before(window.Start) })
	hi := sort.Search(len(bars), func(i int) bool { return !bars[i].Time.Before(window.End) })
	return bars[lo:hi]
}

// Splice concatenates adjacent bar slices, enforcing seam continuity: parts
// must be in time order with no overlap and no gap longer than one bar plus
// a weekend allowance for daily sizes.
func Splice(step time.Duration, parts ...[]domain.Bar) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		if len(out) > 0 {
			gap := p[0].Time.Sub(out[len(out)-1].Time)
			if gap <= 0 {
				return nil, domain.E(domain.KindInvariant, "splice overlap at %s", p[0].Time.Format(time.RFC3339))
			}
			allowed := 2 * step
			if step >= 24*time.Hour {
				allowed = 4 * 24 * time.Hour // weekend + holiday
			}
			if gap > allowed {
				return nil, domain.E(domain.KindInvariant, "splice gap of %s at %s", gap, p[0].Time.Format(time.RFC3339))
			}
		}
		out = append(out, p...)
	}
	return out, nil
}
