// Package timegrid aligns series from different instruments onto one
// timestamp grid: union or intersection semantics, forward-fill with a cap,
// and regular-trading-hours filtering per venue.
package timegrid

import (
	"sort"
	"time"

	"github.com/aristath/quantlab/internal/domain"
)

// AlignMode selects the grid: the union of leg timestamps (default) or their
// intersection.
type AlignMode int

const (
	Union AlignMode = iota
	Intersection
)

// ParseAlignMode maps the request parameter to a mode.
func ParseAlignMode(s string) (AlignMode, error) {
	switch s {
	case "", "union":
		return Union, nil
	case "intersection", "intersect":
		return Intersection, nil
	}
	return Union, domain.E(domain.KindUnsupportedParameter, "unknown align mode %q", s)
}

// FillPolicy caps last-observation-carried-forward: a leg's value persists
// through at most MaxConsecutive missing grid slots; past the cap the leg is
// undefined until it trades again. Zero or negative disables filling.
type FillPolicy struct {
	MaxConsecutive int
}

// DefaultFill matches the evaluator's documented default.
var DefaultFill = FillPolicy{MaxConsecutive: 5}

// Leg is one instrument's values resolved onto the shared grid.
type Leg struct {
	Values  []float64
	Defined []bool
}

// Frame is a set of legs sharing one timestamp index.
type Frame struct {
	Times []time.Time
	Legs  map[string]Leg
}

// Len returns the grid length.
func (f Frame) Len() int { return len(f.Times) }

// Align builds a frame from per-leg series. Input points that are explicitly
// undefined are treated as absent.
func Align(legs map[string]domain.Series, mode AlignMode, fill FillPolicy) Frame {
	grid := buildGrid(legs, mode)
	frame := Frame{Times: grid, Legs: make(map[string]Leg, len(legs))}

	for name, s := range legs {
		frame.Legs[name] = resolveLeg(s, grid, fill)
	}
	return frame
}

// buildGrid returns the sorted union or intersection of defined timestamps.
func buildGrid(legs map[string]domain.Series, mode AlignMode) []time.Time {
	counts := make(map[int64]int)
	for _, s := range legs {
		for _, p := range s.Points {
			if p.Defined {
				counts[p.T.UTC().UnixNano()]++
			}
		}
	}
	need := 1
	if mode == Intersection {
		need = len(legs)
	}
	out := make([]time.Time, 0, len(counts))
	for ns, n := range counts {
		if n >= need {
			out = append(out, time.Unix(0, ns).UTC())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// resolveLeg walks the grid and the leg's own points in lockstep, forward
// filling within the cap.
func resolveLeg(s domain.Series, grid []time.Time, fill FillPolicy) Leg {
	leg := Leg{Values: make([]float64, len(grid)), Defined: make([]bool, len(grid))}
	pts := s.DefinedPoints()

	i := 0 // next candidate point
	var last float64
	haveLast := false
	missedSince := 0

	for gi, t := range grid {
		for i < len(pts) && pts[i].T.Before(t) {
			last, haveLast = pts[i].V, true
			missedSince = 0
			i++
		}
		if i < len(pts) && pts[i].T.Equal(t) {
			leg.Values[gi] = pts[i].V
			leg.Defined[gi] = true
			last, haveLast = pts[i].V, true
			missedSince = 0
			i++
			continue
		}
		// Missing at this grid slot: carry the last observation forward
		// while within the cap.
		missedSince++
		if haveLast && fill.MaxConsecutive > 0 && missedSince <= fill.MaxConsecutive {
			leg.Values[gi] = last
			leg.Defined[gi] = true
		}
	}
	return leg
}

// session is a venue's regular trading hours in minutes since midnight UTC.
type session struct {
	open  int
	close int
}

// rthSessions maps primary venues to their cash sessions, expressed in UTC.
// US venues use the daylight-saving-time session (13:30-20:00 UTC) and
// European venues the standard-time one; in the other part of the year the
// real session is one hour off, an accepted approximation. Venues not listed
// fall back to the US session.
var rthSessions = map[string]session{
	"SMART":   {13*60 + 30, 20 * 60},
	"NASDAQ":  {13*60 + 30, 20 * 60},
	"NYSE":    {13*60 + 30, 20 * 60},
	"ARCA":    {13*60 + 30, 20 * 60},
	"CBOE":    {13*60 + 30, 20 * 60},
	"RUSSELL": {13*60 + 30, 20 * 60},
	"CME":     {13*60 + 30, 20 * 60},
	"LSE":     {8 * 60, 16*60 + 30},
	"IBIS":    {8 * 60, 16*60 + 30},
	"EUREX":   {8 * 60, 16*60 + 30},
	"SBF":     {8 * 60, 16*60 + 30},
	"AEB":     {8 * 60, 16*60 + 30},
	"BVME":    {8 * 60, 16*60 + 30},
	"BME":     {8 * 60, 16*60 + 30},
	"SWX":     {8 * 60, 16*60 + 30},
	"SEHK":    {1*60 + 30, 8 * 60},
	"HKFE":    {1*60 + 30, 8 * 60},
	"TSEJ":    {0, 6 * 60},
	"OSE.JPN": {0, 6 * 60},
	"SGX":     {1 * 60, 9 * 60},
	"ASX":     {0, 6 * 60},
}

// FilterRTH keeps only bars whose open falls inside the venue's regular
// session. Daily and coarser bars pass through untouched: the upstream
// already builds them from the session the RTH flag requested.
func FilterRTH(bars []domain.Bar, size domain.BarSize, exchange string) []domain.Bar {
	if !size.Intraday() {
		return bars
	}
	ses, ok := rthSessions[exchange]
	if !ok {
		ses = rthSessions["SMART"]
	}
	out := make([]domain.Bar, 0, len(bars))
	for _, b := range bars {
		t := b.Time.UTC()
		mins := t.Hour()*60 + t.Minute()
		if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		if mins >= ses.open && mins < ses.close {
			out = append(out, b)
		}
	}
	return out
}

// NormalizeUTC rewrites every bar timestamp to UTC.
func NormalizeUTC(bars []domain.Bar) []domain.Bar {
	for i := range bars {
		bars[i].Time = bars[i].Time.UTC()
	}
	return bars
}
