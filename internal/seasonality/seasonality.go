// Package seasonality aligns an expression's history per calendar year and
// aggregates bucket returns into heatmap tables. Day-of-year indexing maps
// Feb 29 onto Feb 28's index, so every year shares one 365-slot axis.
package seasonality

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/quantlab/internal/domain"
)

// MinPointsPerYearDefault excludes years with too little history from the
// aggregate bands.
const MinPointsPerYearDefault = 30

// nonLeapCum[m] is the day count before month m+1 in a non-leap year.
var nonLeapCum = [12]int{0, 31, 59, 90, 120, 151, 181, 212, 243, 273, 304, 334}

// DayIndex maps a date to its 0..364 day-of-year slot. Feb 29 shares slot 58
// with Feb 28.
func DayIndex(t time.Time) int {
	m := int(t.Month())
	d := t.Day()
	if m == 2 && d == 29 {
		d = 28
	}
	return nonLeapCum[m-1] + d - 1
}

// YearsRequest configures years mode.
type YearsRequest struct {
	Years     []int
	Rebase    bool   // rebase each year's curve at its first available day
	Norm      string // "pct" (default) or "index"
	MinPoints int
}

// Years extracts one curve per requested year, rebased onto a shared
// day-of-year axis, plus P0/P50/P100 percentile bands and a mean curve over
// the included years.
func Years(s domain.Series, req YearsRequest) domain.Result {
	if req.MinPoints <= 0 {
		req.MinPoints = MinPointsPerYearDefault
	}
	if req.Norm == "" {
		req.Norm = "pct"
	}
	res := domain.Result{Kind: domain.ResultChart, Label: "Seasonality", Expr: s.Expr}
	if len(req.Years) == 0 {
		res.Warning = "no years requested"
		return res
	}

	years := append([]int(nil), req.Years...)
	sort.Ints(years)
	refYear := years[len(years)-1]

	// byYear[y][dayIndex] = value; later observations on the same slot win
	// (only Feb 29 collides).
	byYear := map[int]map[int]float64{}
	for _, p := range s.DefinedPoints() {
		y := p.T.UTC().Year()
		if byYear[y] == nil {
			byYear[y] = map[int]float64{}
		}
		byYear[y][DayIndex(p.T.UTC())] = p.V
	}

	included := map[int]bool{}
	var curves []domain.Series
	for _, y := range years {
		obs := byYear[y]
		curve := yearCurve(y, refYear, obs, req)
		included[y] = len(obs) >= req.MinPoints
		if !included[y] {
			curve.Label = fmt.Sprintf("%d (partial)", y)
		}
		curves = append(curves, curve)
	}

	bands := percentileBands(years, included, byYear, refYear, req)
	res.Series = append(curves, bands...)
	res.AddMeta("reference_year", refYear)
	res.AddMeta("included", includedList(years, included))
	res.AddMeta("norm", req.Norm)
	return res
}

// yearCurve builds one year's rebased curve on the reference-year axis.
func yearCurve(year, refYear int, obs map[int]float64, req YearsRequest) domain.Series {
	out := domain.Series{Label: fmt.Sprintf("%d", year), Unit: domain.UnitPercent}
	if req.Norm == "index" {
		out.Unit = domain.UnitRatio
	}
	idxs := sortedKeys(obs)
	if len(idxs) == 0 {
		return out
	}
	base := obs[idxs[0]]
	refStart := time.Date(refYear, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, idx := range idxs {
		v := obs[idx]
		if req.Rebase && base != 0 {
			if req.Norm == "index" {
				v = v / base * 100
			} else {
				v = (v/base - 1) * 100
			}
		}
		out.Points = append(out.Points, domain.Point{
			T:       refStart.AddDate(0, 0, idx),
			V:       v,
			Defined: true,
		})
	}
	return out
}

// percentileBands computes P0/P50/P100 and the mean across included years
// for every day slot at least one included year populates.
func percentileBands(years []int, included map[int]bool, byYear map[int]map[int]float64, refYear int, req YearsRequest) []domain.Series {
	// Rebase each included year the same way the curves were.
	rebased := map[int]map[int]float64{}
	for _, y := range years {
		if !included[y] {
			continue
		}
		obs := byYear[y]
		idxs := sortedKeys(obs)
		if len(idxs) == 0 {
			continue
		}
		base := obs[idxs[0]]
		m := map[int]float64{}
		for _, idx := range idxs {
			v := obs[idx]
			if req.Rebase && base != 0 {
				if req.Norm == "index" {
					v = v / base * 100
				} else {
					v = (v/base - 1) * 100
				}
			}
			m[idx] = v
		}
		rebased[y] = m
	}
	if len(rebased) == 0 {
		return nil
	}

	slotSet := map[int]bool{}
	for _, m := range rebased {
		for idx := range m {
			slotSet[idx] = true
		}
	}
	slots := make([]int, 0, len(slotSet))
	for idx := range slotSet {
		slots = append(slots, idx)
	}
	sort.Ints(slots)

	mk := func(label string) domain.Series {
		u := domain.UnitPercent
		if req.Norm == "index" {
			u = domain.UnitRatio
		}
		return domain.Series{Label: label, Unit: u}
	}
	p0, p50, p100, mean := mk("p0"), mk("p50"), mk("p100"), mk("mean")

	refStart := time.Date(refYear, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, idx := range slots {
		var vals []float64
		for _, m := range rebased {
			if v, ok := m[idx]; ok {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		t := refStart.AddDate(0, 0, idx)
		p0.Points = append(p0.Points, domain.Point{T: t, V: vals[0], Defined: true})
		p100.Points = append(p100.Points, domain.Point{T: t, V: vals[len(vals)-1], Defined: true})
		p50.Points = append(p50.Points, domain.Point{T: t, V: stat.Quantile(0.5, stat.Empirical, vals, nil), Defined: true})
		mean.Points = append(mean.Points, domain.Point{T: t, V: stat.Mean(vals, nil), Defined: true})
	}
	return []domain.Series{p0, p50, p100, mean}
}

// Bucket selects the heatmap grouping.
type Bucket string

const (
	BucketMonth Bucket = "month"
	BucketWeek  Bucket = "week"
)

// ParseBucket validates the bucket parameter.
func ParseBucket(s string) (Bucket, error) {
	switch s {
	case "", "month":
		return BucketMonth, nil
	case "week":
		return BucketWeek, nil
	}
	return "", domain.E(domain.KindUnsupportedParameter, "unknown bucket %q: use month or week", s)
}

// HeatmapRow is one (year, bucket) cell.
type HeatmapRow struct {
	Year      int     `json:"year"`
	Bucket    int     `json:"bucket"`
	ReturnPct float64 `json:"return_pct"`
	Included  bool    `json:"included"`
}

// BucketStats aggregates one bucket across included years.
type BucketStats struct {
	Bucket       int     `json:"bucket"`
	Mean         float64 `json:"mean"`
	Median       float64 `json:"median"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Stdev        float64 `json:"stdev"`
	FracPositive float64 `json:"frac_positive"`
	FracNegative float64 `json:"frac_negative"`
	Count        int     `json:"count"`
}

// Heatmap computes bucket returns per (year, bucket). A bucket's return is
// its last close over the previous bucket's last close minus one; the first
// bucket of each year is based on its own first observation instead, so the
// returns of a fully covered year compose to the year's full-period return.
func Heatmap(s domain.Series, bucket Bucket, years []int, minPoints int) domain.Result {
	if minPoints <= 0 {
		minPoints = MinPointsPerYearDefault
	}
	res := domain.Result{Kind: domain.ResultTable, Label: fmt.Sprintf("Seasonality heatmap (%s)", bucket), Expr: s.Expr}

	pts := s.DefinedPoints()
	if len(pts) == 0 {
		res.Warning = "no data"
		return res
	}

	wantYear := map[int]bool{}
	for _, y := range years {
		wantYear[y] = true
	}

	pointsPerYear := map[int]int{}
	for _, p := range pts {
		pointsPerYear[p.T.UTC().Year()]++
	}

	type cell struct {
		year, bucket int
	}
	returns := map[cell]float64{}
	order := []cell{}

	// Within a year, each bucket's base is the previous bucket's last close;
	// the year's first bucket rebases on its own first observation. That way
	// a fully covered year's bucket returns compose to its full-period
	// return exactly.
	var prevClose float64
	prevYear := 0
	havePrev := false
	i := 0
	for i < len(pts) {
		y, b := bucketOf(pts[i].T.UTC(), bucket)
		start := i
		for i < len(pts) {
			yy, bb := bucketOf(pts[i].T.UTC(), bucket)
			if yy != y || bb != b {
				break
			}
			i++
		}
		last := pts[i-1].V
		base := prevClose
		if !havePrev || prevYear != y {
			base = pts[start].V
		}
		if (len(years) == 0 || wantYear[y]) && base != 0 {
			c := cell{year: y, bucket: b}
			returns[c] = (last/base - 1) * 100
			order = append(order, c)
		}
		prevClose = last
		prevYear = y
		havePrev = true
	}

	rows := make([]HeatmapRow, 0, len(order))
	perBucket := map[int][]float64{}
	for _, c := range order {
		inc := pointsPerYear[c.year] >= minPoints
		rows = append(rows, HeatmapRow{Year: c.year, Bucket: c.bucket, ReturnPct: returns[c], Included: inc})
		if inc {
			perBucket[c.bucket] = append(perBucket[c.bucket], returns[c])
		}
	}

	var stats []BucketStats
	for _, b := range sortedKeys64(perBucket) {
		vals := perBucket[b]
		sorted := append([]float64(nil), vals...)
		sort.Float64s(sorted)
		var pos, neg int
		for _, v := range vals {
			if v > 0 {
				pos++
			} else if v < 0 {
				neg++
			}
		}
		sd := 0.0
		if len(vals) > 1 {
			sd = stat.StdDev(vals, nil)
		}
		stats = append(stats, BucketStats{
			Bucket:       b,
			Mean:         stat.Mean(vals, nil),
			Median:       stat.Quantile(0.5, stat.Empirical, sorted, nil),
			Min:          sorted[0],
			Max:          sorted[len(sorted)-1],
			Stdev:        sd,
			FracPositive: float64(pos) / float64(len(vals)),
			FracNegative: float64(neg) / float64(len(vals)),
			Count:        len(vals),
		})
	}

	res.Tables = map[string]any{
		"heatmap":    rows,
		"aggregates": stats,
	}
	res.AddMeta("bucket", string(bucket))
	res.AddMeta("min_points_per_year", minPoints)
	return res
}

// bucketOf assigns a timestamp to its (year, bucket) cell. Weeks use the ISO
// week calendar, so a week's year can differ from the civil year at the
// edges.
func bucketOf(t time.Time, b Bucket) (int, int) {
	if b == BucketWeek {
		y, w := t.ISOWeek()
		return y, w
	}
	return t.Year(), int(t.Month())
}

// includedList keeps the requested order of the years that met the minimum
// point count.
func includedList(years []int, included map[int]bool) []int {
	out := make([]int, 0, len(years))
	for _, y := range years {
		if included[y] {
			out = append(out, y)
		}
	}
	return out
}

func sortedKeys(m map[int]float64) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func sortedKeys64(m map[int][]float64) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// YearReturn is a helper used in tests and by the composition invariant: the
// full-period return of one year's observations.
func YearReturn(s domain.Series, year int) (float64, bool) {
	var first, last float64
	seen := false
	for _, p := range s.DefinedPoints() {
		if p.T.UTC().Year() != year {
			continue
		}
		if !seen {
			first = p.V
			seen = true
		}
		last = p.V
	}
	if !seen || first == 0 {
		return 0, false
	}
	return (last/first - 1) * 100, true
}

// ComposeReturns multiplies percentage returns: sum of log(1+r) then back.
func ComposeReturns(pcts []float64) float64 {
	var logSum float64
	for _, r := range pcts {
		logSum += math.Log1p(r / 100)
	}
	return (math.Exp(logSum) - 1) * 100
}
