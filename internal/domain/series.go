package domain

import "time"

// Unit describes what a series' values measure. It drives axis labeling on
// the client and nothing else server-side.
type Unit string

const (
	UnitPrice   Unit = "price"
	UnitPercent Unit = "percent"
	UnitRatio   Unit = "ratio"
	UnitZScore  Unit = "zscore"
	UnitCount   Unit = "count"
)

// Point is one observation in a series. Undefined points (Defined=false)
// mark gaps: warmup windows, fill-cap overruns, division by zero. They
// serialize as null when gaps are requested and are dropped otherwise.
type Point struct {
	T       time.Time
	V       float64
	Defined bool
}

// Series is an ordered sequence of points with a display label and the
// source expression that produced it. Timestamps are strictly increasing.
type Series struct {
	Label  string
	Expr   string
	Unit   Unit
	Points []Point
}

// SeriesFromBars builds a close-price series from bars.
func SeriesFromBars(label string, bars []Bar) Series {
	pts := make([]Point, len(bars))
	for i, b := range bars {
		pts[i] = Point{T: b.Time, V: b.Close, Defined: true}
	}
	return Series{Label: label, Unit: UnitPrice, Points: pts}
}

// Values returns the value slice with NaN-free undefined handling left to the
// caller: undefined points carry whatever V holds and must be checked via the
// parallel Defined flags.
func (s Series) Values() ([]float64, []bool) {
	vals := make([]float64, len(s.Points))
	def := make([]bool, len(s.Points))
	for i, p := range s.Points {
		vals[i] = p.V
		def[i] = p.Defined
	}
	return vals, def
}

// DefinedPoints returns only the defined points, preserving order.
func (s Series) DefinedPoints() []Point {
	out := make([]Point, 0, len(s.Points))
	for _, p := range s.Points {
		if p.Defined {
			out = append(out, p)
		}
	}
	return out
}

// DefinedCount returns how many points are defined.
func (s Series) DefinedCount() int {
	n := 0
	for _, p := range s.Points {
		if p.Defined {
			n++
		}
	}
	return n
}

// DropGaps returns a copy with undefined points removed.
func (s Series) DropGaps() Series {
	out := s
	out.Points = s.DefinedPoints()
	return out
}

// Last returns the last defined point, if any.
func (s Series) Last() (Point, bool) {
	for i := len(s.Points) - 1; i >= 0; i-- {
		if s.Points[i].Defined {
			return s.Points[i], true
		}
	}
	return Point{}, false
}

// ConstantLike builds a constant series over the defined timestamps of s.
// Indicator level lines (RSI 70/30, Z-score thresholds) use this shape.
func ConstantLike(s Series, label string, value float64) Series {
	pts := make([]Point, 0, len(s.Points))
	for _, p := range s.Points {
		if p.Defined {
			pts = append(pts, Point{T: p.T, V: value, Defined: true})
		}
	}
	return Series{Label: label, Unit: s.Unit, Points: pts}
}

// ResultKind discriminates the payload shape an evaluation produced.
type ResultKind string

const (
	ResultChart     ResultKind = "chart"
	ResultIndicator ResultKind = "indicator"
	ResultTable     ResultKind = "table"
)

// Result is the uniform tagged output of the expression and indicator
// layers. The server projects it onto the chart contract.
type Result struct {
	Kind    ResultKind
	Label   string
	Expr    string
	Series  []Series
	Tables  map[string]any
	Meta    map[string]any
	Warning string
}

// AddMeta sets a meta key, allocating the map on first use.
func (r *Result) AddMeta(key string, v any) {
	if r.Meta == nil {
		r.Meta = map[string]any{}
	}
	r.Meta[key] = v
}
