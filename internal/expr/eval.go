package expr

import (
	"strconv"

	"github.com/aristath/quantlab/internal/domain"
	"github.com/aristath/quantlab/internal/timegrid"
)

// Evaluate computes the expression pointwise over an aligned frame. Frame
// legs are keyed by the leaf token's canonical string. Division by zero and
// any undefined operand yield an undefined point, not an error.
func Evaluate(n Node, f timegrid.Frame) domain.Series {
	vals, def := evalNode(n, f)
	out := domain.Series{
		Label:  n.String(),
		Expr:   n.String(),
		Unit:   domain.UnitPrice,
		Points: make([]domain.Point, f.Len()),
	}
	for i, t := range f.Times {
		out.Points[i] = domain.Point{T: t, V: vals[i], Defined: def[i]}
	}
	return out
}

func evalNode(n Node, f timegrid.Frame) ([]float64, []bool) {
	switch v := n.(type) {
	case Leaf:
		leg, ok := f.Legs[v.Token.String()]
		if !ok {
			return make([]float64, f.Len()), make([]bool, f.Len())
		}
		return leg.Values, leg.Defined
	case Number:
		vals := make([]float64, f.Len())
		def := make([]bool, f.Len())
		for i := range vals {
			vals[i] = v.Value
			def[i] = true
		}
		return vals, def
	case Binary:
		lv, ld := evalNode(v.Left, f)
		rv, rd := evalNode(v.Right, f)
		vals := make([]float64, f.Len())
		def := make([]bool, f.Len())
		for i := range vals {
			if !ld[i] || !rd[i] {
				continue
			}
			switch v.Op {
			case '+':
				vals[i], def[i] = lv[i]+rv[i], true
			case '-':
				vals[i], def[i] = lv[i]-rv[i], true
			case '*':
				vals[i], def[i] = lv[i]*rv[i], true
			case '/':
				if rv[i] != 0 {
					vals[i], def[i] = lv[i]/rv[i], true
				}
			}
		}
		return vals, def
	}
	return nil, nil
}

// Normalize rebases a series per the norm parameter: "" leaves it alone,
// "0" converts to percent change from the first defined value, any other
// number K indexes the series to K at the first defined value.
func Normalize(s domain.Series, norm string) (domain.Series, error) {
	if norm == "" {
		return s, nil
	}
	k, err := strconv.ParseFloat(norm, 64)
	if err != nil {
		return s, domain.E(domain.KindUnsupportedParameter, "bad norm %q: expected a number", norm)
	}
	first, ok := firstDefined(s)
	if !ok || first == 0 {
		return s, nil
	}

	out := s
	out.Points = make([]domain.Point, len(s.Points))
	copy(out.Points, s.Points)
	if k == 0 {
		out.Unit = domain.UnitPercent
		out.Label = s.Label + " (% change)"
		for i := range out.Points {
			if out.Points[i].Defined {
				out.Points[i].V = (out.Points[i].V/first - 1) * 100
			}
		}
		return out, nil
	}
	out.Unit = domain.UnitRatio
	out.Label = s.Label + " (indexed " + norm + ")"
	for i := range out.Points {
		if out.Points[i].Defined {
			out.Points[i].V = out.Points[i].V / first * k
		}
	}
	return out, nil
}

func firstDefined(s domain.Series) (float64, bool) {
	for _, p := range s.Points {
		if p.Defined {
			return p.V, true
		}
	}
	return 0, false
}
