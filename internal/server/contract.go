package server

import (
	"encoding/json"
	"net/http"

	"github.com/aristath/quantlab/internal/domain"
)

// chartPoint serializes one observation; undefined points become null.
type chartPoint struct {
	T int64    `json:"t"` // ms since epoch
	V *float64 `json:"v"`
}

// chartSeries is one labeled series of the chart contract.
type chartSeries struct {
	Label  string       `json:"label"`
	Unit   string       `json:"unit,omitempty"`
	Points []chartPoint `json:"points"`
}

// chartResponse is the canonical top-level shape every endpoint returns.
type chartResponse struct {
	Label   string         `json:"label"`
	Expr    string         `json:"expr"`
	Meta    map[string]any `json:"meta"`
	Series  []chartSeries  `json:"series"`
	Tables  map[string]any `json:"tables,omitempty"`
	Warning string         `json:"warning,omitempty"`
}

// requestMeta is the common slice of meta every response carries.
type requestMeta struct {
	BarSize string       `json:"bar_size"`
	UseRTH  bool         `json:"use_rth"`
	Range   domain.Range `json:"range"`
}

func toChartSeries(s domain.Series) chartSeries {
	out := chartSeries{Label: s.Label, Unit: string(s.Unit), Points: make([]chartPoint, len(s.Points))}
	for i, p := range s.Points {
		cp := chartPoint{T: p.T.UnixMilli()}
		if p.Defined {
			v := p.V
			cp.V = &v
		}
		out.Points[i] = cp
	}
	return out
}

// toChart projects a tagged Result onto the chart contract.
func toChart(res domain.Result, meta requestMeta) chartResponse {
	out := chartResponse{
		Label:   res.Label,
		Expr:    res.Expr,
		Series:  make([]chartSeries, 0, len(res.Series)),
		Tables:  res.Tables,
		Warning: res.Warning,
		Meta: map[string]any{
			"bar_size": meta.BarSize,
			"use_rth":  meta.UseRTH,
			"range": map[string]any{
				"start": meta.Range.Start.UnixMilli(),
				"end":   meta.Range.End.UnixMilli(),
			},
		},
	}
	for k, v := range res.Meta {
		out.Meta[k] = v
	}
	for _, s := range res.Series {
		out.Series = append(out.Series, toChartSeries(s))
	}
	return out
}

// errorBody is the uniform error envelope: the typed kind under
// detail.error, message safe for display.
type errorBody struct {
	Detail struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"detail"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := domain.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	} else {
		s.log.Debug().Err(err).Msg("request rejected")
	}
	var body errorBody
	body.Detail.Error.Kind = string(domain.KindOf(err))
	body.Detail.Error.Message = domain.MessageOf(err)
	s.writeJSON(w, status, body)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, domain.Wrap(domain.KindParseError, err, "invalid JSON body"))
		return false
	}
	return true
}
