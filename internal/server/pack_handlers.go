package server

import (
	"net/http"

	"github.com/aristath/quantlab/internal/domain"
	"github.com/aristath/quantlab/internal/engine"
)

// packRequest mirrors the /expr/pack wire shape.
type packRequest struct {
	Base     string                  `json:"base"`
	Duration string                  `json:"duration"`
	BarSize  string                  `json:"bar_size"`
	UseRTH   *bool                   `json:"use_rth"`
	Norm     string                  `json:"norm"`
	Overlays []engine.CompanionSpec  `json:"overlays"`
	Panels   []engine.CompanionSpec  `json:"panels"`
}

// companionEntry is one overlay or panel in the merged response. A failed
// companion carries an error object instead of series.
type companionEntry struct {
	Kind   string         `json:"kind"`
	Status string         `json:"status"`
	Error  map[string]any `json:"error,omitempty"`
	Series []chartSeries  `json:"series,omitempty"`
	Tables map[string]any `json:"tables,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

type packResponse struct {
	Label    string           `json:"label"`
	Expr     string           `json:"expr"`
	Meta     map[string]any   `json:"meta"`
	Series   []chartSeries    `json:"series"`
	Overlays []companionEntry `json:"overlays"`
	Panels   []companionEntry `json:"panels"`
}

// handlePack serves POST /expr/pack: the base expression plus declared
// overlays and panels, merged in declared order. Companion failures never
// fail the pack.
func (s *Server) handlePack(w http.ResponseWriter, r *http.Request) {
	var req packRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Base == "" {
		s.writeError(w, domain.E(domain.KindParseError, "base is required"))
		return
	}
	eval, meta, err := s.evalRequest(exprRequest{
		Expr:     req.Base,
		Duration: req.Duration,
		BarSize:  req.BarSize,
		UseRTH:   req.UseRTH,
		Norm:     req.Norm,
	}, false)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out, err := s.engine.Pack(r.Context(), engine.PackRequest{
		Base:     req.Base,
		Overlays: req.Overlays,
		Panels:   req.Panels,
		Eval:     eval,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	base := toChart(out.Base, meta)
	resp := packResponse{
		Label:    base.Label,
		Expr:     req.Base,
		Meta:     base.Meta,
		Series:   base.Series,
		Overlays: companionEntries(out.Overlays),
		Panels:   companionEntries(out.Panels),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func companionEntries(outcomes []engine.CompanionOutcome) []companionEntry {
	out := make([]companionEntry, len(outcomes))
	for i, oc := range outcomes {
		entry := companionEntry{Kind: oc.Kind, Status: oc.Status}
		if oc.Status != "ok" {
			entry.Error = map[string]any{
				"kind":    string(oc.ErrorKind),
				"message": oc.Error,
			}
			out[i] = entry
			continue
		}
		if oc.Result != nil {
			for _, cs := range oc.Result.Series {
				entry.Series = append(entry.Series, toChartSeries(cs))
			}
			entry.Tables = oc.Result.Tables
			entry.Meta = oc.Result.Meta
		}
		out[i] = entry
	}
	return out
}
