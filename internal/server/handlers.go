package server

import (
	"encoding/json"
	"net/http"
	"time"

	"crosslink/internal/core"

	"github.com/gorilla/mux"
)

type submitTargetsRequest struct {
	Targets []core.TargetPosition `json:"targets"`
}

type outcomeInfo struct {
	OnBehalfOf string `json:"on_behalf_of"`
	Instrument int64  `json:"base_instrument"`
	Seq        uint64 `json:"seq"`
	Confirmed  bool   `json:"confirmed"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

type submitTargetsResponse struct {
	Outcomes []outcomeInfo `json:"outcomes"`
}

type cancelTargetsRequest struct {
	OnBehalfOf  string  `json:"on_behalf_of"`
	Instruments []int64 `json:"base_instruments,omitempty"`
}

type cancelTargetsResponse struct {
	Cancelled []core.CancelledTarget `json:"cancelled"`
}

type positionsResponse struct {
	Positions []core.PositionState `json:"positions"`
}

// lookupResponse carries the resolution error in the envelope: a name that
// does not resolve is a semantic answer, not a transport failure.
type lookupResponse struct {
	ID    int64  `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleSubmitTargets(w http.ResponseWriter, r *http.Request) {
	var req submitTargetsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(req.Targets) == 0 {
		respondError(w, http.StatusBadRequest, "empty batch", "")
		return
	}
	for i := range req.Targets {
		if req.Targets[i].OnBehalfOf == "" {
			respondError(w, http.StatusBadRequest, "missing on_behalf_of", "")
			return
		}
	}

	outcomes := s.sequencer.Submit(r.Context(), req.Targets)

	resp := submitTargetsResponse{Outcomes: make([]outcomeInfo, 0, len(outcomes))}
	for _, out := range outcomes {
		info := outcomeInfo{
			OnBehalfOf: out.OnBehalfOf,
			Instrument: out.Instrument,
			Seq:        out.Seq,
			Confirmed:  out.Confirmed,
			Error:      out.Err,
		}
		if !out.Confirmed {
			info.Reason = out.Reason.String()
		}
		resp.Outcomes = append(resp.Outcomes, info)
	}
	respondJSON(w, resp)
}

func (s *Server) handleCancelTargets(w http.ResponseWriter, r *http.Request) {
	var req cancelTargetsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OnBehalfOf == "" {
		respondError(w, http.StatusBadRequest, "missing on_behalf_of", "")
		return
	}

	cancelled := s.sequencer.Cancel(r.Context(), req.OnBehalfOf, req.Instruments)
	if cancelled == nil {
		cancelled = []core.CancelledTarget{}
	}
	respondJSON(w, cancelTargetsResponse{Cancelled: cancelled})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	onBehalfOf := mux.Vars(r)["onBehalfOf"]

	positions := s.ledger.Snapshot(onBehalfOf)
	if positions == nil {
		positions = []core.PositionState{}
	}
	respondJSON(w, positionsResponse{Positions: positions})
}

func (s *Server) handleLookupInstrument(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	id, err := s.directory.Instrument(name)
	if err != nil {
		respondJSON(w, lookupResponse{Error: err.Error()})
		return
	}
	respondJSON(w, lookupResponse{ID: id})
}

func (s *Server) handleLookupLocation(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	id, err := s.directory.Location(name)
	if err != nil {
		respondJSON(w, lookupResponse{Error: err.Error()})
		return
	}
	respondJSON(w, lookupResponse{ID: id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	var components map[string]string
	if s.health != nil {
		components = s.health.Status()
		if !s.health.Healthy() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      status,
		"components":  components,
		"subscribers": s.hub.SubscriberCount(),
		"time":        time.Now().Unix(),
	})
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{
		Error:   error,
		Message: message,
	})
}
