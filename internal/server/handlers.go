package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/bidflow/internal/model"
	"github.com/sells-group/bidflow/internal/workflow"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type submitBatchRequest struct {
	Documents []model.DocumentRef `json:"documents"`
}

// submitBatch creates the batch and drives every session to its first
// blocking point before responding; the returned record already carries the
// ranking outcome.
func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mapError(w, &workflow.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}

	batch, err := s.manager.SubmitBatch(r.Context(), req.Documents)
	if err != nil {
		mapError(w, err)
		return
	}
	ranked, err := s.manager.Run(r.Context(), batch.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ranked)
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	batches, err := s.manager.ListBatches(r.Context(), limit)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.manager.GetBatch(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		mapError(w, err)
		return
	}

	sessions, err := s.manager.Sessions(r.Context(), batch)
	if err != nil {
		mapError(w, err)
		return
	}
	views := make([]sessionView, len(sessions))
	for i, sess := range sessions {
		views[i] = newSessionView(sess)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch":    batch,
		"sessions": views,
	})
}

type reviewRequest struct {
	Decision      model.Decision `json:"decision"`
	SelectedIndex *int           `json:"selected_index,omitempty"`
}

func (s *Server) resolveReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mapError(w, &workflow.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}

	batch, err := s.manager.ResolveReview(r.Context(), chi.URLParam(r, "batchID"), req.Decision, req.SelectedIndex)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

type dispatchRequest struct {
	Decision model.Decision `json:"decision"`
}

func (s *Server) resolveDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mapError(w, &workflow.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}

	batch, err := s.manager.ResolveDispatch(r.Context(), chi.URLParam(r, "batchID"), req.Decision)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.machine.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess))
}

func (s *Server) getCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.machine.History(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": cps})
}

type gateRequest struct {
	Decision model.Decision `json:"decision"`
}

// resolveSessionGate resolves a single session's gate directly, bypassing
// batch orchestration. Used for operational repair and single-session flows.
func (s *Server) resolveSessionGate(w http.ResponseWriter, r *http.Request) {
	var req gateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mapError(w, &workflow.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}

	sess, err := s.machine.ResolveGate(r.Context(), model.GateDecision{
		SessionID: chi.URLParam(r, "sessionID"),
		GateName:  model.Stage(chi.URLParam(r, "gate")),
		Decision:  req.Decision,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess))
}
