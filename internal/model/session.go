package model

import (
	"encoding/json"
	"time"
)

// Stage is one ordered step of the proposal pipeline. Work stages are
// executed by collaborator adapters; gate stages pause for a human decision.
type Stage string

const (
	StageIntake     Stage = "intake"
	StageExtraction Stage = "extraction"
	StageMatching   Stage = "matching"
	GateReview      Stage = "gate_review"
	StagePricing    Stage = "pricing"
	StageAssembly   Stage = "document_assembly"
	GateDispatch    Stage = "gate_dispatch"
	StageDispatched Stage = "dispatched"
)

// StageOrder is the fixed forward-only stage sequence. A session's
// current_stage only moves rightward through this list.
var StageOrder = []Stage{
	StageIntake,
	StageExtraction,
	StageMatching,
	GateReview,
	StagePricing,
	StageAssembly,
	GateDispatch,
	StageDispatched,
}

// IsGate reports whether the stage is a human-approval pause point.
func (s Stage) IsGate() bool {
	return s == GateReview || s == GateDispatch
}

// Index returns the position of s in StageOrder, or -1 for unknown stages.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage following s in the fixed order. The final stage
// returns itself.
func (s Stage) Next() Stage {
	i := s.Index()
	if i < 0 || i >= len(StageOrder)-1 {
		return s
	}
	return StageOrder[i+1]
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionRunning    SessionStatus = "running"
	SessionPaused     SessionStatus = "paused"
	SessionCompleted  SessionStatus = "completed"
	SessionRejected   SessionStatus = "rejected"
	SessionFailed     SessionStatus = "failed"
	SessionSuperseded SessionStatus = "superseded"
)

// Terminal reports whether no further advancement is possible.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionRejected, SessionFailed, SessionSuperseded:
		return true
	}
	return false
}

// ErrorOutputKey is the reserved stage_outputs key under which the last
// unrecoverable stage error is recorded. Downstream stages never receive
// substituted empty data in its place.
const ErrorOutputKey = "error"

// DocumentRef points at a proposal document already validated by the
// intake collaborator. The coordinator never opens the document itself.
type DocumentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// Decision is a human gate decision.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// GateOutcome is the stored result of a resolved gate. Once recorded for a
// (session, gate) pair it is immutable; duplicate signals are answered from
// this record.
type GateOutcome struct {
	Decision   Decision  `json:"decision"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// GateDecision is an external approval signal, consumed exactly once per
// (session_id, gate_name) pair. SelectedIndex applies only to batch-wide
// review gates, overriding the scorer's pick by submission order.
type GateDecision struct {
	SessionID     string    `json:"session_id"`
	GateName      Stage     `json:"gate_name"`
	Decision      Decision  `json:"decision"`
	SelectedIndex *int      `json:"selected_index,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Session is one document's pipeline instance. CurrentStage is the last
// stage boundary reached; the session is owned by the state machine that
// created it and reaches the store only as serialized snapshots.
type Session struct {
	ID           string                     `json:"id"`
	BatchID      string                     `json:"batch_id,omitempty"`
	Document     DocumentRef                `json:"document"`
	SubmitOrder  int                        `json:"submit_order"`
	CurrentStage Stage                      `json:"current_stage"`
	Status       SessionStatus              `json:"status"`
	StageOutputs map[string]json.RawMessage `json:"stage_outputs"`
	Gates        map[string]GateOutcome     `json:"gates"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// Output returns the recorded payload for a stage, or nil.
func (s *Session) Output(st Stage) json.RawMessage {
	if s.StageOutputs == nil {
		return nil
	}
	return s.StageOutputs[string(st)]
}

// GateOutcome returns the stored outcome for a gate, if resolved.
func (s *Session) GateOutcome(gate Stage) (GateOutcome, bool) {
	o, ok := s.Gates[string(gate)]
	return o, ok
}

// Clone returns a deep copy safe to hand to readers while the state machine
// keeps mutating the original.
func (s *Session) Clone() *Session {
	cp := *s
	cp.StageOutputs = make(map[string]json.RawMessage, len(s.StageOutputs))
	for k, v := range s.StageOutputs {
		cp.StageOutputs[k] = append(json.RawMessage(nil), v...)
	}
	cp.Gates = make(map[string]GateOutcome, len(s.Gates))
	for k, v := range s.Gates {
		cp.Gates[k] = v
	}
	return &cp
}
