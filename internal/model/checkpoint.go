package model

import (
	"encoding/json"
	"time"
)

// Checkpoint is an immutable snapshot of a session taken after a state
// transition. Seq is monotonic per session and ParentSeq chains snapshots
// into a strict order; seq 1 has parent 0. Checkpoints are append-only;
// the coordinator never updates or deletes them.
type Checkpoint struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	ParentSeq int64           `json:"parent_seq"`
	Stage     Stage           `json:"stage"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Snapshot serializes a session into a checkpoint payload.
func Snapshot(s *Session) (json.RawMessage, error) {
	return json.Marshal(s)
}

// FromSnapshot reconstructs a session from a checkpoint payload.
func FromSnapshot(payload json.RawMessage) (*Session, error) {
	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, err
	}
	if s.StageOutputs == nil {
		s.StageOutputs = make(map[string]json.RawMessage)
	}
	if s.Gates == nil {
		s.Gates = make(map[string]GateOutcome)
	}
	return &s, nil
}
