package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bidflow/internal/checkpoint"
	"github.com/sells-group/bidflow/internal/model"
	"github.com/sells-group/bidflow/internal/resilience"
	"github.com/sells-group/bidflow/internal/stage"
)

// Machine drives sessions through the fixed stage sequence. Each session is
// owned by exactly one sessionState; all mutation happens under its lock, so
// distinct sessions advance concurrently while one session never races with
// itself.
type Machine struct {
	store    checkpoint.Store
	registry *stage.Registry
	retry    resilience.RetryConfig

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	mu   sync.Mutex
	sess *model.Session
}

// NewMachine creates a session state machine over the given store and stage
// registry.
func NewMachine(store checkpoint.Store, registry *stage.Registry, retry resilience.RetryConfig) *Machine {
	return &Machine{
		store:    store,
		registry: registry,
		retry:    retry,
		sessions: make(map[string]*sessionState),
	}
}

// CreateSession validates the document reference and opens a new session at
// the intake stage. The first checkpoint is written before the session is
// visible to callers.
func (m *Machine) CreateSession(ctx context.Context, doc model.DocumentRef, batchID string, submitOrder int) (*model.Session, error) {
	if doc.ID == "" {
		return nil, &ValidationError{Field: "document.id", Reason: "must not be empty"}
	}
	if doc.URI == "" {
		return nil, &ValidationError{Field: "document.uri", Reason: "must not be empty"}
	}

	now := time.Now().UTC()
	sess := &model.Session{
		ID:           uuid.NewString(),
		BatchID:      batchID,
		Document:     doc,
		SubmitOrder:  submitOrder,
		CurrentStage: model.StageIntake,
		Status:       model.SessionRunning,
		StageOutputs: make(map[string]json.RawMessage),
		Gates:        make(map[string]model.GateOutcome),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	st := &sessionState{sess: sess}
	m.mu.Lock()
	m.sessions[sess.ID] = st
	m.mu.Unlock()

	m.persist(ctx, sess)
	zap.L().Info("session created",
		zap.String("session", sess.ID),
		zap.String("batch", batchID),
		zap.String("document", doc.ID),
	)
	return sess.Clone(), nil
}

// Get returns a copy of the session, restoring it from the latest checkpoint
// if it is not held in memory.
func (m *Machine) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	st, err := m.state(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sess.Clone(), nil
}

// History returns the session's full checkpoint chain.
func (m *Machine) History(ctx context.Context, sessionID string) ([]model.Checkpoint, error) {
	return m.store.List(ctx, sessionID)
}

// state fetches the in-memory owner for a session, restoring from the store
// when the machine has no record of it (e.g., after a restart).
func (m *Machine) state(ctx context.Context, sessionID string) (*sessionState, error) {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		return st, nil
	}

	cp, err := m.store.Latest(ctx, sessionID)
	if err != nil {
		if eris.Is(err, checkpoint.ErrNotFound) {
			return nil, eris.Wrapf(checkpoint.ErrNotFound, "workflow: session %s", sessionID)
		}
		return nil, eris.Wrapf(err, "workflow: restore session %s", sessionID)
	}
	sess, err := model.FromSnapshot(cp.Payload)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: decode snapshot for %s", sessionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have restored concurrently; keep the first owner.
	if existing, ok := m.sessions[sessionID]; ok {
		return existing, nil
	}
	st = &sessionState{sess: sess}
	m.sessions[sessionID] = st

	zap.L().Info("session restored from checkpoint",
		zap.String("session", sessionID),
		zap.Int64("seq", cp.Seq),
		zap.String("stage", string(sess.CurrentStage)),
	)
	return st, nil
}

// Advance performs exactly one stage transition. Gates pause the session;
// work stages run their collaborator with retry; the final transition runs
// dispatch and completes the session.
func (m *Machine) Advance(ctx context.Context, sessionID string) (*model.Session, error) {
	st, err := m.state(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	sess := st.sess

	if sess.Status != model.SessionRunning {
		return nil, &InvalidTransitionError{
			SessionID: sess.ID, Stage: sess.CurrentStage, Status: sess.Status, Op: "advance",
		}
	}

	next := sess.CurrentStage.Next()
	if next == sess.CurrentStage {
		return nil, &InvalidTransitionError{
			SessionID: sess.ID, Stage: sess.CurrentStage, Status: sess.Status, Op: "advance past final stage",
		}
	}

	// Gates never execute work; reaching one pauses the session until an
	// external decision arrives.
	if next.IsGate() {
		sess.CurrentStage = next
		sess.Status = model.SessionPaused
		sess.UpdatedAt = time.Now().UTC()
		m.persist(ctx, sess)
		zap.L().Info("session paused at gate",
			zap.String("session", sess.ID),
			zap.String("gate", string(next)),
		)
		return sess.Clone(), nil
	}

	payload, execErr := m.execute(ctx, sess, next)
	if execErr != nil {
		return m.fail(ctx, sess, next, execErr)
	}

	sess.StageOutputs[string(next)] = payload
	sess.CurrentStage = next
	if next == model.StageDispatched {
		sess.Status = model.SessionCompleted
	}
	sess.UpdatedAt = time.Now().UTC()
	m.persist(ctx, sess)

	zap.L().Info("session advanced",
		zap.String("session", sess.ID),
		zap.String("stage", string(next)),
		zap.String("status", string(sess.Status)),
	)
	return sess.Clone(), nil
}

// execute runs the stage's collaborator call under the retry policy.
func (m *Machine) execute(ctx context.Context, sess *model.Session, st model.Stage) (json.RawMessage, error) {
	cfg := m.retry
	cfg.OnRetry = resilience.RetryLogger(string(st), sess.ID)
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (json.RawMessage, error) {
		return m.registry.Run(ctx, st, sess.Document, sess.StageOutputs)
	})
}

// fail records the stage error under the reserved output key, marks the
// session failed, and checkpoints the failure so it survives restarts.
func (m *Machine) fail(ctx context.Context, sess *model.Session, st model.Stage, execErr error) (*model.Session, error) {
	stageErr := model.StageError{
		Stage:   st,
		Message: execErr.Error(),
		Final:   resilience.IsFatal(execErr),
	}
	if raw, err := json.Marshal(stageErr); err == nil {
		sess.StageOutputs[model.ErrorOutputKey] = raw
	}
	sess.Status = model.SessionFailed
	sess.UpdatedAt = time.Now().UTC()
	m.persist(ctx, sess)

	zap.L().Error("session failed",
		zap.String("session", sess.ID),
		zap.String("stage", string(st)),
		zap.Bool("fatal", stageErr.Final),
		zap.Error(execErr),
	)
	return nil, &StageExecutionError{SessionID: sess.ID, Stage: st, Err: execErr}
}

// RunUntilBlocked advances the session until it pauses at a gate, completes,
// or fails.
func (m *Machine) RunUntilBlocked(ctx context.Context, sessionID string) (*model.Session, error) {
	for {
		sess, err := m.Advance(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.Status != model.SessionRunning {
			return sess, nil
		}
		if err := ctx.Err(); err != nil {
			return sess, eris.Wrapf(err, "workflow: run session %s", sessionID)
		}
	}
}

// ResolveGate consumes a gate decision exactly once. A duplicate signal with
// the same decision returns the stored state without side effects; a
// conflicting duplicate is a GateReplayError. Approval resumes the session
// with one transition past the gate.
func (m *Machine) ResolveGate(ctx context.Context, decision model.GateDecision) (*model.Session, error) {
	if !decision.GateName.IsGate() {
		return nil, &ValidationError{Field: "gate_name", Reason: "not a gate stage"}
	}
	if decision.Decision != model.DecisionApprove && decision.Decision != model.DecisionReject {
		return nil, &ValidationError{Field: "decision", Reason: "must be approve or reject"}
	}

	st, err := m.state(ctx, decision.SessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	sess := st.sess

	if recorded, ok := sess.GateOutcome(decision.GateName); ok {
		defer st.mu.Unlock()
		if recorded.Decision == decision.Decision {
			zap.L().Info("gate decision replayed, answered from record",
				zap.String("session", sess.ID),
				zap.String("gate", string(decision.GateName)),
				zap.String("decision", string(recorded.Decision)),
			)
			return sess.Clone(), nil
		}
		return nil, &GateReplayError{
			SessionID: sess.ID,
			Gate:      decision.GateName,
			Recorded:  recorded.Decision,
			Received:  decision.Decision,
		}
	}

	if sess.Status != model.SessionPaused || sess.CurrentStage != decision.GateName {
		defer st.mu.Unlock()
		return nil, &InvalidTransitionError{
			SessionID: sess.ID, Stage: sess.CurrentStage, Status: sess.Status,
			Op: "resolve " + string(decision.GateName),
		}
	}

	sess.Gates[string(decision.GateName)] = model.GateOutcome{
		Decision:   decision.Decision,
		ResolvedAt: time.Now().UTC(),
	}

	if decision.Decision == model.DecisionReject {
		sess.Status = model.SessionRejected
		sess.UpdatedAt = time.Now().UTC()
		m.persist(ctx, sess)
		st.mu.Unlock()
		zap.L().Info("session rejected at gate",
			zap.String("session", sess.ID),
			zap.String("gate", string(decision.GateName)),
		)
		return sess.Clone(), nil
	}

	sess.Status = model.SessionRunning
	sess.UpdatedAt = time.Now().UTC()
	m.persist(ctx, sess)
	st.mu.Unlock()

	zap.L().Info("gate approved, session resumed",
		zap.String("session", sess.ID),
		zap.String("gate", string(decision.GateName)),
	)
	return m.Advance(ctx, sess.ID)
}

// Supersede terminates a sibling session that lost batch selection. Only
// non-terminal sessions can be superseded.
func (m *Machine) Supersede(ctx context.Context, sessionID string) error {
	st, err := m.state(ctx, sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	sess := st.sess

	if sess.Status.Terminal() {
		return nil
	}
	sess.Status = model.SessionSuperseded
	sess.UpdatedAt = time.Now().UTC()
	m.persist(ctx, sess)

	zap.L().Info("session superseded", zap.String("session", sess.ID))
	return nil
}

// persist checkpoints the session. Append failures degrade durability but
// never block the in-memory transition; the fallback store logs the switch.
func (m *Machine) persist(ctx context.Context, sess *model.Session) {
	payload, err := model.Snapshot(sess)
	if err != nil {
		zap.L().Error("snapshot failed", zap.String("session", sess.ID), zap.Error(err))
		return
	}
	if _, err := m.store.Append(ctx, sess.ID, payload, checkpoint.Meta{
		Stage: sess.CurrentStage,
		At:    sess.UpdatedAt,
	}); err != nil {
		zap.L().Warn("checkpoint append failed, session state is memory-only",
			zap.String("session", sess.ID),
			zap.Error(err),
		)
	}
}
