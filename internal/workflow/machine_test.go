package workflow

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bidflow/internal/checkpoint"
	"github.com/sells-group/bidflow/internal/model"
	"github.com/sells-group/bidflow/internal/resilience"
	"github.com/sells-group/bidflow/internal/stage"
)

var testDoc = model.DocumentRef{ID: "doc-1", Name: "rfp.pdf", URI: "file:///tmp/rfp.pdf"}

func testRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

// okExecutor returns a minimal valid payload for any work stage.
func okExecutor(st model.Stage) stage.Executor {
	return stage.NewFunc(st, func(_ context.Context, doc model.DocumentRef, _ map[string]json.RawMessage) (json.RawMessage, error) {
		raw, _ := json.Marshal(map[string]string{"stage": string(st), "document": doc.ID})
		return raw, nil
	})
}

func okRegistry() *stage.Registry {
	return stage.NewRegistry([]stage.Executor{
		okExecutor(model.StageExtraction),
		okExecutor(model.StageMatching),
		okExecutor(model.StagePricing),
		okExecutor(model.StageAssembly),
		okExecutor(model.StageDispatched),
	})
}

func TestCreateSessionValidation(t *testing.T) {
	m := NewMachine(checkpoint.NewMemory(), okRegistry(), testRetry())
	ctx := context.Background()

	_, err := m.CreateSession(ctx, model.DocumentRef{Name: "x"}, "", 0)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	_, err = m.CreateSession(ctx, model.DocumentRef{ID: "doc-1"}, "", 0)
	require.ErrorAs(t, err, &vErr)
}

func TestSessionRunsToReviewGate(t *testing.T) {
	store := checkpoint.NewMemory()
	m := NewMachine(store, okRegistry(), testRetry())
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, testDoc, "batch-1", 0)
	require.NoError(t, err)
	assert.Equal(t, model.StageIntake, sess.CurrentStage)
	assert.Equal(t, model.SessionRunning, sess.Status)

	sess, err = m.RunUntilBlocked(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GateReview, sess.CurrentStage)
	assert.Equal(t, model.SessionPaused, sess.Status)

	// Work products of the pre-gate stages are recorded.
	assert.NotNil(t, sess.Output(model.StageExtraction))
	assert.NotNil(t, sess.Output(model.StageMatching))
	assert.Nil(t, sess.Output(model.StagePricing))

	// Every transition produced a checkpoint: create, extraction,
	// matching, pause at gate.
	cps, err := store.List(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 4)
}

func TestApprovalRunsThroughToDispatchGate(t *testing.T) {
	m := NewMachine(checkpoint.NewMemory(), okRegistry(), testRetry())
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, testDoc, "batch-1", 0)
	require.NoError(t, err)
	_, err = m.RunUntilBlocked(ctx, sess.ID)
	require.NoError(t, err)

	// Approval consumes the gate and performs one transition (pricing).
	resumed, err := m.ResolveGate(ctx, model.GateDecision{
		SessionID: sess.ID, GateName: model.GateReview, Decision: model.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StagePricing, resumed.CurrentStage)
	assert.Equal(t, model.SessionRunning, resumed.Status)

	blocked, err := m.RunUntilBlocked(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GateDispatch, blocked.CurrentStage)
	assert.Equal(t, model.SessionPaused, blocked.Status)
	assert.NotNil(t, blocked.Output(model.StagePricing))
	assert.NotNil(t, blocked.Output(model.StageAssembly))
}

func TestDispatchApprovalCompletesSession(t *testing.T) {
	m := NewMachine(checkpoint.NewMemory(), okRegistry(), testRetry())
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, testDoc, "batch-1", 0)
	require.NoError(t, err)
	_, err = m.RunUntilBlocked(ctx, sess.ID)
	require.NoError(t, err)
	_, err = m.ResolveGate(ctx, model.GateDecision{
		SessionID: sess.ID, GateName: model.GateReview, Decision: model.DecisionApprove,
	})
	require.NoError(t, err)
	_, err = m.RunUntilBlocked(ctx, sess.ID)
	require.NoError(t, err)

	done, err := m.ResolveGate(ctx, model.GateDecision{
		SessionID: sess.ID, GateName: model.GateDispatch, Decision: model.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StageDispatched, done.CurrentStage)
	assert.Equal(t, model.SessionCompleted, done.Status)
	assert.NotNil(t, done.Output(model.StageDispatched))
}

func TestGateRejectTerminatesSession(t *testing.T) {
	m := NewMachine(checkpoint.NewMemory(), okRegistry(), testRetry())
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, testDoc, "batch-1", 0)
	require.NoError(t, err)
	_, err = m.RunUntilBlocked(ctx, sess.ID)
	require.NoError(t, err)

	rejected, err := m.ResolveGate(ctx, model.GateDecision{
		SessionID: sess.ID, GateName: model.GateReview, Decision: model.DecisionReject,
	})
	require.NoError(t, err)
	assert.Equal(t, model.SessionRejected, rejected.Status)

	// A terminal session cannot advance.
	_, err = m.Advance(ctx, sess.ID)
	var itErr *InvalidTransitionError
	require.ErrorAs(t, err, &itErr)
}

func TestGateReplayIsIdempotent(t *testing.T) {
	m := NewMachine(checkpoint.NewMemory(), okRegistry(), testRetry())
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, testDoc, "batch-1", 0)
	require.NoError(t, err)
	_, err = m.RunUntilBlocked(ctx, sess.ID)
	require.NoError(t, err)

	first, err := m.ResolveGate(ctx, model.GateDecision{
		SessionID: sess.ID, GateName: model.GateReview, Decision: model.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StagePricing, first.CurrentStage)

	// Same decision again: answered from the stored outcome, no second
	// transition.
	replay, err := m.ResolveGate(ctx, model.GateDecision{
		SessionID: sess.ID, GateName: model.GateReview, Decision: model.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, first.CurrentStage, replay.CurrentStage)

	outcome, ok := replay.GateOutcome(model.GateReview)
	require.True(t, ok)
	assert.Equal(t, model.DecisionApprove, outcome.Decision)

	// Conflicting decision is an explicit replay error.
	_, err = m.ResolveGate(ctx, model.GateDecision{
		SessionID: sess.ID, GateName: model.GateReview, Decision: model.DecisionReject,
	})
	var rErr *GateReplayError
	require.ErrorAs(t, err, &rErr)
	assert.Equal(t, model.DecisionApprove, rErr.Recorded)
	assert.Equal(t, model.DecisionReject, rErr.Received)
}

func TestResolveGateRequiresPauseAtThatGate(t *testing.T) {
	m := NewMachine(checkpoint.NewMemory(), okRegistry(), testRetry())
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, testDoc, "batch-1", 0)
	require.NoError(t, err)

	// Still running at intake: no gate to resolve.
	_, err = m.ResolveGate(ctx, model.GateDecision{
		SessionID: sess.ID, GateName: model.GateReview, Decision: model.DecisionApprove,
	})
	var itErr *InvalidTransitionError
	require.ErrorAs(t, err, &itErr)

	// Paused at gate_review: resolving gate_dispatch is out of order.
	_, err = m.RunUntilBlocked(ctx, sess.ID)
	require.NoError(t, err)
	_, err = m.ResolveGate(ctx, model.GateDecision{
		SessionID: sess.ID, GateName: model.GateDispatch, Decision: model.DecisionApprove,
	})
	require.ErrorAs(t, err, &itErr)
}

func TestTransientFailuresRetryToSuccess(t *testing.T) {
	var calls atomic.Int32
	reg := stage.NewRegistry([]stage.Executor{
		stage.NewFunc(model.StageExtraction, func(context.Context, model.DocumentRef, map[string]json.RawMessage) (json.RawMessage, error) {
			if calls.Add(1) <= 2 {
				return nil, resilience.NewTransientError(assert.AnError, 503)
			}
			return json.RawMessage(`{"ok":true}`), nil
		}),
		okExecutor(model.StageMatching),
	})
	m := NewMachine(checkpoint.NewMemory(), reg, testRetry())
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, testDoc, "batch-1", 0)
	require.NoError(t, err)

	blocked, err := m.RunUntilBlocked(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, model.GateReview, blocked.CurrentStage)
	assert.Nil(t, blocked.StageOutputs[model.ErrorOutputKey])
}

func TestFatalFailureFailsSessionImmediately(t *testing.T) {
	var calls atomic.Int32
	reg := stage.NewRegistry([]stage.Executor{
		stage.NewFunc(model.StageExtraction, func(context.Context, model.DocumentRef, map[string]json.RawMessage) (json.RawMessage, error) {
			calls.Add(1)
			return nil, resilience.NewFatalError(assert.AnError)
		}),
	})
	m := NewMachine(checkpoint.NewMemory(), reg, testRetry())
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, testDoc, "batch-1", 0)
	require.NoError(t, err)

	_, err = m.RunUntilBlocked(ctx, sess.ID)
	var sErr *StageExecutionError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, model.StageExtraction, sErr.Stage)
	assert.Equal(t, int32(1), calls.Load(), "fatal errors must not be retried")

	failed, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, failed.Status)

	var stageErr model.StageError
	require.NoError(t, json.Unmarshal(failed.StageOutputs[model.ErrorOutputKey], &stageErr))
	assert.Equal(t, model.StageExtraction, stageErr.Stage)
	assert.True(t, stageErr.Final)
}

func TestExhaustedRetriesFailSession(t *testing.T) {
	var calls atomic.Int32
	reg := stage.NewRegistry([]stage.Executor{
		stage.NewFunc(model.StageExtraction, func(context.Context, model.DocumentRef, map[string]json.RawMessage) (json.RawMessage, error) {
			calls.Add(1)
			return nil, resilience.NewTransientError(assert.AnError, 503)
		}),
	})
	m := NewMachine(checkpoint.NewMemory(), reg, testRetry())
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, testDoc, "batch-1", 0)
	require.NoError(t, err)

	_, err = m.RunUntilBlocked(ctx, sess.ID)
	var sErr *StageExecutionError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, int32(3), calls.Load())

	failed, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, failed.Status)
}

func TestRestoreFromCheckpointAfterRestart(t *testing.T) {
	store := checkpoint.NewMemory()
	ctx := context.Background()

	m1 := NewMachine(store, okRegistry(), testRetry())
	sess, err := m1.CreateSession(ctx, testDoc, "batch-1", 0)
	require.NoError(t, err)
	paused, err := m1.RunUntilBlocked(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.GateReview, paused.CurrentStage)

	// A fresh machine over the same store models a process restart.
	m2 := NewMachine(store, okRegistry(), testRetry())
	restored, err := m2.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GateReview, restored.CurrentStage)
	assert.Equal(t, model.SessionPaused, restored.Status)
	assert.JSONEq(t, string(paused.Output(model.StageMatching)), string(restored.Output(model.StageMatching)))

	// The restored session resumes exactly where it paused.
	resumed, err := m2.ResolveGate(ctx, model.GateDecision{
		SessionID: sess.ID, GateName: model.GateReview, Decision: model.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StagePricing, resumed.CurrentStage)
}

func TestSupersede(t *testing.T) {
	m := NewMachine(checkpoint.NewMemory(), okRegistry(), testRetry())
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, testDoc, "batch-1", 0)
	require.NoError(t, err)
	_, err = m.RunUntilBlocked(ctx, sess.ID)
	require.NoError(t, err)

	require.NoError(t, m.Supersede(ctx, sess.ID))
	got, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionSuperseded, got.Status)

	// Superseding a terminal session is a no-op.
	require.NoError(t, m.Supersede(ctx, sess.ID))
}

// downStore refuses every operation, modeling an unreachable database.
type downStore struct{}

var errDown = assert.AnError

func (downStore) Append(context.Context, string, []byte, checkpoint.Meta) (int64, error) {
	return 0, errDown
}
func (downStore) Latest(context.Context, string) (*model.Checkpoint, error)  { return nil, errDown }
func (downStore) List(context.Context, string) ([]model.Checkpoint, error)   { return nil, errDown }
func (downStore) SaveBatch(context.Context, *model.Batch) error              { return errDown }
func (downStore) GetBatch(context.Context, string) (*model.Batch, error)     { return nil, errDown }
func (downStore) ListBatches(context.Context, int) ([]model.Batch, error)    { return nil, errDown }
func (downStore) Migrate(context.Context) error                              { return errDown }
func (downStore) Close() error                                               { return nil }

func TestAdvanceContinuesWhenStoreDegrades(t *testing.T) {
	// The durable store is down from the start. Sessions keep advancing on
	// the in-memory fallback; only restart durability is lost.
	fb := checkpoint.NewFallback(downStore{}, nil)
	m := NewMachine(fb, okRegistry(), testRetry())
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, testDoc, "batch-1", 0)
	require.NoError(t, err)

	blocked, err := m.RunUntilBlocked(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GateReview, blocked.CurrentStage)
	assert.True(t, fb.Degraded())

	// A machine built over a fresh fallback cannot see the memory-only
	// state: the documented loss mode for degraded operation.
	m2 := NewMachine(checkpoint.NewFallback(downStore{}, nil), okRegistry(), testRetry())
	_, err = m2.Get(ctx, sess.ID)
	assert.Error(t, err)
}
