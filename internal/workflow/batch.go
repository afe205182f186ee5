package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/bidflow/internal/checkpoint"
	"github.com/sells-group/bidflow/internal/model"
	"github.com/sells-group/bidflow/internal/selector"
)

// Manager owns batch fan-out, ranking, and the batch-wide gate decisions.
type Manager struct {
	machine  *Machine
	store    checkpoint.Store
	selector *selector.Selector

	maxBatchSize int
	poolSize     int

	// Serializes batch record mutation; session state has its own locking.
	mu sync.Mutex
}

// NewManager creates a batch manager over the session machine.
func NewManager(machine *Machine, store checkpoint.Store, sel *selector.Selector, maxBatchSize, poolSize int) *Manager {
	if maxBatchSize <= 0 {
		maxBatchSize = 10
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Manager{
		machine:      machine,
		store:        store,
		selector:     sel,
		maxBatchSize: maxBatchSize,
		poolSize:     poolSize,
	}
}

// SubmitBatch validates the document set and creates one session per
// document in submission order. No stage work starts until Run.
func (m *Manager) SubmitBatch(ctx context.Context, docs []model.DocumentRef) (*model.Batch, error) {
	if len(docs) == 0 {
		return nil, &ValidationError{Field: "documents", Reason: "batch must contain at least one document"}
	}
	if len(docs) > m.maxBatchSize {
		return nil, &ValidationError{
			Field:  "documents",
			Reason: fmt.Sprintf("batch size %d exceeds maximum %d", len(docs), m.maxBatchSize),
		}
	}
	seen := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		if _, dup := seen[d.ID]; dup {
			return nil, &ValidationError{Field: "documents", Reason: "duplicate document id " + d.ID}
		}
		seen[d.ID] = struct{}{}
	}

	now := time.Now().UTC()
	batch := &model.Batch{
		ID:         uuid.NewString(),
		SessionIDs: make([]string, 0, len(docs)),
		TotalCount: len(docs),
		Status:     model.BatchProcessing,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	for i, doc := range docs {
		sess, err := m.machine.CreateSession(ctx, doc, batch.ID, i)
		if err != nil {
			return nil, eris.Wrapf(err, "workflow: create session for document %s", doc.ID)
		}
		batch.SessionIDs = append(batch.SessionIDs, sess.ID)
	}

	if err := m.store.SaveBatch(ctx, batch); err != nil {
		return nil, eris.Wrapf(err, "workflow: save batch %s", batch.ID)
	}

	zap.L().Info("batch submitted",
		zap.String("batch", batch.ID),
		zap.Int("documents", batch.TotalCount),
	)
	return batch, nil
}

// GetBatch loads the batch record.
func (m *Manager) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	return m.store.GetBatch(ctx, batchID)
}

// ListBatches lists recent batch records.
func (m *Manager) ListBatches(ctx context.Context, limit int) ([]model.Batch, error) {
	return m.store.ListBatches(ctx, limit)
}

// Sessions returns the batch's sessions in submission order.
func (m *Manager) Sessions(ctx context.Context, batch *model.Batch) ([]*model.Session, error) {
	out := make([]*model.Session, 0, len(batch.SessionIDs))
	for _, id := range batch.SessionIDs {
		sess, err := m.machine.Get(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "workflow: load session %s", id)
		}
		out = append(out, sess)
	}
	return out, nil
}

// Run fans the batch's sessions out across the worker pool and drives each
// to its first blocking point. One session's failure never interrupts its
// siblings. After the barrier, surviving candidates are ranked (unless the
// batch holds a single document) and the batch waits for review.
func (m *Manager) Run(ctx context.Context, batchID string) (*model.Batch, error) {
	batch, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: load batch %s", batchID)
	}
	if batch.Status != model.BatchProcessing {
		return nil, &ValidationError{Field: "batch", Reason: "batch already ran"}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.poolSize)
	for _, id := range batch.SessionIDs {
		g.Go(func() error {
			if _, err := m.machine.RunUntilBlocked(gctx, id); err != nil {
				// Failure isolation: the session is already marked failed
				// and checkpointed; siblings keep going.
				zap.L().Warn("batch session failed during fan-out",
					zap.String("batch", batchID),
					zap.String("session", id),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	// Workers never return errors; Wait is the completion barrier.
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrapf(err, "workflow: run batch %s", batchID)
	}

	return m.rank(ctx, batch)
}

// rank scores surviving candidates and records the selection on the batch.
func (m *Manager) rank(ctx context.Context, batch *model.Batch) (*model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, err := m.Sessions(ctx, batch)
	if err != nil {
		return nil, err
	}

	var survivors []*model.Session
	failed := 0
	for _, sess := range sessions {
		switch {
		case sess.Status == model.SessionPaused && sess.CurrentStage == model.GateReview:
			survivors = append(survivors, sess)
		case sess.Status == model.SessionFailed:
			failed++
		}
	}
	batch.FailedCount = failed
	batch.UpdatedAt = time.Now().UTC()

	if len(survivors) == 0 {
		batch.Status = model.BatchCompleted
		batch.SelectionReasoning = "no viable candidate: every session failed before review"
		if err := m.store.SaveBatch(ctx, batch); err != nil {
			return nil, eris.Wrapf(err, "workflow: save batch %s", batch.ID)
		}
		zap.L().Warn("batch completed with no viable candidate", zap.String("batch", batch.ID))
		return batch, nil
	}

	batch.Status = model.BatchRanking
	if batch.TotalCount == 1 {
		batch.SelectedSessionID = survivors[0].ID
		batch.SelectionReasoning = "single-document batch; ranking skipped"
	} else {
		res, err := m.selector.Rank(batch.ID, survivors)
		if err != nil {
			return nil, eris.Wrapf(err, "workflow: rank batch %s", batch.ID)
		}
		batch.SelectedSessionID = res.SelectedSessionID
		batch.SelectionReasoning = res.Reasoning
		batch.Scores = res.Scores
	}

	if err := m.store.SaveBatch(ctx, batch); err != nil {
		return nil, eris.Wrapf(err, "workflow: save batch %s", batch.ID)
	}

	zap.L().Info("batch ranked",
		zap.String("batch", batch.ID),
		zap.String("selected", batch.SelectedSessionID),
		zap.Int("candidates", len(survivors)),
		zap.Int("failed", failed),
	)
	return batch, nil
}

// ResolveReview consumes the batch-wide review decision. selectedIndex, when
// set, overrides the scorer's pick by submission order. Approval advances
// the winner through pricing and assembly to the dispatch gate and
// supersedes the losing siblings; rejection closes the batch.
func (m *Manager) ResolveReview(ctx context.Context, batchID string, decision model.Decision, selectedIndex *int) (*model.Batch, error) {
	if decision != model.DecisionApprove && decision != model.DecisionReject {
		return nil, &ValidationError{Field: "decision", Reason: "must be approve or reject"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	batch, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: load batch %s", batchID)
	}
	if batch.Status != model.BatchRanking {
		return nil, &ValidationError{Field: "batch", Reason: "batch is not awaiting review"}
	}

	winnerID := batch.SelectedSessionID
	if selectedIndex != nil {
		idx := *selectedIndex
		if idx < 0 || idx >= len(batch.SessionIDs) {
			return nil, &ValidationError{Field: "selected_index", Reason: "out of range"}
		}
		override := batch.SessionIDs[idx]
		sess, err := m.machine.Get(ctx, override)
		if err != nil {
			return nil, err
		}
		if sess.Status != model.SessionPaused || sess.CurrentStage != model.GateReview {
			return nil, &ValidationError{Field: "selected_index", Reason: "session is not awaiting review"}
		}
		if override != winnerID {
			winnerID = override
			batch.SelectedSessionID = override
			batch.SelectionReasoning += fmt.Sprintf(" Overridden by reviewer to submission index %d.", idx)
		}
	}

	if decision == model.DecisionReject {
		if _, err := m.machine.ResolveGate(ctx, model.GateDecision{
			SessionID:  winnerID,
			GateName:   model.GateReview,
			Decision:   model.DecisionReject,
			ReceivedAt: time.Now().UTC(),
		}); err != nil {
			return nil, err
		}
		m.supersedeSiblings(ctx, batch, winnerID)
		batch.Status = model.BatchCompleted
		batch.SelectionReasoning += " Rejected at review."
		return m.save(ctx, batch)
	}

	if _, err := m.machine.ResolveGate(ctx, model.GateDecision{
		SessionID:  winnerID,
		GateName:   model.GateReview,
		Decision:   model.DecisionApprove,
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	// The approval transition already ran pricing; continue through
	// assembly to the dispatch gate.
	if _, err := m.machine.RunUntilBlocked(ctx, winnerID); err != nil {
		// Close the batch only when the session itself failed; other
		// errors leave the record untouched for a corrected retry.
		if !isStageFailure(err) {
			return nil, err
		}
		batch.Status = model.BatchCompleted
		batch.SelectionReasoning += " Selected session failed after approval."
		if _, saveErr := m.save(ctx, batch); saveErr != nil {
			return nil, saveErr
		}
		return nil, err
	}

	m.supersedeSiblings(ctx, batch, winnerID)
	batch.Status = model.BatchPricing
	return m.save(ctx, batch)
}

// ResolveDispatch consumes the final dispatch decision for the selected
// session and closes the batch.
func (m *Manager) ResolveDispatch(ctx context.Context, batchID string, decision model.Decision) (*model.Batch, error) {
	if decision != model.DecisionApprove && decision != model.DecisionReject {
		return nil, &ValidationError{Field: "decision", Reason: "must be approve or reject"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	batch, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: load batch %s", batchID)
	}
	if batch.Status != model.BatchPricing {
		return nil, &ValidationError{Field: "batch", Reason: "batch is not awaiting dispatch"}
	}

	sess, err := m.machine.ResolveGate(ctx, model.GateDecision{
		SessionID:  batch.SelectedSessionID,
		GateName:   model.GateDispatch,
		Decision:   decision,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		if !isStageFailure(err) {
			return nil, err
		}
		batch.Status = model.BatchCompleted
		batch.SelectionReasoning += " Selected session failed at dispatch."
		if _, saveErr := m.save(ctx, batch); saveErr != nil {
			return nil, saveErr
		}
		return nil, err
	}

	if sess.Status == model.SessionCompleted {
		batch.CompletedCount++
	}
	batch.Status = model.BatchCompleted
	return m.save(ctx, batch)
}

// isStageFailure reports whether err records an actual session failure, as
// opposed to bad input or a replayed decision.
func isStageFailure(err error) bool {
	var se *StageExecutionError
	return errors.As(err, &se)
}

func (m *Manager) supersedeSiblings(ctx context.Context, batch *model.Batch, winnerID string) {
	for _, id := range batch.SessionIDs {
		if id == winnerID {
			continue
		}
		if err := m.machine.Supersede(ctx, id); err != nil {
			zap.L().Warn("failed to supersede sibling",
				zap.String("batch", batch.ID),
				zap.String("session", id),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) save(ctx context.Context, batch *model.Batch) (*model.Batch, error) {
	batch.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveBatch(ctx, batch); err != nil {
		return nil, eris.Wrapf(err, "workflow: save batch %s", batch.ID)
	}
	return batch, nil
}
