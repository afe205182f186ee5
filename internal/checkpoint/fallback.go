package checkpoint

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bidflow/internal/model"
)

// ErrStoreUnavailable wraps the primary-store failure that triggered
// degraded mode. Callers can detect it with eris.Is.
var ErrStoreUnavailable = eris.New("checkpoint: primary store unavailable")

// FallbackStore wraps a primary Store and degrades to an in-memory store
// when the primary fails. Once degraded it stays degraded for the life of
// the process: checkpoints written after the switch do not survive a
// restart, which the switch-over log entry calls out.
type FallbackStore struct {
	primary  Store
	memory   *MemoryStore
	degraded atomic.Bool
	once     sync.Once
	logger   *zap.Logger
}

// NewFallback wraps primary with in-memory degradation.
func NewFallback(primary Store, logger *zap.Logger) *FallbackStore {
	if logger == nil {
		logger = zap.L()
	}
	return &FallbackStore{
		primary: primary,
		memory:  NewMemory(),
		logger:  logger,
	}
}

// Degraded reports whether the store has switched to memory-only mode.
func (s *FallbackStore) Degraded() bool {
	return s.degraded.Load()
}

func (s *FallbackStore) degrade(op string, err error) {
	s.degraded.Store(true)
	s.once.Do(func() {
		s.logger.Error("checkpoint store degraded to in-memory mode; durability lost until restart",
			zap.String("operation", op),
			zap.Error(err),
		)
	})
}

func (s *FallbackStore) Append(ctx context.Context, sessionID string, payload []byte, meta Meta) (int64, error) {
	if !s.degraded.Load() {
		seq, err := s.primary.Append(ctx, sessionID, payload, meta)
		if err == nil {
			// Mirror into memory so degraded reads see the full chain.
			if _, merr := s.memory.Append(ctx, sessionID, payload, meta); merr != nil {
				return 0, merr
			}
			return seq, nil
		}
		s.degrade("append", err)
	}
	return s.memory.Append(ctx, sessionID, payload, meta)
}

func (s *FallbackStore) Latest(ctx context.Context, sessionID string) (*model.Checkpoint, error) {
	if s.degraded.Load() {
		return s.memory.Latest(ctx, sessionID)
	}
	cp, err := s.primary.Latest(ctx, sessionID)
	if err != nil && !eris.Is(err, ErrNotFound) {
		s.degrade("latest", err)
		return s.memory.Latest(ctx, sessionID)
	}
	return cp, err
}

func (s *FallbackStore) List(ctx context.Context, sessionID string) ([]model.Checkpoint, error) {
	if s.degraded.Load() {
		return s.memory.List(ctx, sessionID)
	}
	cps, err := s.primary.List(ctx, sessionID)
	if err != nil {
		s.degrade("list", err)
		return s.memory.List(ctx, sessionID)
	}
	return cps, nil
}

func (s *FallbackStore) SaveBatch(ctx context.Context, b *model.Batch) error {
	if !s.degraded.Load() {
		err := s.primary.SaveBatch(ctx, b)
		if err == nil {
			return s.memory.SaveBatch(ctx, b)
		}
		s.degrade("save_batch", err)
	}
	return s.memory.SaveBatch(ctx, b)
}

func (s *FallbackStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	if s.degraded.Load() {
		return s.memory.GetBatch(ctx, batchID)
	}
	b, err := s.primary.GetBatch(ctx, batchID)
	if err != nil && !eris.Is(err, ErrNotFound) {
		s.degrade("get_batch", err)
		return s.memory.GetBatch(ctx, batchID)
	}
	return b, err
}

func (s *FallbackStore) ListBatches(ctx context.Context, limit int) ([]model.Batch, error) {
	if s.degraded.Load() {
		return s.memory.ListBatches(ctx, limit)
	}
	bs, err := s.primary.ListBatches(ctx, limit)
	if err != nil {
		s.degrade("list_batches", err)
		return s.memory.ListBatches(ctx, limit)
	}
	return bs, nil
}

func (s *FallbackStore) Migrate(ctx context.Context) error {
	if s.degraded.Load() {
		return nil
	}
	if err := s.primary.Migrate(ctx); err != nil {
		s.degrade("migrate", err)
		return eris.Wrapf(ErrStoreUnavailable, "migrate: %v", err)
	}
	return nil
}

func (s *FallbackStore) Close() error {
	return s.primary.Close()
}
