package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bidflow/internal/model"
)

// MemoryStore is a process-local Store. It provides full coordinator
// semantics minus restart survival and backs the degraded mode of
// FallbackStore.
type MemoryStore struct {
	mu      sync.RWMutex
	chains  map[string][]model.Checkpoint
	batches map[string]model.Batch
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		chains:  make(map[string][]model.Checkpoint),
		batches: make(map[string]model.Batch),
	}
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, payload []byte, meta Meta) (int64, error) {
	if sessionID == "" {
		return 0, eris.New("memory: empty session id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[sessionID]
	seq := int64(len(chain)) + 1
	at := meta.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	cp := model.Checkpoint{
		SessionID: sessionID,
		Seq:       seq,
		ParentSeq: seq - 1,
		Stage:     meta.Stage,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: at,
	}
	s.chains[sessionID] = append(chain, cp)
	return seq, nil
}

func (s *MemoryStore) Latest(ctx context.Context, sessionID string) (*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[sessionID]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	cp := chain[len(chain)-1]
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, sessionID string) ([]model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[sessionID]
	out := make([]model.Checkpoint, len(chain))
	copy(out, chain)
	return out, nil
}

func (s *MemoryStore) SaveBatch(ctx context.Context, b *model.Batch) error {
	if b == nil || b.ID == "" {
		return eris.New("memory: batch without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = *b
	return nil
}

func (s *MemoryStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *MemoryStore) ListBatches(ctx context.Context, limit int) ([]model.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
