package checkpoint

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bidflow/internal/model"
)

// ErrNotFound is returned when a session has no checkpoints or a batch
// record does not exist.
var ErrNotFound = eris.New("checkpoint: not found")

// Meta describes the transition that produced a checkpoint.
type Meta struct {
	Stage model.Stage `json:"stage"`
	At    time.Time   `json:"at"`
}

// Store is the durable append-only checkpoint log plus batch-record
// persistence. Append for distinct session ids must be safe under
// concurrent writers; writes to the same session id are serialized by the
// session state machine, never by the store.
type Store interface {
	// Append writes an immutable snapshot and returns its per-session
	// monotonic sequence number.
	Append(ctx context.Context, sessionID string, payload []byte, meta Meta) (int64, error)
	// Latest returns the newest checkpoint for the session, or ErrNotFound.
	Latest(ctx context.Context, sessionID string) (*model.Checkpoint, error)
	// List returns all checkpoints for the session in sequence order.
	List(ctx context.Context, sessionID string) ([]model.Checkpoint, error)

	// Batch records.
	SaveBatch(ctx context.Context, b *model.Batch) error
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)
	ListBatches(ctx context.Context, limit int) ([]model.Batch, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
