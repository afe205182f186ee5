package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/bidflow/internal/model"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore; pgxmock
// satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool; used by tests.
func NewPostgresFromPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT NOT NULL,
	seq        BIGINT NOT NULL,
	parent_seq BIGINT NOT NULL,
	stage      TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	record     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches(created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, sessionID string, payload []byte, meta Meta) (int64, error) {
	if sessionID == "" {
		return 0, eris.New("postgres: empty session id")
	}
	at := meta.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	// Single-statement append keeps the seq allocation atomic without an
	// explicit transaction; same-session writers are already serialized by
	// the state machine.
	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO checkpoints (session_id, seq, parent_seq, stage, payload, created_at)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, COALESCE(MAX(seq), 0), $2, $3, $4
		 FROM checkpoints WHERE session_id = $1
		 RETURNING seq`,
		sessionID, string(meta.Stage), payload, at,
	).Scan(&seq)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: append checkpoint %s", sessionID)
	}
	return seq, nil
}

func (s *PostgresStore) Latest(ctx context.Context, sessionID string) (*model.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT session_id, seq, parent_seq, stage, payload, created_at FROM checkpoints
		 WHERE session_id = $1 ORDER BY seq DESC LIMIT 1`,
		sessionID,
	)
	cp, err := scanPgCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest checkpoint %s", sessionID)
	}
	return cp, nil
}

func (s *PostgresStore) List(ctx context.Context, sessionID string) ([]model.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, seq, parent_seq, stage, payload, created_at FROM checkpoints
		 WHERE session_id = $1 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list checkpoints")
	}
	defer rows.Close()

	var out []model.Checkpoint
	for rows.Next() {
		cp, err := scanPgCheckpoint(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan checkpoint")
		}
		out = append(out, *cp)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list checkpoints iterate")
}

func (s *PostgresStore) SaveBatch(ctx context.Context, b *model.Batch) error {
	record, err := json.Marshal(b)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal batch")
	}
	now := time.Now().UTC()
	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO batches (id, record, created_at, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`,
		b.ID, record, createdAt, now,
	)
	return eris.Wrapf(err, "postgres: save batch %s", b.ID)
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	var record []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM batches WHERE id = $1`, batchID,
	).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", batchID)
	}

	var b model.Batch
	if err := json.Unmarshal(record, &b); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal batch")
	}
	return &b, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, limit int) ([]model.Batch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM batches ORDER BY created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var out []model.Batch
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		var b model.Batch
		if err := json.Unmarshal(record, &b); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal batch")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list batches iterate")
}

func scanPgCheckpoint(row pgx.Row) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var stage string
	var payload []byte
	if err := row.Scan(&cp.SessionID, &cp.Seq, &cp.ParentSeq, &stage, &payload, &cp.CreatedAt); err != nil {
		return nil, err
	}
	cp.Stage = model.Stage(stage)
	cp.Payload = json.RawMessage(payload)
	return &cp, nil
}
