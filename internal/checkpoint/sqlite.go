package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/bidflow/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	parent_seq INTEGER NOT NULL,
	stage      TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	record     TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, payload []byte, meta Meta) (int64, error) {
	if sessionID == "" {
		return 0, eris.New("sqlite: empty session id")
	}
	at := meta.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin append")
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE session_id = ?`,
		sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: next seq")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, seq, parent_seq, stage, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, seq, seq-1, string(meta.Stage), string(payload), at,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: insert checkpoint %s/%d", sessionID, seq)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit append")
	}
	return seq, nil
}

func (s *SQLiteStore) Latest(ctx context.Context, sessionID string) (*model.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, seq, parent_seq, stage, payload, created_at FROM checkpoints
		 WHERE session_id = ? ORDER BY seq DESC LIMIT 1`,
		sessionID,
	)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest checkpoint %s", sessionID)
	}
	return cp, nil
}

func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, parent_seq, stage, payload, created_at FROM checkpoints
		 WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list checkpoints")
	}
	defer rows.Close()

	var out []model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan checkpoint")
		}
		out = append(out, *cp)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list checkpoints iterate")
}

func (s *SQLiteStore) SaveBatch(ctx context.Context, b *model.Batch) error {
	record, err := json.Marshal(b)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal batch")
	}
	now := time.Now().UTC()
	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batches (id, record, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		b.ID, string(record), createdAt, now,
	)
	return eris.Wrapf(err, "sqlite: save batch %s", b.ID)
}

func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM batches WHERE id = ?`, batchID,
	).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", batchID)
	}

	var b model.Batch
	if err := json.Unmarshal([]byte(record), &b); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal batch")
	}
	return &b, nil
}

func (s *SQLiteStore) ListBatches(ctx context.Context, limit int) ([]model.Batch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM batches ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close()

	var out []model.Batch
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch")
		}
		var b model.Batch
		if err := json.Unmarshal([]byte(record), &b); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal batch")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list batches iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scannable) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var stage, payload string
	if err := row.Scan(&cp.SessionID, &cp.Seq, &cp.ParentSeq, &stage, &payload, &cp.CreatedAt); err != nil {
		return nil, err
	}
	cp.Stage = model.Stage(stage)
	cp.Payload = json.RawMessage(payload)
	return &cp, nil
}
