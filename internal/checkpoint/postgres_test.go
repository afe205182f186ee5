package checkpoint

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bidflow/internal/model"
)

func newMockPostgres(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresFromPool(mock), mock
}

func TestPostgresMigrate(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS checkpoints").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendReturnsSeq(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery("INSERT INTO checkpoints").
		WithArgs("sess-1", "extraction", []byte(`{}`), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(int64(4)))

	seq, err := s.Append(context.Background(), "sess-1", []byte(`{}`), Meta{Stage: model.StageExtraction})
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendEmptySessionID(t *testing.T) {
	s, _ := newMockPostgres(t)
	_, err := s.Append(context.Background(), "", []byte(`{}`), Meta{})
	assert.Error(t, err)
}

func TestPostgresLatest(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT session_id, seq, parent_seq, stage, payload, created_at FROM checkpoints").
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{"session_id", "seq", "parent_seq", "stage", "payload", "created_at"}).
			AddRow("sess-1", int64(2), int64(1), "matching", []byte(`{"a":1}`), now))

	cp, err := s.Latest(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.Seq)
	assert.Equal(t, model.StageMatching, cp.Stage)
	assert.JSONEq(t, `{"a":1}`, string(cp.Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLatestNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT session_id, seq, parent_seq, stage, payload, created_at FROM checkpoints").
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"session_id", "seq", "parent_seq", "stage", "payload", "created_at"}))

	_, err := s.Latest(context.Background(), "nope")
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestPostgresList(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT session_id, seq, parent_seq, stage, payload, created_at FROM checkpoints").
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{"session_id", "seq", "parent_seq", "stage", "payload", "created_at"}).
			AddRow("sess-1", int64(1), int64(0), "intake", []byte(`{}`), now).
			AddRow("sess-1", int64(2), int64(1), "extraction", []byte(`{}`), now))

	cps, err := s.List(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, model.StageIntake, cps[0].Stage)
	assert.Equal(t, model.StageExtraction, cps[1].Stage)
}

func TestPostgresSaveAndGetBatch(t *testing.T) {
	s, mock := newMockPostgres(t)
	b := &model.Batch{
		ID:         "batch-1",
		SessionIDs: []string{"s1", "s2"},
		TotalCount: 2,
		Status:     model.BatchProcessing,
		CreatedAt:  time.Now().UTC(),
	}
	record, err := json.Marshal(b)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO batches").
		WithArgs(b.ID, record, b.CreatedAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SaveBatch(context.Background(), b))

	mock.ExpectQuery("SELECT record FROM batches").
		WithArgs("batch-1").
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(record))

	got, err := s.GetBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, b.SessionIDs, got.SessionIDs)
	assert.Equal(t, model.BatchProcessing, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetBatchNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT record FROM batches").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"record"}))

	_, err := s.GetBatch(context.Background(), "missing")
	assert.True(t, eris.Is(err, ErrNotFound))
}
