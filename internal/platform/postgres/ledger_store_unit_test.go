package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/docbulk/internal/domain"
	"github.com/phrazzld/docbulk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var documentRowColumns = []string{
	"seq", "identifier", "title", "metadata", "remote_id",
	"stage1_status", "stage1_error_kind", "stage1_attempts",
	"stage2_status", "stage2_error_kind", "stage2_attempts",
	"last_error_detail", "content_digest", "created_at", "updated_at",
}

func newMockLedger(t *testing.T) (*PostgresLedgerStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPostgresLedgerStore(db, nil), mock
}

func pendingRow(rows *sqlmock.Rows, seq int64, identifier string) *sqlmock.Rows {
	now := time.Now().UTC()
	return rows.AddRow(
		seq, identifier, "Title "+identifier, []byte(`{"author":"alice"}`), nil,
		"not_attempted", nil, 0,
		"not_attempted", nil, 0,
		nil, nil, now, now,
	)
}

func TestUpsertPending(t *testing.T) {
	t.Run("inserts new record", func(t *testing.T) {
		ls, mock := newMockLedger(t)
		rec, err := domain.NewDocumentRecord("doc123", "Annual report", map[string]string{"author": "alice"})
		require.NoError(t, err)

		mock.ExpectQuery("INSERT INTO documents").
			WithArgs("doc123", "Annual report", `{"author":"alice"}`, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(7)))

		inserted, err := ls.UpsertPending(context.Background(), rec)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, int64(7), rec.Seq)
	})

	t.Run("existing identifier is a no-op", func(t *testing.T) {
		ls, mock := newMockLedger(t)
		rec, err := domain.NewDocumentRecord("doc123", "Annual report", nil)
		require.NoError(t, err)

		mock.ExpectQuery("INSERT INTO documents").
			WillReturnRows(sqlmock.NewRows([]string{"seq"}))

		inserted, err := ls.UpsertPending(context.Background(), rec)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Zero(t, rec.Seq)
	})

	t.Run("database failure is fatal", func(t *testing.T) {
		ls, mock := newMockLedger(t)
		rec, err := domain.NewDocumentRecord("doc123", "", nil)
		require.NoError(t, err)

		mock.ExpectQuery("INSERT INTO documents").WillReturnError(errors.New("connection refused"))

		_, err = ls.UpsertPending(context.Background(), rec)
		require.Error(t, err)
		assert.True(t, store.IsFatal(err))
	})

	t.Run("invalid record never reaches the database", func(t *testing.T) {
		ls, _ := newMockLedger(t)
		rec := &domain.DocumentRecord{Stage1Status: domain.StageNotAttempted, Stage2Status: domain.StageNotAttempted}

		_, err := ls.UpsertPending(context.Background(), rec)
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
	})
}

func TestUpsertPendingBatch(t *testing.T) {
	recs := make([]*domain.DocumentRecord, 0, 2)
	for _, id := range []string{"a", "b"} {
		rec, err := domain.NewDocumentRecord(id, "", nil)
		require.NoError(t, err)
		recs = append(recs, rec)
	}

	t.Run("commits all rows", func(t *testing.T) {
		ls, mock := newMockLedger(t)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO documents").WithArgs("a", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(1)))
		mock.ExpectQuery("INSERT INTO documents").WithArgs("b", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"seq"}))
		mock.ExpectCommit()

		n, err := ls.UpsertPendingBatch(context.Background(), recs)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		ls, mock := newMockLedger(t)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO documents").
			WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(1)))
		mock.ExpectQuery("INSERT INTO documents").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		n, err := ls.UpsertPendingBatch(context.Background(), recs)
		require.Error(t, err)
		assert.Zero(t, n)
		assert.True(t, store.IsFatal(err))
	})

	t.Run("commit failure is fatal", func(t *testing.T) {
		ls, mock := newMockLedger(t)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO documents").
			WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(1)))
		mock.ExpectQuery("INSERT INTO documents").
			WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(2)))
		mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

		n, err := ls.UpsertPendingBatch(context.Background(), recs)
		require.Error(t, err)
		assert.Zero(t, n)
		assert.True(t, store.IsFatal(err))
		assert.ErrorIs(t, err, store.ErrTransactionFailed)
		assert.Contains(t, err.Error(), "2 records")
	})
}

func TestMarkStage1(t *testing.T) {
	ctx := context.Background()

	t.Run("success stores remote id", func(t *testing.T) {
		ls, mock := newMockLedger(t)
		mock.ExpectExec("UPDATE documents\\s+SET stage1_status = 'success'").
			WithArgs("doc123", "dc-42", "digest", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := ls.MarkStage1(ctx, "doc123", store.Stage1Outcome{OK: true, RemoteID: "dc-42", ContentDigest: "digest"})
		assert.NoError(t, err)
	})

	t.Run("failure stores kind and detail", func(t *testing.T) {
		ls, mock := newMockLedger(t)
		mock.ExpectExec("UPDATE documents\\s+SET stage1_status = 'error'").
			WithArgs("doc123", "too_large", "file too large", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := ls.MarkStage1(ctx, "doc123", store.Stage1Outcome{Kind: domain.ErrorKindTooLarge, Detail: "file too large"})
		assert.NoError(t, err)
	})

	t.Run("success without remote id is rejected", func(t *testing.T) {
		ls, _ := newMockLedger(t)
		err := ls.MarkStage1(ctx, "doc123", store.Stage1Outcome{OK: true})
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
		assert.False(t, store.IsFatal(err))
	})

	t.Run("already succeeded is an invalid transition", func(t *testing.T) {
		ls, mock := newMockLedger(t)
		mock.ExpectExec("UPDATE documents").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").WithArgs("doc123").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err := ls.MarkStage1(ctx, "doc123", store.Stage1Outcome{OK: true, RemoteID: "dc-1"})
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
		assert.False(t, store.IsFatal(err))
	})

	t.Run("unknown identifier", func(t *testing.T) {
		ls, mock := newMockLedger(t)
		mock.ExpectExec("UPDATE documents").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		err := ls.MarkStage1(ctx, "ghost", store.Stage1Outcome{Kind: domain.ErrorKindNotFound})
		assert.ErrorIs(t, err, store.ErrDocumentNotFound)
	})

	t.Run("write failure is fatal", func(t *testing.T) {
		ls, mock := newMockLedger(t)
		mock.ExpectExec("UPDATE documents").WillReturnError(errors.New("connection reset"))

		err := ls.MarkStage1(ctx, "doc123", store.Stage1Outcome{Kind: domain.ErrorKindTransport})
		assert.True(t, store.IsFatal(err))
	})
}

func TestMarkStage2(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		ls, mock := newMockLedger(t)
		mock.ExpectExec("UPDATE documents\\s+SET stage2_status = 'success'").
			WithArgs("doc123", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, ls.MarkStage2(ctx, "doc123", store.Stage2Outcome{OK: true}))
	})

	t.Run("before stage 1 succeeded", func(t *testing.T) {
		ls, mock := newMockLedger(t)
		mock.ExpectExec("UPDATE documents\\s+SET stage2_status = 'error'").
			WithArgs("doc123", "processing_failure", "ocr queue full", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err := ls.MarkStage2(ctx, "doc123", store.Stage2Outcome{Kind: domain.ErrorKindProcessingFailure, Detail: "ocr queue full"})
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
	})

	t.Run("check constraint is not fatal", func(t *testing.T) {
		ls, mock := newMockLedger(t)
		mock.ExpectExec("UPDATE documents").
			WillReturnError(&pgconn.PgError{Code: checkViolationCode, ConstraintName: "documents_stage2_requires_stage1"})

		err := ls.MarkStage2(ctx, "doc123", store.Stage2Outcome{OK: true})
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
		assert.False(t, store.IsFatal(err))
	})

	t.Run("invalid kind", func(t *testing.T) {
		ls, _ := newMockLedger(t)
		err := ls.MarkStage2(ctx, "doc123", store.Stage2Outcome{Kind: "bogus"})
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
	})
}

func TestSelectPendingPaginates(t *testing.T) {
	ls, mock := newMockLedger(t)

	query := "FROM documents\\s+WHERE \\(stage1_status <> 'success' OR stage2_status = 'not_attempted'\\) AND seq > \\$1"
	mock.ExpectQuery(query).WithArgs(int64(0), 2).
		WillReturnRows(pendingRow(pendingRow(sqlmock.NewRows(documentRowColumns), 1, "a"), 2, "b"))
	mock.ExpectQuery(query).WithArgs(int64(2), 2).
		WillReturnRows(pendingRow(sqlmock.NewRows(documentRowColumns), 5, "c"))

	var got []string
	for rec, err := range ls.SelectPending(context.Background(), 2) {
		require.NoError(t, err)
		got = append(got, rec.Identifier)
		assert.Equal(t, "alice", rec.Metadata["author"])
		assert.Equal(t, domain.StageNotAttempted, rec.Stage1Status)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestSelectStage2ErrorsQueryFailure(t *testing.T) {
	ls, mock := newMockLedger(t)
	mock.ExpectQuery("WHERE stage2_status = 'error'").WillReturnError(errors.New("timeout"))

	var errs int
	for _, err := range ls.SelectStage2Errors(context.Background(), 10) {
		require.Error(t, err)
		errs++
	}
	assert.Equal(t, 1, errs)
}

func TestGet(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		ls, mock := newMockLedger(t)
		now := time.Now().UTC()
		mock.ExpectQuery("WHERE identifier = \\$1").WithArgs("doc123").
			WillReturnRows(sqlmock.NewRows(documentRowColumns).AddRow(
				int64(3), "doc123", "T", []byte(`{}`), "dc-9",
				"success", nil, 2,
				"error", "processing_failure", 1,
				"ocr failed", "abc", now, now,
			))

		rec, err := ls.Get(context.Background(), "doc123")
		require.NoError(t, err)
		assert.Equal(t, "dc-9", rec.RemoteID)
		assert.Equal(t, domain.StageSuccess, rec.Stage1Status)
		assert.Equal(t, 2, rec.Stage1Attempts)
		assert.Equal(t, domain.ErrorKindProcessingFailure, rec.Stage2ErrorKind)
		assert.Equal(t, "ocr failed", rec.LastErrorDetail)
		assert.NoError(t, rec.Validate())
	})

	t.Run("missing", func(t *testing.T) {
		ls, mock := newMockLedger(t)
		mock.ExpectQuery("WHERE identifier = \\$1").WillReturnRows(sqlmock.NewRows(documentRowColumns))

		_, err := ls.Get(context.Background(), "ghost")
		assert.ErrorIs(t, err, store.ErrDocumentNotFound)
	})
}

func TestCounts(t *testing.T) {
	ls, mock := newMockLedger(t)
	mock.ExpectQuery("GROUP BY stage1_status, stage2_status").
		WillReturnRows(sqlmock.NewRows([]string{"stage1_status", "stage2_status", "count"}).
			AddRow("success", "success", 5).
			AddRow("success", "error", 2).
			AddRow("error", "not_attempted", 1))

	counts, err := ls.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, counts.Total)
	assert.Equal(t, 7, counts.Stage1[domain.StageSuccess])
	assert.Equal(t, 1, counts.Stage1[domain.StageError])
	assert.Equal(t, 2, counts.Stage2[domain.StageError])
	assert.Equal(t, 1, counts.Stage2[domain.StageNotAttempted])
}
