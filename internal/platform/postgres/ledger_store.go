package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/phrazzld/docbulk/internal/domain"
	"github.com/phrazzld/docbulk/internal/platform/logger"
	"github.com/phrazzld/docbulk/internal/store"
)

// documentColumns is the column list shared by every SELECT on documents.
const documentColumns = `seq, identifier, title, metadata, remote_id,
	stage1_status, stage1_error_kind, stage1_attempts,
	stage2_status, stage2_error_kind, stage2_attempts,
	last_error_detail, content_digest, created_at, updated_at`

const (
	insertPendingQuery = `
		INSERT INTO documents (identifier, title, metadata, stage1_status, stage2_status, created_at, updated_at)
		VALUES ($1, $2, $3, 'not_attempted', 'not_attempted', $4, $5)
		ON CONFLICT (identifier) DO NOTHING
		RETURNING seq
	`

	markStage1SuccessQuery = `
		UPDATE documents
		SET stage1_status = 'success',
			stage1_error_kind = NULL,
			stage1_attempts = stage1_attempts + 1,
			remote_id = $2,
			content_digest = NULLIF($3, ''),
			last_error_detail = NULL,
			updated_at = $4
		WHERE identifier = $1 AND stage1_status <> 'success'
	`

	markStage1ErrorQuery = `
		UPDATE documents
		SET stage1_status = 'error',
			stage1_error_kind = $2,
			stage1_attempts = stage1_attempts + 1,
			last_error_detail = $3,
			updated_at = $4
		WHERE identifier = $1 AND stage1_status <> 'success'
	`

	markStage2SuccessQuery = `
		UPDATE documents
		SET stage2_status = 'success',
			stage2_error_kind = NULL,
			stage2_attempts = stage2_attempts + 1,
			last_error_detail = NULL,
			updated_at = $2
		WHERE identifier = $1 AND stage1_status = 'success'
	`

	markStage2ErrorQuery = `
		UPDATE documents
		SET stage2_status = 'error',
			stage2_error_kind = $2,
			stage2_attempts = stage2_attempts + 1,
			last_error_detail = $3,
			updated_at = $4
		WHERE identifier = $1 AND stage1_status = 'success'
	`

	existsQuery = `SELECT EXISTS (SELECT 1 FROM documents WHERE identifier = $1)`

	countsQuery = `
		SELECT stage1_status, stage2_status, COUNT(*)
		FROM documents
		GROUP BY stage1_status, stage2_status
	`
)

// Row filters for the lazy views. Each is combined with keyset pagination on seq.
const (
	pendingFilter      = `(stage1_status <> 'success' OR stage2_status = 'not_attempted')`
	stage1ErrorsFilter = `stage1_status = 'error'`
	stage2ErrorsFilter = `stage2_status = 'error'`
)

// PostgresLedgerStore implements the store.Ledger interface
// using a PostgreSQL database as the storage backend.
type PostgresLedgerStore struct {
	db store.DBTX
	// conn is set when db is a pool, so batch upserts can open their own
	// transaction. It is nil for stores bound to an existing transaction.
	conn   *sql.DB
	logger *slog.Logger
}

// NewPostgresLedgerStore creates a new PostgreSQL implementation of the Ledger interface.
// If logger is nil, a default logger will be used.
func NewPostgresLedgerStore(db *sql.DB, logger *slog.Logger) *PostgresLedgerStore {
	if db == nil {
		panic("db cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresLedgerStore{
		db:     db,
		conn:   db,
		logger: logger.With(slog.String("component", "ledger_store")),
	}
}

// Ensure PostgresLedgerStore implements store.Ledger interface
var _ store.Ledger = (*PostgresLedgerStore)(nil)

// WithTx returns a new ledger store instance that uses the provided transaction.
func (s *PostgresLedgerStore) WithTx(tx *sql.Tx) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		db:     tx,
		logger: s.logger,
	}
}

// UpsertPending implements store.Ledger.UpsertPending.
// It inserts the record as not attempted; an existing identifier is left untouched.
func (s *PostgresLedgerStore) UpsertPending(ctx context.Context, rec *domain.DocumentRecord) (bool, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := rec.Validate(); err != nil {
		log.Warn("document validation failed during upsert",
			slog.String("error", err.Error()),
			slog.String("identifier", rec.Identifier))
		return false, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return false, fmt.Errorf("%w: metadata: %v", store.ErrInvalidEntity, err)
	}

	now := time.Now().UTC()
	var seq int64
	err = s.db.QueryRowContext(ctx, insertPendingQuery,
		rec.Identifier,
		rec.Title,
		string(metadata),
		now,
		now,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		log.Debug("document already in ledger", slog.String("identifier", rec.Identifier))
		return false, nil
	}
	if err != nil {
		log.Error("failed to upsert document",
			slog.String("error", err.Error()),
			slog.String("identifier", rec.Identifier))
		return false, store.WriteError("upsert_pending", rec.Identifier, MapError(err))
	}

	rec.Seq = seq
	return true, nil
}

// UpsertPendingBatch implements store.Ledger.UpsertPendingBatch.
// All records are inserted in one transaction; a failure inserts none of them.
func (s *PostgresLedgerStore) UpsertPendingBatch(ctx context.Context, recs []*domain.DocumentRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	upsertAll := func(ctx context.Context, ls *PostgresLedgerStore) (int, error) {
		inserted := 0
		for _, rec := range recs {
			ok, err := ls.UpsertPending(ctx, rec)
			if err != nil {
				return 0, err
			}
			if ok {
				inserted++
			}
		}
		return inserted, nil
	}

	// Already inside a caller-owned transaction
	if s.conn == nil {
		return upsertAll(ctx, s)
	}

	var inserted int
	err := store.RunInTransaction(ctx, s.conn, func(ctx context.Context, tx *sql.Tx) error {
		n, err := upsertAll(ctx, s.WithTx(tx))
		inserted = n
		return err
	})
	if errors.Is(err, store.ErrTransactionFailed) {
		return 0, store.WriteError("upsert_pending_batch", fmt.Sprintf("%d records", len(recs)), err)
	}
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// MarkStage1 implements store.Ledger.MarkStage1.
func (s *PostgresLedgerStore) MarkStage1(ctx context.Context, identifier string, outcome store.Stage1Outcome) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	now := time.Now().UTC()
	var (
		result sql.Result
		err    error
	)
	if outcome.OK {
		if outcome.RemoteID == "" {
			return fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrMissingRemoteID)
		}
		result, err = s.db.ExecContext(ctx, markStage1SuccessQuery,
			identifier, outcome.RemoteID, outcome.ContentDigest, now)
	} else {
		if !outcome.Kind.Valid() {
			return fmt.Errorf("%w: %v %q", store.ErrInvalidEntity, domain.ErrInvalidErrorKind, outcome.Kind)
		}
		result, err = s.db.ExecContext(ctx, markStage1ErrorQuery,
			identifier, string(outcome.Kind), outcome.Detail, now)
	}

	if err := s.checkUpdate(ctx, "mark_stage1", identifier, result, err); err != nil {
		log.Warn("stage 1 outcome not recorded",
			slog.String("identifier", identifier),
			slog.Bool("ok", outcome.OK),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// MarkStage2 implements store.Ledger.MarkStage2.
func (s *PostgresLedgerStore) MarkStage2(ctx context.Context, identifier string, outcome store.Stage2Outcome) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	now := time.Now().UTC()
	var (
		result sql.Result
		err    error
	)
	if outcome.OK {
		result, err = s.db.ExecContext(ctx, markStage2SuccessQuery, identifier, now)
	} else {
		if !outcome.Kind.Valid() {
			return fmt.Errorf("%w: %v %q", store.ErrInvalidEntity, domain.ErrInvalidErrorKind, outcome.Kind)
		}
		result, err = s.db.ExecContext(ctx, markStage2ErrorQuery,
			identifier, string(outcome.Kind), outcome.Detail, now)
	}

	if err := s.checkUpdate(ctx, "mark_stage2", identifier, result, err); err != nil {
		log.Warn("stage 2 outcome not recorded",
			slog.String("identifier", identifier),
			slog.Bool("ok", outcome.OK),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// checkUpdate classifies the result of a guarded UPDATE. Zero affected rows
// means either the identifier is unknown or the guard rejected the transition.
func (s *PostgresLedgerStore) checkUpdate(
	ctx context.Context,
	operation, identifier string,
	result sql.Result,
	err error,
) error {
	if err != nil {
		mapped := MapError(err)
		if errors.Is(mapped, store.ErrInvalidTransition) {
			return mapped
		}
		return store.WriteError(operation, identifier, mapped)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return store.WriteError(operation, identifier, fmt.Errorf("failed to get rows affected: %w", err))
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, existsQuery, identifier).Scan(&exists); err != nil {
		return store.WriteError(operation, identifier, MapError(err))
	}
	if !exists {
		return fmt.Errorf("%w: %s", store.ErrDocumentNotFound, identifier)
	}
	return fmt.Errorf("%w: %s on %s", store.ErrInvalidTransition, operation, identifier)
}

// SelectPending implements store.Ledger.SelectPending.
func (s *PostgresLedgerStore) SelectPending(ctx context.Context, pageSize int) iter.Seq2[domain.DocumentRecord, error] {
	return store.Paginate(ctx, pageSize, s.pageFetcher(pendingFilter))
}

// SelectStage1Errors implements store.Ledger.SelectStage1Errors.
func (s *PostgresLedgerStore) SelectStage1Errors(ctx context.Context, pageSize int) iter.Seq2[domain.DocumentRecord, error] {
	return store.Paginate(ctx, pageSize, s.pageFetcher(stage1ErrorsFilter))
}

// SelectStage2Errors implements store.Ledger.SelectStage2Errors.
func (s *PostgresLedgerStore) SelectStage2Errors(ctx context.Context, pageSize int) iter.Seq2[domain.DocumentRecord, error] {
	return store.Paginate(ctx, pageSize, s.pageFetcher(stage2ErrorsFilter))
}

// pageFetcher builds a keyset page query for one of the fixed row filters.
func (s *PostgresLedgerStore) pageFetcher(filter string) store.PageFetcher {
	query := `SELECT ` + documentColumns + `
		FROM documents
		WHERE ` + filter + ` AND seq > $1
		ORDER BY seq ASC
		LIMIT $2`

	return func(ctx context.Context, afterSeq int64, limit int) ([]domain.DocumentRecord, error) {
		log := logger.FromContextOrDefault(ctx, s.logger)

		rows, err := s.db.QueryContext(ctx, query, afterSeq, limit)
		if err != nil {
			log.Error("failed to query documents",
				slog.String("filter", filter),
				slog.String("error", err.Error()))
			return nil, fmt.Errorf("failed to query documents: %w", MapError(err))
		}
		defer func() { _ = rows.Close() }()

		page := make([]domain.DocumentRecord, 0, limit)
		for rows.Next() {
			rec, err := scanDocument(rows)
			if err != nil {
				return nil, err
			}
			page = append(page, *rec)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating document rows: %w", err)
		}
		return page, nil
	}
}

// Get implements store.Ledger.Get.
func (s *PostgresLedgerStore) Get(ctx context.Context, identifier string) (*domain.DocumentRecord, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE identifier = $1`

	rec, err := scanDocument(s.db.QueryRowContext(ctx, query, identifier))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrDocumentNotFound, identifier)
		}
		return nil, err
	}
	return rec, nil
}

// Counts implements store.Ledger.Counts.
func (s *PostgresLedgerStore) Counts(ctx context.Context) (*store.StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, countsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	counts := &store.StatusCounts{
		Stage1: make(map[domain.StageStatus]int),
		Stage2: make(map[domain.StageStatus]int),
	}
	for rows.Next() {
		var s1, s2 string
		var n int
		if err := rows.Scan(&s1, &s2, &n); err != nil {
			return nil, fmt.Errorf("failed to scan counts row: %w", err)
		}
		counts.Total += n
		counts.Stage1[domain.StageStatus(s1)] += n
		counts.Stage2[domain.StageStatus(s2)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts rows: %w", err)
	}
	return counts, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.DocumentRecord, error) {
	var (
		rec                        domain.DocumentRecord
		metadata                   []byte
		remoteID, kind1, kind2     sql.NullString
		detail, digest             sql.NullString
		stage1Status, stage2Status string
	)

	err := row.Scan(
		&rec.Seq,
		&rec.Identifier,
		&rec.Title,
		&metadata,
		&remoteID,
		&stage1Status,
		&kind1,
		&rec.Stage1Attempts,
		&stage2Status,
		&kind2,
		&rec.Stage2Attempts,
		&detail,
		&digest,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan document row: %w", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", rec.Identifier, err)
		}
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}

	rec.RemoteID = remoteID.String
	rec.Stage1Status = domain.StageStatus(stage1Status)
	rec.Stage1ErrorKind = domain.ErrorKind(kind1.String)
	rec.Stage2Status = domain.StageStatus(stage2Status)
	rec.Stage2ErrorKind = domain.ErrorKind(kind2.String)
	rec.LastErrorDetail = detail.String
	rec.ContentDigest = digest.String
	return &rec, nil
}
