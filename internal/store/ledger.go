package store

import (
	"context"
	"iter"

	"github.com/phrazzld/docbulk/internal/domain"
)

// Stage1Outcome is the result of one stage 1 attempt as written to the ledger.
type Stage1Outcome struct {
	OK bool
	// RemoteID is required when OK is true.
	RemoteID string
	// ContentDigest is the digest of the transferred bytes, if known.
	ContentDigest string
	// Kind and Detail describe the failure when OK is false.
	Kind   domain.ErrorKind
	Detail string
}

// Stage2Outcome is the result of one stage 2 attempt as written to the ledger.
type Stage2Outcome struct {
	OK     bool
	Kind   domain.ErrorKind
	Detail string
}

// StatusCounts holds the number of records per status for each stage.
type StatusCounts struct {
	Total  int
	Stage1 map[domain.StageStatus]int
	Stage2 map[domain.StageStatus]int
}

// Ledger defines the durable progress record of a bulk upload run.
// Every mutating method is an atomic single-record operation; the ledger is
// the only source of truth for what remains to be done.
// Version: 1.0
type Ledger interface {
	// UpsertPending inserts a not-yet-attempted record if its identifier is absent.
	// An existing record is left untouched. Reports whether a row was inserted.
	UpsertPending(ctx context.Context, rec *domain.DocumentRecord) (bool, error)

	// UpsertPendingBatch upserts many records in one transaction and returns
	// the number of rows inserted.
	UpsertPendingBatch(ctx context.Context, recs []*domain.DocumentRecord) (int, error)

	// MarkStage1 records the outcome of a stage 1 attempt.
	// Returns ErrDocumentNotFound for an unknown identifier and
	// ErrInvalidTransition if stage 1 already succeeded.
	MarkStage1(ctx context.Context, identifier string, outcome Stage1Outcome) error

	// MarkStage2 records the outcome of a stage 2 attempt.
	// Returns ErrInvalidTransition unless stage 1 has succeeded.
	MarkStage2(ctx context.Context, identifier string, outcome Stage2Outcome) error

	// SelectPending yields records whose stage 1 has not succeeded, plus
	// records whose stage 1 succeeded but whose stage 2 was never attempted
	// (a run that stopped between the two writes). Records come in insertion
	// order, pageSize rows at a time.
	SelectPending(ctx context.Context, pageSize int) iter.Seq2[domain.DocumentRecord, error]

	// SelectStage1Errors yields records whose stage 1 is in error, in insertion order.
	SelectStage1Errors(ctx context.Context, pageSize int) iter.Seq2[domain.DocumentRecord, error]

	// SelectStage2Errors yields records whose stage 2 is in error, in insertion order.
	SelectStage2Errors(ctx context.Context, pageSize int) iter.Seq2[domain.DocumentRecord, error]

	// Get retrieves a single record. Returns ErrDocumentNotFound if absent.
	Get(ctx context.Context, identifier string) (*domain.DocumentRecord, error)

	// Counts summarises the ledger by stage status.
	Counts(ctx context.Context) (*StatusCounts, error)
}

// PageFetcher loads up to limit records with a sequence number greater than afterSeq.
type PageFetcher func(ctx context.Context, afterSeq int64, limit int) ([]domain.DocumentRecord, error)

// Paginate turns a PageFetcher into a lazy sequence using keyset pagination.
// Each page is re-queried from the store only when the previous one has been
// consumed, so rows updated while iterating are seen in their current state and
// a restarted iteration re-derives the remaining work from durable state.
func Paginate(ctx context.Context, pageSize int, fetch PageFetcher) iter.Seq2[domain.DocumentRecord, error] {
	if pageSize <= 0 {
		pageSize = 1
	}
	return func(yield func(domain.DocumentRecord, error) bool) {
		var after int64
		for {
			if err := ctx.Err(); err != nil {
				yield(domain.DocumentRecord{}, err)
				return
			}
			page, err := fetch(ctx, after, pageSize)
			if err != nil {
				yield(domain.DocumentRecord{}, err)
				return
			}
			for _, rec := range page {
				after = rec.Seq
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}
