package manifest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/phrazzld/docbulk/internal/domain"
	"github.com/phrazzld/docbulk/internal/platform/logger"
	"github.com/phrazzld/docbulk/internal/store"
)

// DefaultImportBatchSize is the number of rows upserted per transaction.
const DefaultImportBatchSize = 1000

// ImportSummary counts the rows of one import.
type ImportSummary struct {
	Rows     int
	Inserted int
	Existing int
	Invalid  int
	// Interrupted is set when the import stopped early on cancellation.
	// Every flushed batch is committed; importing again picks up the rest.
	Interrupted bool
}

// Import upserts every valid row of r into the ledger as a pending record.
// Rows whose identifier is already present are left untouched, so importing
// the same table again is a no-op. Cancellation is honored between batches
// and is not an error; a batch that started is written on a detached context.
func Import(ctx context.Context, ledger store.Ledger, r *Reader, batchSize int, log *slog.Logger) (ImportSummary, error) {
	if batchSize <= 0 {
		batchSize = DefaultImportBatchSize
	}
	log = logger.FromContextOrDefault(ctx, log).With(slog.String("component", "manifest_import"))

	var summary ImportSummary
	pending := make([]*domain.DocumentRecord, 0, batchSize)
	detached := context.WithoutCancel(ctx)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		inserted, err := ledger.UpsertPendingBatch(detached, pending)
		if err != nil {
			return err
		}
		summary.Inserted += inserted
		summary.Existing += len(pending) - inserted
		pending = pending[:0]
		return nil
	}

	for rec, err := range r.Records() {
		if err != nil {
			if errors.Is(err, ErrInvalidRow) {
				summary.Invalid++
				log.Warn("skipping manifest row", slog.String("error", err.Error()))
				continue
			}
			return summary, err
		}
		summary.Rows++
		pending = append(pending, rec)
		if len(pending) < batchSize {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if err := flush(); err != nil {
			return summary, err
		}
	}
	if ctx.Err() != nil {
		summary.Interrupted = true
		summary.Rows -= len(pending)
		log.Warn("manifest import interrupted",
			slog.Int("rows", summary.Rows),
			slog.Int("inserted", summary.Inserted))
		return summary, nil
	}
	if err := flush(); err != nil {
		return summary, err
	}

	log.Info("manifest imported",
		slog.Int("rows", summary.Rows),
		slog.Int("inserted", summary.Inserted),
		slog.Int("existing", summary.Existing),
		slog.Int("invalid", summary.Invalid))
	return summary, nil
}
