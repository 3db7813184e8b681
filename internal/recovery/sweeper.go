package recovery

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/phrazzld/docbulk/internal/batch"
	"github.com/phrazzld/docbulk/internal/domain"
	"github.com/phrazzld/docbulk/internal/platform/logger"
	"github.com/phrazzld/docbulk/internal/redact"
	"github.com/phrazzld/docbulk/internal/remote"
	"github.com/phrazzld/docbulk/internal/store"
	"github.com/phrazzld/docbulk/internal/upload"
)

// StageRunner attempts single stages. upload.Executor implements it.
type StageRunner interface {
	Stage1(ctx context.Context, rec domain.DocumentRecord) (upload.Result, error)
	Stage2(ctx context.Context, rec domain.DocumentRecord) (upload.Result, error)
}

// ErrNoFinder is returned by passes that need to search the remote service
// when the Sweeper was built without a finder.
var ErrNoFinder = errors.New("recovery: remote search is not configured")

// Summary counts what a recovery pass did.
type Summary struct {
	batch.Summary
	// Adopted counts records marked successful from an existing remote copy.
	Adopted int
	// DeletedCopies counts stale remote copies removed before re-uploading.
	DeletedCopies int
	// RemoteFailures counts records whose stage 2 was flagged from a failed
	// remote copy.
	RemoteFailures int
	// Unmatched counts failed remote copies with no usable ledger record.
	Unmatched int
}

// LogValue implements slog.LogValuer.
func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("pass", s.Summary),
		slog.Int("adopted", s.Adopted),
		slog.Int("deleted_copies", s.DeletedCopies),
		slog.Int("remote_failures", s.RemoteFailures),
		slog.Int("unmatched", s.Unmatched),
	)
}

// Sweeper runs the recovery passes.
type Sweeper struct {
	ledger    store.Ledger
	runner    StageRunner
	finder    remote.Finder
	batchSize int
	logger    *slog.Logger
}

// NewSweeper creates a Sweeper. finder may be nil, which disables
// reconciliation with existing remote copies.
func NewSweeper(
	ledger store.Ledger,
	runner StageRunner,
	finder remote.Finder,
	batchSize int,
	log *slog.Logger,
) *Sweeper {
	if batchSize <= 0 {
		batchSize = batch.DefaultBatchSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		ledger:    ledger,
		runner:    runner,
		finder:    finder,
		batchSize: batchSize,
		logger:    log.With(slog.String("component", "recovery_sweeper")),
	}
}

// ReuploadErrorFiles retries stage 1 for every record whose stage 1 is in
// error, except too_large ones, and runs stage 2 right after each success.
func (s *Sweeper) ReuploadErrorFiles(ctx context.Context) (Summary, error) {
	return s.sweep(ctx, "stage1", s.ledger.SelectStage1Errors(ctx, s.batchSize), s.retryStage1)
}

// ReuploadErrorFiles2 retries stage 2 for every record whose stage 2 is in error.
func (s *Sweeper) ReuploadErrorFiles2(ctx context.Context) (Summary, error) {
	return s.sweep(ctx, "stage2", s.ledger.SelectStage2Errors(ctx, s.batchSize),
		func(ctx context.Context, rec domain.DocumentRecord, summary *Summary) error {
			res, err := s.runner.Stage2(ctx, rec)
			summary.Add(res)
			return err
		})
}

// FlagRemoteFailures searches the remote service for copies that ended in
// error or nofile and marks their ledger records' stage 2 as
// processing_failure, so ReuploadErrorFiles2 picks them up. Copies that are
// not the record's own remote copy are deleted. A zero projectID searches
// every project.
func (s *Sweeper) FlagRemoteFailures(ctx context.Context, projectID int) (Summary, error) {
	if s.finder == nil {
		return Summary{}, ErrNoFinder
	}
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("pass", "remote_failures"))
	log.Info("starting recovery pass", slog.Int("project_id", projectID))

	var summary Summary
	failed, err := s.finder.FindFailed(ctx, projectID)
	if err != nil {
		return summary, fmt.Errorf("find failed remote copies: %w", err)
	}

	detached := context.WithoutCancel(ctx)
	for _, doc := range failed {
		if ctx.Err() != nil {
			break
		}
		if err := s.flagRemoteFailure(detached, doc, &summary); err != nil {
			log.Error("recovery pass aborted", slog.String("error", err.Error()))
			return summary, err
		}
	}

	if ctx.Err() != nil {
		summary.Interrupted = true
		log.Warn("recovery pass interrupted", slog.Any("summary", summary))
	} else {
		log.Info("recovery pass complete", slog.Int("found", len(failed)), slog.Any("summary", summary))
	}
	return summary, nil
}

func (s *Sweeper) flagRemoteFailure(ctx context.Context, doc remote.Document, summary *Summary) error {
	log := logger.FromContextOrDefault(ctx, s.logger).With(
		slog.String("remote_id", doc.ID),
		slog.String("identifier", doc.Identifier),
	)

	if doc.Identifier == "" {
		summary.Unmatched++
		log.Warn("failed remote copy has no identifier")
		return nil
	}
	rec, err := s.ledger.Get(ctx, doc.Identifier)
	if store.IsNotFoundError(err) {
		summary.Unmatched++
		log.Warn("failed remote copy is not in the ledger")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", doc.Identifier, err)
	}
	if !rec.Stage1Done() {
		// Stage 1 recovery reconciles remote copies of its own.
		summary.Unmatched++
		return nil
	}

	if rec.RemoteID != doc.ID {
		if err := s.finder.Delete(ctx, doc.ID); err != nil {
			log.Warn("failed to delete stray remote copy", slog.String("error", redact.Error(err)))
			return nil
		}
		summary.DeletedCopies++
		log.Info("deleted stray remote copy", slog.String("status", doc.Status))
		return nil
	}
	if rec.Stage2Status == domain.StageError {
		return nil
	}

	err = s.ledger.MarkStage2(ctx, rec.Identifier, store.Stage2Outcome{
		Kind:   domain.ErrorKindProcessingFailure,
		Detail: "remote processing ended with status " + doc.Status,
	})
	if err != nil {
		return s.nonFatal(log, "flag remote failure", err)
	}
	summary.RemoteFailures++
	log.Info("flagged remote processing failure", slog.String("status", doc.Status))
	return nil
}

type retryFunc func(ctx context.Context, rec domain.DocumentRecord, summary *Summary) error

// sweep walks records one at a time. Cancellation is honored between
// documents; each document runs to completion on a detached context.
func (s *Sweeper) sweep(
	ctx context.Context,
	pass string,
	records iter.Seq2[domain.DocumentRecord, error],
	retry retryFunc,
) (Summary, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("pass", pass))
	log.Info("starting recovery pass", slog.Bool("reconcile", s.finder != nil))

	var summary Summary
	detached := context.WithoutCancel(ctx)

	for rec, err := range records {
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				break
			}
			return summary, err
		}
		if ctx.Err() != nil {
			break
		}
		if rec.RetryBlocked() {
			summary.Skipped++
			continue
		}
		if err := retry(detached, rec, &summary); err != nil {
			log.Error("recovery pass aborted", slog.String("error", err.Error()))
			return summary, err
		}
	}

	if ctx.Err() != nil {
		summary.Interrupted = true
		log.Warn("recovery pass interrupted", slog.Any("summary", summary))
	} else {
		log.Info("recovery pass complete", slog.Any("summary", summary))
	}
	return summary, nil
}

func (s *Sweeper) retryStage1(ctx context.Context, rec domain.DocumentRecord, summary *Summary) error {
	if s.finder != nil {
		handled, err := s.reconcile(ctx, rec, summary)
		if err != nil || handled {
			return err
		}
	}

	res, err := s.runner.Stage1(ctx, rec)
	if err != nil || !res.Stage1.OK {
		summary.Add(res)
		return err
	}

	rec.Stage1Status = domain.StageSuccess
	rec.RemoteID = res.Stage1.RemoteID
	r2, err := s.runner.Stage2(ctx, rec)
	res.Stage2 = r2.Stage2
	summary.Add(res)
	return err
}

// reconcile inspects remote copies of rec before a re-upload. It reports
// handled when the record's outcome was decided here and no upload must
// follow.
func (s *Sweeper) reconcile(ctx context.Context, rec domain.DocumentRecord, summary *Summary) (bool, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("identifier", rec.Identifier))

	copies, err := s.finder.FindByIdentifier(ctx, rec.Identifier)
	if err != nil {
		return true, s.recordFailure(ctx, rec, fmt.Errorf("search remote copies: %w", err), summary)
	}
	if len(copies) == 0 {
		return false, nil
	}

	var keep *remote.Document
	stale := make([]remote.Document, 0, len(copies))
	for i := range copies {
		if keep == nil && copies[i].Finished() {
			keep = &copies[i]
			continue
		}
		stale = append(stale, copies[i])
	}

	if keep != nil {
		// Extra copies are only clutter once one copy is adopted.
		for _, d := range stale {
			if err := s.finder.Delete(ctx, d.ID); err != nil {
				log.Warn("failed to delete duplicate remote copy",
					slog.String("remote_id", d.ID),
					slog.String("error", redact.Error(err)))
				continue
			}
			summary.DeletedCopies++
		}
		return true, s.adopt(ctx, rec, keep.ID, summary)
	}

	for _, d := range stale {
		if err := s.finder.Delete(ctx, d.ID); err != nil {
			return true, s.recordFailure(ctx, rec, fmt.Errorf("delete stale remote copy %s: %w", d.ID, err), summary)
		}
		summary.DeletedCopies++
		log.Info("deleted unfinished remote copy", slog.String("remote_id", d.ID), slog.String("status", d.Status))
	}
	return false, nil
}

// adopt marks both stages successful using an existing finished remote copy.
func (s *Sweeper) adopt(ctx context.Context, rec domain.DocumentRecord, remoteID string, summary *Summary) error {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("identifier", rec.Identifier))

	if err := s.ledger.MarkStage1(ctx, rec.Identifier, store.Stage1Outcome{OK: true, RemoteID: remoteID}); err != nil {
		return s.nonFatal(log, "adopt stage 1", err)
	}
	if err := s.ledger.MarkStage2(ctx, rec.Identifier, store.Stage2Outcome{OK: true}); err != nil {
		return s.nonFatal(log, "adopt stage 2", err)
	}

	summary.Attempted++
	summary.Stage1OK++
	summary.Stage2OK++
	summary.Adopted++
	log.Info("adopted finished remote copy", slog.String("remote_id", remoteID))
	return nil
}

// recordFailure stores a stage 1 transport error for a reconciliation
// failure; the re-upload is skipped until the next sweep.
func (s *Sweeper) recordFailure(ctx context.Context, rec domain.DocumentRecord, cause error, summary *Summary) error {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("identifier", rec.Identifier))

	err := s.ledger.MarkStage1(ctx, rec.Identifier, store.Stage1Outcome{
		Kind:   domain.ErrorKindTransport,
		Detail: redact.Detail(cause),
	})
	if err != nil {
		return s.nonFatal(log, "record reconciliation failure", err)
	}

	summary.Attempted++
	summary.Stage1Failed++
	log.Warn("reconciliation failed, re-upload skipped", slog.String("error", redact.Error(cause)))
	return nil
}

// nonFatal passes fatal ledger errors through and logs the rest.
func (s *Sweeper) nonFatal(log *slog.Logger, op string, err error) error {
	if store.IsFatal(err) {
		return err
	}
	log.Warn("ledger rejected update", slog.String("operation", op), slog.String("error", err.Error()))
	return nil
}
