package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/phrazzld/docbulk/internal/domain"
	"github.com/phrazzld/docbulk/internal/platform/logger"
	"github.com/phrazzld/docbulk/internal/store"
	"github.com/phrazzld/docbulk/internal/upload"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize matches the remote service's bulk request maximum.
const DefaultBatchSize = 25

// Config holds the scheduler settings.
type Config struct {
	// BatchSize is the number of records read from the ledger per page.
	BatchSize int
	// Workers is the number of documents processed concurrently within a batch.
	Workers int
	// Limit caps the documents attempted in one run; zero means unlimited.
	Limit int
}

// DefaultConfig returns a Config with the default batch size and a single worker.
func DefaultConfig() Config {
	return Config{
		BatchSize: DefaultBatchSize,
		Workers:   1,
	}
}

// Processor attempts a single document. upload.Executor implements it.
type Processor interface {
	Process(ctx context.Context, rec domain.DocumentRecord) (upload.Result, error)
}

// Summary counts what a pass did.
type Summary struct {
	Attempted    int
	Stage1OK     int
	Stage1Failed int
	Stage2OK     int
	Stage2Failed int
	// Skipped counts records excluded from automatic retry (too_large).
	Skipped int
	// Interrupted is set when the pass stopped early because its context was cancelled.
	Interrupted bool
}

// Add folds one document result into the summary.
func (s *Summary) Add(r upload.Result) {
	if r.Stage1.Attempted || r.Stage2.Attempted {
		s.Attempted++
	}
	if r.Stage1.Attempted {
		if r.Stage1.OK {
			s.Stage1OK++
		} else {
			s.Stage1Failed++
		}
	}
	if r.Stage2.Attempted {
		if r.Stage2.OK {
			s.Stage2OK++
		} else {
			s.Stage2Failed++
		}
	}
}

// LogValue implements slog.LogValuer.
func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("attempted", s.Attempted),
		slog.Int("stage1_ok", s.Stage1OK),
		slog.Int("stage1_failed", s.Stage1Failed),
		slog.Int("stage2_ok", s.Stage2OK),
		slog.Int("stage2_failed", s.Stage2Failed),
		slog.Int("skipped", s.Skipped),
		slog.Bool("interrupted", s.Interrupted),
	)
}

// Scheduler runs the main pass over pending ledger records.
type Scheduler struct {
	ledger    store.Ledger
	processor Processor
	config    Config
	logger    *slog.Logger
}

// NewScheduler creates a Scheduler. Invalid sizes fall back to the defaults.
func NewScheduler(ledger store.Ledger, processor Processor, config Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "batch_scheduler"))

	if config.BatchSize <= 0 {
		log.Warn("invalid batch size specified, using default",
			slog.Int("specified", config.BatchSize),
			slog.Int("default", DefaultBatchSize))
		config.BatchSize = DefaultBatchSize
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Limit < 0 {
		config.Limit = 0
	}

	return &Scheduler{
		ledger:    ledger,
		processor: processor,
		config:    config,
		logger:    log,
	}
}

// Run processes every pending record once. Cancelling ctx stops the pass
// before the next document starts; documents already in flight finish and
// record their outcome. An interrupted pass returns a nil error with
// Summary.Interrupted set. The only error returned is a fatal ledger failure.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)
	log.Info("starting upload pass",
		slog.Int("batch_size", s.config.BatchSize),
		slog.Int("workers", s.config.Workers),
		slog.Int("limit", s.config.Limit))

	var summary Summary
	batch := make([]domain.DocumentRecord, 0, s.config.BatchSize)
	batchNo := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		batchNo++
		err := s.runBatch(ctx, batch, &summary)
		log.Info("batch complete",
			slog.Int("batch", batchNo),
			slog.Int("size", len(batch)),
			slog.Any("summary", summary))
		batch = batch[:0]
		return err
	}

	for rec, err := range s.ledger.SelectPending(ctx, s.config.BatchSize) {
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				break
			}
			return summary, err
		}
		if rec.RetryBlocked() {
			summary.Skipped++
			continue
		}

		batch = append(batch, rec)
		if s.limitReached(summary.Attempted + len(batch)) {
			break
		}
		if len(batch) == s.config.BatchSize {
			if err := flush(); err != nil {
				return summary, err
			}
			if ctx.Err() != nil || s.limitReached(summary.Attempted) {
				break
			}
		}
	}
	if err := flush(); err != nil {
		return summary, err
	}

	if ctx.Err() != nil {
		summary.Interrupted = true
		log.Warn("upload pass interrupted", slog.Any("summary", summary))
	} else {
		log.Info("upload pass complete", slog.Any("summary", summary))
	}
	return summary, nil
}

func (s *Scheduler) limitReached(n int) bool {
	return s.config.Limit > 0 && n >= s.config.Limit
}

// runBatch processes one batch with at most config.Workers documents in
// flight. It stops starting documents once ctx is cancelled or a fatal error
// has occurred.
func (s *Scheduler) runBatch(ctx context.Context, batch []domain.DocumentRecord, summary *Summary) error {
	var mu sync.Mutex
	return RunBounded(ctx, s.config.Workers, batch, func(ctx context.Context, rec domain.DocumentRecord) error {
		res, err := s.processor.Process(ctx, rec)
		mu.Lock()
		summary.Add(res)
		mu.Unlock()
		return err
	})
}

// RunBounded calls fn for each record with at most workers calls in flight.
// The cancellation of ctx is checked before each call starts; calls run on a
// context detached from ctx's cancellation so they finish their writes. After
// the first error no further calls start and that error is returned.
func RunBounded(
	ctx context.Context,
	workers int,
	recs []domain.DocumentRecord,
	fn func(ctx context.Context, rec domain.DocumentRecord) error,
) error {
	if workers <= 0 {
		workers = 1
	}
	detached := context.WithoutCancel(ctx)

	var (
		g      errgroup.Group
		failed atomic.Bool
	)
	g.SetLimit(workers)

	for _, rec := range recs {
		if ctx.Err() != nil || failed.Load() {
			break
		}
		g.Go(func() error {
			// g.Go may have waited for a free slot; re-check before starting.
			if ctx.Err() != nil || failed.Load() {
				return nil
			}
			if err := fn(detached, rec); err != nil {
				failed.Store(true)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
