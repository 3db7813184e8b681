package batch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/docbulk/internal/domain"
	"github.com/phrazzld/docbulk/internal/mocks"
	"github.com/phrazzld/docbulk/internal/remote"
	"github.com/phrazzld/docbulk/internal/source"
	"github.com/phrazzld/docbulk/internal/store"
	"github.com/phrazzld/docbulk/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	ledger   *mocks.MemoryLedger
	service  *mocks.RemoteService
	executor *upload.Executor
}

func docID(i int) string {
	return fmt.Sprintf("doc-%03d", i)
}

// newHarness seeds n pending records and writes a PDF for each one except
// those listed in missing.
func newHarness(t *testing.T, n int, missing ...string) *harness {
	t.Helper()

	dir := t.TempDir()
	skip := make(map[string]bool, len(missing))
	for _, id := range missing {
		skip[id] = true
	}

	h := &harness{
		ledger: mocks.NewMemoryLedger(),
		service: &mocks.RemoteService{
			SubmitBytesFn: func(_ context.Context, req remote.SubmitRequest) (string, error) {
				return "r-" + req.Identifier, nil
			},
		},
	}
	for i := 1; i <= n; i++ {
		id := docID(i)
		h.ledger.Seed(id)
		if !skip[id] {
			require.NoError(t, os.WriteFile(filepath.Join(dir, id+".pdf"), []byte("%PDF-1.4 "+id), 0o600))
		}
	}

	src, err := source.NewLocal(dir, source.Options{Extension: ".pdf"})
	require.NoError(t, err)
	h.executor, err = upload.NewExecutor(upload.Config{}, src, h.service, h.ledger, nil, nil)
	require.NoError(t, err)
	return h
}

func (h *harness) scheduler(cfg Config) *Scheduler {
	return NewScheduler(h.ledger, h.executor, cfg, nil)
}

type state struct {
	stage1 domain.StageStatus
	stage2 domain.StageStatus
	remote string
}

func (h *harness) states() map[string]state {
	out := make(map[string]state)
	for _, rec := range h.ledger.Snapshot() {
		out[rec.Identifier] = state{rec.Stage1Status, rec.Stage2Status, rec.RemoteID}
	}
	return out
}

func TestNewSchedulerDefaults(t *testing.T) {
	s := NewScheduler(mocks.NewMemoryLedger(), nil, Config{BatchSize: -1, Workers: 0, Limit: -5}, nil)
	assert.Equal(t, DefaultBatchSize, s.config.BatchSize)
	assert.Equal(t, 1, s.config.Workers)
	assert.Zero(t, s.config.Limit)

	assert.Equal(t, Config{BatchSize: 25, Workers: 1}, DefaultConfig())
}

func TestRunProcessesEveryPendingRecord(t *testing.T) {
	h := newHarness(t, 60, docID(7))

	summary, err := h.scheduler(DefaultConfig()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{Attempted: 60, Stage1OK: 59, Stage1Failed: 1, Stage2OK: 59}, summary)
	for _, rec := range h.ledger.Snapshot() {
		assert.Contains(t, []domain.StageStatus{domain.StageSuccess, domain.StageError}, rec.Stage1Status, rec.Identifier)
		if rec.Stage1Status == domain.StageSuccess {
			assert.Equal(t, domain.StageSuccess, rec.Stage2Status)
		} else {
			assert.Equal(t, domain.StageNotAttempted, rec.Stage2Status)
		}
		assert.NoError(t, rec.Validate())
	}

	missing, err := h.ledger.Get(context.Background(), docID(7))
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorKindNotFound, missing.Stage1ErrorKind)
}

func TestRerunPerformsNoSubmissions(t *testing.T) {
	h := newHarness(t, 30, docID(3))
	s := h.scheduler(DefaultConfig())
	ctx := context.Background()

	_, err := s.Run(ctx)
	require.NoError(t, err)
	submitted := h.service.SubmitCount()
	before := h.states()

	summary, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, submitted, h.service.SubmitCount())
	assert.Zero(t, summary.Stage1OK)
	assert.Equal(t, before, h.states())
}

func TestInterruptAndRestartConverges(t *testing.T) {
	const total = 40

	baseline := newHarness(t, total, docID(12))
	_, err := baseline.scheduler(DefaultConfig()).Run(context.Background())
	require.NoError(t, err)

	h := newHarness(t, total, docID(12))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var submits atomic.Int32
	h.service.SubmitBytesFn = func(_ context.Context, req remote.SubmitRequest) (string, error) {
		if submits.Add(1) == 10 {
			cancel()
		}
		return "r-" + req.Identifier, nil
	}

	first, err := h.scheduler(DefaultConfig()).Run(ctx)
	require.NoError(t, err)
	assert.True(t, first.Interrupted)
	assert.Equal(t, 10, h.service.SubmitCount())

	// The document in flight at cancellation completed both stages.
	inflight, err := h.ledger.Get(context.Background(), docID(10))
	require.NoError(t, err)
	assert.Equal(t, domain.StageSuccess, inflight.Stage1Status)
	assert.Equal(t, domain.StageSuccess, inflight.Stage2Status)

	second, err := h.scheduler(DefaultConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, second.Interrupted)

	assert.Equal(t, baseline.states(), h.states())
	assert.Equal(t, total-1, h.service.SubmitCount(), "no document is submitted twice")
	for _, rec := range h.ledger.Snapshot() {
		assert.Equal(t, 1, rec.Stage1Attempts, rec.Identifier)
	}
}

func TestRunWithCancelledContext(t *testing.T) {
	h := newHarness(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := h.scheduler(DefaultConfig()).Run(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Interrupted)
	assert.Zero(t, summary.Attempted)
	assert.Zero(t, h.service.SubmitCount())
}

func TestWorkersBoundConcurrency(t *testing.T) {
	h := newHarness(t, 50)
	var inFlight, peak atomic.Int32
	h.service.SubmitBytesFn = func(_ context.Context, req remote.SubmitRequest) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return "r-" + req.Identifier, nil
	}

	summary, err := h.scheduler(Config{BatchSize: 25, Workers: 4}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, summary.Stage1OK)
	assert.Equal(t, 50, summary.Stage2OK)
	assert.LessOrEqual(t, peak.Load(), int32(4))
}

func TestLimitCapsAttempts(t *testing.T) {
	h := newHarness(t, 60)

	summary, err := h.scheduler(Config{BatchSize: 25, Workers: 1, Limit: 30}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, summary.Attempted)
	assert.Equal(t, 30, h.service.SubmitCount())

	rec, err := h.ledger.Get(context.Background(), docID(31))
	require.NoError(t, err)
	assert.Equal(t, domain.StageNotAttempted, rec.Stage1Status)
}

func TestTooLargeRecordsAreSkipped(t *testing.T) {
	h := newHarness(t, 3)
	require.NoError(t, h.ledger.MarkStage1(context.Background(), docID(2), store.Stage1Outcome{
		Kind:   domain.ErrorKindTooLarge,
		Detail: "file too large: 600 bytes exceeds limit 500",
	}))

	summary, err := h.scheduler(DefaultConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 2, summary.Attempted)

	rec, err := h.ledger.Get(context.Background(), docID(2))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Stage1Attempts)
	assert.Equal(t, domain.ErrorKindTooLarge, rec.Stage1ErrorKind)
}

func TestFatalLedgerErrorStopsRun(t *testing.T) {
	h := newHarness(t, 10)
	h.ledger.MarkStage1Err = func(id string, _ store.Stage1Outcome) error {
		if id == docID(3) {
			return store.WriteError("mark_stage1", id, errors.New("connection reset"))
		}
		return nil
	}

	_, err := h.scheduler(DefaultConfig()).Run(context.Background())
	require.Error(t, err)
	assert.True(t, store.IsFatal(err))
	assert.Equal(t, 3, h.service.SubmitCount())

	rec, err := h.ledger.Get(context.Background(), docID(4))
	require.NoError(t, err)
	assert.Equal(t, domain.StageNotAttempted, rec.Stage1Status)
}

func TestRestartAfterFatalStage2WriteConfirmsProcessing(t *testing.T) {
	h := newHarness(t, 5)
	h.ledger.MarkStage2Err = func(id string, _ store.Stage2Outcome) error {
		if id == docID(2) {
			return store.WriteError("mark_stage2", id, errors.New("connection reset"))
		}
		return nil
	}

	summary, err := h.scheduler(DefaultConfig()).Run(context.Background())
	require.Error(t, err)
	assert.True(t, store.IsFatal(err))
	assert.Equal(t, 1, summary.Stage2OK, "the unrecorded confirmation must not count as a success")

	stuck, err := h.ledger.Get(context.Background(), docID(2))
	require.NoError(t, err)
	assert.Equal(t, domain.StageSuccess, stuck.Stage1Status)
	assert.Equal(t, domain.StageNotAttempted, stuck.Stage2Status)

	h.ledger.MarkStage2Err = nil
	summary, err = h.scheduler(DefaultConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Attempted: 4, Stage1OK: 3, Stage2OK: 4}, summary)

	for id, st := range h.states() {
		assert.Equal(t, state{domain.StageSuccess, domain.StageSuccess, "r-" + id}, st, id)
	}
	assert.Equal(t, 5, h.service.SubmitCount(), "stage 1 of the stuck record is not repeated")
	assert.Equal(t, 6, h.service.ConfirmCount())
}

type failingLedger struct {
	*mocks.MemoryLedger
	err error
}

func (l failingLedger) SelectPending(context.Context, int) iter.Seq2[domain.DocumentRecord, error] {
	return func(yield func(domain.DocumentRecord, error) bool) {
		yield(domain.DocumentRecord{}, l.err)
	}
}

func TestRunReturnsSelectError(t *testing.T) {
	h := newHarness(t, 1)
	ledger := failingLedger{MemoryLedger: h.ledger, err: errors.New("query failed")}

	_, err := NewScheduler(ledger, h.executor, DefaultConfig(), nil).Run(context.Background())
	assert.EqualError(t, err, "query failed")
}

func TestRunBoundedStopsAfterError(t *testing.T) {
	recs := make([]domain.DocumentRecord, 20)
	for i := range recs {
		recs[i] = domain.DocumentRecord{Identifier: docID(i)}
	}
	var calls atomic.Int32
	boom := errors.New("boom")

	err := RunBounded(context.Background(), 1, recs, func(_ context.Context, rec domain.DocumentRecord) error {
		calls.Add(1)
		if rec.Identifier == docID(4) {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(5), calls.Load())
}

func TestRunBoundedDetachesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	recs := []domain.DocumentRecord{{Identifier: "a"}, {Identifier: "b"}}
	var seen []error

	err := RunBounded(ctx, 1, recs, func(ctx context.Context, _ domain.DocumentRecord) error {
		cancel()
		seen = append(seen, ctx.Err())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []error{nil}, seen, "the running call keeps a live context and no new call starts")
}
