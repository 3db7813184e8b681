package mocks

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/docbulk/internal/domain"
	"github.com/phrazzld/docbulk/internal/store"
)

// MemoryLedger is an in-memory store.Ledger. It is safe for concurrent use.
type MemoryLedger struct {
	mu      sync.Mutex
	nextSeq int64
	records map[string]*domain.DocumentRecord

	// MarkStage1Err, when set, is consulted before every MarkStage1 and its
	// non-nil result returned instead of writing.
	MarkStage1Err func(identifier string, outcome store.Stage1Outcome) error
	// MarkStage2Err is the stage 2 counterpart of MarkStage1Err.
	MarkStage2Err func(identifier string, outcome store.Stage2Outcome) error

	// Writes counts successful MarkStage1 and MarkStage2 calls.
	Writes int
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]*domain.DocumentRecord)}
}

var _ store.Ledger = (*MemoryLedger)(nil)

// Seed inserts pending records for the given identifiers with empty metadata.
func (l *MemoryLedger) Seed(identifiers ...string) {
	for _, id := range identifiers {
		rec, err := domain.NewDocumentRecord(id, "title "+id, map[string]string{"document_number": id})
		if err != nil {
			panic(err)
		}
		_, _ = l.UpsertPending(context.Background(), rec)
	}
}

// Put stores rec as-is, replacing any existing record. It bypasses the
// transition guards so tests can set up arbitrary valid states.
func (l *MemoryLedger) Put(rec domain.DocumentRecord) {
	if err := rec.Validate(); err != nil {
		panic(err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.records[rec.Identifier]; ok {
		rec.Seq = existing.Seq
	} else {
		l.nextSeq++
		rec.Seq = l.nextSeq
	}
	rec.Metadata = maps.Clone(rec.Metadata)
	l.records[rec.Identifier] = &rec
}

// Snapshot returns copies of all records in insertion order.
func (l *MemoryLedger) Snapshot() []domain.DocumentRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.DocumentRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// UpsertPending implements store.Ledger.UpsertPending.
func (l *MemoryLedger) UpsertPending(_ context.Context, rec *domain.DocumentRecord) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[rec.Identifier]; ok {
		return false, nil
	}
	l.nextSeq++
	stored := copyRecord(rec)
	stored.Seq = l.nextSeq
	stored.Stage1Status = domain.StageNotAttempted
	stored.Stage2Status = domain.StageNotAttempted
	l.records[rec.Identifier] = &stored
	rec.Seq = stored.Seq
	return true, nil
}

// UpsertPendingBatch implements store.Ledger.UpsertPendingBatch.
func (l *MemoryLedger) UpsertPendingBatch(ctx context.Context, recs []*domain.DocumentRecord) (int, error) {
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return 0, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
		}
	}
	inserted := 0
	for _, rec := range recs {
		ok, err := l.UpsertPending(ctx, rec)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// MarkStage1 implements store.Ledger.MarkStage1.
func (l *MemoryLedger) MarkStage1(_ context.Context, identifier string, outcome store.Stage1Outcome) error {
	if outcome.OK && outcome.RemoteID == "" {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrMissingRemoteID)
	}
	if !outcome.OK && !outcome.Kind.Valid() {
		return fmt.Errorf("%w: %v %q", store.ErrInvalidEntity, domain.ErrInvalidErrorKind, outcome.Kind)
	}
	if l.MarkStage1Err != nil {
		if err := l.MarkStage1Err(identifier, outcome); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[identifier]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrDocumentNotFound, identifier)
	}
	if rec.Stage1Done() {
		return fmt.Errorf("%w: mark_stage1 on %s", store.ErrInvalidTransition, identifier)
	}

	rec.Stage1Attempts++
	rec.UpdatedAt = time.Now().UTC()
	if outcome.OK {
		rec.Stage1Status = domain.StageSuccess
		rec.Stage1ErrorKind = ""
		rec.RemoteID = outcome.RemoteID
		rec.ContentDigest = outcome.ContentDigest
		rec.LastErrorDetail = ""
	} else {
		rec.Stage1Status = domain.StageError
		rec.Stage1ErrorKind = outcome.Kind
		rec.LastErrorDetail = outcome.Detail
	}
	l.Writes++
	return nil
}

// MarkStage2 implements store.Ledger.MarkStage2.
func (l *MemoryLedger) MarkStage2(_ context.Context, identifier string, outcome store.Stage2Outcome) error {
	if !outcome.OK && !outcome.Kind.Valid() {
		return fmt.Errorf("%w: %v %q", store.ErrInvalidEntity, domain.ErrInvalidErrorKind, outcome.Kind)
	}
	if l.MarkStage2Err != nil {
		if err := l.MarkStage2Err(identifier, outcome); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[identifier]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrDocumentNotFound, identifier)
	}
	if !rec.Stage1Done() {
		return fmt.Errorf("%w: mark_stage2 on %s", store.ErrInvalidTransition, identifier)
	}

	rec.Stage2Attempts++
	rec.UpdatedAt = time.Now().UTC()
	if outcome.OK {
		rec.Stage2Status = domain.StageSuccess
		rec.Stage2ErrorKind = ""
		rec.LastErrorDetail = ""
	} else {
		rec.Stage2Status = domain.StageError
		rec.Stage2ErrorKind = outcome.Kind
		rec.LastErrorDetail = outcome.Detail
	}
	l.Writes++
	return nil
}

// SelectPending implements store.Ledger.SelectPending.
func (l *MemoryLedger) SelectPending(ctx context.Context, pageSize int) iter.Seq2[domain.DocumentRecord, error] {
	return store.Paginate(ctx, pageSize, l.pageFetcher(func(r *domain.DocumentRecord) bool {
		return r.Stage1Status != domain.StageSuccess || r.Stage2Status == domain.StageNotAttempted
	}))
}

// SelectStage1Errors implements store.Ledger.SelectStage1Errors.
func (l *MemoryLedger) SelectStage1Errors(ctx context.Context, pageSize int) iter.Seq2[domain.DocumentRecord, error] {
	return store.Paginate(ctx, pageSize, l.pageFetcher(func(r *domain.DocumentRecord) bool {
		return r.Stage1Status == domain.StageError
	}))
}

// SelectStage2Errors implements store.Ledger.SelectStage2Errors.
func (l *MemoryLedger) SelectStage2Errors(ctx context.Context, pageSize int) iter.Seq2[domain.DocumentRecord, error] {
	return store.Paginate(ctx, pageSize, l.pageFetcher(func(r *domain.DocumentRecord) bool {
		return r.Stage2Status == domain.StageError
	}))
}

func (l *MemoryLedger) pageFetcher(match func(*domain.DocumentRecord) bool) store.PageFetcher {
	return func(_ context.Context, afterSeq int64, limit int) ([]domain.DocumentRecord, error) {
		l.mu.Lock()
		defer l.mu.Unlock()

		page := make([]domain.DocumentRecord, 0, limit)
		for _, rec := range l.records {
			if rec.Seq > afterSeq && match(rec) {
				page = append(page, copyRecord(rec))
			}
		}
		sort.Slice(page, func(i, j int) bool { return page[i].Seq < page[j].Seq })
		if len(page) > limit {
			page = page[:limit]
		}
		return page, nil
	}
}

// Get implements store.Ledger.Get.
func (l *MemoryLedger) Get(_ context.Context, identifier string) (*domain.DocumentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrDocumentNotFound, identifier)
	}
	c := copyRecord(rec)
	return &c, nil
}

// Counts implements store.Ledger.Counts.
func (l *MemoryLedger) Counts(_ context.Context) (*store.StatusCounts, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := &store.StatusCounts{
		Stage1: make(map[domain.StageStatus]int),
		Stage2: make(map[domain.StageStatus]int),
	}
	for _, rec := range l.records {
		counts.Total++
		counts.Stage1[rec.Stage1Status]++
		counts.Stage2[rec.Stage2Status]++
	}
	return counts, nil
}

func copyRecord(rec *domain.DocumentRecord) domain.DocumentRecord {
	c := *rec
	c.Metadata = maps.Clone(rec.Metadata)
	return c
}
