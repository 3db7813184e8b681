package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/phrazzld/docbulk/internal/domain"
	"github.com/phrazzld/docbulk/internal/events"
	"github.com/phrazzld/docbulk/internal/platform/logger"
	"github.com/phrazzld/docbulk/internal/redact"
	"github.com/phrazzld/docbulk/internal/remote"
	"github.com/phrazzld/docbulk/internal/source"
	"github.com/phrazzld/docbulk/internal/store"
	"golang.org/x/crypto/blake2b"
)

// DefaultMaxFileSize is the size ceiling used when Config.MaxFileSize is zero.
const DefaultMaxFileSize int64 = 500 << 20

var pdfMagic = []byte("%PDF-")

// Config holds the per-run submission settings.
type Config struct {
	// MaxFileSize is the largest accepted file in bytes. Exactly MaxFileSize is accepted.
	MaxFileSize int64
	// ValidatePDF runs a full structural validation after the header check.
	ValidatePDF bool

	Access       string
	Source       string
	ProjectID    int
	DelayedIndex bool
}

// StageResult describes one stage of one document.
type StageResult struct {
	Attempted bool
	OK        bool
	Kind      domain.ErrorKind
	Detail    string
	RemoteID  string
}

// Result is the outcome of processing one document.
type Result struct {
	Identifier string
	Stage1     StageResult
	Stage2     StageResult
}

// Executor performs stage attempts for single documents. It holds no
// per-document state and is safe for concurrent use.
type Executor struct {
	cfg     Config
	source  source.Source
	service remote.Service
	ledger  store.Ledger
	events  events.EventEmitter
	logger  *slog.Logger
}

// NewExecutor creates an Executor. A nil emitter discards events and a nil
// logger uses the default logger.
func NewExecutor(
	cfg Config,
	src source.Source,
	service remote.Service,
	ledger store.Ledger,
	emitter events.EventEmitter,
	log *slog.Logger,
) (*Executor, error) {
	if src == nil {
		return nil, errors.New("upload: source cannot be nil")
	}
	if service == nil {
		return nil, errors.New("upload: remote service cannot be nil")
	}
	if ledger == nil {
		return nil, errors.New("upload: ledger cannot be nil")
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.MaxFileSize < 0 {
		return nil, fmt.Errorf("upload: invalid max file size %d", cfg.MaxFileSize)
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if log == nil {
		log = slog.Default()
	}

	return &Executor{
		cfg:     cfg,
		source:  src,
		service: service,
		ledger:  ledger,
		events:  emitter,
		logger:  log.With(slog.String("component", "upload_executor")),
	}, nil
}

// Process runs stage 1 unless it already succeeded, then stage 2 if it is
// still pending. The returned error is non-nil only for ledger write failures.
func (e *Executor) Process(ctx context.Context, rec domain.DocumentRecord) (Result, error) {
	res := Result{Identifier: rec.Identifier}

	if !rec.Stage1Done() {
		r1, err := e.Stage1(ctx, rec)
		res.Stage1 = r1.Stage1
		if err != nil || !r1.Stage1.OK {
			return res, err
		}
		rec.Stage1Status = domain.StageSuccess
		rec.RemoteID = r1.Stage1.RemoteID
	}

	if !rec.Stage2Pending() {
		return res, nil
	}
	r2, err := e.Stage2(ctx, rec)
	res.Stage2 = r2.Stage2
	return res, err
}

// Stage1 attempts the file transfer and records the outcome. It must not be
// called for a record whose stage 1 already succeeded.
func (e *Executor) Stage1(ctx context.Context, rec domain.DocumentRecord) (Result, error) {
	log := logger.FromContextOrDefault(ctx, e.logger).With(slog.String("identifier", rec.Identifier))
	res := Result{Identifier: rec.Identifier}

	if rec.Stage1Done() {
		log.Warn("stage 1 already succeeded, not re-attempting", slog.String("remote_id", rec.RemoteID))
		return res, nil
	}

	start := time.Now()
	remoteID, digest, attemptErr := e.transfer(ctx, rec)
	duration := time.Since(start)

	outcome := store.Stage1Outcome{OK: attemptErr == nil, RemoteID: remoteID, ContentDigest: digest}
	res.Stage1 = StageResult{Attempted: true, OK: attemptErr == nil, RemoteID: remoteID}
	if attemptErr != nil {
		outcome.Kind = kindOf(attemptErr)
		outcome.Detail = redact.Detail(attemptErr)
		res.Stage1.Kind = outcome.Kind
		res.Stage1.Detail = outcome.Detail
	}

	if err := e.ledger.MarkStage1(ctx, rec.Identifier, outcome); err != nil {
		res.Stage1.OK = false
		if store.IsFatal(err) {
			log.Error("failed to record stage 1 outcome", slog.String("error", err.Error()))
			return res, err
		}
		// The record moved underneath us, e.g. a concurrent run finished it.
		log.Warn("stage 1 outcome rejected by ledger",
			slog.String("error", err.Error()),
			slog.String("remote_id", remoteID))
		return res, nil
	}

	e.emit(ctx, rec.Identifier, domain.Stage1, res.Stage1, duration)
	return res, nil
}

// Stage2 requests remote processing for a document whose stage 1 succeeded.
// Stage 1 is never rolled back when stage 2 fails.
func (e *Executor) Stage2(ctx context.Context, rec domain.DocumentRecord) (Result, error) {
	log := logger.FromContextOrDefault(ctx, e.logger).With(slog.String("identifier", rec.Identifier))
	res := Result{Identifier: rec.Identifier}

	if !rec.Stage1Done() || rec.RemoteID == "" {
		log.Warn("stage 2 requires a successful stage 1")
		return res, nil
	}

	start := time.Now()
	var attemptErr error
	if err := e.service.ConfirmProcessing(ctx, rec.RemoteID); err != nil {
		attemptErr = &StageError{Kind: domain.ErrorKindProcessingFailure, Err: fmt.Errorf("process document %s: %w", rec.RemoteID, err)}
	}
	duration := time.Since(start)

	outcome := store.Stage2Outcome{OK: attemptErr == nil}
	res.Stage2 = StageResult{Attempted: true, OK: attemptErr == nil, RemoteID: rec.RemoteID}
	if attemptErr != nil {
		outcome.Kind = kindOf(attemptErr)
		outcome.Detail = redact.Detail(attemptErr)
		res.Stage2.Kind = outcome.Kind
		res.Stage2.Detail = outcome.Detail
	}

	if err := e.ledger.MarkStage2(ctx, rec.Identifier, outcome); err != nil {
		res.Stage2.OK = false
		if store.IsFatal(err) {
			log.Error("failed to record stage 2 outcome", slog.String("error", err.Error()))
			return res, err
		}
		log.Warn("stage 2 outcome rejected by ledger", slog.String("error", err.Error()))
		return res, nil
	}

	e.emit(ctx, rec.Identifier, domain.Stage2, res.Stage2, duration)
	return res, nil
}

// transfer runs the preflight checks and submits the bytes. It returns the
// remote id and the content digest of the transferred bytes.
func (e *Executor) transfer(ctx context.Context, rec domain.DocumentRecord) (string, string, error) {
	data, err := e.Preflight(ctx, rec.Identifier)
	if err != nil {
		return "", "", err
	}

	sum := blake2b.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	remoteID, err := e.service.SubmitBytes(ctx, remote.SubmitRequest{
		Identifier:   rec.Identifier,
		Title:        rec.Title,
		Metadata:     rec.Metadata,
		Access:       e.cfg.Access,
		Source:       e.cfg.Source,
		ProjectID:    e.cfg.ProjectID,
		DelayedIndex: e.cfg.DelayedIndex,
		Data:         data,
	})
	if err != nil {
		return "", "", &StageError{Kind: domain.ErrorKindTransport, Err: fmt.Errorf("submit document: %w", err)}
	}
	if remoteID == "" {
		return "", "", &StageError{Kind: domain.ErrorKindTransport, Err: errors.New("submit document: empty remote id")}
	}
	return remoteID, digest, nil
}

// Preflight resolves and reads the file for identifier without touching the
// network. Errors are classified as NotFound, TooLarge or Corrupt.
func (e *Executor) Preflight(ctx context.Context, identifier string) ([]byte, error) {
	size, err := e.source.Stat(ctx, identifier)
	if err != nil {
		return nil, &StageError{Kind: domain.KindOf(err), Err: err}
	}
	if size > e.cfg.MaxFileSize {
		return nil, e.tooLarge(size)
	}

	rc, err := e.source.Open(ctx, identifier)
	if err != nil {
		return nil, &StageError{Kind: domain.KindOf(err), Err: err}
	}
	defer func() { _ = rc.Close() }()

	// Read one byte past the ceiling so a file that grew after Stat is caught.
	data, err := io.ReadAll(io.LimitReader(rc, e.cfg.MaxFileSize+1))
	if err != nil {
		return nil, &StageError{
			Kind: domain.ErrorKindCorrupt,
			Err:  fmt.Errorf("%w: read %s: %v", domain.ErrCorruptFile, e.source.Locate(identifier), err),
		}
	}
	if int64(len(data)) > e.cfg.MaxFileSize {
		return nil, e.tooLarge(int64(len(data)))
	}

	if !bytes.HasPrefix(data, pdfMagic) {
		return nil, &StageError{
			Kind: domain.ErrorKindCorrupt,
			Err:  fmt.Errorf("%w: %s has no PDF header", domain.ErrCorruptFile, e.source.Locate(identifier)),
		}
	}

	if e.cfg.ValidatePDF {
		conf := model.NewDefaultConfiguration()
		conf.ValidationMode = model.ValidationRelaxed
		if err := api.Validate(bytes.NewReader(data), conf); err != nil {
			return nil, &StageError{
				Kind: domain.ErrorKindCorrupt,
				Err:  fmt.Errorf("%w: %s failed validation: %v", domain.ErrCorruptFile, e.source.Locate(identifier), err),
			}
		}
	}

	return data, nil
}

func (e *Executor) tooLarge(size int64) error {
	return &StageError{
		Kind: domain.ErrorKindTooLarge,
		Err:  fmt.Errorf("%w: %d bytes exceeds limit %d", domain.ErrFileTooLarge, size, e.cfg.MaxFileSize),
	}
}

func (e *Executor) emit(ctx context.Context, identifier string, stage domain.Stage, r StageResult, d time.Duration) {
	event := events.NewOutcomeEvent(identifier, stage, r.OK, r.Kind, r.RemoteID, d)
	if err := e.events.EmitEvent(ctx, event); err != nil {
		logger.FromContextOrDefault(ctx, e.logger).Debug("outcome event handler failed",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()))
	}
}
