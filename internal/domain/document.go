package domain

import (
	"errors"
	"fmt"
	"time"
)

// StageStatus is the outcome state of one upload stage for a document.
type StageStatus string

// Possible stage status values
const (
	StageNotAttempted StageStatus = "not_attempted"
	StageSuccess      StageStatus = "success"
	StageError        StageStatus = "error"
)

// Stage identifies which half of the two-phase submission an outcome belongs to.
type Stage int

const (
	// Stage1 is the raw file transfer to remote storage.
	Stage1 Stage = 1
	// Stage2 is the remote post-processing (OCR, indexing) request.
	Stage2 Stage = 2
)

// String returns the label used in logs and metrics.
func (s Stage) String() string {
	switch s {
	case Stage1:
		return "stage1"
	case Stage2:
		return "stage2"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Validation errors for DocumentRecord
var (
	ErrEmptyIdentifier      = errors.New("document identifier cannot be empty")
	ErrInvalidStageStatus   = errors.New("invalid stage status")
	ErrMissingRemoteID      = errors.New("stage 1 success requires a remote id")
	ErrStage2WithoutStage1  = errors.New("stage 2 status set before stage 1 succeeded")
	ErrInvalidErrorKind     = errors.New("invalid error kind")
	ErrNegativeAttemptCount = errors.New("attempt count cannot be negative")
)

// DocumentRecord is one row of the progress ledger: a single input document,
// its immutable input data and the outcome of each upload stage.
type DocumentRecord struct {
	// Seq is the ledger insertion order. Zero until the record is stored.
	Seq        int64             `json:"seq"`
	Identifier string            `json:"identifier"`
	Title      string            `json:"title"`
	Metadata   map[string]string `json:"metadata"`

	RemoteID string `json:"remote_id,omitempty"`

	Stage1Status    StageStatus `json:"stage1_status"`
	Stage1ErrorKind ErrorKind   `json:"stage1_error_kind,omitempty"`
	Stage1Attempts  int         `json:"stage1_attempts"`

	Stage2Status    StageStatus `json:"stage2_status"`
	Stage2ErrorKind ErrorKind   `json:"stage2_error_kind,omitempty"`
	Stage2Attempts  int         `json:"stage2_attempts"`

	LastErrorDetail string `json:"last_error_detail,omitempty"`
	ContentDigest   string `json:"content_digest,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDocumentRecord creates a record that has not been attempted yet.
// The metadata map is copied so later changes by the caller cannot leak in.
func NewDocumentRecord(identifier, title string, metadata map[string]string) (*DocumentRecord, error) {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	now := time.Now().UTC()
	rec := &DocumentRecord{
		Identifier:   identifier,
		Title:        title,
		Metadata:     md,
		Stage1Status: StageNotAttempted,
		Stage2Status: StageNotAttempted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate checks the record against the ledger invariants.
func (d *DocumentRecord) Validate() error {
	if d.Identifier == "" {
		return ErrEmptyIdentifier
	}
	if !isValidStageStatus(d.Stage1Status) || !isValidStageStatus(d.Stage2Status) {
		return ErrInvalidStageStatus
	}
	if d.Stage1Status == StageSuccess && d.RemoteID == "" {
		return ErrMissingRemoteID
	}
	if d.Stage2Status != StageNotAttempted && d.Stage1Status != StageSuccess {
		return ErrStage2WithoutStage1
	}
	if d.Stage1ErrorKind != "" && !d.Stage1ErrorKind.Valid() {
		return ErrInvalidErrorKind
	}
	if d.Stage2ErrorKind != "" && !d.Stage2ErrorKind.Valid() {
		return ErrInvalidErrorKind
	}
	if d.Stage1Attempts < 0 || d.Stage2Attempts < 0 {
		return ErrNegativeAttemptCount
	}
	return nil
}

// Stage1Done reports whether stage 1 has succeeded and must not be re-attempted.
func (d *DocumentRecord) Stage1Done() bool {
	return d.Stage1Status == StageSuccess
}

// Stage2Pending reports whether stage 2 still has to be (re)attempted.
func (d *DocumentRecord) Stage2Pending() bool {
	return d.Stage1Done() && d.Stage2Status != StageSuccess
}

// RetryBlocked reports whether the last stage 1 failure is one that is never
// retried automatically.
func (d *DocumentRecord) RetryBlocked() bool {
	return d.Stage1Status == StageError && d.Stage1ErrorKind == ErrorKindTooLarge
}

func isValidStageStatus(s StageStatus) bool {
	switch s {
	case StageNotAttempted, StageSuccess, StageError:
		return true
	default:
		return false
	}
}
