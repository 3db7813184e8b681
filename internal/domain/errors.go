package domain

import "errors"

// ErrorKind classifies a per-document failure. It is stored in the ledger next
// to the free-text detail so error views can be triaged by class.
type ErrorKind string

// Error classes recorded by the upload executor
const (
	// ErrorKindNotFound means no file exists at the resolved path.
	ErrorKindNotFound ErrorKind = "not_found"
	// ErrorKindTooLarge means the file exceeds the size ceiling. Never retried automatically.
	ErrorKindTooLarge ErrorKind = "too_large"
	// ErrorKindTransport covers network, auth and remote rejection during stage 1.
	ErrorKindTransport ErrorKind = "transport"
	// ErrorKindProcessingFailure is a remote-side failure during stage 2.
	ErrorKindProcessingFailure ErrorKind = "processing_failure"
	// ErrorKindCorrupt means the file could not be read or is not a valid PDF.
	ErrorKindCorrupt ErrorKind = "corrupt"
)

// Valid reports whether k is one of the known error kinds.
func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorKindNotFound, ErrorKindTooLarge, ErrorKindTransport,
		ErrorKindProcessingFailure, ErrorKindCorrupt:
		return true
	default:
		return false
	}
}

// Common domain errors used across the application.
var (
	// ErrFileNotFound is returned when the document file is missing.
	ErrFileNotFound = errors.New("document file not found")

	// ErrFileTooLarge is returned when the document file exceeds the size limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrCorruptFile is returned when the document file is unreadable or not a PDF.
	ErrCorruptFile = errors.New("corrupt file")
)

// KindOf maps a file-level error onto its ErrorKind. Anything that is not a
// recognised file error is treated as a transport failure.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrFileNotFound):
		return ErrorKindNotFound
	case errors.Is(err, ErrFileTooLarge):
		return ErrorKindTooLarge
	case errors.Is(err, ErrCorruptFile):
		return ErrorKindCorrupt
	default:
		return ErrorKindTransport
	}
}
