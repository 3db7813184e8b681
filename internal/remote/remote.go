package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Access levels accepted by the document service.
const (
	AccessPublic       = "public"
	AccessPrivate      = "private"
	AccessOrganization = "organization"
)

// Document statuses reported by the document service.
const (
	StatusSuccess  = "success"
	StatusReadable = "readable"
	StatusPending  = "pending"
	StatusError    = "error"
	StatusNoFile   = "nofile"
)

// ErrCircuitOpen is returned without contacting the service while the circuit breaker is open.
var ErrCircuitOpen = errors.New("remote service unavailable: circuit open")

// SubmitRequest carries one document's bytes and descriptive fields for stage 1.
type SubmitRequest struct {
	// Identifier is used for logging only; it travels remotely inside Metadata.
	Identifier   string
	Title        string
	Metadata     map[string]string
	Access       string
	Source       string
	ProjectID    int
	DelayedIndex bool
	Data         []byte
}

// Service is the two-stage document submission contract.
type Service interface {
	// SubmitBytes stores the document remotely and returns its remote id.
	SubmitBytes(ctx context.Context, req SubmitRequest) (string, error)

	// ConfirmProcessing requests remote post-processing (OCR, indexing) for
	// an already submitted document.
	ConfirmProcessing(ctx context.Context, remoteID string) error
}

// Document is a remote copy of a submitted document.
type Document struct {
	ID     string
	Title  string
	Status string
	// Identifier is read back from the copy's metadata; empty if absent.
	Identifier string
}

// Finished reports whether the remote copy completed processing.
func (d Document) Finished() bool {
	return d.Status == StatusSuccess
}

// Finder is implemented by services that can look up and delete remote
// copies. It lets the recovery passes reconcile the ledger with documents that
// were submitted by a run that crashed before recording the outcome, and find
// documents whose processing failed after it was requested.
type Finder interface {
	// FindByIdentifier returns every remote copy tagged with identifier.
	FindByIdentifier(ctx context.Context, identifier string) ([]Document, error)

	// Delete removes a remote copy. Deleting an absent copy is not an error.
	Delete(ctx context.Context, remoteID string) error

	// FindFailed returns the copies in project whose remote processing ended
	// in StatusError or StatusNoFile. A zero projectID searches every
	// document the account can see.
	FindFailed(ctx context.Context, projectID int) ([]Document, error)
}

// APIError is a non-2xx response from the document service.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Temporary reports whether repeating the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout
}

// clientError reports whether err is a 4xx response other than the
// retryable ones. Such errors say nothing about service health.
func clientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError && !apiErr.Temporary()
}
