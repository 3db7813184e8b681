// Package remote defines the document service contract used by the upload
// engine and provides an HTTP client for DocumentCloud-compatible APIs.
//
// Requests are retried with exponential backoff inside a single call and
// guarded by a circuit breaker, so a dead service fails fast instead of
// stalling every remaining document of a run.
package remote
