// Package events publishes per-document stage outcomes to loosely coupled
// consumers.
//
// The upload executor emits an OutcomeEvent after each ledger write. Handlers
// given to a Dispatcher turn them into log lines
// (LogHandler) and OpenTelemetry counters and histograms (MetricsHandler).
// Handlers never influence the outcome itself; the ledger is already
// updated when they run.
package events
