// Package store defines the persistence contract of the upload engine: the
// progress Ledger interface, the outcome values written to it and the sentinel
// errors shared by every implementation. Implementations live under
// internal/platform.
package store
