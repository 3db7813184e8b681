// Package postgres provides the PostgreSQL implementation of the progress
// ledger defined in the internal/store package. It owns the schema
// (embedded goose migrations), connection setup and the mapping between
// ledger rows and domain.DocumentRecord values.
package postgres
