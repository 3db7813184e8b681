// Package config handles configuration loading, parsing, and validation
// from defaults, an optional config file, DOCBULK_ environment variables and
// command line flags. It provides type-safe access to the settings needed by
// the ledger, the file source, the remote client and the batch engine.
package config
