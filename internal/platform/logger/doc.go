// Package logger sets up the JSON slog logger used by docbulk and carries
// loggers through context.Context, so run and document attributes attached
// once appear on every line logged further down the call chain.
package logger
