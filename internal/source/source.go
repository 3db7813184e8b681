// Package source resolves document identifiers to their PDF files and reads
// them from a local directory or a Google Cloud Storage bucket.
package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/phrazzld/docbulk/internal/domain"
)

// Source gives access to the file of each document.
type Source interface {
	// Locate returns where the file of identifier is expected, for logs and error details.
	Locate(identifier string) string

	// Stat returns the size in bytes of the file of identifier.
	// A missing file yields an error wrapping domain.ErrFileNotFound.
	Stat(ctx context.Context, identifier string) (int64, error)

	// Open returns a reader over the file of identifier.
	Open(ctx context.Context, identifier string) (io.ReadCloser, error)
}

// Options controls how identifiers map onto file names.
type Options struct {
	// Extension is appended to the identifier, e.g. ".pdf".
	Extension string
	// LowercaseNames lowercases the identifier before appending the extension.
	LowercaseNames bool
}

// FileName returns the file name for identifier.
func (o Options) FileName(identifier string) string {
	name := identifier
	if o.LowercaseNames {
		name = strings.ToLower(name)
	}
	return name + o.Extension
}

// checkIdentifier rejects identifiers that would escape the base location.
func checkIdentifier(identifier string) error {
	if identifier == "" || identifier == "." || identifier == ".." ||
		strings.ContainsAny(identifier, `/\`) {
		return fmt.Errorf("%w: invalid identifier %q", domain.ErrFileNotFound, identifier)
	}
	return nil
}

// New returns a GCS source for gs://bucket/prefix base paths and a local
// directory source otherwise. Callers should Close the result when it
// implements io.Closer.
func New(ctx context.Context, basePath string, opts Options) (Source, error) {
	if strings.HasPrefix(basePath, gcsScheme) {
		return NewGCS(ctx, basePath, opts)
	}
	return NewLocal(basePath, opts)
}
