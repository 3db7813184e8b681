package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/phrazzld/docbulk/internal/domain"
)

// Local reads document files from a directory.
type Local struct {
	base string
	opts Options
}

var _ Source = (*Local)(nil)

// NewLocal creates a Local source rooted at base, which must be a directory.
func NewLocal(base string, opts Options) (*Local, error) {
	info, err := os.Stat(base)
	if err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source directory: %s is not a directory", base)
	}
	return &Local{base: base, opts: opts}, nil
}

// Locate implements Source.
func (l *Local) Locate(identifier string) string {
	return filepath.Join(l.base, l.opts.FileName(identifier))
}

// Stat implements Source.
func (l *Local) Stat(_ context.Context, identifier string) (int64, error) {
	if err := checkIdentifier(identifier); err != nil {
		return 0, err
	}

	path := l.Locate(identifier)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", domain.ErrFileNotFound, path)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrCorruptFile, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s is not a regular file", domain.ErrFileNotFound, path)
	}
	return info.Size(), nil
}

// Open implements Source.
func (l *Local) Open(_ context.Context, identifier string) (io.ReadCloser, error) {
	if err := checkIdentifier(identifier); err != nil {
		return nil, err
	}

	path := l.Locate(identifier)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrFileNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptFile, err)
	}
	return f, nil
}
