package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/phrazzld/docbulk/internal/domain"
	"google.golang.org/api/option"
)

const gcsScheme = "gs://"

// GCS reads document files from a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
	opts   Options
}

var _ Source = (*GCS)(nil)

// ParseGCSURL splits gs://bucket/prefix into bucket and object prefix.
// A non-empty prefix always ends with a slash.
func ParseGCSURL(raw string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(raw, gcsScheme)
	if !ok {
		return "", "", fmt.Errorf("%q is not a gs:// url", raw)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("%q has no bucket", raw)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return bucket, prefix, nil
}

// NewGCS creates a GCS source for a gs://bucket/prefix URL using
// application default credentials unless clientOpts say otherwise.
func NewGCS(ctx context.Context, baseURL string, opts Options, clientOpts ...option.ClientOption) (*GCS, error) {
	bucket, prefix, err := ParseGCSURL(baseURL)
	if err != nil {
		return nil, err
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix, opts: opts}, nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) objectName(identifier string) string {
	return g.prefix + g.opts.FileName(identifier)
}

// Locate implements Source.
func (g *GCS) Locate(identifier string) string {
	return gcsScheme + g.bucket + "/" + g.objectName(identifier)
}

// Stat implements Source.
func (g *GCS) Stat(ctx context.Context, identifier string) (int64, error) {
	if err := checkIdentifier(identifier); err != nil {
		return 0, err
	}

	attrs, err := g.client.Bucket(g.bucket).Object(g.objectName(identifier)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return 0, fmt.Errorf("%w: %s", domain.ErrFileNotFound, g.Locate(identifier))
	}
	if err != nil {
		// Storage errors are transient from the document's point of view.
		return 0, fmt.Errorf("stat %s: %w", g.Locate(identifier), err)
	}
	return attrs.Size, nil
}

// Open implements Source.
func (g *GCS) Open(ctx context.Context, identifier string) (io.ReadCloser, error) {
	if err := checkIdentifier(identifier); err != nil {
		return nil, err
	}

	r, err := g.client.Bucket(g.bucket).Object(g.objectName(identifier)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrFileNotFound, g.Locate(identifier))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", g.Locate(identifier), err)
	}
	return r, nil
}
