package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/phrazzld/docbulk/internal/domain"
)

// Default column names.
const (
	DefaultIdentifierColumn = "document_number"
	DefaultTitleColumn      = "title"
)

// ErrInvalidRow marks a row that cannot become a ledger record. Reading
// continues after it.
var ErrInvalidRow = errors.New("invalid manifest row")

// Options selects the identifier and title columns.
type Options struct {
	IdentifierColumn string
	TitleColumn      string
}

func (o Options) withDefaults() Options {
	if o.IdentifierColumn == "" {
		o.IdentifierColumn = DefaultIdentifierColumn
	}
	if o.TitleColumn == "" {
		o.TitleColumn = DefaultTitleColumn
	}
	return o
}

// Reader turns CSV rows into pending DocumentRecords.
type Reader struct {
	csv      *csv.Reader
	header   []string
	idIdx    int
	titleIdx int
}

// NewReader reads the header row from r. It fails when the identifier column
// is absent; a missing title column yields empty titles.
func NewReader(r io.Reader, opts Options) (*Reader, error) {
	opts = opts.withDefaults()

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("read manifest header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	rd := &Reader{csv: cr, header: header, idIdx: -1, titleIdx: -1}
	for i, name := range header {
		switch name {
		case opts.IdentifierColumn:
			rd.idIdx = i
		case opts.TitleColumn:
			rd.titleIdx = i
		}
	}
	if rd.idIdx < 0 {
		return nil, fmt.Errorf("manifest has no %q column", opts.IdentifierColumn)
	}
	return rd, nil
}

// Header returns the normalized column names.
func (r *Reader) Header() []string {
	return r.header
}

// Next returns the next record. It returns io.EOF after the last row and an
// error wrapping ErrInvalidRow for a row that should be skipped.
func (r *Reader) Next() (*domain.DocumentRecord, error) {
	row, err := r.csv.Read()
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRow, err)
		}
		return nil, err
	}

	line, _ := r.csv.FieldPos(0)
	identifier := strings.TrimSpace(row[r.idIdx])
	if identifier == "" {
		return nil, fmt.Errorf("%w: line %d: empty %s", ErrInvalidRow, line, r.header[r.idIdx])
	}

	var title string
	metadata := make(map[string]string, len(row))
	for i, value := range row {
		if i == r.titleIdx {
			title = value
			continue
		}
		if i == r.idIdx {
			value = identifier
		}
		metadata[r.header[i]] = value
	}

	rec, err := domain.NewDocumentRecord(identifier, title, metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidRow, line, err)
	}
	return rec, nil
}

// Records yields every row until EOF or a read error. Invalid rows are
// yielded as errors wrapping ErrInvalidRow and iteration continues.
func (r *Reader) Records() iter.Seq2[*domain.DocumentRecord, error] {
	return func(yield func(*domain.DocumentRecord, error) bool) {
		for {
			rec, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(rec, err) {
				return
			}
			if err != nil && !errors.Is(err, ErrInvalidRow) {
				return
			}
		}
	}
}
