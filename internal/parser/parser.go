package parser

import (
	"fmt"

	"github.com/amr-import-engine/internal/domain"
)

// Open resolves the file's format (if not already resolved) and returns a
// RecordReader over it. Opening is a pure transform over the bytes; no
// state outside the reader is touched.
func Open(src *domain.SourceFile) (domain.RecordReader, error) {
	if src.Format == "" {
		format, err := Detect(src.Name, src.Data, src.DeclaredFormat)
		if err != nil {
			return nil, err
		}
		src.Format = format
	}

	switch src.Format {
	case domain.FormatDelimited:
		return newDelimitedReader(src)
	case domain.FormatSpreadsheet:
		return newSpreadsheetReader(src)
	case domain.FormatWHONETDB:
		return newWHONETReader(src)
	case domain.FormatStructured:
		return newStructuredReader(src)
	default:
		return nil, &domain.FormatError{
			File: src.Name, Format: src.Format,
			Err: fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, src.Format),
		}
	}
}
