package parser

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"

	"github.com/amr-import-engine/internal/domain"
)

// delimitedReader streams comma/tab/semicolon-delimited text with a header
// row. The whole file is decoded up front (imports are bounded by the upload
// limit), so Seek is a cheap reader rebuild plus skip.
type delimitedReader struct {
	src     *domain.SourceFile
	text    string
	delim   rune
	header  []string
	csv     *csv.Reader
	offset  int64
	started bool
}

func newDelimitedReader(src *domain.SourceFile) (*delimitedReader, error) {
	text, encoding, err := decodeText(src.Data)
	if err != nil {
		return nil, &domain.FormatError{File: src.Name, Format: domain.FormatDelimited, Err: err}
	}
	src.Encoding = encoding

	delim, ok := sniffDelimiter([]byte(text))
	if !ok {
		return nil, &domain.FormatError{
			File: src.Name, Format: domain.FormatDelimited,
			Err: fmt.Errorf("%w: no consistent delimiter", domain.ErrUnsupportedFormat),
		}
	}

	r := &delimitedReader{src: src, text: text, delim: delim}
	if err := r.reset(); err != nil {
		return nil, &domain.FormatError{File: src.Name, Format: domain.FormatDelimited, Err: err}
	}
	return r, nil
}

// decodeText sniffs a BOM and decodes UTF-16 when present; otherwise the
// bytes must be valid UTF-8 or the source is corrupt.
func decodeText(data []byte) (string, string, error) {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		dec := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
		out, err := dec.Bytes(data)
		if err != nil {
			return "", "", fmt.Errorf("%w: invalid UTF-16LE: %v", domain.ErrCorruptSource, err)
		}
		return string(out), "utf-16le", nil
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		dec := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		out, err := dec.Bytes(data)
		if err != nil {
			return "", "", fmt.Errorf("%w: invalid UTF-16BE: %v", domain.ErrCorruptSource, err)
		}
		return string(out), "utf-16be", nil
	default:
		data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
		if !utf8.Valid(data) {
			return "", "", fmt.Errorf("%w: invalid UTF-8", domain.ErrCorruptSource)
		}
		return string(data), "utf-8", nil
	}
}

// reset rebuilds the csv reader at the top of the data and re-reads the header.
func (r *delimitedReader) reset() error {
	cr := csv.NewReader(strings.NewReader(r.text))
	cr.Comma = r.delim
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("%w: missing header row: %v", domain.ErrCorruptSource, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	r.header = header
	r.csv = cr
	r.offset = 0
	r.started = true
	return nil
}

// Header exposes the source column names in file order.
func (r *delimitedReader) Header() []string {
	return r.header
}

func (r *delimitedReader) Next() (*domain.RawRecord, error) {
	row, err := r.csv.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, &domain.FormatError{File: r.src.Name, Format: domain.FormatDelimited,
			Err: fmt.Errorf("%w: %v", domain.ErrCorruptSource, err)}
	}

	values := make(map[string]string, len(r.header))
	for i, col := range r.header {
		if i < len(row) {
			values[col] = strings.TrimSpace(row[i])
		}
	}
	rec := &domain.RawRecord{Offset: r.offset, Values: values}
	r.offset++
	return rec, nil
}

// Seek repositions at a zero-based data-row offset by rebuilding the reader
// and skipping forward. Row offsets are stable across re-opens of the same
// bytes, which is what batch resume relies on.
func (r *delimitedReader) Seek(offset int64) error {
	if err := r.reset(); err != nil {
		return err
	}
	for r.offset < offset {
		if _, err := r.Next(); err != nil {
			if err == io.EOF {
				return fmt.Errorf("seek past end of file: offset %d", offset)
			}
			return err
		}
	}
	return nil
}

func (r *delimitedReader) Close() error {
	return nil
}
