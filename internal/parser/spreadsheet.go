package parser

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/amr-import-engine/internal/domain"
)

// spreadsheetReader streams rows from an OOXML workbook. The selected sheet
// and header row offset come from the source file options; by default the
// first sheet is used and the header is its first row.
type spreadsheetReader struct {
	src    *domain.SourceFile
	header []string
	rows   [][]string // data rows after the header
	offset int64
}

func newSpreadsheetReader(src *domain.SourceFile) (*spreadsheetReader, error) {
	f, err := excelize.OpenReader(bytes.NewReader(src.Data))
	if err != nil {
		return nil, &domain.FormatError{File: src.Name, Format: domain.FormatSpreadsheet,
			Err: fmt.Errorf("%w: %v", domain.ErrCorruptSource, err)}
	}
	defer f.Close()

	sheet := src.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, &domain.FormatError{File: src.Name, Format: domain.FormatSpreadsheet,
				Err: fmt.Errorf("%w: workbook has no sheets", domain.ErrCorruptSource)}
		}
		sheet = sheets[0]
	}

	all, err := f.GetRows(sheet)
	if err != nil {
		return nil, &domain.FormatError{File: src.Name, Format: domain.FormatSpreadsheet,
			Err: fmt.Errorf("%w: sheet %q: %v", domain.ErrCorruptSource, sheet, err)}
	}

	headerIdx := src.HeaderRowOffset
	if headerIdx >= len(all) {
		return nil, &domain.FormatError{File: src.Name, Format: domain.FormatSpreadsheet,
			Err: fmt.Errorf("%w: header row %d beyond sheet end", domain.ErrCorruptSource, headerIdx)}
	}

	header := make([]string, len(all[headerIdx]))
	for i, h := range all[headerIdx] {
		header[i] = strings.TrimSpace(h)
	}

	return &spreadsheetReader{
		src:    src,
		header: header,
		rows:   all[headerIdx+1:],
	}, nil
}

func (r *spreadsheetReader) Header() []string {
	return r.header
}

func (r *spreadsheetReader) Next() (*domain.RawRecord, error) {
	if r.offset >= int64(len(r.rows)) {
		return nil, io.EOF
	}
	row := r.rows[r.offset]
	values := make(map[string]string, len(r.header))
	for i, col := range r.header {
		if col == "" {
			continue
		}
		if i < len(row) {
			values[col] = strings.TrimSpace(row[i])
		}
	}
	rec := &domain.RawRecord{Offset: r.offset, Values: values}
	r.offset++
	return rec, nil
}

func (r *spreadsheetReader) Seek(offset int64) error {
	if offset < 0 || offset > int64(len(r.rows)) {
		return fmt.Errorf("seek out of range: offset %d of %d rows", offset, len(r.rows))
	}
	r.offset = offset
	return nil
}

func (r *spreadsheetReader) Close() error {
	return nil
}
