package parser

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/amr-import-engine/internal/domain"
)

// whonetReader reads a WHONET-style single-file relational export: an
// embedded sqlite database with organisms, isolates and results tables,
// joined into one long-format row stream (one row per isolate-antibiotic
// result pair).
//
// Seek skips by record position over the rowid-ordered join, so resumption is
// a native query cursor rather than a client-side skip and stays correct when
// rowids have gaps (deleted results in the export).
type whonetReader struct {
	src    *domain.SourceFile
	db     *sql.DB
	tmp    string
	rows   *sql.Rows
	offset int64
}

const whonetQuery = `
	SELECT r.rowid,
		i.patient_id, i.specimen_id, i.specimen_source, i.collection_date, i.facility,
		o.code AS organism,
		r.antibiotic, r.method, r.value, r.category, r.standard, r.standard_version
	FROM results r
	JOIN isolates i ON i.id = r.isolate_id
	JOIN organisms o ON o.id = i.organism_id
	ORDER BY r.rowid
	LIMIT -1 OFFSET ?`

// whonetColumns are the synthesized column names of the joined row stream.
var whonetColumns = []string{
	"patient_id", "specimen_id", "specimen_source", "collection_date", "facility",
	"organism", "antibiotic", "method", "value", "category", "standard", "standard_version",
}

func newWHONETReader(src *domain.SourceFile) (*whonetReader, error) {
	// modernc sqlite opens files, not byte slices; stage the upload in a
	// temp file for the duration of the read.
	tmpDir, err := os.MkdirTemp("", "whonet-*")
	if err != nil {
		return nil, fmt.Errorf("staging whonet export: %w", err)
	}
	tmp := filepath.Join(tmpDir, "export.db")
	if err := os.WriteFile(tmp, src.Data, 0600); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("staging whonet export: %w", err)
	}

	db, err := sql.Open("sqlite", tmp+"?mode=ro")
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, &domain.FormatError{File: src.Name, Format: domain.FormatWHONETDB,
			Err: fmt.Errorf("%w: %v", domain.ErrCorruptSource, err)}
	}

	r := &whonetReader{src: src, db: db, tmp: tmpDir}
	if err := r.verifySchema(); err != nil {
		r.Close()
		return nil, &domain.FormatError{File: src.Name, Format: domain.FormatWHONETDB, Err: err}
	}
	if err := r.Seek(0); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *whonetReader) verifySchema() error {
	for _, table := range []string{"organisms", "isolates", "results"} {
		var name string
		err := r.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: missing table %q", domain.ErrCorruptSource, table)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrCorruptSource, err)
		}
	}
	return nil
}

func (r *whonetReader) Header() []string {
	return whonetColumns
}

func (r *whonetReader) Next() (*domain.RawRecord, error) {
	if r.rows == nil {
		return nil, io.EOF
	}
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return nil, &domain.FormatError{File: r.src.Name, Format: domain.FormatWHONETDB,
				Err: fmt.Errorf("%w: %v", domain.ErrCorruptSource, err)}
		}
		return nil, io.EOF
	}

	var rowid int64
	cols := make([]sql.NullString, len(whonetColumns))
	dest := make([]interface{}, 0, len(cols)+1)
	dest = append(dest, &rowid)
	for i := range cols {
		dest = append(dest, &cols[i])
	}
	if err := r.rows.Scan(dest...); err != nil {
		return nil, &domain.FormatError{File: r.src.Name, Format: domain.FormatWHONETDB,
			Err: fmt.Errorf("%w: %v", domain.ErrCorruptSource, err)}
	}

	values := make(map[string]string, len(whonetColumns))
	for i, col := range whonetColumns {
		if cols[i].Valid {
			values[col] = strings.TrimSpace(cols[i].String)
		}
	}
	rec := &domain.RawRecord{Offset: r.offset, Values: values}
	r.offset++
	return rec, nil
}

// Seek re-issues the join skipping the first offset records of the ordered
// stream.
func (r *whonetReader) Seek(offset int64) error {
	if r.rows != nil {
		r.rows.Close()
	}
	rows, err := r.db.Query(whonetQuery, offset)
	if err != nil {
		return &domain.FormatError{File: r.src.Name, Format: domain.FormatWHONETDB,
			Err: fmt.Errorf("%w: %v", domain.ErrCorruptSource, err)}
	}
	r.rows = rows
	r.offset = offset
	return nil
}

func (r *whonetReader) Close() error {
	if r.rows != nil {
		r.rows.Close()
	}
	err := r.db.Close()
	os.RemoveAll(r.tmp)
	return err
}
