// Package parser detects surveillance file formats and exposes each format
// as a uniform, restartable stream of raw records.
package parser

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/amr-import-engine/internal/domain"
)

var (
	magicZip    = []byte("PK\x03\x04")
	magicSQLite = []byte("SQLite format 3\x00")
	magicOLE    = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
)

// Detect resolves the format of a source file. An explicit caller-declared
// format always wins; otherwise magic bytes, then extension, then delimiter
// frequency analysis over the head of the file. Inconclusive sniffing with
// no override fails with ErrUnsupportedFormat.
func Detect(name string, data []byte, declared domain.SourceFormat) (domain.SourceFormat, error) {
	if declared != "" {
		if !declared.IsValid() {
			return "", &domain.FormatError{File: name, Format: declared, Err: domain.ErrUnsupportedFormat}
		}
		return declared, nil
	}

	if bytes.HasPrefix(data, magicSQLite) {
		return domain.FormatWHONETDB, nil
	}
	if bytes.HasPrefix(data, magicZip) || bytes.HasPrefix(data, magicOLE) {
		return domain.FormatSpreadsheet, nil
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".tsv", ".txt":
		return domain.FormatDelimited, nil
	case ".xlsx", ".xlsm", ".xls":
		return domain.FormatSpreadsheet, nil
	case ".db", ".sqlite", ".mdb":
		return domain.FormatWHONETDB, nil
	case ".json", ".xml":
		return domain.FormatStructured, nil
	}

	head := bytes.TrimLeft(data, " \t\r\n\uFEFF")
	if len(head) > 0 {
		switch head[0] {
		case '[', '{', '<':
			return domain.FormatStructured, nil
		}
	}

	if _, ok := sniffDelimiter(data); ok {
		return domain.FormatDelimited, nil
	}

	return "", &domain.FormatError{File: name, Format: "", Err: domain.ErrUnsupportedFormat}
}

// sniffDelimiter counts candidate delimiters over the first few lines and
// picks the one that appears a consistent, non-zero number of times per line.
func sniffDelimiter(data []byte) (rune, bool) {
	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	lines := strings.Split(string(sample), "\n")
	if len(lines) > 1 {
		// Drop a likely-truncated final line.
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return 0, false
	}
	if len(lines) > 10 {
		lines = lines[:10]
	}

	best := rune(0)
	bestCount := 0
	for _, cand := range []rune{',', '\t', ';'} {
		first := strings.Count(lines[0], string(cand))
		if first == 0 {
			continue
		}
		consistent := true
		for _, line := range lines[1:] {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if strings.Count(line, string(cand)) != first {
				consistent = false
				break
			}
		}
		if consistent && first > bestCount {
			best = cand
			bestCount = first
		}
	}
	return best, bestCount > 0
}
