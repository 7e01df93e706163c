package parser

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/amr-import-engine/internal/domain"
)

// structuredReader streams a JSON array-of-objects or an XML document with a
// declared record element. Records are materialized once at open; Seek is an
// index move.
type structuredReader struct {
	src     *domain.SourceFile
	records []map[string]string
	offset  int64
}

func newStructuredReader(src *domain.SourceFile) (*structuredReader, error) {
	head := bytes.TrimLeft(src.Data, " \t\r\n")
	var (
		records []map[string]string
		err     error
	)
	switch {
	case len(head) > 0 && head[0] == '<':
		records, err = parseXMLRecords(src.Data, src.RecordElement)
	default:
		records, err = parseJSONRecords(src.Data)
	}
	if err != nil {
		return nil, &domain.FormatError{File: src.Name, Format: domain.FormatStructured,
			Err: fmt.Errorf("%w: %v", domain.ErrCorruptSource, err)}
	}
	return &structuredReader{src: src, records: records}, nil
}

func parseJSONRecords(data []byte) ([]map[string]string, error) {
	var raw []map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("expected array of objects: %v", err)
	}
	records := make([]map[string]string, len(raw))
	for i, obj := range raw {
		rec := make(map[string]string, len(obj))
		for k, v := range obj {
			rec[k] = stringifyJSON(v)
		}
		records[i] = rec
	}
	return records, nil
}

func stringifyJSON(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// parseXMLRecords extracts every occurrence of the record element, reading
// its child elements as column values. When no record element is declared,
// the first repeated child element under the root is used.
func parseXMLRecords(data []byte, recordElement string) ([]map[string]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	if recordElement == "" {
		var err error
		recordElement, err = inferRecordElement(data)
		if err != nil {
			return nil, err
		}
	}

	var records []map[string]string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != recordElement {
			continue
		}
		rec, err := decodeXMLRecord(dec, start)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeXMLRecord(dec *xml.Decoder, start xml.StartElement) (map[string]string, error) {
	rec := make(map[string]string)
	var field string
	var text strings.Builder
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			field = t.Name.Local
			text.Reset()
		case xml.CharData:
			if depth == 1 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 0 && t.Name.Local == start.Name.Local {
				return rec, nil
			}
			if depth == 1 && field != "" {
				rec[field] = strings.TrimSpace(text.String())
				field = ""
			}
			depth--
		}
	}
}

func inferRecordElement(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", fmt.Errorf("no record element found")
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				return t.Name.Local, nil
			}
		case xml.EndElement:
			depth--
		}
	}
}

func (r *structuredReader) Next() (*domain.RawRecord, error) {
	if r.offset >= int64(len(r.records)) {
		return nil, io.EOF
	}
	rec := &domain.RawRecord{Offset: r.offset, Values: r.records[r.offset]}
	r.offset++
	return rec, nil
}

func (r *structuredReader) Seek(offset int64) error {
	if offset < 0 || offset > int64(len(r.records)) {
		return fmt.Errorf("seek out of range: offset %d of %d records", offset, len(r.records))
	}
	r.offset = offset
	return nil
}

func (r *structuredReader) Close() error {
	return nil
}
