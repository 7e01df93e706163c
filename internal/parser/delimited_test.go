package parser

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amr-import-engine/internal/domain"
)

func readAll(t *testing.T, r domain.RecordReader) []*domain.RawRecord {
	t.Helper()
	var out []*domain.RawRecord
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestDelimitedReader_CSV(t *testing.T) {
	src := domain.NewSourceFile("isolates.csv", []byte(
		"specimen_id,organism,collection_date\n"+
			"S1,ECO,2024-01-02\n"+
			"S2,KPN,2024-01-03\n"), domain.FormatDelimited)

	r, err := Open(src)
	require.NoError(t, err)
	defer r.Close()

	recs := readAll(t, r)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(0), recs[0].Offset)
	assert.Equal(t, "S1", recs[0].Values["specimen_id"])
	assert.Equal(t, "ECO", recs[0].Values["organism"])
	assert.Equal(t, int64(1), recs[1].Offset)
	assert.Equal(t, "KPN", recs[1].Values["organism"])
	assert.Equal(t, "utf-8", src.Encoding)
}

func TestDelimitedReader_Semicolon(t *testing.T) {
	src := domain.NewSourceFile("isolates.txt", []byte(
		"specimen_id;organism\nS1;ECO\n"), domain.FormatDelimited)

	r, err := Open(src)
	require.NoError(t, err)
	defer r.Close()

	recs := readAll(t, r)
	require.Len(t, recs, 1)
	assert.Equal(t, "ECO", recs[0].Values["organism"])
}

// encodeUTF16LE renders text as a UTF-16LE byte stream with BOM, the way
// WHONET text exports arrive.
func encodeUTF16LE(text string) []byte {
	out := []byte{0xFF, 0xFE}
	for _, r := range text {
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(r))
		out = append(out, buf[:]...)
	}
	return out
}

func TestDelimitedReader_UTF16LE(t *testing.T) {
	src := domain.NewSourceFile("whonet.txt",
		encodeUTF16LE("specimen_id\torganism\nS1\tECO\n"), domain.FormatDelimited)

	r, err := Open(src)
	require.NoError(t, err)
	defer r.Close()

	recs := readAll(t, r)
	require.Len(t, recs, 1)
	assert.Equal(t, "S1", recs[0].Values["specimen_id"])
	assert.Equal(t, "utf-16le", src.Encoding)
}

func TestDelimitedReader_UTF8BOM(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("specimen_id,organism\nS1,ECO\n")...)
	src := domain.NewSourceFile("bom.csv", data, domain.FormatDelimited)

	r, err := Open(src)
	require.NoError(t, err)
	defer r.Close()

	recs := readAll(t, r)
	require.Len(t, recs, 1)
	assert.Equal(t, "S1", recs[0].Values["specimen_id"])
}

func TestDelimitedReader_InvalidUTF8(t *testing.T) {
	data := []byte("specimen_id,organism\nS1,\xff\xfe\xfd\n")
	src := domain.NewSourceFile("bad.csv", data, domain.FormatDelimited)

	_, err := Open(src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCorruptSource))
}

func TestDelimitedReader_Seek(t *testing.T) {
	src := domain.NewSourceFile("isolates.csv", []byte(
		"specimen_id,organism\nS1,ECO\nS2,KPN\nS3,PAE\n"), domain.FormatDelimited)

	r, err := Open(src)
	require.NoError(t, err)
	defer r.Close()

	// Consume everything, then rewind into the middle.
	recs := readAll(t, r)
	require.Len(t, recs, 3)

	require.NoError(t, r.Seek(2))
	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Offset)
	assert.Equal(t, "S3", rec.Values["specimen_id"])

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)

	assert.Error(t, r.Seek(99), "seek past end must fail")
}
