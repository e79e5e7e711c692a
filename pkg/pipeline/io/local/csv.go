package local

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

// Encoding selects how raw input bytes are decoded.
type Encoding string

const (
	EncodingAuto     Encoding = "auto"
	EncodingUTF8     Encoding = "utf-8"
	EncodingShiftJIS Encoding = "shift_jis"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Table is a header plus data rows read from a CSV file.
type Table struct {
	Header []string
	Rows   [][]string
}

// Column returns the index of the first header matching any of names
// (case-insensitive, whitespace-trimmed), or -1.
func (t Table) Column(names ...string) int {
	for _, name := range names {
		for i, col := range t.Header {
			if strings.EqualFold(strings.TrimSpace(col), strings.TrimSpace(name)) {
				return i
			}
		}
	}
	return -1
}

// Cell returns row[idx], or "" when the row is short or idx is negative.
func Cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// Decode converts raw bytes to UTF-8 text according to enc. Auto mode strips a
// UTF-8 BOM and falls back to Shift_JIS when the bytes are not valid UTF-8.
func Decode(raw []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case "", EncodingAuto:
		raw = bytes.TrimPrefix(raw, utf8BOM)
		if utf8.Valid(raw) {
			return raw, nil
		}
		return decodeShiftJIS(raw)
	case EncodingUTF8:
		return bytes.TrimPrefix(raw, utf8BOM), nil
	case EncodingShiftJIS:
		return decodeShiftJIS(raw)
	default:
		return nil, errors.Newf("unsupported encoding %q", enc)
	}
}

func decodeShiftJIS(raw []byte) ([]byte, error) {
	out, _, err := transform.Bytes(japanese.ShiftJIS.NewDecoder(), raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode shift_jis")
	}
	return out, nil
}

// ReadCSV reads a CSV table with a header row.
func ReadCSV(r io.Reader, enc Encoding) (Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Table{}, errors.Wrap(err, "read input")
	}
	text, err := Decode(raw, enc)
	if err != nil {
		return Table{}, err
	}

	cr := csv.NewReader(bytes.NewReader(text))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return Table{}, errors.Wrap(err, "read header")
	}
	t := Table{Header: header}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Table{}, errors.Wrap(err, "read row")
		}
		if isBlank(rec) {
			continue
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// WriteCSV writes header and rows as UTF-8 CSV.
func WriteCSV(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return errors.Wrap(err, "write header")
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return errors.Wrap(err, "write row")
		}
	}
	cw.Flush()
	return cw.Error()
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
