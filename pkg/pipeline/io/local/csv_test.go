package local_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shpitdev/soldcomp/pkg/pipeline/io/local"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

func TestReadCSV(t *testing.T) {
	t.Run("reads header and rows", func(t *testing.T) {
		in := "title,price\nSEIKO SBGX063,45000\nOMEGA,120000\n"
		got, err := local.ReadCSV(strings.NewReader(in), local.EncodingAuto)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got.Rows) != 2 || got.Rows[0][0] != "SEIKO SBGX063" || got.Rows[1][1] != "120000" {
			t.Fatalf("unexpected rows: %#v", got.Rows)
		}
	})

	t.Run("strips utf-8 bom", func(t *testing.T) {
		in := "\xEF\xBB\xBFtitle\nx\n"
		got, err := local.ReadCSV(strings.NewReader(in), local.EncodingAuto)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Column("title") != 0 {
			t.Fatalf("bom not stripped: %q", got.Header[0])
		}
	})

	t.Run("decodes shift_jis in auto mode", func(t *testing.T) {
		utf := "商品名,価格\nグランドセイコー SBGX063,45000\n"
		sjis, _, err := transform.Bytes(japanese.ShiftJIS.NewEncoder(), []byte(utf))
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := local.ReadCSV(bytes.NewReader(sjis), local.EncodingAuto)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Column("商品名") != 0 || got.Rows[0][0] != "グランドセイコー SBGX063" {
			t.Fatalf("unexpected decode: %#v", got)
		}
	})

	t.Run("skips blank rows", func(t *testing.T) {
		in := "title\nA\n,\nB\n"
		got, err := local.ReadCSV(strings.NewReader(in), local.EncodingUTF8)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got.Rows) != 2 {
			t.Fatalf("expected 2 rows, got %d", len(got.Rows))
		}
	})

	t.Run("unknown encoding errors", func(t *testing.T) {
		if _, err := local.ReadCSV(strings.NewReader("a\n"), local.Encoding("latin9")); err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestTableColumnAliases(t *testing.T) {
	tbl := local.Table{Header: []string{"Name", " URL ", "price"}}
	if got := tbl.Column("title", "name"); got != 0 {
		t.Fatalf("alias lookup=%d", got)
	}
	if got := tbl.Column("url"); got != 1 {
		t.Fatalf("trimmed lookup=%d", got)
	}
	if got := tbl.Column("image"); got != -1 {
		t.Fatalf("missing lookup=%d", got)
	}
	if got := local.Cell([]string{"a"}, 3); got != "" {
		t.Fatalf("short row cell=%q", got)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := local.WriteCSV(&buf, []string{"a", "b"}, [][]string{{"1", "x,y"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := buf.String(); got != "a,b\n1,\"x,y\"\n" {
		t.Fatalf("unexpected csv: %q", got)
	}
}
