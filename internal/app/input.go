package app

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shpitdev/soldcomp/internal/record"
	"github.com/shpitdev/soldcomp/pkg/pipeline/io/local"
	"golang.org/x/text/width"
)

// Accepted header names per input column, matched case-insensitively.
var (
	titleColumns = []string{"title", "name", "商品名", "タイトル"}
	priceColumns = []string{"price", "価格", "販売価格"}
	urlColumns   = []string{"url", "source_url", "link", "商品URL"}
	imageColumns = []string{"image", "image_url", "画像URL", "画像"}
)

// ReadInputFile reads the listing table at path.
func ReadInputFile(path string, enc local.Encoding) ([]record.InputRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open input %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	recs, err := ReadInput(f, enc)
	if err != nil {
		return nil, errors.Wrapf(err, "input %s", path)
	}
	return recs, nil
}

// ReadInput decodes a listing table. OriginalIndex is the zero-based data row
// position. A price that cannot be parsed is an error naming the row, so a
// bad export is caught before any search runs.
func ReadInput(r io.Reader, enc local.Encoding) ([]record.InputRecord, error) {
	t, err := local.ReadCSV(r, enc)
	if err != nil {
		return nil, err
	}
	titleIdx := t.Column(titleColumns...)
	if titleIdx < 0 {
		return nil, errors.WithHint(
			errors.Newf("missing title column (header: %s)", strings.Join(t.Header, ",")),
			"expected one of: "+strings.Join(titleColumns, ", "),
		)
	}
	priceIdx := t.Column(priceColumns...)
	if priceIdx < 0 {
		return nil, errors.WithHint(
			errors.Newf("missing price column (header: %s)", strings.Join(t.Header, ",")),
			"expected one of: "+strings.Join(priceColumns, ", "),
		)
	}
	urlIdx := t.Column(urlColumns...)
	imageIdx := t.Column(imageColumns...)

	out := make([]record.InputRecord, 0, len(t.Rows))
	for i, row := range t.Rows {
		price, err := ParseSourcePrice(local.Cell(row, priceIdx))
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i+2)
		}
		out = append(out, record.InputRecord{
			Title:            local.Cell(row, titleIdx),
			SourcePriceMinor: price,
			SourceURL:        local.Cell(row, urlIdx),
			ImageURL:         local.Cell(row, imageIdx),
			OriginalIndex:    i,
		})
	}
	return out, nil
}

// ParseSourcePrice parses a source-currency price such as "¥12,800" or
// "１２８００円". The source currency has no minor digits, so the value is
// returned as is. An empty cell is zero.
func ParseSourcePrice(s string) (int64, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ',', '¥', '円', ' ':
			return -1
		}
		return r
	}, width.Narrow.String(strings.TrimSpace(s)))
	if cleaned == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return 0, errors.Newf("invalid price %q", s)
	}
	if n < 0 {
		return 0, errors.Newf("negative price %q", s)
	}
	return n, nil
}
