package market

import (
	"io"
	"math"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/shpitdev/soldcomp/internal/record"
)

// errNoPrice marks a price cell whose text has no recognizable amount.
var errNoPrice = errors.New("no price found")

// Each field is read by the first strategy that yields a usable value, so a
// renamed class on the research page degrades one strategy instead of the record.
type fieldStrategy func(row *goquery.Selection) (string, bool)

func textOf(selector string) fieldStrategy {
	return func(row *goquery.Selection) (string, bool) {
		v := strings.TrimSpace(row.Find(selector).First().Text())
		return v, v != ""
	}
}

func attrOf(selector, attr string) fieldStrategy {
	return func(row *goquery.Selection) (string, bool) {
		v, ok := row.Find(selector).First().Attr(attr)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
}

// itemIDLink builds an item path from the data-item-id attribute.
func itemIDLink(row *goquery.Selection) (string, bool) {
	id, ok := row.Find("[data-item-id]").First().Attr("data-item-id")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return "", false
	}
	return "/itm/" + id, true
}

var (
	rowSelectors = []string{
		"tr.research-table-row",
		"div.research-table-row",
		"li.s-item",
	}
	titleStrategies = []fieldStrategy{
		textOf("span[data-item-id]"),
		textOf("a.research-table-row__link-row-anchor"),
		textOf(".research-table-row__product-info-name"),
		textOf(".s-item__title"),
	}
	urlStrategies = []fieldStrategy{
		attrOf("a.research-table-row__link-row-anchor", "href"),
		attrOf("a[href*='/itm/']", "href"),
		itemIDLink,
	}
	priceStrategies = []fieldStrategy{
		textOf("td.research-table-row__soldPrice"),
		textOf("td.research-table-row__price"),
		textOf("span.item-price"),
		textOf("div.item-price-sold"),
		textOf("td.research-table-row__avgSoldPrice div.research-table-row__item-with-subtitle"),
		textOf(".s-item__price"),
	}

	signInSelectors = []string{
		"form#signin-form",
		"form[name='signin']",
		"input#userid",
	}
)

// parsed is the result of reading one results page.
type parsed struct {
	candidates []record.Candidate
	// excluded counts rows dropped because a field could not be read.
	excluded int
	signIn   bool
}

// parseResults reads candidate rows from a research results page, in page order.
func parseResults(body io.Reader, base *url.URL, currency string) (parsed, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return parsed{}, errors.Wrap(err, "parse results html")
	}

	var out parsed
	for _, sel := range signInSelectors {
		if doc.Find(sel).Length() > 0 {
			out.signIn = true
			return out, nil
		}
	}

	var rows *goquery.Selection
	for _, sel := range rowSelectors {
		rows = doc.Find(sel)
		if rows.Length() > 0 {
			break
		}
	}

	rows.Each(func(_ int, row *goquery.Selection) {
		c, ok := parseRow(row, base, currency)
		if !ok {
			out.excluded++
			return
		}
		out.candidates = append(out.candidates, c)
	})
	return out, nil
}

func parseRow(row *goquery.Selection, base *url.URL, currency string) (record.Candidate, bool) {
	title, ok := firstOf(row, titleStrategies, nil)
	if !ok {
		return record.Candidate{}, false
	}
	link, ok := firstOf(row, urlStrategies, func(v string) bool {
		_, err := resolveURL(base, v)
		return err == nil
	})
	if !ok {
		return record.Candidate{}, false
	}
	abs, _ := resolveURL(base, link)

	priceText, ok := firstOf(row, priceStrategies, func(v string) bool {
		_, err := ParsePriceMinor(v)
		return err == nil
	})
	if !ok {
		return record.Candidate{}, false
	}
	price, _ := ParsePriceMinor(priceText)

	return record.Candidate{
		Title:      title,
		URL:        abs,
		PriceMinor: price,
		Currency:   currency,
	}, true
}

func firstOf(row *goquery.Selection, strategies []fieldStrategy, valid func(string) bool) (string, bool) {
	for _, s := range strategies {
		v, ok := s(row)
		if !ok {
			continue
		}
		if valid != nil && !valid(v) {
			continue
		}
		return v, true
	}
	return "", false
}

func resolveURL(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", err
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", errors.Newf("unsupported url scheme %q", abs.Scheme)
	}
	if abs.Host == "" {
		return "", errors.New("url has no host")
	}
	return abs.String(), nil
}

var (
	priceRe       = regexp.MustCompile(`\$\s*([\d,]+(?:\.\d+)?)`)
	maxPriceMinor = decimal.NewFromInt(math.MaxInt64)
)

// ParsePriceMinor reads the first dollar amount in s ("US $1,234.50",
// "$20.00 - $30.00") as cents, rounding sub-cent digits half-up.
func ParsePriceMinor(s string) (int64, error) {
	m := priceRe.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.Wrapf(errNoPrice, "%q", s)
	}
	digits := strings.ReplaceAll(m[1], ",", "")
	d, err := decimal.NewFromString(digits)
	if err != nil {
		return 0, errors.Wrapf(err, "parse price %q", s)
	}
	cents := d.Shift(2).Round(0)
	if cents.GreaterThan(maxPriceMinor) {
		return 0, errors.Newf("price %q does not fit in minor units", s)
	}
	return cents.IntPart(), nil
}
