package session

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/leadforge/leadcrawler/internal/engine"
)

var numberPattern = regexp.MustCompile(`[\d.]+`)

// ListPage is the parsed content of one search-results page.
type ListPage struct {
	Listings []engine.LeadFields
	NextURL  string
}

// ParseListPage extracts listings and the next-page link from list-page HTML.
// Listings without a name are dropped; everything else is best-effort.
func ParseListPage(html string, p Profile, pageURL string) (ListPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ListPage{}, fmt.Errorf("parse list page: %w", err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return ListPage{}, fmt.Errorf("parse page url: %w", err)
	}

	var page ListPage
	doc.Find(p.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		fields := extractFields(item, p.Fields, base)
		if p.SourceIDAttr != "" {
			if id, ok := item.Attr(p.SourceIDAttr); ok {
				fields.SourceID = strings.TrimSpace(id)
			}
		}
		if fields.Name == "" {
			return
		}
		page.Listings = append(page.Listings, fields)
	})

	if p.NextPageSelector != "" {
		if href, ok := doc.Find(p.NextPageSelector).First().Attr("href"); ok {
			page.NextURL = resolveHref(base, href)
		}
	}
	return page, nil
}

// ParseDetailPage extracts detail-only fields from a listing's own page and
// merges them into the listing, leaving already-populated fields alone.
func ParseDetailPage(html string, p Profile, detailURL string, fields engine.LeadFields) (engine.LeadFields, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fields, fmt.Errorf("parse detail page: %w", err)
	}
	base, err := url.Parse(detailURL)
	if err != nil {
		return fields, fmt.Errorf("parse detail url: %w", err)
	}
	detail := extractFields(doc.Selection, p.DetailFields, base)
	if fields.Email == "" {
		fields.Email = detail.Email
	}
	if fields.Website == "" {
		fields.Website = detail.Website
	}
	if fields.Phone == "" {
		fields.Phone = detail.Phone
	}
	if fields.Address == "" {
		fields.Address = detail.Address
	}
	return fields, nil
}

func extractFields(root *goquery.Selection, sel FieldSelectors, base *url.URL) engine.LeadFields {
	var f engine.LeadFields
	f.Name = selectText(root, sel.Name)
	f.Address = selectText(root, sel.Address)
	f.Phone = selectText(root, sel.Phone)
	f.Email = cleanEmail(selectHrefOrText(root, sel.Email, base))
	f.Website = selectHrefOrText(root, sel.Website, base)
	f.Rating = parseFloat(selectAttrOrText(root, sel.Rating, "class"))
	f.ReviewCount = parseInt(selectText(root, sel.ReviewCount))
	f.DetailURL = selectHref(root, sel.DetailLink, base)
	return f
}

func selectText(root *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return collapseSpace(root.Find(selector).First().Text())
}

func selectHref(root *goquery.Selection, selector string, base *url.URL) string {
	if selector == "" {
		return ""
	}
	href, ok := root.Find(selector).First().Attr("href")
	if !ok {
		return ""
	}
	return resolveHref(base, href)
}

func selectHrefOrText(root *goquery.Selection, selector string, base *url.URL) string {
	if selector == "" {
		return ""
	}
	if href := selectHref(root, selector, base); href != "" {
		return href
	}
	return selectText(root, selector)
}

// selectAttrOrText prefers the node text and falls back to an attribute,
// which covers sites encoding ratings in a class name.
func selectAttrOrText(root *goquery.Selection, selector, attr string) string {
	if selector == "" {
		return ""
	}
	node := root.Find(selector).First()
	if text := collapseSpace(node.Text()); text != "" {
		return text
	}
	val, _ := node.Attr(attr)
	return val
}

func resolveHref(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func cleanEmail(raw string) string {
	raw = strings.TrimPrefix(raw, "mailto:")
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if !strings.Contains(raw, "@") {
		return ""
	}
	return strings.TrimSpace(raw)
}

func parseFloat(raw string) float64 {
	m := numberPattern.FindString(raw)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(raw string) int {
	m := numberPattern.FindString(raw)
	if m == "" {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSuffix(m, "."))
	if err != nil {
		return 0
	}
	return v
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
