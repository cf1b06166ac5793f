// Package session runs one scrape of a single target: list pages, listing
// extraction, sequential detail fetches, and immediate lead emission. The run
// is a small state machine so block detection and cancellation have defined
// interruption points.
package session

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/leadforge/leadcrawler/internal/engine"
)

// FieldSelectors maps lead fields to CSS selectors within a listing node.
type FieldSelectors struct {
	Name        string
	Address     string
	Phone       string
	Website     string
	Email       string
	Rating      string
	ReviewCount string
	DetailLink  string
}

// Profile describes how one directory site lays out its search results.
type Profile struct {
	Domain           string
	SearchPath       string
	LocationParam    string
	CategoryParam    string
	KeywordParam     string
	PageParam        string
	ItemSelector     string
	SourceIDAttr     string
	Fields           FieldSelectors
	NextPageSelector string
	// DetailFields selects fields only present on the listing's own page.
	// Empty selectors mean detail fetches are skipped for this site.
	DetailFields FieldSelectors
}

// HasDetailFields reports whether the profile extracts anything from detail
// pages.
func (p Profile) HasDetailFields() bool {
	return p.DetailFields != (FieldSelectors{})
}

// SearchURL builds the result-list URL for one page of a target's query.
func (p Profile) SearchURL(t engine.Target, page int) string {
	u := url.URL{Scheme: "https", Host: p.Domain, Path: p.SearchPath}
	q := u.Query()
	q.Set(p.LocationParam, t.Location)
	term := t.Category
	if t.Keyword != "" {
		term = strings.TrimSpace(term + " " + t.Keyword)
	}
	q.Set(p.CategoryParam, term)
	if p.KeywordParam != "" && t.Keyword != "" {
		q.Set(p.KeywordParam, t.Keyword)
	}
	if page > 1 {
		q.Set(p.PageParam, strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

var yellowPagesProfile = Profile{
	Domain:        "yellowpages.com",
	SearchPath:    "/search",
	LocationParam: "geo_location_terms",
	CategoryParam: "search_terms",
	PageParam:     "page",
	ItemSelector:  "div.search-results div.result",
	SourceIDAttr:  "data-listing-id",
	Fields: FieldSelectors{
		Name:        "a.business-name span",
		Address:     "div.adr",
		Phone:       "div.phones",
		Website:     "a.track-visit-website",
		Rating:      "div.ratings",
		ReviewCount: "span.count",
		DetailLink:  "a.business-name",
	},
	NextPageSelector: "a.next.ajax-page",
	DetailFields: FieldSelectors{
		Email:   "a.email-business",
		Website: "a.website-link",
	},
}

// genericProfile covers directory sites without a dedicated profile. It leans
// on common microformat class names and skips detail pages.
var genericProfile = Profile{
	SearchPath:    "/search",
	LocationParam: "location",
	CategoryParam: "q",
	PageParam:     "page",
	ItemSelector:  "div.listing, li.listing, article.listing",
	Fields: FieldSelectors{
		Name:       ".name, .business-name, h2 a, h3 a",
		Address:    ".address, .adr",
		Phone:      ".phone, .tel",
		Website:    "a.website",
		DetailLink: "h2 a, h3 a, a.name",
	},
	NextPageSelector: "a.next, a[rel=next]",
}

// ProfileFor returns the extraction profile for a source domain.
func ProfileFor(domain string) Profile {
	if strings.HasSuffix(domain, "yellowpages.com") {
		p := yellowPagesProfile
		p.Domain = domain
		return p
	}
	p := genericProfile
	p.Domain = domain
	return p
}
