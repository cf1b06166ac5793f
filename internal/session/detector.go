package session

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// BlockVerdict is the result of inspecting a response for anti-bot signals.
type BlockVerdict struct {
	Blocked bool
	// Challenge is set when the page carries a solvable challenge rather
	// than a hard denial.
	Challenge bool
	Kind      string
}

// BlockDetector recognizes blocked responses from status codes, challenge
// markup, interstitial keywords, and off-site redirects.
type BlockDetector struct {
	statusCodes        map[int]struct{}
	challengeSelectors []string
	denialKeywords     [][]byte
	challengeKeywords  [][]byte
}

// NewBlockDetector constructs a detector with the stock signal set.
func NewBlockDetector() *BlockDetector {
	return &BlockDetector{
		statusCodes: map[int]struct{}{403: {}, 429: {}, 503: {}},
		challengeSelectors: []string{
			"#challenge-form",
			"#cf-challenge-running",
			".g-recaptcha",
			"#captcha",
			"iframe[src*='captcha']",
			"#px-captcha",
		},
		denialKeywords: lowerKeywords([]string{
			"access denied",
			"you have been blocked",
			"unusual traffic from your",
		}),
		challengeKeywords: lowerKeywords([]string{
			"verify you are a human",
			"are you a robot",
			"pardon our interruption",
			"checking your browser",
		}),
	}
}

func lowerKeywords(keywords []string) [][]byte {
	out := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		out = append(out, bytes.ToLower([]byte(kw)))
	}
	return out
}

// Inspect checks one fetched page. A challenge verdict means a solver might
// recover the session; a plain block means back off.
func (d *BlockDetector) Inspect(statusCode int, requestedURL, finalURL string, body []byte) BlockVerdict {
	if d.hasChallengeMarkup(body) || d.containsAny(body, d.challengeKeywords) {
		return BlockVerdict{Blocked: true, Challenge: true, Kind: "challenge"}
	}
	if _, ok := d.statusCodes[statusCode]; ok && statusCode != 0 {
		return BlockVerdict{Blocked: true, Kind: "status"}
	}
	if d.containsAny(body, d.denialKeywords) {
		return BlockVerdict{Blocked: true, Kind: "denial"}
	}
	if offSiteRedirect(requestedURL, finalURL) {
		return BlockVerdict{Blocked: true, Kind: "redirect"}
	}
	return BlockVerdict{}
}

func (d *BlockDetector) hasChallengeMarkup(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	for _, sel := range d.challengeSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

func (d *BlockDetector) containsAny(body []byte, keywords [][]byte) bool {
	if len(body) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, kw := range keywords {
		if bytes.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func offSiteRedirect(requestedURL, finalURL string) bool {
	if finalURL == "" || finalURL == requestedURL {
		return false
	}
	req, err := url.Parse(requestedURL)
	if err != nil {
		return false
	}
	final, err := url.Parse(finalURL)
	if err != nil {
		return false
	}
	return !strings.EqualFold(req.Hostname(), final.Hostname())
}

// PromotionDetector decides when a plain HTTP fetch is not enough and the
// session should switch to a headless browser.
type PromotionDetector struct {
	minHTMLBytes int
	keywords     [][]byte
}

// NewPromotionDetector constructs a detector. minBytes guards against
// skeleton pages served to non-JS clients.
func NewPromotionDetector(minBytes int) *PromotionDetector {
	return &PromotionDetector{
		minHTMLBytes: minBytes,
		keywords: lowerKeywords([]string{
			"enable javascript",
			"requires javascript",
			"javascript is disabled",
		}),
	}
}

// NeedsBrowser reports whether the plain response lacks the rendered content
// the item selector expects.
func (d *PromotionDetector) NeedsBrowser(body []byte, itemSelector string) bool {
	if d.minHTMLBytes > 0 && len(body) < d.minHTMLBytes {
		return true
	}
	if d.containsKeywords(body) {
		return true
	}
	if itemSelector == "" || len(body) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	return doc.Find(itemSelector).Length() == 0
}

func (d *PromotionDetector) containsKeywords(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if bytes.Contains(lower, kw) {
			return true
		}
	}
	return false
}
