package adapters

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	nonDigits  = regexp.MustCompile(`\D`)
	whitespace = regexp.MustCompile(`\s+`)
)

// ParsePrice keeps only the digits of raw: "₩29,900" is 29900 and "$29.90"
// is 2990. Text without digits parses as 0.
func ParsePrice(raw string) int64 {
	digits := nonDigits.ReplaceAllString(raw, "")
	if digits == "" {
		return 0
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// DetectCurrency maps the currency marks in raw to an ISO code. KRW is the
// default.
func DetectCurrency(raw string) string {
	switch {
	case strings.ContainsAny(raw, "₩원"):
		return "KRW"
	case strings.Contains(raw, "$"):
		return "USD"
	case strings.ContainsAny(raw, "¥円"):
		return "JPY"
	case strings.Contains(raw, "€"):
		return "EUR"
	case strings.Contains(raw, "元"):
		return "CNY"
	default:
		return "KRW"
	}
}

func cleanText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// resolve makes ref absolute against base. Protocol-relative references get
// https. Anything that does not end up http(s) is dropped.
func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "javascript:") {
		return ""
	}
	if strings.HasPrefix(ref, "//") {
		ref = "https:" + ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func imageURL(s *goquery.Selection, base *url.URL) string {
	for _, attr := range []string{"src", "data-src", "data-original"} {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return resolve(base, v)
		}
	}
	return ""
}

// extractItem reads one listing element.
func extractItem(s *goquery.Selection, base *url.URL, sel selectors) Item {
	item := Item{Currency: "KRW"}
	item.Title = cleanText(s.Find(sel.title).First().Text())
	if price := s.Find(sel.price).First(); price.Length() > 0 {
		text := cleanText(price.Text())
		item.Price = ParsePrice(text)
		item.Currency = DetectCurrency(text)
	}
	seen := make(map[string]struct{})
	s.Find(sel.image).Each(func(_ int, img *goquery.Selection) {
		if u := imageURL(img, base); u != "" {
			if _, dup := seen[u]; !dup {
				seen[u] = struct{}{}
				item.Images = append(item.Images, u)
			}
		}
	})
	link := s.Find(sel.link).First()
	if goquery.NodeName(s) == "a" && link.Length() == 0 {
		link = s
	}
	if href, ok := link.Attr("href"); ok {
		item.URL = resolve(base, href)
	}
	return item
}

// extractDetail reads a product detail page, falling back to Open Graph
// metadata and the document title.
func extractDetail(doc *goquery.Document, base *url.URL, sel selectors) Item {
	item := extractItem(doc.Selection, base, sel)
	if item.Title == "" {
		if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok {
			item.Title = cleanText(og)
		}
	}
	if item.Title == "" {
		item.Title = cleanText(doc.Find("title").First().Text())
	}
	if len(item.Images) == 0 {
		if og, ok := doc.Find("meta[property='og:image']").Attr("content"); ok {
			if u := resolve(base, og); u != "" {
				item.Images = []string{u}
			}
		}
	}
	if base != nil {
		item.URL = base.String()
	}
	return item
}

type selectors struct {
	title, price, image, link string
}
