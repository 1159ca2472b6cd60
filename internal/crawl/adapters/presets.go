package adapters

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// Preset is a known marketplace with tuned selectors.
type Preset struct {
	Name        string                `json:"name"`
	SiteURL     string                `json:"site_url"`
	Pattern     string                `json:"url_pattern"`
	TargetType  string                `json:"target_type"`
	Config      registrar.CrawlConfig `json:"crawl_config"`
	Description string                `json:"description"`

	re *regexp.Regexp
}

// GenericPresetName labels the fallback used when no preset matches.
const GenericPresetName = "일반 (자동 감지)"

// GenericConfig is the broad static config used for unknown sites.
var GenericConfig = registrar.CrawlConfig{
	ItemSelector:  ".product, .item, [class*='product']",
	TitleSelector: "h1, h2, h3, .title, [class*='title']",
	PriceSelector: ".price, [class*='price']",
	ImageSelector: "img",
	LinkSelector:  "a",
}

var presets = []Preset{
	{
		Name:       "쿠팡",
		SiteURL:    "https://www.coupang.com",
		Pattern:    `coupang\.com`,
		TargetType: TypeDynamic,
		Config: registrar.CrawlConfig{
			ItemSelector:  ".search-product",
			TitleSelector: ".name",
			PriceSelector: ".price-value",
			ImageSelector: "img.search-product-wrap-img",
			LinkSelector:  "a.search-product-link",
		},
		Description: "쿠팡 상품 페이지 크롤링",
	},
	{
		Name:       "11번가",
		SiteURL:    "https://www.11st.co.kr",
		Pattern:    `11st\.co\.kr`,
		TargetType: TypeStatic,
		Config: registrar.CrawlConfig{
			ItemSelector:  ".c_card",
			TitleSelector: ".c_card__name",
			PriceSelector: ".c_card__price",
			ImageSelector: "img",
			LinkSelector:  "a",
		},
		Description: "11번가 상품 페이지 크롤링",
	},
	{
		Name:       "Amazon US",
		SiteURL:    "https://www.amazon.com",
		Pattern:    `amazon\.com`,
		TargetType: TypeDynamic,
		Config: registrar.CrawlConfig{
			ItemSelector:  "[data-component-type='s-search-result']",
			TitleSelector: "h2 a span",
			PriceSelector: ".a-price-whole",
			ImageSelector: ".s-image",
			LinkSelector:  "h2 a",
		},
		Description: "Amazon US 상품 검색 결과 크롤링",
	},
	{
		Name:       "eBay",
		SiteURL:    "https://www.ebay.com",
		Pattern:    `ebay\.com`,
		TargetType: TypeStatic,
		Config: registrar.CrawlConfig{
			ItemSelector:  ".s-item",
			TitleSelector: ".s-item__title",
			PriceSelector: ".s-item__price",
			ImageSelector: ".s-item__image-img",
			LinkSelector:  ".s-item__link",
		},
		Description: "eBay 상품 검색 결과 크롤링",
	},
	{
		Name:       "AliExpress",
		SiteURL:    "https://www.aliexpress.com",
		Pattern:    `aliexpress\.com`,
		TargetType: TypeDynamic,
		Config: registrar.CrawlConfig{
			ItemSelector:  "[data-item-id]",
			TitleSelector: ".multi--titleText--nXeOvyr",
			PriceSelector: ".multi--price-sale--U-S0jtj",
			ImageSelector: "img",
			LinkSelector:  "a",
		},
		Description: "AliExpress 상품 검색 결과 크롤링",
	},
}

func init() {
	for i := range presets {
		presets[i].re = regexp.MustCompile(presets[i].Pattern)
	}
}

// Presets returns the built-in marketplace presets.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets)
	return out
}

// DetectPreset matches the host of rawURL against the presets.
func DetectPreset(rawURL string) (Preset, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Preset{}, false
	}
	host := strings.ToLower(u.Host)
	for _, p := range presets {
		if p.re.MatchString(host) {
			return p, true
		}
	}
	return Preset{}, false
}
