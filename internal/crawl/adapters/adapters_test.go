package adapters

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

const listingHTML = `<html><body>
<div class="product-item">
  <a href="/p/1"><span class="title">  Linen
    shirt </span></a>
  <span class="price">₩29,900</span>
  <img src="//img.example.com/1.jpg"><img data-src="/img/1b.jpg">
</div>
<div class="product-item">
  <a href="https://shop.example.com/p/2"><span class="title">Mug</span></a>
  <span class="price">$12.50</span>
</div>
<div class="product-item"><span class="price">1000</span></div>
</body></html>`

const detailHTML = `<html><head>
<title>Mug | Shop</title>
<meta property="og:image" content="/og/mug.jpg">
</head><body><span class="price">$13.00</span></body></html>`

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	err   error
	calls []registrar.FetchRequest
}

func (f *fakeFetcher) Fetch(_ context.Context, req registrar.FetchRequest) (registrar.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return registrar.FetchResponse{}, f.err
	}
	body, ok := f.pages[req.URL]
	if !ok {
		return registrar.FetchResponse{}, &registrar.PermanentError{StatusCode: 404, Err: errors.New("not found")}
	}
	return registrar.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(body), UsedHeadless: req.UseHeadless}, nil
}

type fixedDetector bool

func (d fixedDetector) ShouldPromote(registrar.FetchResponse) bool { return bool(d) }

func TestParsePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want int64
	}{
		{"₩29,900", 29900},
		{"$29.90", 2990},
		{"¥2,990", 2990},
		{"29.900원", 29900},
		{"무료", 0},
		{"", 0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ParsePrice(tc.raw), tc.raw)
	}
}

func TestDetectCurrency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{"₩29,900", "KRW"},
		{"29,900원", "KRW"},
		{"$12.50", "USD"},
		{"¥2,990", "JPY"},
		{"2990円", "JPY"},
		{"€9", "EUR"},
		{"99元", "CNY"},
		{"1000", "KRW"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, DetectCurrency(tc.raw), tc.raw)
	}
}

func TestStaticFetchListExtractsItems(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{pages: map[string]string{"https://shop.example.com/list": listingHTML}}
	reg := NewRegistry(Fetchers{Static: static, RespectRobots: true})
	a, err := reg.Lookup(TypeStatic)
	require.NoError(t, err)

	refs, err := a.FetchList(context.Background(), "https://shop.example.com/list", registrar.CrawlConfig{})
	require.NoError(t, err)
	require.Len(t, refs, 2)

	first := refs[0].Snippet
	require.NotNil(t, first)
	assert.Equal(t, "Linen shirt", first.Title)
	assert.Equal(t, int64(29900), first.Price)
	assert.Equal(t, "KRW", first.Currency)
	assert.Equal(t, []string{"https://img.example.com/1.jpg", "https://shop.example.com/img/1b.jpg"}, first.Images)
	assert.Equal(t, "https://shop.example.com/p/1", refs[0].URL)

	assert.Equal(t, "USD", refs[1].Snippet.Currency)
	assert.Equal(t, int64(1250), refs[1].Snippet.Price)
	require.True(t, static.calls[0].RespectRobots)

	item, err := a.ParseItem(context.Background(), refs[1], registrar.CrawlConfig{})
	require.NoError(t, err)
	assert.Equal(t, "Mug", item.Title)
	require.Len(t, static.calls, 1)
}

func TestFetchListHonorsMaxItems(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{pages: map[string]string{"https://shop.example.com/list": listingHTML}}
	a, err := NewRegistry(Fetchers{Static: static}).Lookup(TypeStatic)
	require.NoError(t, err)
	refs, err := a.FetchList(context.Background(), "https://shop.example.com/list", registrar.CrawlConfig{MaxItems: 1})
	require.NoError(t, err)
	require.Len(t, refs, 1)
}

func TestParseItemFollowsLinks(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{pages: map[string]string{"https://shop.example.com/p/2": detailHTML}}
	a, err := NewRegistry(Fetchers{Static: static}).Lookup(TypeStatic)
	require.NoError(t, err)

	ref := ItemRef{URL: "https://shop.example.com/p/2", Snippet: &Item{
		Title: "Mug", Price: 1250, Currency: "USD", URL: "https://shop.example.com/p/2",
	}}
	item, err := a.ParseItem(context.Background(), ref, registrar.CrawlConfig{FollowLinks: true})
	require.NoError(t, err)
	assert.Equal(t, "Mug | Shop", item.Title)
	assert.Equal(t, int64(1300), item.Price)
	assert.Equal(t, []string{"https://shop.example.com/og/mug.jpg"}, item.Images)
	assert.Equal(t, "https://shop.example.com/p/2", item.URL)
}

func TestParseItemWithoutTitleIsPermanent(t *testing.T) {
	t.Parallel()

	a, err := NewRegistry(Fetchers{}).Lookup(TypeStatic)
	require.NoError(t, err)
	_, err = a.ParseItem(context.Background(), ItemRef{Snippet: &Item{Price: 10}}, registrar.CrawlConfig{})
	require.True(t, registrar.IsPermanent(err))
}

func TestDynamicUsesHeadlessWithWaitSelector(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{}
	headless := &fakeFetcher{pages: map[string]string{"https://spa.example.com": listingHTML}}
	a, err := NewRegistry(Fetchers{Static: static, Headless: headless}).Lookup(TypeDynamic)
	require.NoError(t, err)

	refs, err := a.FetchList(context.Background(), "https://spa.example.com", registrar.CrawlConfig{})
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Empty(t, static.calls)
	require.Len(t, headless.calls, 1)
	assert.True(t, headless.calls[0].UseHeadless)
	assert.Equal(t, DefaultItemSelector, headless.calls[0].WaitSelector)
}

func TestAutoPromotesWhenDetectorSaysSo(t *testing.T) {
	t.Parallel()

	const page = "https://spa.example.com"
	static := &fakeFetcher{pages: map[string]string{page: `<div id="root"></div>`}}
	headless := &fakeFetcher{pages: map[string]string{page: listingHTML}}

	promoting, err := NewRegistry(Fetchers{Static: static, Headless: headless, Detector: fixedDetector(true)}).Lookup(TypeAuto)
	require.NoError(t, err)
	refs, err := promoting.FetchList(context.Background(), page, registrar.CrawlConfig{})
	require.NoError(t, err)
	require.Len(t, refs, 2)

	plain, err := NewRegistry(Fetchers{Static: static, Headless: headless, Detector: fixedDetector(false)}).Lookup(TypeAuto)
	require.NoError(t, err)
	refs, err = plain.FetchList(context.Background(), page, registrar.CrawlConfig{})
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestAutoFallsBackToProbeWhenRenderFails(t *testing.T) {
	t.Parallel()

	const page = "https://shop.example.com/list"
	static := &fakeFetcher{pages: map[string]string{page: listingHTML}}
	headless := &fakeFetcher{err: &registrar.TransientError{Err: errors.New("chrome crashed")}}
	a, err := NewRegistry(Fetchers{Static: static, Headless: headless, Detector: fixedDetector(true)}).Lookup(TypeAuto)
	require.NoError(t, err)
	refs, err := a.FetchList(context.Background(), page, registrar.CrawlConfig{})
	require.NoError(t, err)
	require.Len(t, refs, 2)
}

func TestFetchErrorsKeepTheirClass(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{err: &registrar.TransientError{StatusCode: 503, Err: errors.New("busy")}}
	a, err := NewRegistry(Fetchers{Static: static}).Lookup(TypeStatic)
	require.NoError(t, err)
	_, err = a.FetchList(context.Background(), "https://shop.example.com", registrar.CrawlConfig{})
	require.True(t, registrar.IsTransient(err))
}

func TestLookupUnknownType(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Fetchers{})
	_, err := reg.Lookup("ftp")
	require.ErrorIs(t, err, registrar.ErrUnsupportedSite)
	require.Equal(t, []string{TypeAuto, TypeDynamic, TypeStatic}, reg.Types())
}

func TestDetectPreset(t *testing.T) {
	t.Parallel()

	p, ok := DetectPreset("https://www.coupang.com/np/search?q=mug")
	require.True(t, ok)
	assert.Equal(t, "쿠팡", p.Name)
	assert.Equal(t, TypeDynamic, p.TargetType)

	p, ok = DetectPreset("https://search.11st.co.kr/Search.tmall?kwd=mug")
	require.True(t, ok)
	assert.Equal(t, "11번가", p.Name)

	_, ok = DetectPreset("https://example.org/shop")
	require.False(t, ok)
	require.Len(t, Presets(), 5)
}
