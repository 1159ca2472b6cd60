package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

type mode int

const (
	modeStatic mode = iota
	modeDynamic
	modeAuto
)

// errNoTitle marks items without a title; they are not worth retrying.
var errNoTitle = errors.New("item has no title")

// selectorAdapter extracts items with CSS selectors from pages rendered by
// the fetcher its mode selects.
type selectorAdapter struct {
	mode     mode
	fetchers Fetchers
}

// FetchList renders pageURL and returns one ref per item element. Elements
// without a title are skipped.
func (a *selectorAdapter) FetchList(
	ctx context.Context,
	pageURL string,
	cfg registrar.CrawlConfig,
) ([]ItemRef, error) {
	cfg = WithDefaults(cfg)
	doc, base, err := a.render(ctx, pageURL, cfg.ItemSelector)
	if err != nil {
		return nil, err
	}
	sel := selectorsOf(cfg)
	var refs []ItemRef
	doc.Find(cfg.ItemSelector).EachWithBreak(func(i int, s *goquery.Selection) bool {
		item := extractItem(s, base, sel)
		if item.Title == "" {
			return true
		}
		ref := ItemRef{URL: item.URL, Snippet: &item}
		if ref.URL == "" {
			ref.URL = pageURL + "#item-" + strconv.Itoa(i)
		}
		refs = append(refs, ref)
		return cfg.MaxItems <= 0 || len(refs) < cfg.MaxItems
	})
	return refs, nil
}

// ParseItem returns the listing snippet, or fetches the item page when
// FollowLinks is set and the item has its own URL.
func (a *selectorAdapter) ParseItem(ctx context.Context, ref ItemRef, cfg registrar.CrawlConfig) (Item, error) {
	cfg = WithDefaults(cfg)
	if ref.Snippet != nil && (!cfg.FollowLinks || ref.Snippet.URL == "") {
		return checkItem(*ref.Snippet)
	}
	doc, base, err := a.render(ctx, ref.URL, cfg.TitleSelector)
	if err != nil {
		return Item{}, err
	}
	item := extractDetail(doc, base, selectorsOf(cfg))
	if ref.Snippet != nil {
		item = merge(item, *ref.Snippet)
	}
	return checkItem(item)
}

func (a *selectorAdapter) render(ctx context.Context, pageURL, waitSelector string) (*goquery.Document, *url.URL, error) {
	resp, err := a.fetch(ctx, pageURL, waitSelector)
	if err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, nil, &registrar.PermanentError{Err: fmt.Errorf("parse html: %w", err)}
	}
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = pageURL
	}
	base, err := url.Parse(finalURL)
	if err != nil {
		base = nil
	}
	return doc, base, nil
}

func (a *selectorAdapter) fetch(ctx context.Context, pageURL, waitSelector string) (registrar.FetchResponse, error) {
	static := registrar.FetchRequest{URL: pageURL, RespectRobots: a.fetchers.RespectRobots}
	headless := registrar.FetchRequest{URL: pageURL, UseHeadless: true, WaitSelector: waitSelector}
	switch a.mode {
	case modeDynamic:
		return a.fetchWith(ctx, a.fetchers.Headless, headless)
	case modeAuto:
		probe, err := a.fetchWith(ctx, a.fetchers.Static, static)
		if err != nil {
			return probe, err
		}
		if a.fetchers.Detector == nil || a.fetchers.Headless == nil || !a.fetchers.Detector.ShouldPromote(probe) {
			return probe, nil
		}
		promoted, err := a.fetchWith(ctx, a.fetchers.Headless, headless)
		if err != nil {
			// The probe is still usable when rendering fails.
			return probe, nil //nolint:nilerr // fall back to the static probe
		}
		return promoted, nil
	default:
		return a.fetchWith(ctx, a.fetchers.Static, static)
	}
}

func (a *selectorAdapter) fetchWith(
	ctx context.Context,
	f registrar.Fetcher,
	req registrar.FetchRequest,
) (registrar.FetchResponse, error) {
	if f == nil {
		return registrar.FetchResponse{}, &registrar.PermanentError{Err: errors.New("fetcher not configured")}
	}
	resp, err := f.Fetch(ctx, req)
	if err != nil {
		return registrar.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	return resp, nil
}

func checkItem(item Item) (Item, error) {
	if item.Title == "" {
		return Item{}, &registrar.PermanentError{Err: fmt.Errorf("%s: %w", item.URL, errNoTitle)}
	}
	if item.Currency == "" {
		item.Currency = "KRW"
	}
	return item, nil
}

// merge fills gaps in detail with what the listing showed.
func merge(detail, snippet Item) Item {
	if detail.Title == "" {
		detail.Title = snippet.Title
	}
	if detail.Price == 0 {
		detail.Price = snippet.Price
		detail.Currency = snippet.Currency
	}
	if len(detail.Images) == 0 {
		detail.Images = snippet.Images
	}
	return detail
}

func selectorsOf(cfg registrar.CrawlConfig) selectors {
	return selectors{
		title: cfg.TitleSelector,
		price: cfg.PriceSelector,
		image: cfg.ImageSelector,
		link:  cfg.LinkSelector,
	}
}
