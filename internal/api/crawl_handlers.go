package api

import (
	"net/http"

	"github.com/JakeFAU/bulk-registrar/internal/crawl"
	"github.com/JakeFAU/bulk-registrar/internal/crawl/adapters"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

type createCrawlRequest struct {
	TargetURL   string                `json:"target_url"`
	TargetType  string                `json:"target_type"`
	CrawlConfig registrar.CrawlConfig `json:"crawl_config"`
	AutoStart   bool                  `json:"auto_start"`
}

type quickCrawlRequest struct {
	URL       string `json:"url"`
	AutoStart *bool  `json:"auto_start"`
}

func (s *Server) createCrawl(w http.ResponseWriter, r *http.Request) {
	var req createCrawlRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.TargetType == "" {
		req.TargetType = adapters.TypeStatic
	}
	job, err := s.crawls.Create(r.Context(), crawl.CreateInput{
		Owner:      userID(r),
		URL:        req.TargetURL,
		TargetType: req.TargetType,
		Config:     req.CrawlConfig,
		AutoStart:  req.AutoStart,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) quickCrawl(w http.ResponseWriter, r *http.Request) {
	var req quickCrawlRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	autoStart := true
	if req.AutoStart != nil {
		autoStart = *req.AutoStart
	}
	res, err := s.crawls.QuickCrawl(r.Context(), userID(r), req.URL, autoStart)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) presets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"presets": adapters.Presets()})
}

func (s *Server) listCrawls(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page = page.Normalize(crawl.DefaultPageSize, crawl.MaxPageSize)
	list, total, err := s.crawls.List(r.Context(), userID(r), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(list, total, page))
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	job, err := s.crawls.Get(r.Context(), userID(r), pathID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	job, err := s.crawls.Start(r.Context(), userID(r), pathID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	job, err := s.crawls.Cancel(r.Context(), userID(r), pathID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteCrawl(w http.ResponseWriter, r *http.Request) {
	if err := s.crawls.Delete(r.Context(), userID(r), pathID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) crawlProducts(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page = page.Normalize(crawl.DefaultPageSize, crawl.MaxPageSize)
	products, total, err := s.crawls.Products(r.Context(), userID(r), pathID(r), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(products, total, page))
}
