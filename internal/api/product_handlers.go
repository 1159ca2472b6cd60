package api

import (
	"net/http"

	"github.com/JakeFAU/bulk-registrar/internal/catalog"
	"github.com/JakeFAU/bulk-registrar/internal/sheet"
)

type adjustPriceRequest struct {
	ProductIDs     []string           `json:"product_ids"`
	AdjustmentType catalog.AdjustType `json:"adjustment_type"`
	Value          float64            `json:"value"`
}

type registerRequest struct {
	ProductIDs   []string `json:"product_ids"`
	CredentialID string   `json:"credential_id"`
	DryRun       bool     `json:"dry_run"`
}

func productFilter(r *http.Request) (catalog.Filter, error) {
	registered, err := parseOptionalBool(r, "is_registered")
	if err != nil {
		return catalog.Filter{}, err
	}
	return catalog.Filter{
		CrawlJobID: r.URL.Query().Get("crawl_job_id"),
		Registered: registered,
	}, nil
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	filter, err := productFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page = page.Normalize(catalog.DefaultPageSize, catalog.MaxPageSize)
	products, total, err := s.catalog.List(r.Context(), userID(r), filter, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(products, total, page))
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	product, err := s.catalog.Get(r.Context(), userID(r), pathID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (s *Server) updateProduct(w http.ResponseWriter, r *http.Request) {
	var patch catalog.Patch
	if err := decodeJSON(r, &patch); err != nil {
		s.fail(w, r, err)
		return
	}
	product, err := s.catalog.Update(r.Context(), userID(r), pathID(r), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (s *Server) deleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Delete(r.Context(), userID(r), pathID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) adjustPrice(w http.ResponseWriter, r *http.Request) {
	var req adjustPriceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	updated, err := s.catalog.AdjustPrice(r.Context(), userID(r), req.ProductIDs, req.AdjustmentType, req.Value)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated_count": len(updated), "products": updated})
}

func (s *Server) registerProducts(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.jobs.CreateFromProducts(r.Context(), userID(r), req.CredentialID, req.ProductIDs, req.DryRun)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) exportProducts(w http.ResponseWriter, r *http.Request) {
	filter, err := productFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	data, err := s.catalog.Export(r.Context(), userID(r), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeFile(w, sheet.ContentType, "crawled_products.xlsx", data)
}
