package api

import (
	"net/http"

	"github.com/JakeFAU/bulk-registrar/internal/pricing"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/schedule"
)

type createScheduleRequest struct {
	Name        string                      `json:"name"`
	TargetURL   string                      `json:"target_url"`
	TargetType  string                      `json:"target_type"`
	CrawlConfig registrar.CrawlConfig       `json:"crawl_config"`
	Frequency   registrar.ScheduleFrequency `json:"frequency"`
}

type updateScheduleRequest struct {
	Name        *string                      `json:"name"`
	Frequency   *registrar.ScheduleFrequency `json:"frequency"`
	IsActive    *bool                        `json:"is_active"`
	CrawlConfig *registrar.CrawlConfig       `json:"crawl_config"`
}

type createAlertRequest struct {
	ProductID       string                   `json:"product_id"`
	AlertType       registrar.PriceAlertType `json:"alert_type"`
	TargetPrice     int64                    `json:"target_price"`
	ChangeThreshold float64                  `json:"change_threshold"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sc, err := s.schedules.Create(r.Context(), schedule.CreateInput{
		Owner:      userID(r),
		Name:       req.Name,
		URL:        req.TargetURL,
		TargetType: req.TargetType,
		Config:     req.CrawlConfig,
		Frequency:  req.Frequency,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page = page.Normalize(schedule.DefaultPageSize, schedule.MaxPageSize)
	list, total, err := s.schedules.List(r.Context(), userID(r), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(list, total, page))
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.schedules.Get(r.Context(), userID(r), pathID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var req updateScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sc, err := s.schedules.Update(r.Context(), userID(r), pathID(r), schedule.UpdateInput{
		Name:      req.Name,
		Frequency: req.Frequency,
		Active:    req.IsActive,
		Config:    req.CrawlConfig,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.Delete(r.Context(), userID(r), pathID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createAlert(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	alert, err := s.prices.CreateAlert(r.Context(), pricing.AlertInput{
		Owner:           userID(r),
		ProductID:       req.ProductID,
		Type:            req.AlertType,
		TargetPrice:     req.TargetPrice,
		ChangeThreshold: req.ChangeThreshold,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page = page.Normalize(pricing.DefaultPageSize, pricing.MaxPageSize)
	list, total, err := s.prices.ListAlerts(r.Context(), userID(r), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(list, total, page))
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.prices.GetAlert(r.Context(), userID(r), pathID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) deleteAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.prices.DeleteAlert(r.Context(), userID(r), pathID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) priceHistory(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page = page.Normalize(pricing.DefaultPageSize, pricing.MaxPageSize)
	points, total, err := s.prices.History(r.Context(), userID(r), pathID(r), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(points, total, page))
}
