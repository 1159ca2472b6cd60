package api

import (
	"net/http"

	"github.com/JakeFAU/bulk-registrar/internal/payment"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

type planRequest struct {
	PlanName     string                 `json:"plan_name"`
	BillingCycle registrar.BillingCycle `json:"billing_cycle"`
}

type verifyRequest struct {
	PaymentID        string `json:"payment_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
}

type cancelPaymentRequest struct {
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}

func (s *Server) plans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": s.subscriptions.Plans()})
}

func (s *Server) mySubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subscriptions.My(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	view, err := s.subscriptions.Usage(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.BillingCycle == "" {
		req.BillingCycle = registrar.BillingMonthly
	}
	sub, err := s.subscriptions.Upgrade(r.Context(), userID(r), req.PlanName, req.BillingCycle)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subscriptions.Cancel(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) preparePayment(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.BillingCycle == "" {
		req.BillingCycle = registrar.BillingMonthly
	}
	prepared, err := s.payments.Prepare(r.Context(), userID(r), req.PlanName, req.BillingCycle)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, prepared)
}

// verifyPayment reports gateway-declined payments as 200 with success=false.
func (s *Server) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.payments.Verify(r.Context(), userID(r), req.PaymentID, req.GatewayPaymentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cancelPayment(w http.ResponseWriter, r *http.Request) {
	var req cancelPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.payments.Cancel(r.Context(), userID(r), req.PaymentID, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) paymentHistory(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page = page.Normalize(payment.DefaultPageSize, payment.MaxPageSize)
	payments, total, err := s.payments.History(r.Context(), userID(r), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(payments, total, page))
}

func (s *Server) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.payments.Get(r.Context(), userID(r), pathID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
