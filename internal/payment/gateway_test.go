package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

func newGatewayServer(t *testing.T, logins *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/api-key", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["apiKey"] != "key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		logins.Add(1)
		_, _ = w.Write([]byte(`{"accessToken":"tok-1"}`))
	})
	mux.HandleFunc("GET /payments/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.PathValue("id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"type":"PAYMENT_NOT_FOUND"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"ORDER-` + r.PathValue("id") + `","status":"PAID","currency":"KRW",` +
			`"amount":{"total":29000},"method":{"type":"PaymentMethodCard"}}`))
	})
	mux.HandleFunc("POST /payments/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["reason"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"cancellation":{"status":"SUCCEEDED"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPGatewayGetPayment(t *testing.T) {
	t.Parallel()

	var logins atomic.Int32
	srv := newGatewayServer(t, &logins)
	gw, err := NewHTTPGateway(GatewayConfig{BaseURL: srv.URL, APIKey: "key-1"}, nil)
	require.NoError(t, err)

	p, err := gw.GetPayment(context.Background(), "pay-123")
	require.NoError(t, err)
	assert.Equal(t, "pay-123", p.ID)
	assert.Equal(t, "ORDER-pay-123", p.OrderID)
	assert.Equal(t, GatewayStatusPaid, p.Status)
	assert.Equal(t, int64(29000), p.Amount)
	assert.Equal(t, "KRW", p.Currency)
	assert.Equal(t, "PaymentMethodCard", p.Method)
	assert.NotEmpty(t, p.Raw)

	_, err = gw.GetPayment(context.Background(), "pay-456")
	require.NoError(t, err)
	assert.Equal(t, int32(1), logins.Load(), "token is reused")
}

func TestHTTPGatewayErrors(t *testing.T) {
	t.Parallel()

	var logins atomic.Int32
	srv := newGatewayServer(t, &logins)

	gw, err := NewHTTPGateway(GatewayConfig{BaseURL: srv.URL, APIKey: "key-1"}, nil)
	require.NoError(t, err)
	_, err = gw.GetPayment(context.Background(), "missing")
	require.ErrorIs(t, err, registrar.ErrGateway)
	assert.Contains(t, err.Error(), "404")

	bad, err := NewHTTPGateway(GatewayConfig{BaseURL: srv.URL, APIKey: "wrong"}, nil)
	require.NoError(t, err)
	_, err = bad.GetPayment(context.Background(), "pay-1")
	require.ErrorIs(t, err, registrar.ErrGateway)

	_, err = NewHTTPGateway(GatewayConfig{BaseURL: srv.URL}, nil)
	require.Error(t, err)
}

func TestHTTPGatewayCancel(t *testing.T) {
	t.Parallel()

	var logins atomic.Int32
	srv := newGatewayServer(t, &logins)
	gw, err := NewHTTPGateway(GatewayConfig{BaseURL: srv.URL, APIKey: "key-1"}, nil)
	require.NoError(t, err)

	require.NoError(t, gw.CancelPayment(context.Background(), "pay-1", "changed my mind"))
	require.ErrorIs(t, gw.CancelPayment(context.Background(), "pay-1", ""), registrar.ErrGateway)
}

func TestUnconfiguredGatewayFails(t *testing.T) {
	t.Parallel()

	var gw Gateway = UnconfiguredGateway{}
	_, err := gw.GetPayment(context.Background(), "imp_1")
	require.ErrorIs(t, err, registrar.ErrGateway)
	require.ErrorIs(t, gw.CancelPayment(context.Background(), "imp_1", "x"), registrar.ErrGateway)
}
