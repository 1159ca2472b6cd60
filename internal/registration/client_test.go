package registration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

type fakeAPI struct {
	tokens   atomic.Int32
	products atomic.Int32
	// productHandler decides the response for the n-th (1-based) call.
	productHandler func(n int32, w http.ResponseWriter, r *http.Request)
	tokenStatus    int
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		n := f.tokens.Add(1)
		if f.tokenStatus != 0 {
			w.WriteHeader(f.tokenStatus)
			_, _ = io.WriteString(w, `{"error":"invalid_client"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-" + string(rune('0'+n)),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/v2/products", func(w http.ResponseWriter, r *http.Request) {
		f.productHandler(f.products.Add(1), w, r)
	})
	mux.HandleFunc("/v2/product-images/upload", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, header, err := r.FormFile("imageFiles")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"images":[{"url":"https://cdn.example.com/`+header.Filename+`"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:           srv.URL + "/v2/",
		TokenURL:          srv.URL + "/oauth2/token",
		RequestsPerSecond: 1000,
		Burst:             10,
		HTTPClient:        srv.Client(),
	}, nil)
	require.NoError(t, err)
	return c
}

var testCred = registrar.Credential{ID: "cred-1", ClientID: "client", ClientSecret: "secret"}

func samplePayload() Payload {
	p, _ := BuildPayload(registrar.Row{"product_name": "Shirt", "category_id": "1", "sale_price": "1000"}, nil)
	return p
}

func TestRegisterProductSuccess(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	var auth atomic.Value
	api.productHandler = func(_ int32, w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		var body Payload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OriginProduct.Name != "Shirt" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"originProductNo":111,"smartstoreChannelProduct":{"channelProductNo":9876}}`)
	}
	c := newTestClient(t, api.server(t))

	id, err := c.RegisterProduct(context.Background(), testCred, samplePayload())
	require.NoError(t, err)
	require.Equal(t, "9876", id)
	require.Equal(t, "Bearer token-1", auth.Load())

	_, err = c.RegisterProduct(context.Background(), testCred, samplePayload())
	require.NoError(t, err)
	require.Equal(t, int32(1), api.tokens.Load())
}

func TestRegisterProductRefreshesTokenOn401(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	api.productHandler = func(n int32, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"smartstoreChannelProduct":{"channelProductNo":"42"}}`)
	}
	c := newTestClient(t, api.server(t))

	id, err := c.RegisterProduct(context.Background(), testCred, samplePayload())
	require.NoError(t, err)
	require.Equal(t, "42", id)
	require.Equal(t, int32(2), api.tokens.Load())
	require.Equal(t, int32(2), api.products.Load())
}

func TestRegisterProductClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		header     http.Header
		body       string
		transient  bool
		retryAfter time.Duration
		message    string
	}{
		{name: "rate limited", status: 429, header: http.Header{"Retry-After": {"2"}}, transient: true, retryAfter: 2 * time.Second},
		{name: "server error", status: 503, transient: true},
		{name: "bad request", status: 400, body: `{"message":"invalid category","invalidInputs":[{"name":"leafCategoryId","message":"unknown"}]}`, message: "invalid category; leafCategoryId: unknown"},
		{name: "still unauthorized", status: 401},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			api := &fakeAPI{}
			api.productHandler = func(_ int32, w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header()[k] = v
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}
			c := newTestClient(t, api.server(t))
			_, err := c.RegisterProduct(context.Background(), testCred, samplePayload())
			require.Error(t, err)
			require.Equal(t, tt.transient, registrar.IsTransient(err))
			require.Equal(t, !tt.transient, registrar.IsPermanent(err))
			if tt.retryAfter > 0 {
				var te *registrar.TransientError
				require.True(t, errors.As(err, &te))
				require.Equal(t, tt.retryAfter, te.RetryAfter)
			}
			if tt.message != "" {
				require.ErrorContains(t, err, tt.message)
			}
		})
	}
}

func TestTokenRejectionIsPermanent(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{tokenStatus: http.StatusUnauthorized}
	api.productHandler = func(int32, http.ResponseWriter, *http.Request) {}
	c := newTestClient(t, api.server(t))

	_, err := c.RegisterProduct(context.Background(), testCred, samplePayload())
	require.True(t, registrar.IsPermanent(err))
	require.Zero(t, api.products.Load())
}

func TestUploadImage(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	c := newTestClient(t, api.server(t))
	url, err := c.UploadImage(context.Background(), testCred, "shirt.jpg", []byte{0xFF, 0xD8})
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/shirt.jpg", url)
}

func TestNewRequiresURLs(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestRegisterHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	api.productHandler = func(int32, http.ResponseWriter, *http.Request) {}
	c := newTestClient(t, api.server(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.RegisterProduct(ctx, testCred, samplePayload())
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, registrar.IsTransient(err))
}
