package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

const maxGatewayBody = 1 << 20

// GatewayStatusPaid is the gateway status of a settled payment.
const GatewayStatusPaid = "PAID"

// GatewayPayment is the gateway's view of one payment.
type GatewayPayment struct {
	ID string
	// OrderID is the merchant order the charge was opened for.
	OrderID    string
	Status     string
	Amount     int64
	Currency   string
	Method     string
	FailReason string
	// Raw is the undecoded response, kept for audit.
	Raw []byte
}

// Gateway is the payment provider.
type Gateway interface {
	GetPayment(ctx context.Context, gatewayPaymentID string) (GatewayPayment, error)
	CancelPayment(ctx context.Context, gatewayPaymentID, reason string) error
}

// GatewayConfig configures an HTTPGateway.
type GatewayConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPGateway talks to a PortOne v2 style REST API. Access tokens come from
// POST /login/api-key and are reused until they expire.
type HTTPGateway struct {
	baseURL string
	http    *http.Client
	tokens  oauth2.TokenSource
	logger  *zap.Logger
}

// NewHTTPGateway builds an HTTPGateway.
func NewHTTPGateway(cfg GatewayConfig, logger *zap.Logger) (*HTTPGateway, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, errors.New("payment base_url and api_key are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		logger:  logger.Named("payment-gateway"),
	}
	g.tokens = oauth2.ReuseTokenSource(nil, &apiKeySource{gateway: g, apiKey: cfg.APIKey})
	return g, nil
}

type apiKeySource struct {
	gateway *HTTPGateway
	apiKey  string
}

// Token logs in with the API key. oauth2.TokenSource has no context, so the
// login is bounded by the client timeout only.
func (s *apiKeySource) Token() (*oauth2.Token, error) {
	body, err := json.Marshal(map[string]string{"apiKey": s.apiKey})
	if err != nil {
		return nil, fmt.Errorf("encode login: %w", err)
	}
	status, data, err := s.gateway.send(context.Background(), http.MethodPost, "/login/api-key", "", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: login returned status %d", registrar.ErrGateway, status)
	}
	var resp struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: login response carried no access token", registrar.ErrGateway)
	}
	// The login response carries no lifetime; refresh well before the
	// provider's 30 minute expiry.
	return &oauth2.Token{
		AccessToken: resp.AccessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(25 * time.Minute),
	}, nil
}

// paymentResponse follows the v2 schema, where id is the merchant-issued
// payment id, which is our order id.
type paymentResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Currency string `json:"currency"`
	Amount   struct {
		Total int64 `json:"total"`
	} `json:"amount"`
	Method *struct {
		Type string `json:"type"`
	} `json:"method"`
	FailReason string `json:"failReason"`
}

// GetPayment fetches one payment.
func (g *HTTPGateway) GetPayment(ctx context.Context, gatewayPaymentID string) (GatewayPayment, error) {
	data, err := g.authorized(ctx, http.MethodGet, "/payments/"+url.PathEscape(gatewayPaymentID), nil)
	if err != nil {
		return GatewayPayment{}, err
	}
	var resp paymentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return GatewayPayment{}, fmt.Errorf("%w: decode payment: %v", registrar.ErrGateway, err)
	}
	out := GatewayPayment{
		ID:         gatewayPaymentID,
		OrderID:    resp.ID,
		Status:     resp.Status,
		Amount:     resp.Amount.Total,
		Currency:   resp.Currency,
		FailReason: resp.FailReason,
		Raw:        data,
	}
	if resp.Method != nil {
		out.Method = resp.Method.Type
	}
	return out, nil
}

// CancelPayment refunds a settled payment in full.
func (g *HTTPGateway) CancelPayment(ctx context.Context, gatewayPaymentID, reason string) error {
	body, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return fmt.Errorf("encode cancel: %w", err)
	}
	_, err = g.authorized(ctx, http.MethodPost, "/payments/"+url.PathEscape(gatewayPaymentID)+"/cancel", body)
	if err != nil {
		return err
	}
	g.logger.Info("payment cancelled at gateway", zap.String("gateway_payment_id", gatewayPaymentID))
	return nil
}

func (g *HTTPGateway) authorized(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	token, err := g.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: access token: %v", registrar.ErrGateway, err)
	}
	status, data, err := g.send(ctx, method, path, token.AccessToken, body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: %s %s returned status %d: %s",
			registrar.ErrGateway, method, path, status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (g *HTTPGateway) send(ctx context.Context, method, path, token string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", registrar.ErrGateway, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("close gateway body failed", zap.Error(cerr))
		}
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayBody))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read body: %v", registrar.ErrGateway, err)
	}
	return resp.StatusCode, data, nil
}

// UnconfiguredGateway stands in when no gateway credentials are set. Every
// call fails with registrar.ErrGateway.
type UnconfiguredGateway struct{}

// GetPayment always fails.
func (UnconfiguredGateway) GetPayment(context.Context, string) (GatewayPayment, error) {
	return GatewayPayment{}, fmt.Errorf("%w: gateway is not configured", registrar.ErrGateway)
}

// CancelPayment always fails.
func (UnconfiguredGateway) CancelPayment(context.Context, string, string) error {
	return fmt.Errorf("%w: gateway is not configured", registrar.ErrGateway)
}
