// Package registration talks to the external product registration API.
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

const maxResponseBody = 1 << 20

// Config configures the API client.
type Config struct {
	BaseURL           string
	TokenURL          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// Client registers products and uploads images on behalf of a credential.
// It is safe for concurrent use.
type Client struct {
	baseURL  string
	tokenURL string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu     sync.Mutex
	tokens map[string]oauth2.TokenSource
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" || cfg.TokenURL == "" {
		return nil, errors.New("registration base_url and token_url are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		tokenURL: cfg.TokenURL,
		http:     httpClient,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:   logger.Named("registration"),
		tokens:   make(map[string]oauth2.TokenSource),
	}, nil
}

type registerResponse struct {
	OriginProductNo json.RawMessage `json:"originProductNo"`
	ChannelProduct  struct {
		ChannelProductNo json.RawMessage `json:"channelProductNo"`
	} `json:"smartstoreChannelProduct"`
}

// RegisterProduct submits payload and returns the channel product id.
func (c *Client) RegisterProduct(ctx context.Context, cred registrar.Credential, payload Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &registrar.PermanentError{Err: fmt.Errorf("encode payload: %w", err)}
	}
	data, err := c.do(ctx, cred, http.MethodPost, "/products", "application/json", body)
	if err != nil {
		return "", err
	}
	var resp registerResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", &registrar.PermanentError{Err: fmt.Errorf("decode register response: %w", err)}
	}
	id := rawID(resp.ChannelProduct.ChannelProductNo)
	if id == "" {
		id = rawID(resp.OriginProductNo)
	}
	if id == "" {
		return "", &registrar.PermanentError{Err: errors.New("register response carried no product id")}
	}
	c.logger.Debug("product registered",
		zap.String("credential_id", cred.ID),
		zap.String("name", payload.OriginProduct.Name),
		zap.String("product_id", id),
	)
	return id, nil
}

// UploadImage uploads one image and returns its hosted URL.
func (c *Client) UploadImage(ctx context.Context, cred registrar.Credential, name string, image []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("imageFiles", name)
	if err != nil {
		return "", fmt.Errorf("multipart part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return "", fmt.Errorf("multipart write: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("multipart close: %w", err)
	}
	data, err := c.do(ctx, cred, http.MethodPost, "/product-images/upload", mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return "", err
	}
	var resp struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", &registrar.PermanentError{Err: fmt.Errorf("decode upload response: %w", err)}
	}
	if len(resp.Images) == 0 || resp.Images[0].URL == "" {
		return "", &registrar.PermanentError{Err: fmt.Errorf("upload of %s returned no url", name)}
	}
	return resp.Images[0].URL, nil
}

// do sends one request. A 401 drops the cached token and retries once.
func (c *Client) do(
	ctx context.Context,
	cred registrar.Credential,
	method, path, contentType string,
	body []byte,
) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("registration rate limit: %w", err)
	}
	status, header, data, err := c.send(ctx, cred, method, path, contentType, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.logger.Warn("token rejected, refreshing", zap.String("credential_id", cred.ID))
		c.invalidate(cred)
		status, header, data, err = c.send(ctx, cred, method, path, contentType, body)
		if err != nil {
			return nil, err
		}
	}
	if status >= 200 && status < 300 {
		return data, nil
	}
	return nil, classify(status, header, data)
}

func (c *Client) send(
	ctx context.Context,
	cred registrar.Credential,
	method, path, contentType string,
	body []byte,
) (int, http.Header, []byte, error) {
	token, err := c.tokenSource(cred).Token()
	if err != nil {
		return 0, nil, nil, tokenError(ctx, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	token.SetAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, nil, ctxErr
		}
		return 0, nil, nil, &registrar.TransientError{Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, nil, &registrar.TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	return resp.StatusCode, resp.Header, data, nil
}

func (c *Client) tokenSource(cred registrar.Credential) oauth2.TokenSource {
	key := cred.ID + "/" + cred.ClientID
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.tokens[key]; ok {
		return ts
	}
	conf := clientcredentials.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		TokenURL:     c.tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
		EndpointParams: map[string][]string{
			"type": {"SELF"},
		},
	}
	// Sources are cached across requests and must not capture a request ctx.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.http)
	ts := conf.TokenSource(tokenCtx)
	c.tokens[key] = ts
	return ts
}

func (c *Client) invalidate(cred registrar.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, cred.ID+"/"+cred.ClientID)
}

func classify(status int, header http.Header, body []byte) error {
	err := errors.New(apiMessage(body, status))
	switch {
	case status == http.StatusTooManyRequests:
		return &registrar.TransientError{StatusCode: status, RetryAfter: registrar.RetryAfter(header), Err: err}
	case status >= 500:
		return &registrar.TransientError{StatusCode: status, Err: err}
	default:
		return &registrar.PermanentError{StatusCode: status, Err: err}
	}
}

func tokenError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return &registrar.PermanentError{StatusCode: status, Err: fmt.Errorf("obtain token: %w", err)}
		}
		return &registrar.TransientError{StatusCode: status, Err: fmt.Errorf("obtain token: %w", err)}
	}
	return &registrar.TransientError{Err: fmt.Errorf("obtain token: %w", err)}
}

// apiMessage extracts a human-readable message from an error body.
func apiMessage(body []byte, status int) string {
	var parsed struct {
		Message       string `json:"message"`
		InvalidInputs []struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"invalidInputs"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		msg := parsed.Message
		for _, in := range parsed.InvalidInputs {
			msg += fmt.Sprintf("; %s: %s", in.Name, in.Message)
		}
		return msg
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		return fmt.Sprintf("registration api returned status %d", status)
	}
	return fmt.Sprintf("registration api returned status %d: %s", status, text)
}

func rawID(raw json.RawMessage) string {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "null" {
		return ""
	}
	return s
}
