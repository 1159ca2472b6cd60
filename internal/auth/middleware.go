package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

type ctxKey struct{}

// revokeFallback bounds revocations of tokens that carried no expiry.
const revokeFallback = 24 * time.Hour

// WithUser returns ctx carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the authenticated user id from ctx.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Middleware rejects requests without a valid, unrevoked bearer token with
// 401. A rejected token that still carries a valid signature is revoked so
// the session cannot be reused.
func Middleware(v *Verifier, revoker Revoker, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}
			claims, err := v.Verify(raw)
			if err == nil && claims.ID != "" {
				revoked, rerr := revoker.IsRevoked(r.Context(), claims.ID)
				if rerr != nil {
					logger.Error("revocation lookup failed", zap.Error(rerr))
					http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
					return
				}
				if revoked {
					err = errors.New("token revoked")
				}
			}
			if err != nil {
				invalidate(r.Context(), v, revoker, raw, logger)
				logger.Debug("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
				unauthorized(w, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), claims.Subject)))
		})
	}
}

func invalidate(ctx context.Context, v *Verifier, revoker Revoker, raw string, logger *zap.Logger) {
	jti, exp := v.SignedID(raw)
	if jti == "" {
		return
	}
	ttl := revokeFallback
	if !exp.IsZero() {
		if until := exp.Sub(v.now()); until > 0 {
			ttl = until
		}
	}
	if err := revoker.Revoke(context.WithoutCancel(ctx), jti, ttl); err != nil {
		logger.Warn("revoke token failed", zap.String("jti", jti), zap.Error(err))
	}
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="registrar"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   registrar.ErrUnauthorized.Error(),
		"message": msg,
	})
}
