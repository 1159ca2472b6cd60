package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-registrar/internal/clock/system"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/storage/memory"
	"github.com/JakeFAU/bulk-registrar/internal/storage/redis"
)

func newVerifier(t *testing.T) (*Verifier, *system.Manual) {
	t.Helper()
	clock := system.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	v, err := NewVerifier("s3cret", "bulk-registrar", clock)
	require.NoError(t, err)
	return v, clock
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := UserID(r.Context())
		_, _ = w.Write([]byte(id))
	})
}

func call(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	v, _ := newVerifier(t)
	token, err := v.Issue("user-1", "jti-1", time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "jti-1", claims.ID)
}

func TestVerifyRejects(t *testing.T) {
	t.Parallel()

	v, clock := newVerifier(t)
	other, err := NewVerifier("other", "bulk-registrar", clock)
	require.NoError(t, err)
	foreignIssuer, err := NewVerifier("s3cret", "someone-else", clock)
	require.NoError(t, err)

	forged, err := other.Issue("user-1", "jti-x", time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := foreignIssuer.Issue("user-1", "jti-y", time.Hour)
	require.NoError(t, err)
	noSubject, err := v.Issue("", "jti-z", time.Hour)
	require.NoError(t, err)
	expired, err := v.Issue("user-1", "jti-e", time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	for name, token := range map[string]string{
		"forged":       forged,
		"wrong issuer": wrongIssuer,
		"no subject":   noSubject,
		"expired":      expired,
		"garbage":      "not.a.jwt",
	} {
		_, err := v.Verify(token)
		assert.ErrorIs(t, err, registrar.ErrUnauthorized, name)
	}

	jti, _ := v.SignedID(expired)
	assert.Equal(t, "jti-e", jti)
	jti, _ = v.SignedID(forged)
	assert.Empty(t, jti)
}

func TestMiddlewareAuthenticates(t *testing.T) {
	t.Parallel()

	v, clock := newVerifier(t)
	h := Middleware(v, memory.NewRevoker(clock), nil)(echoUser())

	token, err := v.Issue("user-1", "jti-1", time.Hour)
	require.NoError(t, err)
	rec := call(h, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", rec.Body.String())

	rec = call(h, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestMiddlewareRevokesRejectedSession(t *testing.T) {
	t.Parallel()

	v, clock := newVerifier(t)
	revoker := memory.NewRevoker(clock)
	h := Middleware(v, revoker, nil)(echoUser())

	token, err := v.Issue("user-1", "jti-short", 2*time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, call(h, token).Code)

	clock.Advance(3 * time.Minute)
	require.Equal(t, http.StatusUnauthorized, call(h, token).Code)
	revoked, err := revoker.IsRevoked(context.Background(), "jti-short")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestMiddlewareHonorsRedisRevocations(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	revoker := redis.NewRevoker(client, "test")

	v, _ := newVerifier(t)
	h := Middleware(v, revoker, nil)(echoUser())
	token, err := v.Issue("user-1", "jti-9", time.Hour)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, call(h, token).Code)

	require.NoError(t, revoker.Revoke(context.Background(), "jti-9", time.Hour))
	assert.Equal(t, http.StatusUnauthorized, call(h, token).Code)
}

func TestBearerParsing(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer   abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		token, ok := bearer(tc.header)
		assert.Equal(t, tc.ok, ok, tc.header)
		assert.Equal(t, tc.token, token, tc.header)
	}
}
