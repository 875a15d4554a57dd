package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pi-funnel/internal/config"
	"github.com/iliyamo/pi-funnel/internal/utils"
)

const secret = "test-secret"

func serve(t *testing.T, h echo.HandlerFunc, mw []echo.MiddlewareFunc, authz string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.GET("/x", h, mw...)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func whoami(c echo.Context) error {
	return c.String(http.StatusOK, UserID(c)+"|"+Role(c))
}

func TestJWTAuth(t *testing.T) {
	t.Parallel()

	good, err := utils.NewAccessToken(secret, "user-1", "PLAYER", 5)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	forged, _ := utils.NewAccessToken("other", "user-1", "ADMIN", 5)
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1", "role": "PLAYER", "exp": time.Now().Add(-time.Minute).Unix(),
	})
	expiredRaw, _ := expired.SignedString([]byte(secret))
	numeric := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": 42, "role": "PLAYER", "exp": time.Now().Add(time.Minute).Unix(),
	})
	numericRaw, _ := numeric.SignedString([]byte(secret))

	tests := []struct {
		name   string
		authz  string
		status int
		body   string
	}{
		{"valid", "Bearer " + good.Token, http.StatusOK, "user-1|PLAYER"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong secret", "Bearer " + forged.Token, http.StatusUnauthorized, ""},
		{"expired", "Bearer " + expiredRaw, http.StatusUnauthorized, ""},
		{"non string subject", "Bearer " + numericRaw, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(t, whoami, []echo.MiddlewareFunc{JWTAuth(secret)}, tt.authz)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Fatalf("expected body %q, got %q", tt.body, rec.Body.String())
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	t.Parallel()

	player, _ := utils.NewAccessToken(secret, "user-1", "PLAYER", 5)
	admin, _ := utils.NewAccessToken(secret, "root", "ADMIN", 5)
	mw := []echo.MiddlewareFunc{JWTAuth(secret), RequireRole("ADMIN")}

	if rec := serve(t, whoami, mw, "Bearer "+player.Token); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for player, got %d", rec.Code)
	}
	if rec := serve(t, whoami, mw, "Bearer "+admin.Token); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", rec.Code)
	}
	if rec := serve(t, whoami, []echo.MiddlewareFunc{RequireRole("ADMIN")}, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without JWTAuth, got %d", rec.Code)
	}
}

func TestRedisMiddleware_PassThroughWithoutRedis(t *testing.T) {
	t.Parallel()

	calls := 0
	h := func(c echo.Context) error {
		calls++
		return c.String(http.StatusOK, "ok")
	}
	mw := []echo.MiddlewareFunc{
		NewTokenBucket(config.RateLimitConfig{Enabled: true, Capacity: 1}, nil),
		NewRedisCache(config.CacheConfig{Enabled: true, Methods: []string{"GET"}}, nil),
	}
	for i := 0; i < 3; i++ {
		if rec := serve(t, h, mw, ""); rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
	if calls != 3 {
		t.Fatalf("expected every request to reach the handler, got %d", calls)
	}
}

func TestCacheKey(t *testing.T) {
	t.Parallel()

	cfg := config.CacheConfig{Prefix: "funnel:cache"}
	a := cacheKey(cfg, http.MethodGet, "/funnel/stages", "")
	b := cacheKey(cfg, http.MethodHead, "/funnel/stages", "")
	c := cacheKey(cfg, http.MethodGet, "/funnel/stages", "stage=2")
	if a != b {
		t.Fatalf("expected method to be ignored")
	}
	if a == c {
		t.Fatalf("expected query to change the key")
	}
	if len(a) <= len("funnel:cache:") || a[:len("funnel:cache:")] != "funnel:cache:" {
		t.Fatalf("expected prefixed key, got %q", a)
	}
}

func TestParseDecision(t *testing.T) {
	t.Parallel()

	d, err := parseDecision([]any{int64(0), int64(0), int64(1500)})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.allowed || d.retryAfter != 1500*time.Millisecond {
		t.Fatalf("unexpected decision %+v", d)
	}
	if got := retrySeconds(d.retryAfter); got != 2 {
		t.Fatalf("expected retry rounded up to 2s, got %d", got)
	}
	if got := retrySeconds(0); got != 1 {
		t.Fatalf("expected at least 1s, got %d", got)
	}

	d, err = parseDecision([]any{int64(1), "4", int64(0)})
	if err != nil || !d.allowed || d.remaining != 4 {
		t.Fatalf("unexpected decision %+v %v", d, err)
	}
	if _, err := parseDecision("OK"); err == nil {
		t.Fatalf("expected an error for a non array reply")
	}
}

func TestRateKey(t *testing.T) {
	t.Parallel()

	key := func(strategy string) string {
		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/funnel/join", nil)
		req.Header.Set(echo.HeaderXRealIP, "10.0.0.7")
		c := e.NewContext(req, httptest.NewRecorder())
		c.SetPath("/funnel/join")
		c.Set(ctxUserID, "u1")
		return rateKey(config.RateLimitConfig{Prefix: "rl", KeyStrategy: strategy}, c)
	}
	tests := map[string]string{
		config.RateKeyUser:      "rl:user:u1",
		config.RateKeyUserRoute: "rl:user:u1:POST:/funnel/join",
		config.RateKeyIP:        "rl:ip:10.0.0.7",
	}
	for strategy, want := range tests {
		if got := key(strategy); got != want {
			t.Fatalf("%s: expected %q, got %q", strategy, want, got)
		}
	}
}
