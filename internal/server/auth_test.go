package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"staqflow/internal/onstaq"
)

func TestAuthCacheExpiryRevalidates(t *testing.T) {
	if authCacheTTL != 30*time.Second {
		t.Fatalf("auth cache TTL is %s, want 30s", authCacheTTL)
	}

	// A short-TTL cache stands in for the real one so expiry is observable.
	api := &fakeAPI{validTokens: map[string]*onstaq.User{"tok": {ID: "u1"}}}
	mw := &authMiddleware{
		api:     api,
		require: true,
		cache:   expirable.NewLRU[string, *onstaq.User](authCacheSize, nil, 30*time.Millisecond),
	}
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw.Handler())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func() int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Authorization", "Bearer tok")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := send(); code != http.StatusOK {
		t.Fatalf("cached request: %d", code)
	}
	if api.validateCalls != 1 {
		t.Fatalf("expected one validation before expiry, got %d", api.validateCalls)
	}

	time.Sleep(60 * time.Millisecond)
	if code := send(); code != http.StatusOK {
		t.Fatalf("post-expiry request: %d", code)
	}
	if api.validateCalls != 2 {
		t.Fatalf("expected revalidation after expiry, got %d calls", api.validateCalls)
	}
}
