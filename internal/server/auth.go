package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"staqflow/internal/onstaq"
)

// authCacheTTL bounds how long a revoked token keeps being accepted.
const (
	authCacheSize = 1024
	authCacheTTL  = 30 * time.Second
)

// authMiddleware validates bearer tokens against the upstream and caches the
// verdicts so hot clients don't hammer the auth endpoint.
type authMiddleware struct {
	api     onstaq.API
	require bool
	cache   *expirable.LRU[string, *onstaq.User]
}

func newAuthMiddleware(api onstaq.API, require bool) *authMiddleware {
	return &authMiddleware{
		api:     api,
		require: require,
		cache:   expirable.NewLRU[string, *onstaq.User](authCacheSize, nil, authCacheTTL),
	}
}

// Handler returns the gin middleware. The resolved user is stored on the
// request context under "user".
func (a *authMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.require {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondError(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			c.Abort()
			return
		}

		if user, hit := a.cache.Get(token); hit {
			c.Set("user", user)
			c.Next()
			return
		}

		user, err := a.api.ValidateToken(c.Request.Context(), token)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "unauthorized", "invalid token")
			c.Abort()
			return
		}
		a.cache.Add(token, user)
		c.Set("user", user)
		c.Next()
	}
}
