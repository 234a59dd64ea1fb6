package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// contextKeyAgentID is where Middleware stores the authenticated agent id.
const contextKeyAgentID = "authAgentID"

// Middleware resolves the X-API-Key header (or Authorization: Bearer) and,
// when valid, stores the agent id in the request context. Invalid or
// missing keys pass through unauthenticated; RequireAuth does the gating.
func Middleware(src KeySource) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			key = c.GetHeader("Authorization")
		}
		if key != "" {
			if agentID, err := Resolve(c.Request.Context(), src, key); err == nil {
				c.Set(contextKeyAgentID, agentID)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if AgentID(c) == "" {
			abortError(c, http.StatusUnauthorized, "unauthenticated",
				"API key required. Include an 'X-API-Key: sk_...' header.")
			return
		}
		c.Next()
	}
}

// RequireOwnership requires auth and that the authenticated agent matches
// the :param path segment.
func RequireOwnership(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := AgentID(c)
		if agentID == "" {
			abortError(c, http.StatusUnauthorized, "unauthenticated",
				"API key required.")
			return
		}
		if !strings.EqualFold(agentID, c.Param(param)) {
			abortError(c, http.StatusForbidden, "forbidden",
				"You do not own this resource.")
			return
		}
		c.Next()
	}
}

// RequireAdmin guards operational endpoints with the configured admin key
// (X-Admin-Key header, constant-time compare). An empty configured key
// falls back to ordinary agent auth, which keeps local development usable.
func RequireAdmin(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			if AgentID(c) == "" {
				abortError(c, http.StatusUnauthorized, "unauthenticated",
					"authentication required")
				return
			}
			c.Next()
			return
		}
		provided := c.GetHeader("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(adminKey)) != 1 {
			abortError(c, http.StatusForbidden, "forbidden",
				"invalid admin key")
			return
		}
		c.Next()
	}
}

// AgentID returns the authenticated agent's id, or "" when the request is
// unauthenticated.
func AgentID(c *gin.Context) string {
	id, exists := c.Get(contextKeyAgentID)
	if !exists {
		return ""
	}
	s, _ := id.(string)
	return s
}

// IsAuthenticated reports whether the request carries a valid API key.
func IsAuthenticated(c *gin.Context) bool {
	return AgentID(c) != ""
}

// SetAgentID marks the request as authenticated. Exported for handler tests.
func SetAgentID(c *gin.Context, agentID string) {
	c.Set(contextKeyAgentID, agentID)
}

func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": gin.H{"code": code, "message": message}})
}
