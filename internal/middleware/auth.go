// Package middleware provides Gin HTTP middleware for authentication, rate limiting,
// security headers, request ids, metrics and activity logging.
//
// Middleware ordering matters and is enforced in router.go:
//
//	RequestID → Logger → Security → CORS → Metrics → RateLimit → Auth → Activity → Handler
//
// Security headers run first so they appear on all responses including errors.
// Rate limiting runs before auth so token verification work is not spent on floods.
// Auth stores the caller identity; handlers and the activity logger read it back with
// CurrentUser.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/audit-platform/audit-platform/internal/auth"
)

const (
	ctxUser       = "user"
	ctxUserID     = "user_id"
	ctxAuthMethod = "auth_method"
)

// AuthMiddleware requires a bearer token accepted by one of the verifiers. Verifiers are
// tried in order; the first one that accepts the token wins.
func AuthMiddleware(verifiers ...auth.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c)
		if msg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"details": msg,
			})
			return
		}

		user := verify(c, token, verifiers)
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"details": "Invalid credentials",
			})
			return
		}

		setUser(c, user)
		c.Next()
	}
}

// OptionalAuthMiddleware - same as AuthMiddleware but doesn't abort if no auth
func OptionalAuthMiddleware(verifiers ...auth.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c)
		if msg == "" {
			if user := verify(c, token, verifiers); user != nil {
				setUser(c, user)
			}
		}
		c.Next()
	}
}

// CurrentUser returns the identity set by the auth middleware, or nil
func CurrentUser(c *gin.Context) *auth.User {
	v, ok := c.Get(ctxUser)
	if !ok {
		return nil
	}
	user, _ := v.(*auth.User)
	return user
}

func bearerToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", "Missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "Authorization header must start with 'Bearer '"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "Authorization token is empty"
	}
	return token, ""
}

func verify(c *gin.Context, token string, verifiers []auth.TokenVerifier) *auth.User {
	for _, v := range verifiers {
		if v == nil {
			continue
		}
		user, err := v.Verify(c.Request.Context(), token)
		if err == nil && user != nil {
			return user
		}
	}
	return nil
}

func setUser(c *gin.Context, user *auth.User) {
	c.Set(ctxUser, user)
	c.Set(ctxUserID, user.ID)
	c.Set(ctxAuthMethod, "bearer")
}
