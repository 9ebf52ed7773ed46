package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/audit"
	"github.com/evidentry/evidentry/internal/identity"
)

// RoleAdmin gates the operational endpoints (dead letters, retention
// sweeps, exports spanning tenants).
const RoleAdmin = "admin"

// tokenVerifier is the interface expected by the auth middleware,
// satisfied by *identity.TokenIssuer.
type tokenVerifier interface {
	Verify(tokenStr string) (*identity.CallerClaims, error)
}

// RequireCaller returns middleware that authenticates the request via
// a Bearer token and stores the resulting caller in the context. All
// API routes sit behind it; there are no anonymous reads or writes.
func RequireCaller(tokens tokenVerifier, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
			return
		}
		claims, err := tokens.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			logger.Debug("token rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "invalid token"})
			return
		}
		c.Set(callerKey, audit.Caller{
			Subject:  claims.Subject,
			TenantID: claims.TenantID,
			Roles:    claims.Roles,
		})
		c.Next()
	}
}

// RequireRole returns middleware that rejects callers lacking the role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := callerFrom(c)
		for _, r := range caller.Roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "insufficient role"})
	}
}
