package auth

import (
	"net/http"
	"strings"

	"ledgerchat/internal/logging"

	"github.com/gin-gonic/gin"
)

const tenantIDContextKey = "auth_tenant_id"

// Middleware validates dashboard tokens and stores the tenant in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		tenantID, err := s.ValidateToken(c.Request.Context(), token)
		if err != nil {
			status := http.StatusUnauthorized
			msg := err.Error()
			if err != ErrInvalidToken && err != ErrTokenExpired && err != ErrTokenRequired {
				status = http.StatusInternalServerError
				msg = "could not validate token"
				logging.FromContext(c.Request.Context()).Error().Err(err).Msg("token validation failed")
			}
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}
		c.Set(tenantIDContextKey, tenantID)
		c.Request = c.Request.WithContext(logging.WithTenant(c.Request.Context(), tenantID))
		c.Next()
	}
}

// TenantIDFromContext retrieves the authenticated tenant id from the gin context.
func TenantIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(tenantIDContextKey)
	if !ok {
		return "", false
	}
	tenantID, ok := val.(string)
	return tenantID, ok && tenantID != ""
}

// extractToken accepts a bearer header or the token query parameter used by dashboard links.
func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return strings.TrimSpace(c.Query(s.queryName))
}
