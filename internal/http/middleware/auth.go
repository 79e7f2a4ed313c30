package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

// AdminAuth guards the admin API with a shared bearer token. With no token
// configured every request passes.
type AdminAuth struct {
	log   *logger.Logger
	token string
}

func NewAdminAuth(log *logger.Logger, token string) *AdminAuth {
	return &AdminAuth{log: log.With("Middleware", "AdminAuth"), token: strings.TrimSpace(token)}
}

func (a *AdminAuth) Enabled() bool { return a != nil && a.token != "" }

func (a *AdminAuth) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}
		got := extractToken(c)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
			a.log.Debug("Rejected admin request", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"},
			})
			return
		}
		c.Next()
	}
}

// extractToken also accepts ?token= because EventSource cannot set headers.
func extractToken(c *gin.Context) string {
	if qToken := c.Query("token"); qToken != "" {
		return qToken
	}
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}
