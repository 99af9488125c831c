package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"proof-orchestrator/internal/handlers"
)

const bearerPrefix = "Bearer "

// TokenValidator checks an admin bearer token
type TokenValidator interface {
	ValidateToken(tokenString string) (*handlers.AdminJWTClaims, error)
}

// AdminAuthMiddleware guards the prune and ballot endpoints
type AdminAuthMiddleware struct {
	logger    *logrus.Logger
	validator TokenValidator
}

// NewAdminAuthMiddleware 创建管理员认证中间件
func NewAdminAuthMiddleware(logger *logrus.Logger, validator TokenValidator) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{
		logger:    logger,
		validator: validator,
	}
}

// RequireAdminAuth accepts only a valid admin token issued by /admin/login.
// The operator name is stored under handlers.ContextAdminUsername for the
// audit fields of prune and ballot logs.
func (a *AdminAuthMiddleware) RequireAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, code, reason := bearerToken(c.GetHeader("Authorization"))
		if code != "" {
			a.reject(c, http.StatusUnauthorized, code, reason, nil)
			return
		}

		claims, err := a.validator.ValidateToken(token)
		if err != nil {
			a.reject(c, http.StatusUnauthorized, "INVALID_TOKEN", "admin token is invalid or expired", err)
			return
		}
		if claims.Role != handlers.AdminRole {
			a.reject(c, http.StatusForbidden, "INSUFFICIENT_PERMISSIONS", "token does not carry the admin role", nil)
			return
		}

		c.Set(handlers.ContextAdminUsername, claims.Username)
		c.Next()
	}
}

// bearerToken extracts the token, or returns the rejection code and reason
func bearerToken(header string) (token, code, reason string) {
	switch {
	case header == "":
		return "", "MISSING_AUTH_HEADER", "admin endpoints require an Authorization header"
	case !strings.HasPrefix(header, bearerPrefix):
		return "", "INVALID_AUTH_FORMAT", "expected Authorization: Bearer <token>"
	}
	token = strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		return "", "EMPTY_TOKEN", "bearer token is empty"
	}
	return token, "", ""
}

func (a *AdminAuthMiddleware) reject(c *gin.Context, status int, code, reason string, err error) {
	fields := logrus.Fields{
		"path":      c.Request.URL.Path,
		"method":    c.Request.Method,
		"client_ip": c.ClientIP(),
		"code":      code,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	a.logger.WithFields(fields).Warn("🔒 [AdminAuth] Request rejected")

	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   http.StatusText(status),
		"message": reason,
		"code":    code,
	})
}
