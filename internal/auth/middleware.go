package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"call-scheduler/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const authorizationHeader = "Authorization"

// RequireAccessToken verifies an access token and injects identity into request context.
// The request logger is re-scoped with the caller so operator actions are attributable.
// It does not perform RBAC checks; those belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearerToken(c.GetHeader(authorizationHeader))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			logger.FromGin(c).Debug("access token rejected", "err", err)
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		id := claims.Identity()
		reqLog := logger.FromGin(c).With("user_id", id.UserID, "role", id.Role)
		ctx := WithIdentity(c.Request.Context(), id.UserID, id.Role)
		c.Request = c.Request.WithContext(logger.With(ctx, reqLog))
		c.Set("logger", reqLog)

		c.Next()
	}
}

// bearerToken extracts the token from an Authorization header; the scheme is case-insensitive.
func bearerToken(header string) (string, bool) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
