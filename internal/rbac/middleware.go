package rbac

import (
	"net/http"

	"call-scheduler/internal/auth"
	"call-scheduler/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireAnyRole allows access if the caller has any of the provided roles.
// Rules:
// - admin bypasses all checks
// - roles this service never issues are rejected outright
// - identity must already be in context (auth.RequireAccessToken earlier in the chain)
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		id, ok := auth.IdentityFrom(c.Request.Context())
		if !ok || id.Role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}

		if IsAdmin(id.Role) {
			c.Next()
			return
		}

		_, permitted := allowedSet[id.Role]
		if !IsKnown(id.Role) || !permitted {
			logger.FromGin(c).Info("access denied", "user_id", id.UserID, "role", id.Role, "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequireOperator guards routes that create or start calls.
func RequireOperator() gin.HandlerFunc { return RequireAnyRole(RoleOperator) }

// RequireReader guards read-only routes.
func RequireReader() gin.HandlerFunc { return RequireAnyRole(RoleOperator, RoleViewer) }
