package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/velasquezlegal/timeledger/internal/tenant"
)

// Credential is the identity an API key resolves to.
// In production this mapping would typically come from the auth provider;
// the narrow shape here keeps that integration out of the core.
type Credential struct {
	UserID string
	FirmID string
	Role   tenant.Role
}

// PrincipalMiddleware enforces multi-tenancy by mapping X-API-Key to an
// authenticated principal and attaching it to the request context.
//
// The principal lives only on this request's context: when the request ends,
// on any path including panic or client disconnect, no other request can
// observe it.
func PrincipalMiddleware(keys map[string]Credential) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := strings.TrimSpace(c.GetHeader("X-API-Key"))

		cred, ok := keys[apiKey]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		principal := tenant.Principal{
			UserID: cred.UserID,
			FirmID: cred.FirmID,
			Role:   cred.Role,
		}
		if err := principal.Validate(); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Request = c.Request.WithContext(tenant.WithPrincipal(c.Request.Context(), principal))
		c.Next()
	}
}

// Principal returns the authenticated principal from the request context.
func Principal(c *gin.Context) (tenant.Principal, bool) {
	return tenant.FromContext(c.Request.Context())
}
