package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/subchain/internal/ownercontext"
	obscontext "github.com/smallbiznis/subchain/internal/observability/context"
)

const ContextOwnerIDKey = "owner_id"

// RequireBearer rejects requests without a valid bearer token and stores the
// owner on the request context. onError lets the HTTP layer render the failure.
func RequireBearer(v *Verifier, onError func(*gin.Context, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := v.Verify(c.Request.Context(), bearerToken(c.GetHeader("Authorization")))
		if err != nil {
			onError(c, err)
			return
		}

		ctx := ownercontext.WithOwnerID(c.Request.Context(), principal.OwnerID)
		ctx = obscontext.WithOwnerID(ctx, principal.OwnerID.String())
		ctx = obscontext.WithActor(ctx, "owner", principal.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Set(ContextOwnerIDKey, principal.OwnerID.String())
		c.Next()
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
