package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/bulkgen/internal/auth"
	"github.com/makeasinger/bulkgen/pkg/response"
)

const identityKey = "identity"

// AuthMiddleware authenticates operators with bearer tokens
type AuthMiddleware struct {
	verifier auth.TokenVerifier
}

// NewAuthMiddleware creates an auth middleware backed by verifier. Pass an
// auth.Chain to accept both Zitadel and locally issued tokens.
func NewAuthMiddleware(verifier auth.TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Authenticate validates the bearer token from the Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		token, ok := auth.BearerToken(authHeader)
		if !ok {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		if m.verifier == nil {
			return response.Unauthorized(c, "Authentication not configured")
		}

		id, err := m.verifier.Verify(token)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		SetIdentity(c, id)
		return c.Next()
	}
}

// SetIdentity stores the authenticated operator on the request
func SetIdentity(c *fiber.Ctx, id *auth.Identity) {
	c.Locals(identityKey, id)
}

// GetIdentity returns the authenticated operator, or nil
func GetIdentity(c *fiber.Ctx) *auth.Identity {
	id, _ := c.Locals(identityKey).(*auth.Identity)
	return id
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if id := GetIdentity(c); id != nil {
		return id.UserID
	}
	return ""
}
