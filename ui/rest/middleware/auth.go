package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/xkayo32/pytake-sub001/pkg/utils"
	"github.com/xkayo32/pytake-sub001/tenancy"
)

const tenantLocalKey = "tenant_ctx"

// Auth verifies the bearer token issued by the auth collaborator and stores
// the resulting TenantCtx on the request. Admin routes mount this; webhook
// routes never do.
func Auth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		raw := strings.TrimPrefix(header, "Bearer ")
		if raw == "" || raw == header {
			return unauthorized(c, "missing bearer token")
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return unauthorized(c, "invalid token")
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return unauthorized(c, "invalid claims")
		}

		orgID, err := uuid.Parse(stringClaim(claims, "org_id"))
		if err != nil {
			return unauthorized(c, "token carries no organization")
		}
		userID, _ := uuid.Parse(stringClaim(claims, "sub"))

		c.Locals(tenantLocalKey, tenancy.TenantCtx{
			OrganizationID: orgID,
			UserID:         userID,
			Role:           stringClaim(claims, "role"),
		})
		return c.Next()
	}
}

// RequireRole gates a route to the given roles; mounts after Auth.
func RequireRole(roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tc, ok := TenantFrom(c)
		if !ok {
			return unauthorized(c, "missing tenant context")
		}
		for _, r := range roles {
			if tc.Role == r {
				return c.Next()
			}
		}
		return c.Status(403).JSON(utils.ResponseData{
			Status:  403,
			Code:    "AUTHORIZATION_ERROR",
			Message: "insufficient role",
		})
	}
}

// TenantFrom returns the TenantCtx established by Auth.
func TenantFrom(c *fiber.Ctx) (tenancy.TenantCtx, bool) {
	tc, ok := c.Locals(tenantLocalKey).(tenancy.TenantCtx)
	return tc, ok
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(401).JSON(utils.ResponseData{
		Status:  401,
		Code:    "UNAUTHORIZED",
		Message: msg,
	})
}
