package rest

import (
	"github.com/gofiber/fiber/v2"

	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/pkg/utils"
	"github.com/xkayo32/pytake-sub001/tenancy"
	"github.com/xkayo32/pytake-sub001/ui/rest/middleware"
)

type Organization struct {
	Orgs tenancy.OrganizationRepository
}

func InitRestOrganization(app fiber.Router, orgs tenancy.OrganizationRepository) Organization {
	handler := Organization{Orgs: orgs}

	app.Get("/organization", handler.Get)

	return handler
}

// Get returns the caller's organization profile, including the global
// variables exposed to flows.
func (h *Organization) Get(c *fiber.Ctx) error {
	tc, ok := middleware.TenantFrom(c)
	if !ok {
		utils.PanicIfNeeded(pkgError.AuthorizationError("missing tenant context"))
	}

	org, err := h.Orgs.GetByID(c.UserContext(), tc.OrganizationID)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Organization retrieved",
		Results: map[string]any{
			"organization_id":             org.ID.String(),
			"name":                        org.Name,
			"plan_tier":                   string(org.PlanTier),
			"max_conversations_per_agent": org.MaxConversationsPerAgent,
			"monthly_message_limit":       org.MonthlyMessageLimit,
			"global_variables":            org.GlobalVariables,
		},
	})
}
