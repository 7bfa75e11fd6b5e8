package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Laboratory roles.
const (
	RoleReceptionist = "receptionist"
	RolePhlebotomist = "phlebotomist"
	RoleTechnologist = "technologist"
	RoleManager      = "manager"
	RoleAdmin        = "admin"
)

// Capability names one thing an actor may do to the workflow.
type Capability string

const (
	CapRegisterPatient Capability = "patient:register"
	CapRegisterOrder   Capability = "order:register"
	CapCollectSample   Capability = "sample:collect"
	CapRejectSample    Capability = "sample:reject"
	CapEnterResults    Capability = "results:enter"
	CapVerifyResults   Capability = "results:verify"
	CapAmendResults    Capability = "results:amend"
	CapManageCatalog   Capability = "catalog:manage"
	CapReadAudit       Capability = "audit:read"
	CapReadReports     Capability = "reports:read"
)

var technologistCaps = []Capability{CapEnterResults, CapRejectSample}

// roleCapabilities is the permission table. Admin is handled separately and
// holds every capability.
var roleCapabilities = map[string][]Capability{
	RoleReceptionist: {CapRegisterPatient, CapRegisterOrder},
	RolePhlebotomist: {CapCollectSample},
	RoleTechnologist: technologistCaps,
	RoleManager: append([]Capability{
		CapVerifyResults, CapAmendResults, CapManageCatalog, CapReadAudit, CapReadReports,
	}, technologistCaps...),
}

// Actor is the authenticated user performing a workflow operation.
type Actor struct {
	UserID string
	Email  string
	Roles  []string
}

// ActorFromContext builds the Actor placed on ctx by the auth middleware.
func ActorFromContext(ctx context.Context) Actor {
	return Actor{
		UserID: UserIDFromContext(ctx),
		Email:  EmailFromContext(ctx),
		Roles:  RolesFromContext(ctx),
	}
}

// Can reports whether any of the actor's roles grants capability.
func (a Actor) Can(capability Capability) bool {
	for _, role := range a.Roles {
		if role == RoleAdmin {
			return true
		}
		for _, c := range roleCapabilities[role] {
			if c == capability {
				return true
			}
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == RoleAdmin {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequireCapability gates a route group on a capability rather than a role list.
func RequireCapability(capability Capability) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !ActorFromContext(c.Request().Context()).Can(capability) {
				return echo.NewHTTPError(http.StatusForbidden,
					fmt.Sprintf("missing capability: %s", capability))
			}
			return next(c)
		}
	}
}
