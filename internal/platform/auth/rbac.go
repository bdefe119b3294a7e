package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/intakedesk/intake/internal/domain/account"
)

// RequireRole rejects requests whose user holds none of the given roles.
func RequireRole(roles ...account.Role) echo.MiddlewareFunc {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Label()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			u := UserFromContext(c.Request().Context())
			if u == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
			}
			for _, r := range roles {
				if u.Role == r {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				"required role: "+strings.Join(names, " or "))
		}
	}
}

// RequireUser rejects unauthenticated requests regardless of role.
func RequireUser() echo.MiddlewareFunc {
	return RequireRole(account.RoleAdministrator, account.RoleScreeningPhysician)
}
