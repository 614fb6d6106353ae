package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gradesync-api/internal/utils"
)

// Roles carried in the JWT "role" claim.
const (
	RoleAdmin     = "admin"
	RoleTeacher   = "teacher"
	RoleProfessor = "professor"
	RoleViewer    = "viewer"
)

// StaffRoles lists the roles allowed to mutate students and grades.
var StaffRoles = []string{RoleAdmin, RoleTeacher, RoleProfessor}

type roleSet map[string]struct{}

func newRoleSet(roles ...string) roleSet {
	set := make(roleSet, len(roles))
	for _, role := range roles {
		if normalized := normalizeRoleValue(role); normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	return set
}

func (s roleSet) has(role string) bool {
	_, ok := s[normalizeRoleValue(role)]
	return ok
}

var staffRoles = newRoleSet(StaffRoles...)

// IsStaffRole reports whether role may edit records.
func IsStaffRole(role string) bool {
	return staffRoles.has(role)
}

// RequireRole rejects requests whose authenticated role is not one of roles.
// It expects JWTProtected to have run first.
func RequireRole(roles ...string) fiber.Handler {
	allowed := newRoleSet(roles...)

	return func(c *fiber.Ctx) error {
		role := RoleFromLocals(c)
		if role == "" {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}
		if !allowed.has(role) {
			return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", fiber.Map{"role": role})
		}
		return c.Next()
	}
}

// RequireStaff admits only the roles in StaffRoles.
func RequireStaff() fiber.Handler {
	return RequireRole(StaffRoles...)
}

// RoleFromLocals returns the normalized role stored by JWTProtected.
func RoleFromLocals(c *fiber.Ctx) string {
	return normalizeRoleValue(c.Locals("user_role"))
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
	}
}
