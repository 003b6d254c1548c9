package approvers

import (
	"fmt"
	"strings"

	"approvald/internal/domain"
)

func diagEmployeeMissing(employeeID string) string {
	return fmt.Sprintf("employee %s not found; cannot resolve a manager", employeeID)
}

func diagNoManager(employeeID string) string {
	return fmt.Sprintf("no manager assigned to employee %s", employeeID)
}

func diagManagerMissing(managerID, employeeID string) string {
	return fmt.Sprintf("manager %s of employee %s does not exist", managerID, employeeID)
}

func diagManagerInactive(managerID string) string {
	return fmt.Sprintf("manager %s is suspended or deleted", managerID)
}

func diagManagerLacksPermission(managerID, permission string) string {
	return fmt.Sprintf("manager %s lacks permission %s", managerID, permission)
}

func diagManagerOutOfScope(managerID string, scope domain.LocationScope) string {
	return fmt.Sprintf("manager %s excluded by location scope %q", managerID, scope)
}

func diagNoRoles(stepOrder int) string {
	return fmt.Sprintf("no roles configured for step %d", stepOrder)
}

func diagNoRoleHolders(roles []string) string {
	return fmt.Sprintf("no active users hold any of the required roles [%s]", strings.Join(roles, ", "))
}

func diagRoleHoldersLackPermission(roles []string, permission string) string {
	return fmt.Sprintf("no users with roles [%s] hold permission %s", strings.Join(roles, ", "), permission)
}

func diagNoPermissionHolders(permission string) string {
	return fmt.Sprintf("no active users hold permission %s", permission)
}

func diagOutOfScope(n int, scope domain.LocationScope, refLoc string) string {
	return fmt.Sprintf("%d candidate(s) excluded by location scope %q relative to location %s", n, scope, refLoc)
}
