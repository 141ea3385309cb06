package portalauth

import (
	"strings"
)

// Role tags issued by the backend
const (
	RoleDataSteward = "data_steward"
)

var roleNames = map[string]string{
	RoleDataSteward: "Data Steward",
}

// RoleName returns the display name of a role tag. Unknown tags are
// returned unchanged.
func RoleName(role string) string {
	if name, ok := roleNames[role]; ok {
		return name
	}
	return role
}

// ParseRoles normalizes a role list, dropping blanks and duplicates while
// keeping the order
func ParseRoles(roles []string) []string {
	if len(roles) == 0 {
		return []string{}
	}
	seen := make(map[string]bool, len(roles))
	result := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r != "" && !seen[r] {
			seen[r] = true
			result = append(result, r)
		}
	}
	return result
}

// ContainsRole checks if a role is present in a list
func ContainsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
