package hook

import "strings"

// RoleCatalog decides which delegated task types get tracked. The catalog
// itself lives outside this package.
type RoleCatalog interface {
	Known(taskType string) bool
}

// AnyRole accepts every non-empty task type.
type AnyRole struct{}

// Known implements RoleCatalog.
func (AnyRole) Known(taskType string) bool { return strings.TrimSpace(taskType) != "" }

// RoleList accepts only the listed task types, case-insensitively.
type RoleList []string

// Known implements RoleCatalog.
func (l RoleList) Known(taskType string) bool {
	for _, r := range l {
		if strings.EqualFold(r, strings.TrimSpace(taskType)) {
			return true
		}
	}
	return false
}
