package auth

import (
	"fmt"
	"sort"

	"rulegate/internal/domain"
)

// Permissions checked by the API.
const (
	RequestCreate  = "request.create"
	RequestRead    = "request.read"
	RequestReview  = "request.review"
	RequestCancel  = "request.cancel"
	ResourceRead   = "resource.read"
	ResourceManage = "resource.manage"
	ScheduleRead   = "schedule.read"
	ScheduleManage = "schedule.manage"
	SweepRun       = "sweep.run"
	UserManage     = "user.manage"
	EventRead      = "event.read"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

var userPermissions = []string{
	RequestCreate, RequestRead, RequestCancel, ResourceRead, ScheduleRead,
}

var rolePermissions = map[domain.Role]map[string]bool{
	domain.RoleUser:  set(userPermissions...),
	domain.RoleAdmin: set(append(userPermissions, RequestReview, ResourceManage, ScheduleManage, SweepRun, UserManage, EventRead)...),
}

func set(perms ...string) map[string]bool {
	m := make(map[string]bool, len(perms))
	for _, p := range perms {
		m[p] = true
	}
	return m
}

// Permissions lists what role grants, sorted.
func Permissions(role domain.Role) []string {
	var out []string
	for p := range rolePermissions[role] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Require returns ForbiddenError unless role grants perm.
func Require(role domain.Role, perm string) error {
	if rolePermissions[role][perm] {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
