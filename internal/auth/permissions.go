package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Role is a named bundle of permissions.
type Role string

const (
	RoleSuperAdmin        Role = "super_admin"
	RoleAdmin             Role = "admin"
	RoleInstructor        Role = "instructor"
	RoleTeachingAssistant Role = "teaching_assistant"
	RoleContentModerator  Role = "content_moderator"
	RoleSupportAgent      Role = "support_agent"
	RoleStudent           Role = "student"
)

// Permission is an atomic capability string. It is only ever granted through a role.
type Permission string

const (
	PermUserRead        Permission = "user:read"
	PermUserCreate      Permission = "user:create"
	PermUserUpdate      Permission = "user:update"
	PermUserDelete      Permission = "user:delete"
	PermUserManageRoles Permission = "user:manage_roles"

	PermCourseRead    Permission = "course:read"
	PermCourseCreate  Permission = "course:create"
	PermCourseUpdate  Permission = "course:update"
	PermCourseDelete  Permission = "course:delete"
	PermCoursePublish Permission = "course:publish"
	PermCourseEnroll  Permission = "course:enroll"

	PermLessonManage    Permission = "lesson:manage"
	PermContentModerate Permission = "content:moderate"

	PermGradeRead  Permission = "grade:read"
	PermGradeWrite Permission = "grade:write"

	PermPaymentRead   Permission = "payment:read"
	PermPaymentRefund Permission = "payment:refund"

	PermAnalyticsRead    Permission = "analytics:read"
	PermSupportManage    Permission = "support:manage"
	PermAuditRead        Permission = "audit:read"
	PermComplianceManage Permission = "compliance:manage"
	PermSystemConfigure  Permission = "system:configure"
)

var allRoles = []Role{
	RoleSuperAdmin,
	RoleAdmin,
	RoleInstructor,
	RoleTeachingAssistant,
	RoleContentModerator,
	RoleSupportAgent,
	RoleStudent,
}

var allPermissions = []Permission{
	PermUserRead, PermUserCreate, PermUserUpdate, PermUserDelete, PermUserManageRoles,
	PermCourseRead, PermCourseCreate, PermCourseUpdate, PermCourseDelete, PermCoursePublish, PermCourseEnroll,
	PermLessonManage, PermContentModerate,
	PermGradeRead, PermGradeWrite,
	PermPaymentRead, PermPaymentRefund,
	PermAnalyticsRead, PermSupportManage, PermAuditRead, PermComplianceManage, PermSystemConfigure,
}

// rolePermissions is the only source of permission grants. super_admin maps to the universe.
var rolePermissions = map[Role][]Permission{
	RoleSuperAdmin: allPermissions,
	RoleAdmin: {
		PermUserRead, PermUserCreate, PermUserUpdate, PermUserDelete, PermUserManageRoles,
		PermCourseRead, PermCourseCreate, PermCourseUpdate, PermCourseDelete, PermCoursePublish,
		PermLessonManage, PermContentModerate,
		PermGradeRead, PermPaymentRead, PermPaymentRefund,
		PermAnalyticsRead, PermSupportManage, PermAuditRead, PermComplianceManage,
	},
	RoleInstructor: {
		PermCourseRead, PermCourseCreate, PermCourseUpdate, PermCoursePublish,
		PermLessonManage, PermGradeRead, PermGradeWrite, PermAnalyticsRead,
	},
	RoleTeachingAssistant: {
		PermCourseRead, PermLessonManage, PermGradeRead, PermGradeWrite,
	},
	RoleContentModerator: {
		PermCourseRead, PermContentModerate, PermUserRead,
	},
	RoleSupportAgent: {
		PermUserRead, PermCourseRead, PermPaymentRead, PermSupportManage,
	},
	RoleStudent: {
		PermCourseRead, PermCourseEnroll, PermGradeRead,
	},
}

// AllRoles lists every defined role.
func AllRoles() []Role {
	out := make([]Role, len(allRoles))
	copy(out, allRoles)
	return out
}

// AllPermissions lists the permission universe.
func AllPermissions() []Permission {
	out := make([]Permission, len(allPermissions))
	copy(out, allPermissions)
	return out
}

// Valid reports whether r is a defined role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// ParseRole normalizes s ("Instructor", "SUPER_ADMIN") into a defined role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

// RolePermissions returns the static table entry for r.
func RolePermissions(r Role) []Permission {
	perms := rolePermissions[r]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// PermissionsFor returns the sorted union of the table entries for roles.
func PermissionsFor(roles []Role) []Permission {
	set := make(map[Permission]struct{})
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			set[p] = struct{}{}
		}
	}
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func dedupeRoles(roles []Role) []Role {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[Role]struct{}, len(roles))
	out := make([]Role, 0, len(roles))
	for _, r := range roles {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
