package projects

import (
	"strings"
	"time"
)

// Project roles.
const (
	RoleManager = "project_manager"
	RoleMember  = "project_member"
)

// Membership binds a user to a project. Pending invitations are memberships
// that have not been accepted yet.
type Membership struct {
	ProjectID int64     `gorm:"column:project_id;primaryKey;autoIncrement:false"`
	Username  string    `gorm:"column:username;primaryKey;size:190;not null"`
	Role      string    `gorm:"column:role;size:32;not null"`
	InvitedBy string    `gorm:"column:invited_by;size:190"`
	Accepted  bool      `gorm:"column:accepted;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing project memberships.
func (Membership) TableName() string {
	return "project_memberships"
}

// ParseRole normalizes a role name; both "manager" and "project_manager" are accepted.
func ParseRole(value string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.TrimPrefix(normalized, "role_")
	switch normalized {
	case "", "member", RoleMember:
		return RoleMember, true
	case "manager", RoleManager:
		return RoleManager, true
	default:
		return "", false
	}
}
