package domain

import "time"

type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
)

type User struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     UserStatus `json:"status" enum:"active,suspended"`
	Deleted    bool       `json:"deleted"`
	ManagerID  *string    `json:"manager_id,omitempty"`
	LocationID *string    `json:"location_id,omitempty"`
}

// Active reports whether the user may hold or exercise authority at all.
func (u User) Active() bool {
	return u.Status == UserActive && !u.Deleted
}

type RoleStatus string

const (
	RoleActive     RoleStatus = "active"
	RoleDeprecated RoleStatus = "deprecated"
)

type Role struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Status RoleStatus `json:"status" enum:"active,deprecated"`
}

type Permission struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RoleGrant is a role together with the permission names it carries.
type RoleGrant struct {
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions"`
}

type Location struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id,omitempty"`
}

type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
	GrantExpired GrantStatus = "expired"
)

// PermissionScope narrows a role-granted permission to a location subtree
// and an optional time window.
type PermissionScope struct {
	ID                 string      `json:"id"`
	UserID             string      `json:"user_id"`
	Permission         string      `json:"permission"`
	LocationID         *string     `json:"location_id,omitempty"`
	IsGlobal           bool        `json:"is_global"`
	IncludeDescendants bool        `json:"include_descendants"`
	ValidFrom          *time.Time  `json:"valid_from,omitempty"`
	ValidUntil         *time.Time  `json:"valid_until,omitempty"`
	Status             GrantStatus `json:"status" enum:"active,revoked,expired"`
}

// Delegation is a temporary authority grant independent of role membership.
type Delegation struct {
	ID                 string      `json:"id"`
	DelegatorID        string      `json:"delegator_id,omitempty"`
	DelegateID         string      `json:"delegate_id"`
	Permission         string      `json:"permission"`
	LocationID         *string     `json:"location_id,omitempty"`
	IncludeDescendants bool        `json:"include_descendants"`
	ValidFrom          *time.Time  `json:"valid_from,omitempty"`
	ValidUntil         *time.Time  `json:"valid_until,omitempty"`
	Status             GrantStatus `json:"status" enum:"active,revoked,expired"`
	Reason             string      `json:"reason,omitempty"`
}

// ValidAt reports whether a time window bounded by from/until contains t.
// Nil bounds are open.
func ValidAt(from, until *time.Time, t time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if until != nil && !t.Before(*until) {
		return false
	}
	return true
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// RoleHolder is an active user together with the active roles that put them
// in a result set.
type RoleHolder struct {
	User  User   `json:"user"`
	Roles []Role `json:"roles"`
}
