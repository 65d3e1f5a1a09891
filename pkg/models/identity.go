// Package models holds the record shapes shared by every Warden component.
package models

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

// Role is the closed set of identity roles.
type Role string

const (
	RoleNone      Role = "NONE"
	RoleUser      Role = "USER"
	RoleAdmin     Role = "ADMIN"
	RoleSiteAdmin Role = "SITE_ADMIN"
)

// ParseRole converts a configured or stored role name into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RoleNone, RoleUser, RoleAdmin, RoleSiteAdmin:
		return r, nil
	}
	return RoleNone, fmt.Errorf("unknown role %q", s)
}

// Privileged reports whether the role bypasses service membership checks.
func (r Role) Privileged() bool {
	return r == RoleSiteAdmin
}

// Identity is an account known to the credential store.
type Identity struct {
	ID        string    `json:"id" example:"7c9e6679-7425-40de-944b-e07fc1f90ae7"`
	Username  string    `json:"username" example:"jdoe"`
	Role      Role      `json:"role" example:"USER"`
	Groups    []string  `json:"groups,omitempty"`
	Suspended bool      `json:"suspended"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (i *Identity) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("identity_id", i.ID)
	enc.AddString("username", i.Username)
	enc.AddString("role", string(i.Role))
	enc.AddBool("suspended", i.Suspended)
	return nil
}

// InGroup reports whether the identity belongs to group (exact match after trim).
func (i *Identity) InGroup(group string) bool {
	return ContainsGroup(i.Groups, group)
}

// ContainsGroup reports whether groups holds target. Both sides are trimmed
// and compared exactly.
func ContainsGroup(groups []string, target string) bool {
	target = strings.TrimSpace(target)
	if target == "" {
		return false
	}
	for _, g := range groups {
		if strings.TrimSpace(g) == target {
			return true
		}
	}
	return false
}
