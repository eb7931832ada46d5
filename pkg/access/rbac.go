// Package access implements the mesh's authorization layer (spec §4.4):
// a role-based permission matrix with a data-owner bypass rule for user
// data, plus guest-network isolation and the explicit-access-grant
// protocol devices use to cross isolation boundaries.
package access

import (
	"fmt"
	"sync"

	"github.com/aegismesh/aegis/pkg/auth"
)

// Resource is a protected category of the mesh's state.
type Resource string

const (
	ResourceUserData      Resource = "user_data"
	ResourceAuditLogs     Resource = "audit_logs"
	ResourceConfiguration Resource = "configuration"
)

// Action is an operation a principal attempts against a Resource.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
)

// ErrAccessDenied is returned whenever the permission matrix or an
// isolation rule rejects a request.
type ErrAccessDenied struct {
	Principal string
	Role      auth.Role
	Resource  Resource
	Action    Action
}

func (e *ErrAccessDenied) Error() string {
	return fmt.Sprintf("access: %s (role %s) cannot %s %s", e.Principal, e.Role, e.Action, e.Resource)
}

// permission matrix: role -> resource -> set of allowed actions.
var matrix = map[auth.Role]map[Resource]map[Action]bool{
	auth.RoleAdmin: {
		ResourceUserData:      allActions(),
		ResourceAuditLogs:     allActions(),
		ResourceConfiguration: allActions(),
	},
	auth.RoleUser: {
		ResourceUserData: allActions(),
	},
	auth.RoleService: {
		ResourceUserData:  {ActionCreate: true, ActionRead: true, ActionUpdate: true},
		ResourceAuditLogs: {ActionRead: true},
	},
	auth.RoleReadOnly: {
		ResourceUserData:      {ActionRead: true},
		ResourceAuditLogs:     {ActionRead: true},
		ResourceConfiguration: {ActionRead: true},
	},
}

func allActions() map[Action]bool {
	return map[Action]bool{ActionCreate: true, ActionRead: true, ActionUpdate: true, ActionDelete: true, ActionExport: true}
}

// isAllowed reports whether role may perform action on resource, per the
// static permission matrix alone (no data-owner rule).
func isAllowed(role auth.Role, resource Resource, action Action) bool {
	byResource, ok := matrix[role]
	if !ok {
		return false
	}
	actions, ok := byResource[resource]
	if !ok {
		return false
	}
	return actions[action]
}

// RBAC tracks each registered principal's role and answers permission
// checks against the static matrix.
type RBAC struct {
	mu    sync.RWMutex
	roles map[string]auth.Role // principal id -> role
}

// NewRBAC creates an empty RBAC registry.
func NewRBAC() *RBAC {
	return &RBAC{roles: make(map[string]auth.Role)}
}

// Register assigns role to principalID, overwriting any prior assignment.
func (r *RBAC) Register(principalID string, role auth.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[principalID] = role
}

// RoleOf returns the role registered for principalID, if any.
func (r *RBAC) RoleOf(principalID string) (auth.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[principalID]
	return role, ok
}

// Check verifies principalID may perform action on resource under the
// static permission matrix. It does not apply the data-owner bypass rule —
// use CheckUserData for ResourceUserData requests scoped to a specific
// owner.
func (r *RBAC) Check(principalID string, resource Resource, action Action) error {
	role, ok := r.RoleOf(principalID)
	if !ok {
		return &ErrAccessDenied{Principal: principalID, Resource: resource, Action: action}
	}
	if !isAllowed(role, resource, action) {
		return &ErrAccessDenied{Principal: principalID, Role: role, Resource: resource, Action: action}
	}
	return nil
}

// CheckUserData authorizes accessorID's action against ownerID's data.
// Admin, Service, and ReadOnly roles are authorized by the matrix alone
// (they may act on any user's data, subject to their role's allowed
// actions). A User role may only act on its own data.
func (r *RBAC) CheckUserData(accessorID, ownerID string, action Action) error {
	role, ok := r.RoleOf(accessorID)
	if !ok {
		return &ErrAccessDenied{Principal: accessorID, Resource: ResourceUserData, Action: action}
	}

	switch role {
	case auth.RoleAdmin, auth.RoleService, auth.RoleReadOnly:
		return r.Check(accessorID, ResourceUserData, action)
	default:
		if accessorID == ownerID {
			return r.Check(accessorID, ResourceUserData, action)
		}
		return &ErrAccessDenied{Principal: accessorID, Role: role, Resource: ResourceUserData, Action: action}
	}
}
