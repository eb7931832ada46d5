package auth

import "time"

// Role is a principal's position in the mesh's RBAC matrix (spec §4.4).
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleUser     Role = "user"
	RoleService  Role = "service"
	RoleReadOnly Role = "readonly"
)

// User is a human account that owns one or more devices in the mesh.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Principal is the interface for any entity making a request: a user's
// session, a device acting on a user's behalf, or a service account.
type Principal interface {
	GetID() string
	GetUserID() string
	GetRole() Role
}

// BasePrincipal is the concrete Principal attached to request contexts once
// a handshake (pkg/handshake) or token (pkg/token) has been validated.
type BasePrincipal struct {
	ID     string // device id or service account id
	UserID string
	Role   Role
}

func (b *BasePrincipal) GetID() string     { return b.ID }
func (b *BasePrincipal) GetUserID() string { return b.UserID }
func (b *BasePrincipal) GetRole() Role     { return b.Role }
