package auth

import "time"

type Role string

const (
	RoleAdmin             Role = "admin"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleAgent             Role = "agent"
	RoleArbiter           Role = "arbiter"
	RoleClient            Role = "client"
)

// User is the domain representation of a platform participant. It mirrors the
// users table and should not include JSON annotations so it can be reused by
// different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Address      string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Caller identifies the principal behind a request once the token has been
// verified. Services check it against record relationships and role
// preconditions before mutating anything.
type Caller struct {
	UserID  string
	Address string
	Role    Role
}

// IsAdmin reports whether the caller holds the administrative role.
func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

// IsComplianceOfficer reports whether the caller may mutate the compliance
// registry. Admins are implicitly officers.
func (c Caller) IsComplianceOfficer() bool {
	return c.Role == RoleComplianceOfficer || c.Role == RoleAdmin
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Address  string `json:"address"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
