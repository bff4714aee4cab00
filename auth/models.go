package auth

import "time"

type Role string

const (
	RoleBusiness Role = "business"
	RoleInvestor Role = "investor"
	RoleAdmin    Role = "admin"
)

// Account is the domain representation of an authenticated account.
// It mirrors the accounts table and should not include JSON annotations so
// it can be reused by different presentation layers.
type Account struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
