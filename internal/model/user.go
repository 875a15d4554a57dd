package model

import "time"

// Roles carried in the access token "role" claim.
const (
	RolePlayer = "PLAYER"
	RoleAdmin  = "ADMIN"
)

// User represents an account as stored in the `users` table.  The ID
// is the identifier every funnel record refers to as user_id; for
// accounts linked to the Pi platform it is the Pi user uid.
//
// Fields:
//  ID           – primary key identifier (uuid or Pi uid).
//  Email        – unique email address, lower-cased.
//  PasswordHash – bcrypt hashed password.
//  Role         – PLAYER or ADMIN.
//  IsActive     – whether the account may sign in.
//  CreatedAt    – timestamp of creation.
//  UpdatedAt    – timestamp of last update.
type User struct {
	ID           string    // users.id
	Email        string    // users.email
	PasswordHash string    // users.password_hash
	Role         string    // users.role
	IsActive     bool      // users.is_active
	CreatedAt    time.Time // users.created_at
	UpdatedAt    time.Time // users.updated_at
}
