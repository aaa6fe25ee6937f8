package model

import "time"

// Roles understood by the capability table in pkg/auth.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleUser     = "user"
)

type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;size:64" json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `gorm:"size:16" json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}
