package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// User represents an account holder. Username and Email are stored in
// normalized (lowercased, trimmed) form and are unique across all users.
// PasswordHash and SecurityStamp carry no json tags so they can never
// leak through an API response.
type User struct {
	ID                string     `json:"id" gorm:"primaryKey;type:varchar(36)" validate:"omitempty,uuid"`
	Username          string     `json:"username" gorm:"uniqueIndex;type:varchar(100)" validate:"required,min=3,max=100"`
	Email             string     `json:"email" gorm:"uniqueIndex;type:varchar(255)" validate:"required,email"`
	EmailConfirmed    bool       `json:"email_confirmed" gorm:"not null;default:false"`
	PasswordHash      string     `json:"-" gorm:"type:varchar(255)"`
	SecurityStamp     string     `json:"-" gorm:"type:varchar(36)"`
	ConcurrencyToken  int64      `json:"-" gorm:"not null;default:0"`
	FailedAccessCount int        `json:"-" gorm:"not null;default:0"`
	LockoutEnd        *time.Time `json:"-"`
	LockoutEnabled    bool       `json:"-" gorm:"not null;default:true"`

	Profile Profile `json:"profile" gorm:"embedded"`

	gorm.Model `json:"-"` // CreatedAt, UpdatedAt, DeletedAt
}

// Profile holds the custom user fields collected at registration.
// All fields are required.
type Profile struct {
	FirstName string    `json:"first_name" gorm:"type:varchar(100)" validate:"required"`
	LastName  string    `json:"last_name" gorm:"type:varchar(100)" validate:"required"`
	BirthDate time.Time `json:"birth_date" validate:"required"`
	Country   string    `json:"country" gorm:"type:varchar(100)" validate:"required"`
}

// NormalizeKey lowercases and trims a username or email so that lookups
// and uniqueness checks are case-insensitive.
func NormalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsLockedOut reports whether the account is inside its lockout window.
func (u *User) IsLockedOut(now time.Time) bool {
	return u.LockoutEnabled && u.LockoutEnd != nil && now.Before(*u.LockoutEnd)
}
