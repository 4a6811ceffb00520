package repositories

import "akun/internal/models"

// UserRepository defines the interface for user data access.
//
// Lookups by username/email are case-insensitive (keys are normalized
// before comparison). Update is a per-record compare-and-swap: the write
// applies only if the stored concurrency token still equals
// expectedConcurrencyToken, and the token is incremented atomically with
// the write. Errors: errs.ErrDuplicate, errs.ErrNotFound, errs.ErrConflict.
type UserRepository interface {
	Create(user *models.User) error
	GetByUsername(username string) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByID(id string) (*models.User, error)
	Update(user *models.User, expectedConcurrencyToken int64) error
}
