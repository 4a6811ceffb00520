package repositories

import (
	"errors"
	"fmt"
	"time"

	"akun/internal/errs"
	"akun/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GORMUserRepository is a GORM implementation of UserRepository.
// The *gorm.DB must be opened with TranslateError so duplicate-key
// violations surface as gorm.ErrDuplicatedKey regardless of driver.
type GORMUserRepository struct {
	db *gorm.DB
}

// NewGORMUserRepository creates a new instance of GORMUserRepository.
func NewGORMUserRepository(db *gorm.DB) *GORMUserRepository {
	return &GORMUserRepository{
		db: db,
	}
}

// Create creates a new user in the database. Username and email are
// stored normalized; the unique indexes on both columns decide races
// between concurrent registrations, so exactly one of two identical
// registrations succeeds.
func (r *GORMUserRepository) Create(user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.SecurityStamp == "" {
		user.SecurityStamp = uuid.New().String()
	}
	user.Username = models.NormalizeKey(user.Username)
	user.Email = models.NormalizeKey(user.Email)
	user.ConcurrencyToken = 0

	if err := r.db.Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errs.ErrDuplicate
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByUsername retrieves a user by their normalized username.
func (r *GORMUserRepository) GetByUsername(username string) (*models.User, error) {
	return r.getBy("username = ?", models.NormalizeKey(username))
}

// GetByEmail retrieves a user by their normalized email.
func (r *GORMUserRepository) GetByEmail(email string) (*models.User, error) {
	return r.getBy("email = ?", models.NormalizeKey(email))
}

// GetByID retrieves a user by their ID.
func (r *GORMUserRepository) GetByID(id string) (*models.User, error) {
	return r.getBy("id = ?", id)
}

func (r *GORMUserRepository) getBy(query string, arg string) (*models.User, error) {
	var user models.User
	if err := r.db.First(&user, query, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// Update applies all mutable fields of the user as a single
// compare-and-swap on the concurrency token. A stale token means another
// writer got in first; the caller must re-read and retry.
func (r *GORMUserRepository) Update(user *models.User, expectedConcurrencyToken int64) error {
	res := r.db.Model(&models.User{}).
		Where("id = ? AND concurrency_token = ?", user.ID, expectedConcurrencyToken).
		Updates(map[string]interface{}{
			"email_confirmed":     user.EmailConfirmed,
			"password_hash":       user.PasswordHash,
			"security_stamp":      user.SecurityStamp,
			"failed_access_count": user.FailedAccessCount,
			"lockout_end":         user.LockoutEnd,
			"lockout_enabled":     user.LockoutEnabled,
			"first_name":          user.Profile.FirstName,
			"last_name":           user.Profile.LastName,
			"birth_date":          user.Profile.BirthDate,
			"country":             user.Profile.Country,
			"concurrency_token":   expectedConcurrencyToken + 1,
			"updated_at":          time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update user %s: %w", user.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		// Either the record is gone or the token is stale; distinguish
		// so callers can report the right error.
		if _, err := r.GetByID(user.ID); errors.Is(err, errs.ErrNotFound) {
			return errs.ErrNotFound
		}
		return errs.ErrConflict
	}
	user.ConcurrencyToken = expectedConcurrencyToken + 1
	return nil
}
