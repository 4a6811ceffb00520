package repositories

import (
	"sync"

	"akun/internal/errs"
	"akun/internal/models"

	"github.com/google/uuid"
)

// MockUserRepository is an in-memory implementation of UserRepository.
// It mirrors the GORM implementation's semantics, including the
// compare-and-swap on the concurrency token, so the auth service behaves
// identically against either backend.
type MockUserRepository struct {
	users      map[string]models.User // keyed by ID
	byUsername map[string]string      // normalized username -> ID
	byEmail    map[string]string      // normalized email -> ID
	mu         sync.RWMutex
}

// NewMockUserRepository creates a new instance of MockUserRepository.
func NewMockUserRepository() *MockUserRepository {
	return &MockUserRepository{
		users:      make(map[string]models.User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

// Create adds a new user, enforcing uniqueness on normalized username
// and email under a single lock so concurrent duplicates race exactly
// like a DB unique index: one wins, the other gets errs.ErrDuplicate.
func (r *MockUserRepository) Create(user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.SecurityStamp == "" {
		user.SecurityStamp = uuid.New().String()
	}
	user.Username = models.NormalizeKey(user.Username)
	user.Email = models.NormalizeKey(user.Email)
	user.ConcurrencyToken = 0

	if _, taken := r.byUsername[user.Username]; taken {
		return errs.ErrDuplicate
	}
	if _, taken := r.byEmail[user.Email]; taken {
		return errs.ErrDuplicate
	}

	r.users[user.ID] = *user
	r.byUsername[user.Username] = user.ID
	r.byEmail[user.Email] = user.ID
	return nil
}

// GetByUsername returns a snapshot of the user with the given username.
func (r *MockUserRepository) GetByUsername(username string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUsername[models.NormalizeKey(username)]
	if !ok {
		return nil, errs.ErrNotFound
	}
	user := r.users[id]
	return &user, nil
}

// GetByEmail returns a snapshot of the user with the given email.
func (r *MockUserRepository) GetByEmail(email string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[models.NormalizeKey(email)]
	if !ok {
		return nil, errs.ErrNotFound
	}
	user := r.users[id]
	return &user, nil
}

// GetByID returns a snapshot of the user with the given ID.
func (r *MockUserRepository) GetByID(id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &user, nil
}

// Update replaces the stored record if and only if the caller's observed
// concurrency token is still current, incrementing it with the write.
func (r *MockUserRepository) Update(user *models.User, expectedConcurrencyToken int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.users[user.ID]
	if !ok {
		return errs.ErrNotFound
	}
	if stored.ConcurrencyToken != expectedConcurrencyToken {
		return errs.ErrConflict
	}

	updated := *user
	updated.Username = stored.Username // immutable after creation
	updated.Email = stored.Email
	updated.ConcurrencyToken = expectedConcurrencyToken + 1
	r.users[user.ID] = updated
	user.ConcurrencyToken = updated.ConcurrencyToken
	return nil
}
