package services

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"
	"unicode"

	"akun/internal/errs"
	"akun/internal/mail"
	"akun/internal/models"
	"akun/internal/repositories"
	"akun/internal/security"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
)

// casRetries bounds the re-read-and-retry loop for optimistic-concurrency
// conflicts on user writes.
const casRetries = 3

// Config holds the policy knobs for registration, login, and lockout.
type Config struct {
	MinPasswordLength       int
	RequireDigit            bool
	RequireUppercase        bool
	RequireUniqueEmail      bool
	RequireConfirmedEmail   bool
	MaxFailedAccessAttempts int
	LockoutDuration         time.Duration
	SessionTTL              time.Duration
	ConfirmTokenTTL         time.Duration
	ResetTokenTTL           time.Duration
	// RequireMailDelivery makes a failed confirmation mail surface as
	// errs.ErrMailDelivery from Register. The account is created either
	// way; default is best-effort.
	RequireMailDelivery bool
	// BaseURL is the public URL prefix for confirmation/reset links.
	BaseURL string
}

// DefaultConfig returns the policy defaults.
func DefaultConfig() Config {
	return Config{
		MinPasswordLength:       8,
		RequireDigit:            true,
		RequireUppercase:        true,
		RequireUniqueEmail:      true,
		RequireConfirmedEmail:   true,
		MaxFailedAccessAttempts: 5,
		LockoutDuration:         15 * time.Minute,
		SessionTTL:              24 * time.Hour,
		ConfirmTokenTTL:         24 * time.Hour,
		ResetTokenTTL:           1 * time.Hour,
		RequireMailDelivery:     false,
		BaseURL:                 "http://localhost:8080",
	}
}

// AuthService orchestrates registration, email confirmation, login with
// lockout, and password change/reset, composing the user repository,
// password hasher, token service, and mail transport.
type AuthService struct {
	userRepo  repositories.UserRepository
	hasher    security.PasswordHasher
	tokens    *security.TokenService
	transport mail.Transport
	jwtSecret []byte
	cfg       Config
}

// NewAuthService creates a new AuthService.
func NewAuthService(
	userRepo repositories.UserRepository,
	hasher security.PasswordHasher,
	tokens *security.TokenService,
	transport mail.Transport,
	jwtSecret string,
	cfg Config,
) *AuthService {
	return &AuthService{
		userRepo:  userRepo,
		hasher:    hasher,
		tokens:    tokens,
		transport: transport,
		jwtSecret: []byte(jwtSecret),
		cfg:       cfg,
	}
}

// RegisterInput carries everything collected on the registration form.
type RegisterInput struct {
	Username string
	Email    string
	Password string
	Profile  models.Profile
}

// Register validates the input, persists the user unconfirmed, and
// dispatches a confirmation mail. The confirmation token is issued
// before Register returns, so the link is valid the moment the client
// sees the response; only the mail delivery itself may be asynchronous.
//
// A mail failure never rolls back the registration. With
// RequireMailDelivery set it is reported as errs.ErrMailDelivery
// alongside the created user; otherwise it is only logged.
func (s *AuthService) Register(in RegisterInput) (*models.User, error) {
	if err := s.validateProfile(in.Profile); err != nil {
		return nil, err
	}
	if err := s.validatePassword(in.Password); err != nil {
		return nil, err
	}

	// Pre-checks give friendly errors for the common case; the store's
	// uniqueness constraint decides actual races.
	if _, err := s.userRepo.GetByUsername(in.Username); err == nil {
		return nil, fmt.Errorf("%w: username taken", errs.ErrDuplicate)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	if s.cfg.RequireUniqueEmail {
		if _, err := s.userRepo.GetByEmail(in.Email); err == nil {
			return nil, fmt.Errorf("%w: email already registered", errs.ErrDuplicate)
		} else if !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Username:       in.Username,
		Email:          in.Email,
		EmailConfirmed: false,
		PasswordHash:   hash,
		SecurityStamp:  uuid.New().String(),
		LockoutEnabled: true,
		Profile:        in.Profile,
	}
	if err := s.userRepo.Create(user); err != nil {
		return nil, err
	}

	if err := s.sendConfirmationMail(user); err != nil {
		log.Printf("confirmation mail for user %s failed: %v", user.ID, err)
		if s.cfg.RequireMailDelivery {
			return user, errs.ErrMailDelivery
		}
	}
	return user, nil
}

// SendConfirmation re-issues and mails a confirmation link for an
// existing unconfirmed account. Unknown addresses succeed silently.
func (s *AuthService) SendConfirmation(email string) error {
	user, err := s.userRepo.GetByEmail(email)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	}
	if user.EmailConfirmed {
		return nil
	}
	if err := s.sendConfirmationMail(user); err != nil {
		log.Printf("confirmation mail for user %s failed: %v", user.ID, err)
		if s.cfg.RequireMailDelivery {
			return errs.ErrMailDelivery
		}
	}
	return nil
}

func (s *AuthService) sendConfirmationMail(user *models.User) error {
	token, err := s.tokens.Issue(user.ID, user.SecurityStamp, security.PurposeEmailConfirm, s.cfg.ConfirmTokenTTL)
	if err != nil {
		return err
	}
	link := fmt.Sprintf("%s/api/v1/auth/confirm-email?user_id=%s&token=%s",
		s.cfg.BaseURL, url.QueryEscape(user.ID), url.QueryEscape(token))
	body := fmt.Sprintf("<p>Please confirm your account by <a href=%q>clicking here</a>.</p>", link)
	return s.transport.Send(user.Email, "Confirm your email", body)
}

// ConfirmEmail validates the confirmation token and marks the user's
// email confirmed. The first successful validation consumes the token;
// replays fail with errs.ErrTokenUsed.
func (s *AuthService) ConfirmEmail(userID, token string) error {
	tokenUser, purpose, err := s.tokens.Validate(token, s.stampLookup)
	if err != nil {
		return err
	}
	if purpose != security.PurposeEmailConfirm || tokenUser != userID {
		return errs.ErrInvalidToken
	}

	_, err = s.updateUser(userID, func(u *models.User) error {
		u.EmailConfirmed = true
		return nil
	})
	return err
}

// Login authenticates by username or email and issues a session token
// bound to the user's current security stamp. Lockout is checked before
// anything else; a correct password inside the lockout window is still
// rejected.
func (s *AuthService) Login(usernameOrEmail, password string) (string, *models.User, error) {
	user, err := s.lookup(usernameOrEmail)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			// Same error as a wrong password: no account enumeration.
			return "", nil, errs.ErrInvalidCredentials
		}
		return "", nil, err
	}

	now := time.Now()
	if user.IsLockedOut(now) {
		return "", nil, errs.ErrLockedOut
	}
	if s.cfg.RequireConfirmedEmail && !user.EmailConfirmed {
		return "", nil, errs.ErrNotConfirmed
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		if user.LockoutEnabled {
			if _, err := s.recordFailedAccess(user.ID, now); err != nil {
				log.Printf("failed to record failed access for user %s: %v", user.ID, err)
			}
		}
		return "", nil, errs.ErrInvalidCredentials
	}

	if user.FailedAccessCount != 0 || user.LockoutEnd != nil {
		user, err = s.updateUser(user.ID, func(u *models.User) error {
			u.FailedAccessCount = 0
			u.LockoutEnd = nil
			return nil
		})
		if err != nil {
			return "", nil, err
		}
	}

	session, err := s.issueSession(user)
	if err != nil {
		return "", nil, err
	}
	return session, user, nil
}

// recordFailedAccess bumps the failure counter and starts the lockout
// window once the counter reaches the configured threshold. The counter
// resets when the lockout starts so the next window begins clean.
func (s *AuthService) recordFailedAccess(userID string, now time.Time) (*models.User, error) {
	return s.updateUser(userID, func(u *models.User) error {
		u.FailedAccessCount++
		if u.FailedAccessCount >= s.cfg.MaxFailedAccessAttempts {
			end := now.Add(s.cfg.LockoutDuration)
			u.LockoutEnd = &end
			u.FailedAccessCount = 0
		}
		return nil
	})
}

// ChangePassword verifies the current password, then re-hashes and
// rotates the security stamp, invalidating every existing session and
// outstanding confirmation/reset token.
func (s *AuthService) ChangePassword(userID, currentPassword, newPassword string) error {
	user, err := s.userRepo.GetByID(userID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(currentPassword, user.PasswordHash) {
		return errs.ErrInvalidCredentials
	}
	if err := s.validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	_, err = s.updateUser(userID, func(u *models.User) error {
		u.PasswordHash = hash
		u.SecurityStamp = uuid.New().String()
		return nil
	})
	return err
}

// RequestPasswordReset mails a reset link if the address belongs to an
// account. Unknown addresses succeed silently.
func (s *AuthService) RequestPasswordReset(email string) error {
	user, err := s.userRepo.GetByEmail(email)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	}

	token, err := s.tokens.Issue(user.ID, user.SecurityStamp, security.PurposePasswordReset, s.cfg.ResetTokenTTL)
	if err != nil {
		return err
	}
	link := fmt.Sprintf("%s/reset-password?user_id=%s&token=%s",
		s.cfg.BaseURL, url.QueryEscape(user.ID), url.QueryEscape(token))
	body := fmt.Sprintf("<p>Reset your password by <a href=%q>clicking here</a>.</p>", link)
	if err := s.transport.Send(user.Email, "Reset your password", body); err != nil {
		log.Printf("reset mail for user %s failed: %v", user.ID, err)
		if s.cfg.RequireMailDelivery {
			return errs.ErrMailDelivery
		}
	}
	return nil
}

// ResetPassword validates the reset token and replaces the password,
// rotating the security stamp and clearing any lockout.
func (s *AuthService) ResetPassword(userID, token, newPassword string) error {
	tokenUser, purpose, err := s.tokens.Validate(token, s.stampLookup)
	if err != nil {
		return err
	}
	if purpose != security.PurposePasswordReset || tokenUser != userID {
		return errs.ErrInvalidToken
	}
	if err := s.validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	_, err = s.updateUser(userID, func(u *models.User) error {
		u.PasswordHash = hash
		u.SecurityStamp = uuid.New().String()
		u.FailedAccessCount = 0
		u.LockoutEnd = nil
		return nil
	})
	return err
}

// GetUser loads a user by ID.
func (s *AuthService) GetUser(userID string) (*models.User, error) {
	return s.userRepo.GetByID(userID)
}

// issueSession creates a signed HS256 session token carrying the user's
// security stamp, so rotating the stamp kills the session.
func (s *AuthService) issueSession(user *models.User) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"stamp":    user.SecurityStamp,
		"exp":      now.Add(s.cfg.SessionTTL).Unix(),
		"iat":      now.Unix(),
	})
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return signed, nil
}

// ValidateSession parses the session token, checks signature and expiry,
// and verifies the embedded security stamp is still the user's current
// one. Returns the user and the claims.
func (s *AuthService) ValidateSession(tokenString string) (*models.User, jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("invalid session: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, nil, fmt.Errorf("invalid session")
	}

	userID, _ := claims["user_id"].(string)
	stamp, _ := claims["stamp"].(string)
	user, err := s.userRepo.GetByID(userID)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid session")
	}
	if stamp != user.SecurityStamp {
		// Credentials changed since this session was issued.
		return nil, nil, fmt.Errorf("invalid session")
	}
	return user, claims, nil
}

// stampLookup resolves the current security stamp for token validation.
func (s *AuthService) stampLookup(userID string) (string, error) {
	user, err := s.userRepo.GetByID(userID)
	if err != nil {
		return "", err
	}
	return user.SecurityStamp, nil
}

// lookup finds a user by email when the identifier looks like an
// address, otherwise by username.
func (s *AuthService) lookup(usernameOrEmail string) (*models.User, error) {
	if strings.Contains(usernameOrEmail, "@") {
		return s.userRepo.GetByEmail(usernameOrEmail)
	}
	return s.userRepo.GetByUsername(usernameOrEmail)
}

// updateUser applies mutate under the repository's compare-and-swap,
// re-reading and retrying on conflict so same-user operations serialize
// without external locking.
func (s *AuthService) updateUser(userID string, mutate func(*models.User) error) (*models.User, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		user, err := s.userRepo.GetByID(userID)
		if err != nil {
			return nil, err
		}
		if err := mutate(user); err != nil {
			return nil, err
		}
		err = s.userRepo.Update(user, user.ConcurrencyToken)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, errs.ErrConflict) {
			return nil, err
		}
	}
	return nil, errs.ErrConflict
}

func (s *AuthService) validateProfile(p models.Profile) error {
	switch {
	case strings.TrimSpace(p.FirstName) == "":
		return fmt.Errorf("%w: first name is required", errs.ErrValidation)
	case strings.TrimSpace(p.LastName) == "":
		return fmt.Errorf("%w: last name is required", errs.ErrValidation)
	case p.BirthDate.IsZero():
		return fmt.Errorf("%w: birth date is required", errs.ErrValidation)
	case strings.TrimSpace(p.Country) == "":
		return fmt.Errorf("%w: country is required", errs.ErrValidation)
	}
	return nil
}

func (s *AuthService) validatePassword(password string) error {
	if len(password) < s.cfg.MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", errs.ErrValidation, s.cfg.MinPasswordLength)
	}
	hasDigit, hasUpper := false, false
	for _, r := range password {
		if unicode.IsDigit(r) {
			hasDigit = true
		}
		if unicode.IsUpper(r) {
			hasUpper = true
		}
	}
	if s.cfg.RequireDigit && !hasDigit {
		return fmt.Errorf("%w: password must contain a digit", errs.ErrValidation)
	}
	if s.cfg.RequireUppercase && !hasUpper {
		return fmt.Errorf("%w: password must contain an uppercase letter", errs.ErrValidation)
	}
	return nil
}
