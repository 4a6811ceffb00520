package services_test

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"akun/internal/errs"
	"akun/internal/models"
	"akun/internal/repositories"
	"akun/internal/security"
	"akun/internal/services"

	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"
)

// CaptureTransport records every sent message, optionally failing, so
// tests can pull confirmation and reset links out of the "mailbox".
type CaptureTransport struct {
	mu       sync.Mutex
	Messages []struct{ To, Subject, Body string }
	Err      error
}

func (t *CaptureTransport) Send(toAddress, subject, htmlBody string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	t.Messages = append(t.Messages, struct{ To, Subject, Body string }{toAddress, subject, htmlBody})
	return nil
}

// LastToken extracts the token query parameter from the link embedded in
// the most recent message.
func (t *CaptureTransport) LastToken(tb testing.TB) string {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Messages) == 0 {
		tb.Fatal("no mail captured")
	}
	body := t.Messages[len(t.Messages)-1].Body
	start := strings.Index(body, `href="`)
	if start < 0 {
		tb.Fatalf("no link in mail body: %s", body)
	}
	rest := body[start+len(`href="`):]
	end := strings.Index(rest, `"`)
	link, err := url.Parse(rest[:end])
	if err != nil {
		tb.Fatalf("bad link in mail body: %v", err)
	}
	token := link.Query().Get("token")
	if token == "" {
		tb.Fatalf("no token in link %s", link)
	}
	return token
}

// newTestAuthService wires a real hasher (minimum bcrypt cost for
// speed), a real token service, and the in-memory repository.
func newTestAuthService(cfg services.Config, transport *CaptureTransport) (*services.AuthService, *repositories.MockUserRepository) {
	repo := repositories.NewMockUserRepository()
	hasher := security.NewBcryptHasher(bcrypt.MinCost)
	tokens := security.NewTokenService("test_jwt_secret")
	svc := services.NewAuthService(repo, hasher, tokens, transport, "test_jwt_secret", cfg)
	return svc, repo
}

func testConfig() services.Config {
	cfg := services.DefaultConfig()
	cfg.MinPasswordLength = 8
	cfg.MaxFailedAccessAttempts = 5
	cfg.LockoutDuration = time.Minute
	return cfg
}

func validInput(username, email string) services.RegisterInput {
	return services.RegisterInput{
		Username: username,
		Email:    email,
		Password: "Secret12",
		Profile: models.Profile{
			FirstName: "Jane",
			LastName:  "Doe",
			BirthDate: time.Date(1990, 4, 12, 0, 0, 0, 0, time.UTC),
			Country:   "Indonesia",
		},
	}
}

func TestMain(m *testing.M) {
	// Suppress logging during tests for cleaner output
	log.SetOutput(os.Stdout)
	os.Exit(m.Run())
}

func TestAuthService_Register(t *testing.T) {
	transport := &CaptureTransport{}
	svc, repo := newTestAuthService(testConfig(), transport)

	user, err := svc.Register(validInput("jdoe", "jdoe@x.com"))
	assert.NoError(t, err)
	assert.NotEmpty(t, user.ID)

	stored, err := repo.GetByID(user.ID)
	assert.NoError(t, err)
	assert.False(t, stored.EmailConfirmed)
	// The stored hash verifies against the plaintext but is never the
	// plaintext itself.
	assert.NotEqual(t, "Secret12", stored.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("Secret12")))

	// A confirmation mail went out, addressed to the normalized email.
	assert.Len(t, transport.Messages, 1)
	assert.Equal(t, "jdoe@x.com", transport.Messages[0].To)
	assert.NotEmpty(t, transport.LastToken(t))
}

func TestAuthService_RegisterDuplicates(t *testing.T) {
	svc, _ := newTestAuthService(testConfig(), &CaptureTransport{})

	_, err := svc.Register(validInput("jdoe", "jdoe@x.com"))
	assert.NoError(t, err)

	_, err = svc.Register(validInput("jdoe", "other@x.com"))
	assert.ErrorIs(t, err, errs.ErrDuplicate)

	// Email comparison is case-insensitive.
	_, err = svc.Register(validInput("other", "JDOE@X.COM"))
	assert.ErrorIs(t, err, errs.ErrDuplicate)
}

func TestAuthService_RegisterPasswordPolicy(t *testing.T) {
	svc, _ := newTestAuthService(testConfig(), &CaptureTransport{})

	cases := map[string]string{
		"too short":    "Ab1",
		"no digit":     "Abcdefgh",
		"no uppercase": "abcdefg1",
	}
	for name, password := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput("user_"+name, name+"@x.com")
			in.Password = password
			_, err := svc.Register(in)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestAuthService_RegisterProfileRequired(t *testing.T) {
	svc, _ := newTestAuthService(testConfig(), &CaptureTransport{})

	in := validInput("jdoe", "jdoe@x.com")
	in.Profile.Country = "  "
	_, err := svc.Register(in)
	assert.ErrorIs(t, err, errs.ErrValidation)

	in = validInput("jdoe", "jdoe@x.com")
	in.Profile.BirthDate = time.Time{}
	_, err = svc.Register(in)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestAuthService_RegisterMailFailure(t *testing.T) {
	// Best-effort (default): a failed mail is logged, not returned.
	transport := &CaptureTransport{Err: fmt.Errorf("smtp down")}
	svc, repo := newTestAuthService(testConfig(), transport)

	user, err := svc.Register(validInput("jdoe", "jdoe@x.com"))
	assert.NoError(t, err)
	_, err = repo.GetByID(user.ID)
	assert.NoError(t, err)

	// With delivery required, the failure surfaces, but the account
	// still exists: registration is never rolled back.
	cfg := testConfig()
	cfg.RequireMailDelivery = true
	svc2, repo2 := newTestAuthService(cfg, &CaptureTransport{Err: fmt.Errorf("smtp down")})
	user2, err := svc2.Register(validInput("jdoe2", "jdoe2@x.com"))
	assert.ErrorIs(t, err, errs.ErrMailDelivery)
	assert.NotNil(t, user2)
	_, err = repo2.GetByID(user2.ID)
	assert.NoError(t, err)
}

func TestAuthService_ConcurrentRegistrationRace(t *testing.T) {
	svc, _ := newTestAuthService(testConfig(), &CaptureTransport{})

	const racers = 2
	results := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := validInput(fmt.Sprintf("racer%d", i), "shared@x.com")
			_, err := svc.Register(in)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	successes, duplicates := 0, 0
	for err := range results {
		if err == nil {
			successes++
		} else if assert.ErrorIs(t, err, errs.ErrDuplicate) {
			duplicates++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, racers-1, duplicates)
}

func TestAuthService_ConfirmEmail(t *testing.T) {
	transport := &CaptureTransport{}
	svc, repo := newTestAuthService(testConfig(), transport)

	user, err := svc.Register(validInput("jdoe", "jdoe@x.com"))
	assert.NoError(t, err)
	token := transport.LastToken(t)

	assert.NoError(t, svc.ConfirmEmail(user.ID, token))
	stored, _ := repo.GetByID(user.ID)
	assert.True(t, stored.EmailConfirmed)

	// The token is single-use: a replay fails.
	err = svc.ConfirmEmail(user.ID, token)
	assert.ErrorIs(t, err, errs.ErrTokenUsed)
}

func TestAuthService_ConfirmEmailWrongUser(t *testing.T) {
	transport := &CaptureTransport{}
	svc, _ := newTestAuthService(testConfig(), transport)

	_, err := svc.Register(validInput("jdoe", "jdoe@x.com"))
	assert.NoError(t, err)
	token := transport.LastToken(t)

	err = svc.ConfirmEmail("someone-else", token)
	assert.ErrorIs(t, err, errs.ErrInvalidToken)
}

func TestAuthService_ConfirmEmailExpired(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmTokenTTL = -time.Minute // issued already expired
	transport := &CaptureTransport{}
	svc, repo := newTestAuthService(cfg, transport)

	user, err := svc.Register(validInput("jdoe", "jdoe@x.com"))
	assert.NoError(t, err)
	token := transport.LastToken(t)

	err = svc.ConfirmEmail(user.ID, token)
	assert.ErrorIs(t, err, errs.ErrExpiredToken)

	// An expired token never flips the flag.
	stored, _ := repo.GetByID(user.ID)
	assert.False(t, stored.EmailConfirmed)
}

// registerAndConfirm is the happy-path prologue shared by login tests.
func registerAndConfirm(t *testing.T, svc *services.AuthService, transport *CaptureTransport, username, email string) *models.User {
	t.Helper()
	user, err := svc.Register(validInput(username, email))
	assert.NoError(t, err)
	assert.NoError(t, svc.ConfirmEmail(user.ID, transport.LastToken(t)))
	return user
}

func TestAuthService_LoginScenario(t *testing.T) {
	transport := &CaptureTransport{}
	svc, repo := newTestAuthService(testConfig(), transport)

	user, err := svc.Register(validInput("jdoe", "jdoe@x.com"))
	assert.NoError(t, err)
	stored, _ := repo.GetByID(user.ID)
	assert.False(t, stored.EmailConfirmed)

	// Login before confirmation is rejected by policy.
	_, _, err = svc.Login("jdoe", "Secret12")
	assert.ErrorIs(t, err, errs.ErrNotConfirmed)

	assert.NoError(t, svc.ConfirmEmail(user.ID, transport.LastToken(t)))

	session, loggedIn, err := svc.Login("jdoe", "Secret12")
	assert.NoError(t, err)
	assert.NotEmpty(t, session)
	assert.Equal(t, user.ID, loggedIn.ID)

	// The session validates and is bound to the current stamp.
	sessUser, claims, err := svc.ValidateSession(session)
	assert.NoError(t, err)
	assert.Equal(t, user.ID, sessUser.ID)
	assert.Equal(t, "jdoe", claims["username"])

	// Login by email works too, case-insensitively.
	_, _, err = svc.Login("JDOE@x.com", "Secret12")
	assert.NoError(t, err)
}

func TestAuthService_LoginRejections(t *testing.T) {
	transport := &CaptureTransport{}
	svc, _ := newTestAuthService(testConfig(), transport)
	registerAndConfirm(t, svc, transport, "jdoe", "jdoe@x.com")

	// Unknown user and wrong password yield the same error.
	_, _, err := svc.Login("nobody", "Secret12")
	assert.ErrorIs(t, err, errs.ErrInvalidCredentials)

	_, _, err = svc.Login("jdoe", "WrongPass1")
	assert.ErrorIs(t, err, errs.ErrInvalidCredentials)
}

func TestAuthService_Lockout(t *testing.T) {
	transport := &CaptureTransport{}
	svc, repo := newTestAuthService(testConfig(), transport)
	user := registerAndConfirm(t, svc, transport, "jdoe", "jdoe@x.com")

	// Five consecutive failures start the lockout window.
	for i := 0; i < 5; i++ {
		_, _, err := svc.Login("jdoe", "WrongPass1")
		assert.ErrorIs(t, err, errs.ErrInvalidCredentials)
	}
	stored, _ := repo.GetByID(user.ID)
	assert.NotNil(t, stored.LockoutEnd)

	// The sixth attempt with the CORRECT password is still rejected.
	_, _, err := svc.Login("jdoe", "Secret12")
	assert.ErrorIs(t, err, errs.ErrLockedOut)
}

func TestAuthService_FailedCountResetsOnSuccess(t *testing.T) {
	transport := &CaptureTransport{}
	svc, repo := newTestAuthService(testConfig(), transport)
	user := registerAndConfirm(t, svc, transport, "jdoe", "jdoe@x.com")

	for i := 0; i < 4; i++ {
		_, _, _ = svc.Login("jdoe", "WrongPass1")
	}
	stored, _ := repo.GetByID(user.ID)
	assert.Equal(t, 4, stored.FailedAccessCount)

	_, _, err := svc.Login("jdoe", "Secret12")
	assert.NoError(t, err)

	stored, _ = repo.GetByID(user.ID)
	assert.Equal(t, 0, stored.FailedAccessCount)
	assert.Nil(t, stored.LockoutEnd)
}

func TestAuthService_ChangePasswordRotatesStamp(t *testing.T) {
	transport := &CaptureTransport{}
	svc, repo := newTestAuthService(testConfig(), transport)
	user := registerAndConfirm(t, svc, transport, "jdoe", "jdoe@x.com")

	session, _, err := svc.Login("jdoe", "Secret12")
	assert.NoError(t, err)

	// Issue a reset token under the old stamp.
	assert.NoError(t, svc.RequestPasswordReset("jdoe@x.com"))
	oldResetToken := transport.LastToken(t)

	before, _ := repo.GetByID(user.ID)
	assert.NoError(t, svc.ChangePassword(user.ID, "Secret12", "NewSecret34"))
	after, _ := repo.GetByID(user.ID)
	assert.NotEqual(t, before.SecurityStamp, after.SecurityStamp)

	// The pre-change session is dead.
	_, _, err = svc.ValidateSession(session)
	assert.Error(t, err)

	// Tokens issued before the change are dead too.
	err = svc.ResetPassword(user.ID, oldResetToken, "AnotherPass5")
	assert.ErrorIs(t, err, errs.ErrInvalidToken)

	// Old password no longer logs in; the new one does.
	_, _, err = svc.Login("jdoe", "Secret12")
	assert.ErrorIs(t, err, errs.ErrInvalidCredentials)
	_, _, err = svc.Login("jdoe", "NewSecret34")
	assert.NoError(t, err)
}

func TestAuthService_ChangePasswordWrongCurrent(t *testing.T) {
	transport := &CaptureTransport{}
	svc, _ := newTestAuthService(testConfig(), transport)
	user := registerAndConfirm(t, svc, transport, "jdoe", "jdoe@x.com")

	err := svc.ChangePassword(user.ID, "WrongPass1", "NewSecret34")
	assert.ErrorIs(t, err, errs.ErrInvalidCredentials)
}

func TestAuthService_ResetPasswordFlow(t *testing.T) {
	transport := &CaptureTransport{}
	svc, _ := newTestAuthService(testConfig(), transport)
	user := registerAndConfirm(t, svc, transport, "jdoe", "jdoe@x.com")

	// Unknown addresses succeed silently and send nothing.
	mailsBefore := len(transport.Messages)
	assert.NoError(t, svc.RequestPasswordReset("stranger@x.com"))
	assert.Len(t, transport.Messages, mailsBefore)

	assert.NoError(t, svc.RequestPasswordReset("jdoe@x.com"))
	token := transport.LastToken(t)

	assert.NoError(t, svc.ResetPassword(user.ID, token, "NewSecret34"))

	// The reset token is single-use and the stamp rotated, so a replay
	// cannot validate.
	err := svc.ResetPassword(user.ID, token, "ThirdPass67")
	assert.Error(t, err)

	_, _, err = svc.Login("jdoe", "NewSecret34")
	assert.NoError(t, err)
}

func TestAuthService_ResetPasswordClearsLockout(t *testing.T) {
	transport := &CaptureTransport{}
	svc, repo := newTestAuthService(testConfig(), transport)
	user := registerAndConfirm(t, svc, transport, "jdoe", "jdoe@x.com")

	for i := 0; i < 5; i++ {
		_, _, _ = svc.Login("jdoe", "WrongPass1")
	}
	stored, _ := repo.GetByID(user.ID)
	assert.NotNil(t, stored.LockoutEnd)

	assert.NoError(t, svc.RequestPasswordReset("jdoe@x.com"))
	assert.NoError(t, svc.ResetPassword(user.ID, transport.LastToken(t), "NewSecret34"))

	_, _, err := svc.Login("jdoe", "NewSecret34")
	assert.NoError(t, err)
}

func TestAuthService_ConfirmTokenNotValidForReset(t *testing.T) {
	transport := &CaptureTransport{}
	svc, _ := newTestAuthService(testConfig(), transport)

	user, err := svc.Register(validInput("jdoe", "jdoe@x.com"))
	assert.NoError(t, err)
	confirmToken := transport.LastToken(t)

	// A confirmation token must not pass as a reset token.
	err = svc.ResetPassword(user.ID, confirmToken, "NewSecret34")
	assert.ErrorIs(t, err, errs.ErrInvalidToken)
}
