package security

import (
	"fmt"
	"sync"
	"time"

	"akun/internal/errs"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
)

// Token purposes. A token issued for one purpose never validates for
// another.
const (
	PurposeEmailConfirm  = "email_confirm"
	PurposePasswordReset = "password_reset"
)

// StampLookup resolves a user's current security stamp. Validation uses
// it to rebuild the signing key, so rotating the stamp invalidates every
// token issued under the previous one without a revocation store.
type StampLookup func(userID string) (string, error)

// TokenService issues and validates single-use, purpose-scoped tokens
// for email confirmation and password reset. Tokens are HS256 JWTs
// signed with the process secret concatenated with the user's security
// stamp. Single use is enforced by remembering consumed token IDs until
// they would have expired anyway.
type TokenService struct {
	secret []byte

	mu   sync.Mutex
	used map[string]time.Time // jti -> expiry, pruned on access
}

// NewTokenService creates a TokenService with the given signing secret.
func NewTokenService(secret string) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		used:   make(map[string]time.Time),
	}
}

// signingKey derives the per-user key from the shared secret and the
// user's current security stamp.
func (s *TokenService) signingKey(stamp string) []byte {
	key := make([]byte, 0, len(s.secret)+len(stamp))
	key = append(key, s.secret...)
	key = append(key, stamp...)
	return key
}

// Issue creates a token for the given user and purpose, valid for ttl.
func (s *TokenService) Issue(userID, securityStamp, purpose string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     userID,
		"purpose": purpose,
		"jti":     uuid.New().String(),
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	})

	signed, err := token.SignedString(s.signingKey(securityStamp))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate checks signature, expiry, and single use, then marks the
// token consumed. Returns the user ID and purpose on success. Errors:
// errs.ErrExpiredToken, errs.ErrTokenUsed, errs.ErrInvalidToken.
func (s *TokenService) Validate(tokenString string, lookup StampLookup) (userID, purpose string, err error) {
	// The signing key depends on the subject's security stamp, so the
	// subject claim must be read before the signature can be checked.
	unverified, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return "", "", errs.ErrInvalidToken
	}
	unverifiedClaims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errs.ErrInvalidToken
	}
	sub, ok := unverifiedClaims["sub"].(string)
	if !ok || sub == "" {
		return "", "", errs.ErrInvalidToken
	}

	stamp, err := lookup(sub)
	if err != nil {
		return "", "", errs.ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.signingKey(stamp), nil
	})
	if err != nil {
		if ve, ok := err.(*jwt.ValidationError); ok && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return "", "", errs.ErrExpiredToken
		}
		return "", "", errs.ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", errs.ErrInvalidToken
	}
	purpose, ok = claims["purpose"].(string)
	if !ok || purpose == "" {
		return "", "", errs.ErrInvalidToken
	}
	jti, ok := claims["jti"].(string)
	if !ok || jti == "" {
		return "", "", errs.ErrInvalidToken
	}
	expUnix, ok := claims["exp"].(float64)
	if !ok {
		return "", "", errs.ErrInvalidToken
	}

	if err := s.consume(jti, time.Unix(int64(expUnix), 0)); err != nil {
		return "", "", err
	}
	return sub, purpose, nil
}

// consume marks a token ID used; the first caller wins, replays get
// errs.ErrTokenUsed. Expired entries are pruned so the set stays
// bounded by the number of live tokens.
func (s *TokenService) consume(jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, e := range s.used {
		if now.After(e) {
			delete(s.used, id)
		}
	}

	if _, seen := s.used[jti]; seen {
		return errs.ErrTokenUsed
	}
	s.used[jti] = exp
	return nil
}
