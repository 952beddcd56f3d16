package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/crewmate/crewmate/internal/clock"
	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/validate"
)

const (
	// SessionDuration is how long sessions last
	SessionDuration = 30 * 24 * time.Hour
	// BcryptCost is the bcrypt cost factor
	BcryptCost = 12

	// ReferralAlphabet omits characters that are easy to misread (I, O, 0, 1).
	ReferralAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	ReferralCodeLength = 8
)

var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidReferralCode = errors.New("unknown referral code")
	ErrUnauthorized        = errors.New("authentication required")
	ErrBanned              = errors.New("account disabled")
)

// Session represents a bearer session
type Session struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service handles registration, login and bearer sessions
type Service struct {
	db    *database.DB
	clock clock.Clock
	cost  int
	ttl   time.Duration
}

// NewService creates a new auth service
func NewService(db *database.DB, clk clock.Clock) *Service {
	return &Service{db: db, clock: clk, cost: BcryptCost, ttl: SessionDuration}
}

// SetSessionDuration changes the lifetime of new and refreshed sessions.
// Non-positive values are ignored.
func (s *Service) SetSessionDuration(d time.Duration) {
	if d > 0 {
		s.ttl = d
	}
}

// HashSecret hashes a password or one-time code with bcrypt at cost.
func HashSecret(secret string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// CheckSecret verifies a secret against a bcrypt hash
func CheckSecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

func validatePassword(field, password string) error {
	n := len([]rune(password))
	if n < 8 {
		return validate.Errorf(field, "must be at least 8 characters")
	}
	if n > 128 {
		return validate.Errorf(field, "must be at most 128 characters")
	}
	return nil
}

// RegisterInput is the sign-up payload.
type RegisterInput struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	DisplayName  string `json:"display_name"`
	ReferralCode string `json:"referral_code,omitempty"`
}

// Register creates an account and signs it in.
func (s *Service) Register(in RegisterInput) (*database.UserRecord, *Session, error) {
	email, err := validate.Email(in.Email)
	if err != nil {
		return nil, nil, err
	}
	if err := validatePassword("password", in.Password); err != nil {
		return nil, nil, err
	}
	name, err := validate.Length("display_name", in.DisplayName, 2, 40)
	if err != nil {
		return nil, nil, err
	}

	var referredBy *int64
	if code := strings.ToUpper(strings.TrimSpace(in.ReferralCode)); code != "" {
		referrer, err := s.db.GetUserByReferralCode(code)
		if err != nil {
			return nil, nil, err
		}
		if referrer == nil {
			return nil, nil, ErrInvalidReferralCode
		}
		referredBy = &referrer.ID
	}

	hash, err := HashSecret(in.Password, s.cost)
	if err != nil {
		return nil, nil, err
	}

	user := &database.UserRecord{
		Email:        email,
		PasswordHash: hash,
		DisplayName:  name,
		ReferredBy:   referredBy,
	}

	// Codes collide rarely; a collision on insert is retried with a fresh code.
	for attempt := 0; ; attempt++ {
		if user.ReferralCode, err = s.uniqueReferralCode(); err != nil {
			return nil, nil, err
		}
		err = s.db.CreateUser(user)
		if err == nil {
			break
		}
		if !errors.Is(err, database.ErrDuplicate) {
			return nil, nil, err
		}
		existing, lookupErr := s.db.GetUserByEmail(email)
		if lookupErr != nil {
			return nil, nil, lookupErr
		}
		if existing != nil {
			return nil, nil, ErrEmailTaken
		}
		if attempt >= 5 {
			return nil, nil, fmt.Errorf("failed to allocate referral code: %w", err)
		}
	}

	log.Info().Int64("user_id", user.ID).Bool("admin", user.IsAdmin).Bool("referred", referredBy != nil).Msg("User registered")

	session, err := s.createSession(user.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

func (s *Service) uniqueReferralCode() (string, error) {
	for range 10 {
		code, err := GenerateReferralCode()
		if err != nil {
			return "", err
		}
		exists, err := s.db.ReferralCodeExists(code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", errors.New("failed to generate a unique referral code")
}

// GenerateReferralCode returns a random code drawn from ReferralAlphabet.
func GenerateReferralCode() (string, error) {
	max := big.NewInt(int64(len(ReferralAlphabet)))
	var b strings.Builder
	for range ReferralCodeLength {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate referral code: %w", err)
		}
		b.WriteByte(ReferralAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// Login verifies credentials and opens a session
func (s *Service) Login(email, password string) (*database.UserRecord, *Session, error) {
	user, err := s.db.GetUserByEmail(strings.TrimSpace(email))
	if err != nil {
		return nil, nil, err
	}
	if user == nil || !CheckSecret(password, user.PasswordHash) {
		return nil, nil, ErrInvalidCredentials
	}
	if user.Banned {
		return nil, nil, ErrBanned
	}

	session, err := s.createSession(user.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

// Authenticate resolves a bearer token to its user, sliding the expiry.
func (s *Service) Authenticate(token string) (*database.UserRecord, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	session, err := s.db.GetSession(token)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrUnauthorized
	}

	now := s.clock.Now()
	if !now.Before(session.ExpiresAt) {
		if err := s.db.DeleteSession(token); err != nil {
			return nil, fmt.Errorf("failed to delete expired session: %w", err)
		}
		return nil, ErrUnauthorized
	}

	user, err := s.db.GetUserByID(session.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUnauthorized
	}
	if user.Banned {
		return nil, ErrBanned
	}

	if err := s.db.ExtendSession(token, now.Add(s.ttl)); err != nil {
		log.Warn().Err(err).Int64("user_id", user.ID).Msg("Failed to extend session")
	}
	return user, nil
}

// Logout removes a session
func (s *Service) Logout(token string) error {
	return s.db.DeleteSession(token)
}

// ChangePassword replaces the password and revokes every other session.
func (s *Service) ChangePassword(userID int64, currentToken, oldPassword, newPassword string) error {
	user, err := s.db.GetUserByID(userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUnauthorized
	}
	if !CheckSecret(oldPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	if err := validatePassword("new_password", newPassword); err != nil {
		return err
	}

	hash, err := HashSecret(newPassword, s.cost)
	if err != nil {
		return err
	}
	if err := s.db.UpdateUserPassword(userID, hash); err != nil {
		return err
	}

	revoked, err := s.db.DeleteUserSessions(userID, currentToken)
	if err != nil {
		return err
	}
	log.Info().Int64("user_id", userID).Int64("revoked_sessions", revoked).Msg("Password changed")
	return nil
}

// CleanupExpiredSessions deletes sessions past their expiry.
func (s *Service) CleanupExpiredSessions() (int64, error) {
	return s.db.DeleteExpiredSessions(s.clock.Now())
}

func (s *Service) createSession(userID int64) (*Session, error) {
	token, err := generateSessionID()
	if err != nil {
		return nil, err
	}
	rec, err := s.db.CreateSession(token, userID, s.clock.Now().Add(s.ttl))
	if err != nil {
		return nil, err
	}
	return &Session{Token: rec.ID, UserID: rec.UserID, ExpiresAt: rec.ExpiresAt}, nil
}

// generateSessionID creates a cryptographically secure session ID
func generateSessionID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
