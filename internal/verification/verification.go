// Package verification sends and checks rate-limited email verification codes.
package verification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/auth"
	"github.com/crewmate/crewmate/internal/clock"
	"github.com/crewmate/crewmate/internal/config"
	"github.com/crewmate/crewmate/internal/database"
)

var (
	ErrAlreadyVerified = errors.New("email already verified")
	ErrTooSoon         = errors.New("verification code requested too soon")
	ErrRateLimited     = errors.New("too many verification emails, try again later")
	ErrInvalidCode     = errors.New("code must be 6 digits")
	ErrNoActiveCode    = errors.New("no active verification code")
	ErrCodeExpired     = errors.New("verification code expired")
	ErrTooManyAttempts = errors.New("too many attempts, request a new code")
	ErrWrongCode       = errors.New("incorrect verification code")
	ErrUserNotFound    = errors.New("user not found")
)

// TooSoonError is returned when a code was sent less than the minimum interval ago.
type TooSoonError struct {
	RetryAfter time.Duration
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("please wait %d seconds before requesting another code", int(e.RetryAfter.Seconds()))
}

func (e *TooSoonError) Unwrap() error { return ErrTooSoon }

// Limits bound how often codes are sent and tried.
type Limits struct {
	CodeTTL         time.Duration
	MinInterval     time.Duration
	MaxSendsPerHour int
	MaxAttempts     int
	HashCost        int
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		CodeTTL:         10 * time.Minute,
		MinInterval:     60 * time.Second,
		MaxSendsPerHour: 5,
		MaxAttempts:     5,
		HashCost:        auth.BcryptCost,
	}
}

// LimitsFromSettings reads overrides from the settings table.
func LimitsFromSettings(l *config.Loader) Limits {
	d := DefaultLimits()
	d.CodeTTL = l.DurationMinutes("verification.code_ttl_minutes", int(d.CodeTTL/time.Minute))
	d.MinInterval = time.Duration(l.Int("verification.min_interval_seconds", int(d.MinInterval/time.Second))) * time.Second
	d.MaxSendsPerHour = l.Int("verification.max_sends_per_hour", d.MaxSendsPerHour)
	d.MaxAttempts = l.Int("verification.max_attempts", d.MaxAttempts)
	return d
}

// AwardFunc credits a CMS action to a user.
type AwardFunc func(userID int64, action, refKey string)

// Service issues and checks codes
type Service struct {
	db     *database.DB
	clock  clock.Clock
	mailer Mailer
	limits Limits
	award  AwardFunc
}

// NewService creates a verification service. award may be nil.
func NewService(db *database.DB, clk clock.Clock, mailer Mailer, limits Limits, award AwardFunc) *Service {
	return &Service{db: db, clock: clk, mailer: mailer, limits: limits, award: award}
}

// SendResult tells the client when the code expires.
type SendResult struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// SendCode emails a fresh code to the user.
func (s *Service) SendCode(ctx context.Context, userID int64) (*SendResult, error) {
	user, err := s.db.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if user.EmailVerified() {
		return nil, ErrAlreadyVerified
	}

	now := s.clock.Now()
	sent, last, err := s.db.VerificationSendStats(userID, now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	if last != nil {
		if wait := last.Add(s.limits.MinInterval).Sub(now); wait > 0 {
			return nil, &TooSoonError{RetryAfter: wait.Round(time.Second)}
		}
	}
	if sent >= s.limits.MaxSendsPerHour {
		return nil, ErrRateLimited
	}

	code, err := GenerateCode()
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashSecret(code, s.limits.HashCost)
	if err != nil {
		return nil, err
	}

	rec, err := s.db.CreateVerificationCode(userID, hash, now.Add(s.limits.CodeTTL))
	if err != nil {
		return nil, err
	}

	if err := s.mailer.SendVerificationCode(ctx, user.Email, user.DisplayName, code, s.limits.CodeTTL); err != nil {
		if delErr := s.db.DeleteVerificationCode(rec.ID); delErr != nil {
			log.Error().Err(delErr).Int64("user_id", userID).Msg("Failed to delete undelivered verification code")
		}
		return nil, fmt.Errorf("failed to send verification email: %w", err)
	}

	log.Info().Int64("user_id", userID).Int("sends_last_hour", sent+1).Msg("Verification code sent")
	return &SendResult{ExpiresAt: rec.ExpiresAt}, nil
}

// VerifyCode checks a code and marks the email verified on success.
func (s *Service) VerifyCode(userID int64, code string) error {
	if !isSixDigits(code) {
		return ErrInvalidCode
	}

	user, err := s.db.GetUserByID(userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	if user.EmailVerified() {
		return ErrAlreadyVerified
	}

	rec, err := s.db.GetActiveVerificationCode(userID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNoActiveCode
	}

	now := s.clock.Now()
	if !now.Before(rec.ExpiresAt) {
		return ErrCodeExpired
	}
	if rec.Attempts >= s.limits.MaxAttempts {
		if err := s.db.InvalidateVerificationCode(rec.ID); err != nil {
			return err
		}
		return ErrTooManyAttempts
	}

	if !auth.CheckSecret(code, rec.CodeHash) {
		attempts, err := s.db.IncrementVerificationAttempts(rec.ID)
		if err != nil {
			return err
		}
		if attempts >= s.limits.MaxAttempts {
			if err := s.db.InvalidateVerificationCode(rec.ID); err != nil {
				return err
			}
			log.Warn().Int64("user_id", userID).Msg("Verification code burned after too many attempts")
			return ErrTooManyAttempts
		}
		return ErrWrongCode
	}

	consumed, err := s.db.ConsumeVerificationCode(rec.ID, userID, now)
	if err != nil {
		return err
	}
	if !consumed {
		return ErrNoActiveCode
	}

	log.Info().Int64("user_id", userID).Msg("Email verified")

	if s.award != nil {
		s.award(userID, "email_verified", "user:"+strconv.FormatInt(userID, 10))
		if user.ReferredBy != nil {
			s.award(*user.ReferredBy, "referral", "user:"+strconv.FormatInt(userID, 10))
		}
	}
	return nil
}

// Cleanup deletes codes and send records older than 24 hours.
func (s *Service) Cleanup() (int64, error) {
	return s.db.DeleteStaleVerification(s.clock.Now().Add(-24 * time.Hour))
}

// GenerateCode returns a uniformly random code from 000000 to 999999.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func isSixDigits(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
