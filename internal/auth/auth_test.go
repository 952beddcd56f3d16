package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/crewmate/crewmate/internal/clock"
	"github.com/crewmate/crewmate/internal/database/databasetest"
	"github.com/crewmate/crewmate/internal/validate"
)

func newTestService(t *testing.T) (*Service, *clock.Manual) {
	t.Helper()
	db, clk := databasetest.New(t)
	s := NewService(db, clk)
	s.cost = bcrypt.MinCost
	return s, clk
}

func TestGenerateReferralCode(t *testing.T) {
	for range 50 {
		code, err := GenerateReferralCode()
		if err != nil {
			t.Fatalf("GenerateReferralCode: %v", err)
		}
		if len(code) != ReferralCodeLength {
			t.Fatalf("expected %d chars, got %q", ReferralCodeLength, code)
		}
		for _, c := range code {
			if !strings.ContainsRune(ReferralAlphabet, c) {
				t.Fatalf("unexpected character %q in %q", c, code)
			}
		}
	}
}

func TestRegister(t *testing.T) {
	s, _ := newTestService(t)

	first, session, err := s.Register(RegisterInput{Email: " Ann@Crew.test ", Password: "password1", DisplayName: " Ann "})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first.Email != "ann@crew.test" || first.DisplayName != "Ann" {
		t.Fatalf("expected normalised fields, got %q / %q", first.Email, first.DisplayName)
	}
	if !first.IsAdmin {
		t.Fatal("expected first user to be admin")
	}
	if len(session.Token) != 64 {
		t.Fatalf("expected 64 char token, got %d", len(session.Token))
	}

	second, _, err := s.Register(RegisterInput{Email: "bob@crew.test", Password: "password1", DisplayName: "Bob", ReferralCode: strings.ToLower(first.ReferralCode)})
	if err != nil {
		t.Fatalf("Register with referral: %v", err)
	}
	if second.ReferredBy == nil || *second.ReferredBy != first.ID {
		t.Fatalf("expected referrer %d, got %v", first.ID, second.ReferredBy)
	}

	tests := []struct {
		name string
		in   RegisterInput
		want error
	}{
		{"duplicate email", RegisterInput{Email: "ANN@crew.test", Password: "password1", DisplayName: "Ann"}, ErrEmailTaken},
		{"unknown referral", RegisterInput{Email: "c@crew.test", Password: "password1", DisplayName: "Cat", ReferralCode: "ZZZZZZZZ"}, ErrInvalidReferralCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := s.Register(tt.in); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	invalid := []RegisterInput{
		{Email: "bad", Password: "password1", DisplayName: "Dan"},
		{Email: "d@crew.test", Password: "short", DisplayName: "Dan"},
		{Email: "d@crew.test", Password: "password1", DisplayName: "D"},
	}
	for _, in := range invalid {
		var ve *validate.ValidationError
		if _, _, err := s.Register(in); !errors.As(err, &ve) {
			t.Errorf("expected validation error for %+v, got %v", in, err)
		}
	}
}

func TestLoginAndAuthenticate(t *testing.T) {
	s, clk := newTestService(t)

	if _, _, err := s.Register(RegisterInput{Email: "ann@crew.test", Password: "password1", DisplayName: "Ann"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, _, err := s.Login("ann@crew.test", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := s.Login("nobody@crew.test", "password1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}

	user, session, err := s.Login("ann@crew.test", "password1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	got, err := s.Authenticate(session.Token)
	if err != nil || got.ID != user.ID {
		t.Fatalf("Authenticate: %v %v", got, err)
	}

	// Each use slides the expiry forward.
	clk.Add(SessionDuration - time.Hour)
	if _, err := s.Authenticate(session.Token); err != nil {
		t.Fatalf("expected session to still be valid: %v", err)
	}
	clk.Add(SessionDuration - time.Hour)
	if _, err := s.Authenticate(session.Token); err != nil {
		t.Fatalf("expected slid session to still be valid: %v", err)
	}

	clk.Add(SessionDuration + time.Second)
	if _, err := s.Authenticate(session.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after expiry, got %v", err)
	}

	if err := s.db.SetUserBanned(user.ID, true); err != nil {
		t.Fatalf("SetUserBanned: %v", err)
	}
	if _, _, err := s.Login("ann@crew.test", "password1"); !errors.Is(err, ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
}

func TestChangePassword_RevokesOtherSessions(t *testing.T) {
	s, _ := newTestService(t)

	user, current, err := s.Register(RegisterInput{Email: "ann@crew.test", Password: "password1", DisplayName: "Ann"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, other, err := s.Login("ann@crew.test", "password1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := s.ChangePassword(user.ID, current.Token, "nope-nope", "password2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := s.ChangePassword(user.ID, current.Token, "password1", "password2"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, err := s.Authenticate(current.Token); err != nil {
		t.Fatalf("expected current session kept: %v", err)
	}
	if _, err := s.Authenticate(other.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected other session revoked, got %v", err)
	}
	if _, _, err := s.Login("ann@crew.test", "password2"); err != nil {
		t.Fatalf("expected login with new password: %v", err)
	}
}
