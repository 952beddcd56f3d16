// Package validate holds input checks shared by the domain services.
package validate

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-openapi/strfmt"
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Errorf builds a ValidationError for field.
func Errorf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Length checks that the trimmed value has between min and max characters.
// It returns the trimmed value.
func Length(field, value string, min, max int) (string, error) {
	v := strings.TrimSpace(value)
	n := utf8.RuneCountInString(v)
	if n < min {
		if min == 1 {
			return v, Errorf(field, "is required")
		}
		return v, Errorf(field, "must be at least %d characters", min)
	}
	if n > max {
		return v, Errorf(field, "must be at most %d characters", max)
	}
	return v, nil
}

// MaxLength checks an optional value.
func MaxLength(field, value string, max int) (string, error) {
	return Length(field, value, 0, max)
}

// Email normalises and validates an address.
func Email(value string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return v, Errorf("email", "is required")
	}
	if len(v) > 254 || !strfmt.IsEmail(v) {
		return v, Errorf("email", "is not a valid address")
	}
	return v, nil
}

// OneOf checks that value is one of allowed.
func OneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return Errorf(field, "must be one of %s", strings.Join(allowed, ", "))
}

// Coordinates checks latitude and longitude ranges.
func Coordinates(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return Errorf("latitude", "must be between -90 and 90")
	}
	if lon < -180 || lon > 180 {
		return Errorf("longitude", "must be between -180 and 180")
	}
	return nil
}

// Clamp limits n to [min, max], using def when n is zero or negative.
func Clamp(n, def, min, max int) int {
	if n <= 0 {
		n = def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
