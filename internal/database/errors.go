package database

import (
	"errors"
	"strings"
)

// ErrDuplicate is returned when an insert hits a uniqueness constraint.
var ErrDuplicate = errors.New("record already exists")

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
}
