package auth

import (
	"net/mail"
	"strings"
	"unicode"
)

const (
	minNameLen     = 2
	maxNameLen     = 100
	minPasswordLen = 8
	maxPasswordLen = 128
)

func validateName(name string) *ValidationError {
	name = strings.TrimSpace(name)
	if len(name) < minNameLen {
		return newValidationError("name", "name must be at least 2 characters")
	}
	if len(name) > maxNameLen {
		return newValidationError("name", "name must be at most 100 characters")
	}
	return nil
}

func validateEmail(email string) *ValidationError {
	if _, err := mail.ParseAddress(email); err != nil {
		return newValidationError("email", "invalid email address")
	}
	return nil
}

// validatePassword enforces the same policy for registration, reset, and
// change: length bounds plus at least one letter and one digit.
func validatePassword(field, pw string) *ValidationError {
	if len(pw) < minPasswordLen {
		return newValidationError(field, "password must be at least 8 characters")
	}
	if len(pw) > maxPasswordLen {
		return newValidationError(field, "password must be at most 128 characters")
	}
	var hasLetter, hasDigit bool
	for _, r := range pw {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return newValidationError(field, "password must contain a letter and a number")
	}
	return nil
}
