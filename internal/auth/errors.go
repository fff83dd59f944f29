package auth

import (
	"errors"
	"strings"
)

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrMissingSecret      = errors.New("auth: signing secret is not configured")
	ErrWeakPassword       = errors.New("auth: password does not satisfy policy")
)

// PolicyError lists the strength rules a candidate password failed.
type PolicyError struct {
	Violations []string
}

func (e *PolicyError) Error() string {
	return ErrWeakPassword.Error() + ": " + strings.Join(e.Violations, "; ")
}

func (e *PolicyError) Is(target error) bool {
	return target == ErrWeakPassword
}
