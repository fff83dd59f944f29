package auth

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/pbkdf2"
)

const (
	defaultHashIterations = 210000
	defaultSaltLength     = 16
	defaultKeyLength      = 64
)

// Hasher produces credential records in the current structured format.
type Hasher struct {
	iterations int
	saltLength int
	keyLength  int
}

// HasherOption configures a Hasher.
type HasherOption func(*Hasher)

// WithIterations overrides the PBKDF2 work factor.
func WithIterations(n int) HasherOption {
	return func(h *Hasher) {
		if n > 0 {
			h.iterations = n
		}
	}
}

// NewHasher constructs a Hasher with the default work factor.
func NewHasher(opts ...HasherOption) *Hasher {
	h := &Hasher{
		iterations: defaultHashIterations,
		saltLength: defaultSaltLength,
		keyLength:  defaultKeyLength,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash derives a new pbkdf2_sha512 record for password.
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	salt := make([]byte, h.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, h.iterations, h.keyLength, sha512.New)
	return fmt.Sprintf("pbkdf2_sha512$%d$%s$%s",
		h.iterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// PasswordPolicy is the strength rule applied before any credential is persisted.
type PasswordPolicy struct {
	MinLength int
}

// DefaultPasswordPolicy requires 8 characters with mixed case, a digit and a symbol.
var DefaultPasswordPolicy = PasswordPolicy{MinLength: 8}

// Check returns a *PolicyError listing every violated rule, or nil.
func (p PasswordPolicy) Check(password string) error {
	var violations []string
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			hasSpecial = true
		}
	}
	if len([]rune(password)) < p.MinLength {
		violations = append(violations, fmt.Sprintf("must be at least %d characters", p.MinLength))
	}
	if !hasUpper {
		violations = append(violations, "must contain an uppercase letter")
	}
	if !hasLower {
		violations = append(violations, "must contain a lowercase letter")
	}
	if !hasDigit {
		violations = append(violations, "must contain a digit")
	}
	if !hasSpecial {
		violations = append(violations, "must contain a special character")
	}
	if len(violations) > 0 {
		return &PolicyError{Violations: violations}
	}
	return nil
}
