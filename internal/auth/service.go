package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultFailureDelay = 750 * time.Millisecond

// Change reasons reported when a login succeeds but a new password is required.
const (
	ChangeReasonTemporary = "temporary_password"
	ChangeReasonWeak      = "weak_password"
)

// LoginResult is either a session (Token set) or a password change demand
// (RequirePasswordChange set).
type LoginResult struct {
	Token                 string
	ExpiresAt             time.Time
	User                  *User
	RequirePasswordChange bool
	ChangeReason          string
}

// Service runs the login and password change flows.
type Service struct {
	users        UserStore
	tokens       *TokenService
	hasher       *Hasher
	policy       PasswordPolicy
	failureDelay time.Duration
	sleep        func(time.Duration)
	now          func() time.Time
	log          zerolog.Logger
	dummyHash    string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithFailureDelay sets the minimum duration of a failed login.
func WithFailureDelay(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d >= 0 {
			s.failureDelay = d
		}
	}
}

// WithSleep overrides how the failure delay is waited out.
func WithSleep(fn func(time.Duration)) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithClock overrides the time source used to measure login latency.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithHasher replaces the hasher used for new credential records.
func WithHasher(h *Hasher) ServiceOption {
	return func(s *Service) {
		if h != nil {
			s.hasher = h
		}
	}
}

// WithPolicy replaces the password strength policy.
func WithPolicy(p PasswordPolicy) ServiceOption {
	return func(s *Service) { s.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

// NewService wires the authenticator. tokens must be non-nil.
func NewService(users UserStore, tokens *TokenService, opts ...ServiceOption) (*Service, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	if tokens == nil {
		return nil, ErrMissingSecret
	}
	s := &Service{
		users:        users,
		tokens:       tokens,
		hasher:       NewHasher(),
		policy:       DefaultPasswordPolicy,
		failureDelay: defaultFailureDelay,
		sleep:        time.Sleep,
		now:          time.Now,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	dummy, err := s.hasher.Hash("unknown-user-placeholder")
	if err != nil {
		return nil, fmt.Errorf("auth: prepare dummy hash: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

// Login verifies username and password. Every failure returns
// ErrInvalidCredentials after at least the configured failure delay, whether
// the account exists or not.
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	started := s.now()
	user, err := s.authenticate(ctx, username, password)
	if err != nil {
		s.padFailure(started)
		if errors.Is(err, ErrInvalidCredentials) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if user.MustChangePassword {
		return LoginResult{User: user, RequirePasswordChange: true, ChangeReason: ChangeReasonTemporary}, nil
	}
	v := VerifyCredential(password, user.PasswordHash)
	if v.NeedsUpgrade {
		if s.policy.Check(password) != nil {
			s.log.Info().Str("user_id", user.ID).Str("format", string(v.Format)).Msg("legacy credential fails policy; change required")
			return LoginResult{User: user, RequirePasswordChange: true, ChangeReason: ChangeReasonWeak}, nil
		}
		if err := s.storePassword(ctx, user.ID, password, false); err != nil {
			// The login itself is valid; the upgrade is retried on the next one.
			s.log.Warn().Err(err).Str("user_id", user.ID).Msg("credential upgrade failed")
		} else {
			s.log.Info().Str("user_id", user.ID).Str("format", string(v.Format)).Msg("credential upgraded")
		}
	}
	return s.session(user)
}

// ChangePassword replaces the password of an authenticated user.
func (s *Service) ChangePassword(ctx context.Context, userID, newPassword string) error {
	if err := s.policy.Check(newPassword); err != nil {
		return err
	}
	if _, err := s.users.FindUserByID(ctx, userID); err != nil {
		return err
	}
	return s.storePassword(ctx, userID, newPassword, false)
}

// ChangeTemporaryPassword lets a user holding a temporary (or policy-failing)
// credential set a new one and start a session in one step.
func (s *Service) ChangeTemporaryPassword(ctx context.Context, username, current, newPassword string) (LoginResult, error) {
	started := s.now()
	user, err := s.authenticate(ctx, username, current)
	if err != nil {
		s.padFailure(started)
		if errors.Is(err, ErrInvalidCredentials) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if err := s.policy.Check(newPassword); err != nil {
		return LoginResult{}, err
	}
	if newPassword == current {
		return LoginResult{}, &PolicyError{Violations: []string{"must differ from the current password"}}
	}
	if err := s.storePassword(ctx, user.ID, newPassword, false); err != nil {
		return LoginResult{}, err
	}
	user.MustChangePassword = false
	return s.session(user)
}

// Authenticate resolves a bearer token to an identity.
func (s *Service) Authenticate(token string) (Identity, error) {
	return s.tokens.Verify(token)
}

func (s *Service) authenticate(ctx context.Context, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		VerifyCredential(password, s.dummyHash)
		return nil, ErrInvalidCredentials
	}
	user, err := s.users.FindUserByUsername(ctx, username)
	switch {
	case errors.Is(err, ErrNotFound):
		VerifyCredential(password, s.dummyHash)
		return nil, ErrInvalidCredentials
	case err != nil:
		return nil, fmt.Errorf("auth: lookup user: %w", err)
	}
	if !user.Active {
		VerifyCredential(password, s.dummyHash)
		return nil, ErrInvalidCredentials
	}
	if !VerifyCredential(password, user.PasswordHash).Valid {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) session(user *User) (LoginResult, error) {
	token, exp, err := s.tokens.Issue(user.Identity())
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, ExpiresAt: exp, User: user}, nil
}

func (s *Service) storePassword(ctx context.Context, userID, password string, mustChange bool) error {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, hash, mustChange); err != nil {
		return fmt.Errorf("auth: update password: %w", err)
	}
	return nil
}

func (s *Service) padFailure(started time.Time) {
	if remaining := s.failureDelay - s.now().Sub(started); remaining > 0 {
		s.sleep(remaining)
	}
}
