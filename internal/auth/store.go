package auth

import "context"

// UserStore describes the account persistence the auth subsystem needs.
// Lookups return ErrNotFound when no active account matches.
type UserStore interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	FindUserByID(ctx context.Context, id string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string, mustChange bool) error
}
