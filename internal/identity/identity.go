// Package identity is the authentication authority: user directory, password
// and federated sign-in, and signed session tokens.
package identity

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"
)

// Identity is the public view of an authenticated user.
type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// Session is an identity together with the token that proves it.
type Session struct {
	Identity  Identity  `json:"identity"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Errors carry the message shown to the user.
var (
	ErrInvalidCredential    = errors.New("Invalid email or password.")
	ErrEmailInUse           = errors.New("An account with this email already exists.")
	ErrWeakPassword         = errors.New("Password should be at least 6 characters.")
	ErrInvalidEmail         = errors.New("Please enter a valid email address.")
	ErrUserNotFound         = errors.New("User not found.")
	ErrSessionExpired       = errors.New("Your session has expired. Please log in again.")
	ErrFederatedUnavailable = errors.New("This sign-in provider is not available.")
	ErrFederatedRejected    = errors.New("Sign-in with this provider failed.")
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 6

// User is a directory entry.
type User struct {
	Identity
	PasswordHash string
	Provider     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Directory stores user accounts.
type Directory interface {
	Create(ctx context.Context, u User) error
	ByEmail(ctx context.Context, email string) (User, error)
	ByUID(ctx context.Context, uid string) (User, error)
	// UpsertFederated creates or refreshes an account signed in through an
	// external provider, keyed by uid.
	UpsertFederated(ctx context.Context, u User) (User, error)
	UpdateDisplayName(ctx context.Context, uid, name string) error
}

// NormalizeEmail trims and lower-cases an address and checks its syntax.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}
