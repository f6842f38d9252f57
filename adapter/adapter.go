// Package adapter defines the storage contract the auth runtime persists
// users, linked accounts and sessions through.
package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/jamesread/serverauth/authpublic"
)

// ErrDuplicate is returned when a unique key (user email, provider account,
// session token) already exists.
var ErrDuplicate = errors.New("record already exists")

// Adapter is implemented by every storage backend. Lookups that find nothing
// return a nil record and a nil error.
type Adapter interface {
	CreateUser(ctx context.Context, user authpublic.User) (*authpublic.User, error)
	GetUser(ctx context.Context, id string) (*authpublic.User, error)
	GetUserByEmail(ctx context.Context, email string) (*authpublic.User, error)
	GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*authpublic.User, error)
	UpdateUser(ctx context.Context, user authpublic.User) (*authpublic.User, error)
	// TouchUser sets only the user's last visit time and returns the stored
	// user, or nil when no such user exists.
	TouchUser(ctx context.Context, id string, visitedAt time.Time) (*authpublic.User, error)
	DeleteUser(ctx context.Context, id string) error

	LinkAccount(ctx context.Context, account authpublic.Account) (*authpublic.Account, error)
	UnlinkAccount(ctx context.Context, provider, providerAccountID string) error

	CreateSession(ctx context.Context, session authpublic.SessionRecord) (*authpublic.SessionRecord, error)
	GetSessionAndUser(ctx context.Context, sessionToken string) (*authpublic.SessionRecord, *authpublic.User, error)
	UpdateSession(ctx context.Context, session authpublic.SessionRecord) (*authpublic.SessionRecord, error)
	DeleteSession(ctx context.Context, sessionToken string) error
}
