package authpublic

import (
	"context"
	"time"
)

// Profile is the identity returned by a provider after a successful exchange.
type Profile struct {
	ID            string `json:"sub"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Image         string `json:"picture"`
}

// TokenSet holds the tokens issued by the provider during the code exchange.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	Scope        string
	Expiry       time.Time
}

// OAuthProvider is an identity provider driven through the authorization code
// flow with PKCE.
type OAuthProvider interface {
	ID() string
	Name() string
	Type() string

	// AuthCodeURL returns the provider URL the browser is sent to.
	AuthCodeURL(state, verifier string) string

	// Exchange trades the authorization code for tokens and the user profile.
	Exchange(ctx context.Context, code, verifier string) (*Profile, *TokenSet, error)
}
