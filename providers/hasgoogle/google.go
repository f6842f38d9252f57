package hasgoogle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jamesread/serverauth/authpublic"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	DefaultAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	DefaultTokenURL = "https://oauth2.googleapis.com/token"
	DefaultCertsURL = "https://www.googleapis.com/oauth2/v3/certs"
)

var googleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

var ErrMissingIDToken = errors.New("token response did not include an id_token")

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes defaults to openid, email and profile.
	Scopes []string

	// AuthURL, TokenURL and CertsURL default to Google's endpoints.
	AuthURL  string
	TokenURL string
	CertsURL string

	// HTTPClient is used for the code exchange when set.
	HTTPClient *http.Client

	// Keyfunc replaces the JWKS lookup used to verify ID tokens.
	Keyfunc jwt.Keyfunc
}

// Provider signs users in with Google. Construction never touches the
// network; the signing keys are fetched on the first code exchange.
type Provider struct {
	cfg   Config
	oauth *oauth2.Config

	jwksMu     sync.Mutex
	jwks       keyfunc.Keyfunc
	jwksCancel context.CancelFunc
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Name          string `json:"name"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Picture       string `json:"picture"`
}

func assignIfEmpty(target *string, value string) {
	if *target == "" {
		*target = value
	}
}

// New builds the provider. The client ID and secret are not validated.
func New(cfg Config) *Provider {
	assignIfEmpty(&cfg.AuthURL, DefaultAuthURL)
	assignIfEmpty(&cfg.TokenURL, DefaultTokenURL)
	assignIfEmpty(&cfg.CertsURL, DefaultCertsURL)

	if cfg.Scopes == nil {
		cfg.Scopes = []string{"openid", "email", "profile"}
	}

	return &Provider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

func (p *Provider) ID() string   { return "google" }
func (p *Provider) Name() string { return "Google" }
func (p *Provider) Type() string { return "oauth" }

func (p *Provider) AuthCodeURL(state, verifier string) string {
	return p.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

func (p *Provider) Exchange(ctx context.Context, code, verifier string) (*authpublic.Profile, *authpublic.TokenSet, error) {
	if p.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
	}

	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, nil, ErrMissingIDToken
	}

	profile, err := p.verifyIDToken(ctx, rawIDToken)
	if err != nil {
		return nil, nil, err
	}

	scope, _ := tok.Extra("scope").(string)

	tokens := &authpublic.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      rawIDToken,
		TokenType:    tok.TokenType,
		Scope:        scope,
		Expiry:       tok.Expiry,
	}

	return profile, tokens, nil
}

func (p *Provider) verifyIDToken(ctx context.Context, raw string) (*authpublic.Profile, error) {
	kf, err := p.keyfunc(ctx)
	if err != nil {
		return nil, err
	}

	claims := &idTokenClaims{}

	_, err = jwt.ParseWithClaims(raw, claims, kf,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(p.cfg.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid id_token: %w", err)
	}

	if !slices.Contains(googleIssuers, claims.Issuer) {
		return nil, fmt.Errorf("invalid id_token: unexpected issuer %q", claims.Issuer)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("invalid id_token: missing subject")
	}

	return &authpublic.Profile{
		ID:            claims.Subject,
		Name:          claims.Name,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Image:         claims.Picture,
	}, nil
}

// keyfunc returns the configured override, or lazily starts a JWKS keyfunc
// that refreshes in the background until Shutdown. A failed fetch is retried
// on the next call.
func (p *Provider) keyfunc(ctx context.Context) (jwt.Keyfunc, error) {
	if p.cfg.Keyfunc != nil {
		return p.cfg.Keyfunc, nil
	}

	p.jwksMu.Lock()
	defer p.jwksMu.Unlock()

	if p.jwks != nil {
		return p.jwks.Keyfunc, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled during JWKS init: %w", err)
	}

	jwksCtx, cancel := context.WithCancel(context.Background())

	k, err := keyfunc.NewDefaultCtx(jwksCtx, []string{p.cfg.CertsURL})
	if err != nil {
		cancel()
		log.WithFields(log.Fields{
			"certsURL": p.cfg.CertsURL,
			"error":    err,
		}).Errorf("Failed to initialise Google JWKS")
		return nil, fmt.Errorf("failed to load google signing keys: %w", err)
	}

	p.jwks = k
	p.jwksCancel = cancel

	return p.jwks.Keyfunc, nil
}

// Shutdown stops the background JWKS refresh, if one was started.
func (p *Provider) Shutdown() {
	p.jwksMu.Lock()
	defer p.jwksMu.Unlock()

	if p.jwksCancel != nil {
		p.jwksCancel()
		p.jwksCancel = nil
		p.jwks = nil
	}
}

var _ authpublic.OAuthProvider = (*Provider)(nil)
