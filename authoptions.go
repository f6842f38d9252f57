package auth

import (
	"context"
	"fmt"

	"github.com/jamesread/serverauth/adapter"
	"github.com/jamesread/serverauth/authpublic"
	"github.com/jamesread/serverauth/metrics"
	"github.com/jamesread/serverauth/providers/hasgoogle"
)

const (
	PageSignIn        = "/auth/signin"
	PageVerifyRequest = "/auth/verify-request"
	PageError         = "/auth/error"
)

// AuthOptions is assembled once by NewAuthOptions and must not be modified
// afterwards.
type AuthOptions struct {
	Config    *authpublic.Config
	Pages     authpublic.Pages
	Events    authpublic.Events
	Callbacks authpublic.Callbacks
	Adapter   adapter.Adapter
	Providers []authpublic.OAuthProvider
	Metrics   metrics.Recorder
}

type Option func(*AuthOptions)

// WithSessionCallback replaces the session shaping callback.
func WithSessionCallback(cb authpublic.SessionCallback) Option {
	return func(o *AuthOptions) {
		o.Callbacks.Session = cb
	}
}

// WithProvisioner sets what runs when a new user signs in.
func WithProvisioner(p Provisioner) Option {
	return func(o *AuthOptions) {
		o.Events.SignIn = NewSignInHook(p)
	}
}

// WithProvider replaces the Google provider built from the config.
func WithProvider(p authpublic.OAuthProvider) Option {
	return func(o *AuthOptions) {
		o.Providers = []authpublic.OAuthProvider{p}
	}
}

// WithEvents sets the event handlers that are non-nil in events.
func WithEvents(events authpublic.Events) Option {
	return func(o *AuthOptions) {
		if events.SignIn != nil {
			o.Events.SignIn = events.SignIn
		}
		if events.SignOut != nil {
			o.Events.SignOut = events.SignOut
		}
		if events.CreateUser != nil {
			o.Events.CreateUser = events.CreateUser
		}
		if events.LinkAccount != nil {
			o.Events.LinkAccount = events.LinkAccount
		}
	}
}

func WithMetrics(rec metrics.Recorder) Option {
	return func(o *AuthOptions) {
		o.Metrics = rec
	}
}

// NewAuthOptions builds the options with a single Google provider whose
// credentials come from cfg. Missing credentials are not an error here; the
// provider rejects them when a sign-in is attempted.
func NewAuthOptions(cfg *authpublic.Config, a adapter.Adapter, opts ...Option) (*AuthOptions, error) {
	if cfg == nil {
		cfg = &authpublic.Config{}
	}

	o := &AuthOptions{
		Config: cfg,
		Pages: authpublic.Pages{
			SignIn:        PageSignIn,
			VerifyRequest: PageVerifyRequest,
			Error:         PageError,
		},
		Events: authpublic.Events{
			SignIn: NewSignInHook(nil),
		},
		Callbacks: authpublic.Callbacks{
			Session:  SessionWithUserMetadata,
			Redirect: DefaultRedirect,
		},
		Adapter: a,
		Providers: []authpublic.OAuthProvider{
			hasgoogle.New(hasgoogle.Config{
				ClientID:     cfg.Google.ClientID,
				ClientSecret: cfg.Google.ClientSecret,
				RedirectURL:  cfg.GetCallbackURL("google"),
			}),
		},
		Metrics: metrics.Noop{},
	}

	for _, opt := range opts {
		opt(o)
	}

	if err := validateOptions(o); err != nil {
		return nil, err
	}

	return o, nil
}

// Provider returns the provider with the given ID, or nil.
func (o *AuthOptions) Provider(id string) authpublic.OAuthProvider {
	for _, p := range o.Providers {
		if p.ID() == id {
			return p
		}
	}

	return nil
}

func (o *AuthOptions) fireSignIn(ctx context.Context, msg authpublic.SignInMessage) error {
	if o.Events.SignIn == nil {
		return nil
	}

	return o.Events.SignIn(ctx, msg)
}

func validateProviders(o *AuthOptions) error {
	if len(o.Providers) != 1 {
		return fmt.Errorf("auth options error: exactly one provider is required, got %d", len(o.Providers))
	}

	if o.Providers[0] == nil {
		return fmt.Errorf("auth options error: provider cannot be nil")
	}

	return nil
}

func validateAdapter(o *AuthOptions) error {
	if o.Adapter == nil {
		return fmt.Errorf("auth options error: adapter cannot be nil")
	}

	return nil
}

func validateCallbacks(o *AuthOptions) error {
	if o.Callbacks.Session == nil {
		return fmt.Errorf("auth options error: session callback cannot be nil")
	}

	if o.Callbacks.Redirect == nil {
		return fmt.Errorf("auth options error: redirect callback cannot be nil")
	}

	return nil
}

// validateOptions checks the options are complete. Provider credentials are
// not checked.
func validateOptions(o *AuthOptions) error {
	if err := validateProviders(o); err != nil {
		return err
	}
	if err := validateAdapter(o); err != nil {
		return err
	}
	if err := validateCallbacks(o); err != nil {
		return err
	}

	if o.Config == nil {
		o.Config = &authpublic.Config{}
	}

	if o.Metrics == nil {
		o.Metrics = metrics.Noop{}
	}

	return nil
}
