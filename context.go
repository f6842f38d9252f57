package auth

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/jamesread/serverauth/authpublic"
	"github.com/jamesread/serverauth/sessions"
	log "github.com/sirupsen/logrus"
)

// AuthContext serves the auth routes and resolves sessions for the
// application. It is safe for concurrent use.
//
// CLEANUP: Shutdown must be called when the AuthContext is no longer needed
// to stop the callback state sweeper and the provider's key refresh.
type AuthContext struct {
	Options *AuthOptions

	sessions *sessions.Manager
	states   *callbackStates
	csrf     *csrfGuard
	router   chi.Router

	shutdownOnce sync.Once
}

// NewAuthContext builds the runtime for opts, which should come from
// NewAuthOptions.
func NewAuthContext(opts *AuthOptions) (*AuthContext, error) {
	if opts == nil {
		return nil, fmt.Errorf("auth options cannot be nil")
	}

	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	csrf, err := newCsrfGuard(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf guard: %w", err)
	}

	ac := &AuthContext{
		Options:  opts,
		sessions: sessions.NewManager(opts.Config, opts.Adapter, opts.Metrics),
		states:   newCallbackStates(),
		csrf:     csrf,
	}

	ac.router = ac.routes()

	log.WithFields(log.Fields{
		"baseURL":  opts.Config.GetBaseURL(),
		"basePath": opts.Config.GetBasePath(),
		"provider": opts.Providers[0].ID(),
	}).Infof("Auth context created")

	return ac, nil
}

// GetServerAuthSession returns the session for the request, shaped by the
// session callback. It returns nil, nil when there is no valid session; an
// error means the adapter failed.
func (ac *AuthContext) GetServerAuthSession(w http.ResponseWriter, r *http.Request) (*authpublic.Session, error) {
	rec, user, err := ac.sessions.Get(w, r)
	if err != nil {
		log.WithFields(log.Fields{
			"path":  r.URL.Path,
			"error": err,
		}).Errorf("Failed to get server session")

		return nil, err
	}

	if rec == nil {
		return nil, nil
	}

	session := ac.Options.Callbacks.Session(defaultSession(rec, user), *user)

	return &session, nil
}

// Handler returns the auth routes. Mount it at Config.GetBasePath().
func (ac *AuthContext) Handler() http.Handler {
	return ac.router
}

// Shutdown stops background work. It is safe to call more than once.
func (ac *AuthContext) Shutdown() {
	ac.shutdownOnce.Do(func() {
		ac.states.shutdown()

		for _, p := range ac.Options.Providers {
			if s, ok := p.(interface{ Shutdown() }); ok {
				s.Shutdown()
			}
		}

		log.Debug("Auth context shutdown complete")
	})
}

func (ac *AuthContext) secureCookies(r *http.Request) bool {
	return r.TLS != nil || ac.Options.Config.UsesSecureCookies()
}
