package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jamesread/golure/pkg/redact"
	"github.com/jamesread/serverauth/authpublic"
	"github.com/jamesread/serverauth/metrics"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Error codes passed to the error page.
const (
	ErrorOAuthSignin           = "OAuthSignin"
	ErrorOAuthCallback         = "OAuthCallback"
	ErrorOAuthAccountNotLinked = "OAuthAccountNotLinked"
	ErrorCallback              = "Callback"
)

var errAccountNotLinked = errors.New("email is already linked to another account")

type providerInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	SigninURL   string `json:"signinUrl"`
	CallbackURL string `json:"callbackUrl"`
}

func (ac *AuthContext) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/csrf", ac.handleCsrf)
	r.Get("/providers", ac.handleProviders)
	r.Get("/signin", ac.handleSignInPage)
	r.Get("/signin/{provider}", ac.handleSignInPage)
	r.Post("/signin/{provider}", ac.handleSignInPost)
	r.Get("/callback/{provider}", ac.handleCallback)
	r.Post("/signout", ac.handleSignOut)
	r.Get("/session", ac.handleSession)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("Failed to write JSON response")
	}
}

func (ac *AuthContext) redirectToError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, ac.Options.Pages.Error+"?error="+url.QueryEscape(code), http.StatusFound)
}

func (ac *AuthContext) sanitizeRedirect(target string) string {
	base := ac.Options.Config.GetBaseURL()

	if target == "" {
		return base
	}

	return ac.Options.Callbacks.Redirect(target, base)
}

func (ac *AuthContext) handleCsrf(w http.ResponseWriter, r *http.Request) {
	token, err := ac.csrf.issue(w, r, ac.secureCookies(r))
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Errorf("Failed to issue CSRF token")
		http.Error(w, "Failed to issue CSRF token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}

func (ac *AuthContext) handleProviders(w http.ResponseWriter, r *http.Request) {
	cfg := ac.Options.Config
	ret := make(map[string]providerInfo, len(ac.Options.Providers))

	for _, p := range ac.Options.Providers {
		ret[p.ID()] = providerInfo{
			ID:          p.ID(),
			Name:        p.Name(),
			Type:        p.Type(),
			SigninURL:   cfg.GetBaseURL() + cfg.GetBasePath() + "/signin/" + p.ID(),
			CallbackURL: cfg.GetCallbackURL(p.ID()),
		}
	}

	writeJSON(w, http.StatusOK, ret)
}

// handleSignInPage sends the browser to the sign-in page. A flow is only
// started by a POST that carries the CSRF token.
func (ac *AuthContext) handleSignInPage(w http.ResponseWriter, r *http.Request) {
	target := ac.Options.Pages.SignIn

	if cb := r.URL.Query().Get("callbackUrl"); cb != "" {
		target += "?callbackUrl=" + url.QueryEscape(cb)
	}

	http.Redirect(w, r, target, http.StatusFound)
}

func (ac *AuthContext) handleSignInPost(w http.ResponseWriter, r *http.Request) {
	if !ac.csrf.verify(r) {
		log.WithFields(log.Fields{
			"path": r.URL.Path,
		}).Warn("CSRF token missing or invalid on sign-in")

		http.Redirect(w, r, ac.Options.Pages.SignIn+"?csrf=true", http.StatusFound)
		return
	}

	ac.handleSignIn(w, r)
}

func (ac *AuthContext) setStateCookie(w http.ResponseWriter, r *http.Request, state string) {
	http.SetCookie(w, &http.Cookie{
		Name:     ac.Options.Config.GetStateCookieName(),
		Value:    state,
		MaxAge:   int(callbackStateTTL.Seconds()),
		Secure:   ac.secureCookies(r),
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
}

func (ac *AuthContext) clearStateCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     ac.Options.Config.GetStateCookieName(),
		Value:    "",
		MaxAge:   -1,
		Secure:   ac.secureCookies(r),
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
}

func (ac *AuthContext) handleSignIn(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")

	provider := ac.Options.Provider(providerID)
	if provider == nil {
		log.WithFields(log.Fields{
			"provider": providerID,
		}).Warn("Sign-in requested for unknown provider")

		ac.redirectToError(w, r, ErrorOAuthSignin)
		return
	}

	state, err := randString(32)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Errorf("Failed to generate OAuth state")

		ac.redirectToError(w, r, ErrorOAuthSignin)
		return
	}

	verifier := oauth2.GenerateVerifier()

	ac.states.put(state, &callbackState{
		providerID:  provider.ID(),
		verifier:    verifier,
		callbackURL: ac.sanitizeRedirect(r.FormValue("callbackUrl")),
	})

	ac.setStateCookie(w, r, state)

	log.WithFields(log.Fields{
		"provider": provider.ID(),
		"state":    redact.RedactString(state),
	}).Infof("Redirecting to OAuth provider")

	http.Redirect(w, r, provider.AuthCodeURL(state, verifier), http.StatusFound)
}

// takeCallbackState validates the state cookie against the query and
// consumes the server side state.
func (ac *AuthContext) takeCallbackState(r *http.Request, providerID string) (*callbackState, error) {
	cookie, err := r.Cookie(ac.Options.Config.GetStateCookieName())
	if err != nil {
		return nil, errors.New("state cookie not found")
	}

	if cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		return nil, errors.New("state mismatch")
	}

	cs, err := ac.states.take(cookie.Value)
	if err != nil {
		return nil, err
	}

	if cs.providerID != providerID {
		return nil, errors.New("state was issued for another provider")
	}

	return cs, nil
}

func (ac *AuthContext) handleCallback(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	ctx := r.Context()

	provider := ac.Options.Provider(providerID)
	if provider == nil {
		ac.redirectToError(w, r, ErrorOAuthCallback)
		return
	}

	cs, err := ac.takeCallbackState(r, providerID)
	ac.clearStateCookie(w, r)

	if err != nil {
		log.WithFields(log.Fields{
			"provider": providerID,
			"error":    err,
		}).Warn("OAuth callback state validation failed")

		ac.Options.Metrics.RecordSignIn(providerID, metrics.SignInError, false)
		ac.redirectToError(w, r, ErrorOAuthCallback)
		return
	}

	if providerErr := r.URL.Query().Get("error"); providerErr != "" {
		log.WithFields(log.Fields{
			"provider": providerID,
			"error":    providerErr,
		}).Infof("OAuth provider returned an error")

		ac.Options.Metrics.RecordSignIn(providerID, metrics.SignInDenied, false)
		ac.redirectToError(w, r, ErrorOAuthCallback)
		return
	}

	profile, tokens, err := provider.Exchange(ctx, r.URL.Query().Get("code"), cs.verifier)
	if err != nil {
		log.WithFields(log.Fields{
			"provider": providerID,
			"error":    err,
		}).Errorf("Failed to exchange OAuth code")

		ac.Options.Metrics.RecordSignIn(providerID, metrics.SignInError, false)
		ac.redirectToError(w, r, ErrorOAuthCallback)
		return
	}

	if ac.Options.Config.InsecureAllowDumpProfiles {
		log.WithFields(log.Fields{
			"provider": providerID,
			"profile":  profile,
		}).Debugf("OAuth provider profile")
	}

	user, account, isNewUser, err := ac.resolveUser(ctx, provider, profile, tokens)
	if errors.Is(err, errAccountNotLinked) {
		log.WithFields(log.Fields{
			"provider": providerID,
			"email":    profile.Email,
		}).Warn("Sign-in email already belongs to a user without this account")

		ac.Options.Metrics.RecordSignIn(providerID, metrics.SignInDenied, false)
		ac.redirectToError(w, r, ErrorOAuthAccountNotLinked)
		return
	}
	if err != nil {
		log.WithFields(log.Fields{
			"provider": providerID,
			"error":    err,
		}).Errorf("Failed to resolve user for sign-in")

		ac.Options.Metrics.RecordSignIn(providerID, metrics.SignInError, false)
		ac.redirectToError(w, r, ErrorCallback)
		return
	}

	err = ac.Options.fireSignIn(ctx, authpublic.SignInMessage{
		User:      *user,
		Account:   account,
		Profile:   profile,
		IsNewUser: isNewUser,
	})
	if err != nil {
		log.WithFields(log.Fields{
			"provider": providerID,
			"userID":   user.ID,
		}).Warn("Sign-in aborted by signIn event")

		ac.Options.Metrics.RecordSignIn(providerID, metrics.SignInDenied, isNewUser)
		ac.redirectToError(w, r, ErrorCallback)
		return
	}

	if _, err := ac.sessions.Create(w, r, user.ID); err != nil {
		log.WithFields(log.Fields{
			"provider": providerID,
			"userID":   user.ID,
			"error":    err,
		}).Errorf("Failed to create session")

		ac.Options.Metrics.RecordSignIn(providerID, metrics.SignInError, isNewUser)
		ac.redirectToError(w, r, ErrorCallback)
		return
	}

	ac.Options.Metrics.RecordSignIn(providerID, metrics.SignInSuccess, isNewUser)

	log.WithFields(log.Fields{
		"provider":  providerID,
		"userID":    user.ID,
		"isNewUser": isNewUser,
	}).Infof("OAuth sign-in successful")

	http.Redirect(w, r, cs.callbackURL, http.StatusFound)
}

func accountFromTokens(providerID string, profile *authpublic.Profile, tokens *authpublic.TokenSet) authpublic.Account {
	account := authpublic.Account{
		Type:              "oauth",
		Provider:          providerID,
		ProviderAccountID: profile.ID,
	}

	if tokens != nil {
		account.AccessToken = tokens.AccessToken
		account.RefreshToken = tokens.RefreshToken
		account.IDToken = tokens.IDToken
		account.TokenType = tokens.TokenType
		account.Scope = tokens.Scope

		if !tokens.Expiry.IsZero() {
			expiry := tokens.Expiry
			account.ExpiresAt = &expiry
		}
	}

	return account
}

// resolveUser finds the user linked to the provider account, or creates one.
// An email that already belongs to a different user is not linked
// automatically.
func (ac *AuthContext) resolveUser(ctx context.Context, provider authpublic.OAuthProvider, profile *authpublic.Profile, tokens *authpublic.TokenSet) (*authpublic.User, *authpublic.Account, bool, error) {
	a := ac.Options.Adapter
	account := accountFromTokens(provider.ID(), profile, tokens)

	existing, err := a.GetUserByAccount(ctx, provider.ID(), profile.ID)
	if err != nil {
		return nil, nil, false, err
	}

	if existing != nil {
		account.UserID = existing.ID
		return existing, &account, false, nil
	}

	if profile.Email != "" {
		byEmail, err := a.GetUserByEmail(ctx, profile.Email)
		if err != nil {
			return nil, nil, false, err
		}

		if byEmail != nil {
			return nil, nil, false, errAccountNotLinked
		}
	}

	newUser := authpublic.User{
		Name:  profile.Name,
		Email: profile.Email,
		Image: profile.Image,
	}

	if profile.EmailVerified {
		now := time.Now()
		newUser.EmailVerified = &now
	}

	created, err := a.CreateUser(ctx, newUser)
	if err != nil {
		return nil, nil, false, err
	}

	ac.fireEvent("createUser", func() error {
		if ac.Options.Events.CreateUser == nil {
			return nil
		}
		return ac.Options.Events.CreateUser(ctx, *created)
	})

	account.UserID = created.ID

	linked, err := a.LinkAccount(ctx, account)
	if err != nil {
		return nil, nil, false, err
	}

	ac.fireEvent("linkAccount", func() error {
		if ac.Options.Events.LinkAccount == nil {
			return nil
		}
		return ac.Options.Events.LinkAccount(ctx, *created, *linked)
	})

	return created, linked, true, nil
}

// fireEvent runs an informational event. Errors are logged and ignored.
func (ac *AuthContext) fireEvent(name string, fn func() error) {
	if err := fn(); err != nil {
		log.WithFields(log.Fields{
			"event": name,
			"error": err,
		}).Warn("Auth event handler failed")
	}
}

func (ac *AuthContext) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if !ac.csrf.verify(r) {
		log.WithFields(log.Fields{
			"path": r.URL.Path,
		}).Warn("CSRF token missing or invalid on sign-out")

		http.Error(w, "Invalid CSRF token", http.StatusForbidden)
		return
	}

	rec, err := ac.sessions.Delete(w, r)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Errorf("Failed to delete session")

		http.Error(w, "Failed to sign out", http.StatusInternalServerError)
		return
	}

	if rec != nil {
		ac.Options.Metrics.RecordSignOut()

		ac.fireEvent("signOut", func() error {
			if ac.Options.Events.SignOut == nil {
				return nil
			}
			return ac.Options.Events.SignOut(r.Context(), authpublic.SignOutMessage{Session: rec})
		})

		log.WithFields(log.Fields{
			"userID": rec.UserID,
		}).Infof("Signed out")
	}

	http.Redirect(w, r, ac.sanitizeRedirect(r.FormValue("callbackUrl")), http.StatusFound)
}

func (ac *AuthContext) handleSession(w http.ResponseWriter, r *http.Request) {
	session, err := ac.GetServerAuthSession(w, r)
	if err != nil {
		http.Error(w, "Failed to read session", http.StatusInternalServerError)
		return
	}

	if session == nil {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	writeJSON(w, http.StatusOK, session)
}
