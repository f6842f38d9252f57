package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/jamesread/serverauth/authpublic"
	log "github.com/sirupsen/logrus"
)

// csrfGuard implements a double-submit cookie holding
// "token|sha256(token+secret)". Posted forms must echo the token.
type csrfGuard struct {
	cookieName string
	secret     string
}

func newCsrfGuard(cfg *authpublic.Config) (*csrfGuard, error) {
	secret := cfg.Secret

	if secret == "" {
		generated, err := randString(32)
		if err != nil {
			return nil, err
		}

		log.Warn("No auth secret configured, CSRF tokens will not survive a restart")

		secret = generated
	}

	return &csrfGuard{
		cookieName: cfg.GetCsrfCookieName(),
		secret:     secret,
	}, nil
}

func (g *csrfGuard) sign(token string) string {
	sum := sha256.Sum256([]byte(token + g.secret))

	return hex.EncodeToString(sum[:])
}

// cookieToken returns the token from a correctly signed cookie.
func (g *csrfGuard) cookieToken(r *http.Request) (string, bool) {
	c, err := r.Cookie(g.cookieName)
	if err != nil {
		return "", false
	}

	token, hash, found := strings.Cut(c.Value, "|")
	if !found || token == "" {
		return "", false
	}

	if subtle.ConstantTimeCompare([]byte(g.sign(token)), []byte(hash)) != 1 {
		return "", false
	}

	return token, true
}

// issue returns the current token, setting a new cookie when the request
// has none.
func (g *csrfGuard) issue(w http.ResponseWriter, r *http.Request, secure bool) (string, error) {
	if token, ok := g.cookieToken(r); ok {
		return token, nil
	}

	token, err := randString(32)
	if err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     g.cookieName,
		Value:    token + "|" + g.sign(token),
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})

	return token, nil
}

// verify checks the csrfToken form field against the cookie.
func (g *csrfGuard) verify(r *http.Request) bool {
	token, ok := g.cookieToken(r)
	if !ok {
		return false
	}

	submitted := r.FormValue("csrfToken")
	if submitted == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(token), []byte(submitted)) == 1
}
