package hasgoogle

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	return key
}

func signIDToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)

	return signed
}

func validClaims(aud string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":            "https://accounts.google.com",
		"aud":            aud,
		"sub":            "109876543210",
		"email":          "ada@example.com",
		"email_verified": true,
		"name":           "Ada Lovelace",
		"picture":        "https://example.com/ada.png",
		"exp":            time.Now().Add(time.Hour).Unix(),
		"iat":            time.Now().Unix(),
	}
}

// newTokenServer mimics Google's token endpoint and records the form it receives.
func newTokenServer(t *testing.T, idToken string, received *url.Values) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if received != nil {
			*received = r.PostForm
		}

		if r.PostForm.Get("client_secret") != "secret" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}

		body := map[string]any{
			"access_token":  "ya29.access",
			"refresh_token": "1//refresh",
			"token_type":    "Bearer",
			"expires_in":    3599,
			"scope":         "openid email profile",
		}
		if idToken != "" {
			body["id_token"] = idToken
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func newTestProvider(key *rsa.PrivateKey, tokenURL, secret string) *Provider {
	return New(Config{
		ClientID:     "client-id.apps.googleusercontent.com",
		ClientSecret: secret,
		RedirectURL:  "http://localhost:3000/api/auth/callback/google",
		TokenURL:     tokenURL,
		Keyfunc: func(*jwt.Token) (any, error) {
			return &key.PublicKey, nil
		},
	})
}

func TestNew_Defaults(t *testing.T) {
	p := New(Config{})

	assert.Equal(t, "google", p.ID())
	assert.Equal(t, "Google", p.Name())
	assert.Equal(t, "oauth", p.Type())
	assert.Equal(t, DefaultAuthURL, p.cfg.AuthURL)
	assert.Equal(t, DefaultTokenURL, p.cfg.TokenURL)
	assert.Equal(t, DefaultCertsURL, p.cfg.CertsURL)
	assert.Equal(t, []string{"openid", "email", "profile"}, p.cfg.Scopes)
}

func TestAuthCodeURL(t *testing.T) {
	p := New(Config{ClientID: "cid", RedirectURL: "http://localhost:3000/api/auth/callback/google"})

	u, err := url.Parse(p.AuthCodeURL("state-123", "verifier-abc"))
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "accounts.google.com", u.Host)
	assert.Equal(t, "cid", q.Get("client_id"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid email profile", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEqual(t, "verifier-abc", q.Get("code_challenge"))
}

func TestExchange_Success(t *testing.T) {
	key := newTestKey(t)
	idToken := signIDToken(t, key, validClaims("client-id.apps.googleusercontent.com"))

	var form url.Values
	srv := newTokenServer(t, idToken, &form)
	p := newTestProvider(key, srv.URL, "secret")

	profile, tokens, err := p.Exchange(context.Background(), "auth-code", "verifier-abc")
	require.NoError(t, err)

	assert.Equal(t, "109876543210", profile.ID)
	assert.Equal(t, "ada@example.com", profile.Email)
	assert.True(t, profile.EmailVerified)
	assert.Equal(t, "Ada Lovelace", profile.Name)
	assert.Equal(t, "https://example.com/ada.png", profile.Image)

	assert.Equal(t, "ya29.access", tokens.AccessToken)
	assert.Equal(t, "1//refresh", tokens.RefreshToken)
	assert.Equal(t, idToken, tokens.IDToken)
	assert.Equal(t, "openid email profile", tokens.Scope)
	assert.False(t, tokens.Expiry.IsZero())

	assert.Equal(t, "auth-code", form.Get("code"))
	assert.Equal(t, "verifier-abc", form.Get("code_verifier"))
}

func TestExchange_BadClientSecret(t *testing.T) {
	key := newTestKey(t)
	srv := newTokenServer(t, "", nil)
	p := newTestProvider(key, srv.URL, "")

	_, _, err := p.Exchange(context.Background(), "auth-code", "verifier")
	assert.Error(t, err)
}

func TestExchange_MissingIDToken(t *testing.T) {
	key := newTestKey(t)
	srv := newTokenServer(t, "", nil)
	p := newTestProvider(key, srv.URL, "secret")

	_, _, err := p.Exchange(context.Background(), "auth-code", "verifier")
	assert.ErrorIs(t, err, ErrMissingIDToken)
}

func TestVerifyIDToken_Rejections(t *testing.T) {
	key := newTestKey(t)
	otherKey := newTestKey(t)
	aud := "client-id.apps.googleusercontent.com"

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
		signer *rsa.PrivateKey
	}{
		{"wrong audience", func(c jwt.MapClaims) { c["aud"] = "someone-else" }, key},
		{"wrong issuer", func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }, key},
		{"expired", func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }, key},
		{"missing subject", func(c jwt.MapClaims) { delete(c, "sub") }, key},
		{"wrong key", func(c jwt.MapClaims) {}, otherKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims(aud)
			tt.mutate(claims)

			p := newTestProvider(key, "", "secret")

			_, err := p.verifyIDToken(context.Background(), signIDToken(t, tt.signer, claims))
			assert.Error(t, err)
		})
	}
}

func TestVerifyIDToken_BareIssuerAccepted(t *testing.T) {
	key := newTestKey(t)
	claims := validClaims("client-id.apps.googleusercontent.com")
	claims["iss"] = "accounts.google.com"

	p := newTestProvider(key, "", "secret")

	profile, err := p.verifyIDToken(context.Background(), signIDToken(t, key, claims))
	require.NoError(t, err)
	assert.Equal(t, "109876543210", profile.ID)
}

func TestShutdown_WithoutJWKS(t *testing.T) {
	p := New(Config{})
	assert.NotPanics(t, p.Shutdown)
}
