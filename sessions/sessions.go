// Package sessions implements database-backed sessions keyed by an opaque
// cookie token.
package sessions

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/jamesread/golure/pkg/redact"
	"github.com/jamesread/serverauth/adapter"
	"github.com/jamesread/serverauth/authpublic"
	"github.com/jamesread/serverauth/metrics"
	log "github.com/sirupsen/logrus"
)

const tokenBytes = 32

type Manager struct {
	adapter adapter.Adapter
	cfg     *authpublic.Config
	metrics metrics.Recorder

	now func() time.Time
}

func NewManager(cfg *authpublic.Config, a adapter.Adapter, rec metrics.Recorder) *Manager {
	if rec == nil {
		rec = metrics.Noop{}
	}

	return &Manager{
		adapter: a,
		cfg:     cfg,
		metrics: rec,
		now:     time.Now,
	}
}

// GenerateToken returns a random URL-safe session token.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)

	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (m *Manager) readToken(r *http.Request) string {
	c, err := r.Cookie(m.cfg.GetSessionCookieName())
	if err != nil {
		return ""
	}

	return c.Value
}

// Get resolves the session cookie on r. Anonymous requests, unknown tokens
// and expired sessions all yield nil, nil; only adapter failures are errors.
// A session past its update age gets a new expiry, the user's last visit is
// stamped and the cookie is rewritten.
func (m *Manager) Get(w http.ResponseWriter, r *http.Request) (*authpublic.SessionRecord, *authpublic.User, error) {
	token := m.readToken(r)
	if token == "" {
		m.metrics.RecordSessionLookup(metrics.LookupAbsent)
		return nil, nil, nil
	}

	ctx := r.Context()

	rec, user, err := m.adapter.GetSessionAndUser(ctx, token)
	if err != nil {
		m.metrics.RecordSessionLookup(metrics.LookupError)
		return nil, nil, fmt.Errorf("failed to read session: %w", err)
	}

	if rec == nil || user == nil {
		log.WithFields(log.Fields{
			"token": redact.RedactString(token),
		}).Debugf("Session token not found, clearing cookie")

		m.metrics.RecordSessionLookup(metrics.LookupAbsent)
		m.clearCookie(w, r)
		return nil, nil, nil
	}

	now := m.now()

	if rec.IsExpired(now) {
		m.expire(ctx, w, r, rec)
		return nil, nil, nil
	}

	m.metrics.RecordSessionLookup(metrics.LookupFound)

	if m.needsUpdate(rec, now) {
		rec, user = m.refresh(ctx, rec, user, now)
		m.setCookie(w, r, rec.SessionToken, rec.Expires)
	}

	return rec, user, nil
}

func (m *Manager) expire(ctx context.Context, w http.ResponseWriter, r *http.Request, rec *authpublic.SessionRecord) {
	log.WithFields(log.Fields{
		"userID":  rec.UserID,
		"expires": rec.Expires,
	}).Debugf("Session expired")

	m.metrics.RecordSessionLookup(metrics.LookupExpired)

	if err := m.adapter.DeleteSession(ctx, rec.SessionToken); err != nil {
		log.WithFields(log.Fields{
			"userID": rec.UserID,
			"error":  err,
		}).Warn("Failed to delete expired session")
	}

	m.clearCookie(w, r)
}

func (m *Manager) needsUpdate(rec *authpublic.SessionRecord, now time.Time) bool {
	due := rec.Expires.Add(-m.cfg.GetSessionMaxAge()).Add(m.cfg.GetSessionUpdateAge())

	return !now.Before(due)
}

// refresh extends the session and records the visit. Failures are logged and
// the values read from storage are kept.
func (m *Manager) refresh(ctx context.Context, rec *authpublic.SessionRecord, user *authpublic.User, now time.Time) (*authpublic.SessionRecord, *authpublic.User) {
	extended := *rec
	extended.Expires = now.Add(m.cfg.GetSessionMaxAge())

	updated, err := m.adapter.UpdateSession(ctx, extended)
	if err != nil || updated == nil {
		log.WithFields(log.Fields{
			"userID": rec.UserID,
			"error":  err,
		}).Warn("Failed to extend session")
		return rec, user
	}

	m.metrics.RecordSessionRefresh()

	// Only the visit time is written; the rest of the user may have been
	// changed since it was read.
	touched, err := m.adapter.TouchUser(ctx, rec.UserID, now)
	if err != nil || touched == nil {
		log.WithFields(log.Fields{
			"userID": rec.UserID,
			"error":  err,
		}).Warn("Failed to record last visit")
		return updated, user
	}

	return updated, touched
}

// Create starts a new session for userID and sets the cookie.
func (m *Manager) Create(w http.ResponseWriter, r *http.Request, userID string) (*authpublic.SessionRecord, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	rec, err := m.adapter.CreateSession(r.Context(), authpublic.SessionRecord{
		SessionToken: token,
		UserID:       userID,
		Expires:      m.now().Add(m.cfg.GetSessionMaxAge()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	log.WithFields(log.Fields{
		"userID":  userID,
		"token":   redact.RedactString(token),
		"expires": rec.Expires,
	}).Infof("Session created")

	m.setCookie(w, r, rec.SessionToken, rec.Expires)

	return rec, nil
}

// Delete removes the session named by the cookie and clears it. The removed
// record is returned, or nil when there was none.
func (m *Manager) Delete(w http.ResponseWriter, r *http.Request) (*authpublic.SessionRecord, error) {
	token := m.readToken(r)
	if token == "" {
		return nil, nil
	}

	m.clearCookie(w, r)

	ctx := r.Context()

	rec, _, err := m.adapter.GetSessionAndUser(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	if err := m.adapter.DeleteSession(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}

	return rec, nil
}

func (m *Manager) secure(r *http.Request) bool {
	return r.TLS != nil || m.cfg.UsesSecureCookies()
}

func (m *Manager) setCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.GetSessionCookieName(),
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.secure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) clearCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.GetSessionCookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure(r),
		SameSite: http.SameSiteLaxMode,
	})
}
