package auth

import (
	"context"
	"net/url"
	"strings"

	"github.com/jamesread/serverauth/authpublic"
	log "github.com/sirupsen/logrus"
)

// Provisioner creates application records for a user signing in for the
// first time.
type Provisioner func(ctx context.Context, user authpublic.User) error

// SessionWithUserID copies the user's identifier into the session.
func SessionWithUserID(session authpublic.Session, user authpublic.User) authpublic.Session {
	session.User.ID = user.ID

	return session
}

// SessionWithUserMetadata is SessionWithUserID plus the user's metadata and
// the time of their last visit.
func SessionWithUserMetadata(session authpublic.Session, user authpublic.User) authpublic.Session {
	session = SessionWithUserID(session, user)
	session.User.Metadata = user.Metadata
	session.User.LastVisited = user.LastVisitedAt

	return session
}

// NewSignInHook returns the sign-in event handler. New users are handed to
// provision; a failure is logged and returned so the sign-in is aborted.
func NewSignInHook(provision Provisioner) func(context.Context, authpublic.SignInMessage) error {
	return func(ctx context.Context, msg authpublic.SignInMessage) error {
		if !msg.IsNewUser || provision == nil {
			return nil
		}

		if err := provision(ctx, msg.User); err != nil {
			log.WithFields(log.Fields{
				"userID": msg.User.ID,
				"error":  err,
			}).Error("Error creating user data at signIn event")

			return err
		}

		return nil
	}
}

// DefaultRedirect allows relative paths and URLs on the same origin as
// baseURL. Anything else is sent to baseURL.
func DefaultRedirect(target, baseURL string) string {
	if strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") {
		return baseURL + target
	}

	t, err := url.Parse(target)
	if err != nil {
		return baseURL
	}

	b, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}

	if t.Scheme == b.Scheme && t.Host == b.Host {
		return target
	}

	return baseURL
}

// defaultSession maps stored records into the session shape handed to the
// session callback.
func defaultSession(rec *authpublic.SessionRecord, user *authpublic.User) authpublic.Session {
	return authpublic.Session{
		User: authpublic.SessionUser{
			Name:  user.Name,
			Email: user.Email,
			Image: user.Image,
		},
		Expires: rec.Expires,
	}
}
