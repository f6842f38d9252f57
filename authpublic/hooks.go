package authpublic

import "context"

// Pages are the application routes the runtime redirects to instead of
// rendering its own screens.
type Pages struct {
	SignIn        string
	VerifyRequest string
	Error         string
}

// SignInMessage describes a completed sign-in.
type SignInMessage struct {
	User      User
	Account   *Account
	Profile   *Profile
	IsNewUser bool
}

// SignOutMessage describes a session that was ended by the user.
type SignOutMessage struct {
	Session *SessionRecord
}

// Events are notifications fired by the runtime. A non-nil error from SignIn
// aborts the sign-in: no session is created. Errors from the other events are
// logged and ignored.
type Events struct {
	SignIn      func(ctx context.Context, msg SignInMessage) error
	SignOut     func(ctx context.Context, msg SignOutMessage) error
	CreateUser  func(ctx context.Context, user User) error
	LinkAccount func(ctx context.Context, user User, account Account) error
}

// SessionCallback maps the default session and the stored user into the
// session returned to the application. Implementations must not retain or
// modify anything reachable from their arguments.
type SessionCallback func(session Session, user User) Session

// RedirectCallback decides where to send the browser after sign-in or
// sign-out. url is the requested target, baseURL the configured origin.
type RedirectCallback func(url, baseURL string) string

type Callbacks struct {
	Session  SessionCallback
	Redirect RedirectCallback
}
