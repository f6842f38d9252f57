package authpublic

import "time"

// Session is the authenticated state handed to the application for a request.
type Session struct {
	User    SessionUser `json:"user"`
	Expires time.Time   `json:"expires"`
}

// SessionUser carries the display fields from the provider profile plus the
// fields the session callback adds.
type SessionUser struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Image string `json:"image,omitempty"`

	Metadata    *UserMetadata `json:"metadata,omitempty"`
	LastVisited *time.Time    `json:"lastVisited,omitempty"`
}

// UserMetadata is attached to users by the application and forwarded into
// sessions unchanged.
type UserMetadata struct {
	UploadedItems int `json:"uploadedItems"`
}

// User is the persisted user record.
type User struct {
	ID            string
	Name          string
	Email         string
	EmailVerified *time.Time
	Image         string
	Metadata      *UserMetadata
	LastVisitedAt *time.Time
}

// Account links a User to an identity at a provider.
type Account struct {
	ID                string
	UserID            string
	Type              string
	Provider          string
	ProviderAccountID string
	AccessToken       string
	RefreshToken      string
	IDToken           string
	TokenType         string
	Scope             string
	ExpiresAt         *time.Time
}

// SessionRecord is the persisted form of a database session.
type SessionRecord struct {
	SessionToken string
	UserID       string
	Expires      time.Time
}

func (s *SessionRecord) IsExpired(now time.Time) bool {
	return !s.Expires.After(now)
}
