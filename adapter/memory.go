package adapter

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jamesread/serverauth/authpublic"
	log "github.com/sirupsen/logrus"
)

// MemoryAdapter keeps all records in process memory. It is meant for tests
// and single-process development servers; nothing survives a restart.
type MemoryAdapter struct {
	mu       sync.RWMutex
	users    map[string]*authpublic.User
	accounts map[string]*authpublic.Account // keyed by provider + "/" + providerAccountID
	sessions map[string]*authpublic.SessionRecord

	shutdownChan  chan struct{}
	shutdownOnce  sync.Once
	cleanupTicker *time.Ticker
}

func NewMemoryAdapter() *MemoryAdapter {
	a := &MemoryAdapter{
		users:        make(map[string]*authpublic.User),
		accounts:     make(map[string]*authpublic.Account),
		sessions:     make(map[string]*authpublic.SessionRecord),
		shutdownChan: make(chan struct{}),
	}

	a.startCleanupGoroutine()

	return a
}

// Shutdown stops the expired-session sweeper. Safe to call more than once.
func (a *MemoryAdapter) Shutdown() {
	a.shutdownOnce.Do(func() {
		close(a.shutdownChan)
		a.cleanupTicker.Stop()
	})
}

func accountKey(provider, providerAccountID string) string {
	return provider + "/" + providerAccountID
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneUser(u *authpublic.User) *authpublic.User {
	c := *u
	c.EmailVerified = cloneTime(u.EmailVerified)
	c.LastVisitedAt = cloneTime(u.LastVisitedAt)
	if u.Metadata != nil {
		md := *u.Metadata
		c.Metadata = &md
	}
	return &c
}

func cloneAccount(a *authpublic.Account) *authpublic.Account {
	c := *a
	c.ExpiresAt = cloneTime(a.ExpiresAt)
	return &c
}

func cloneSession(s *authpublic.SessionRecord) *authpublic.SessionRecord {
	c := *s
	return &c
}

func (a *MemoryAdapter) findUserByEmail(email string) *authpublic.User {
	if email == "" {
		return nil
	}
	for _, u := range a.users {
		if strings.EqualFold(u.Email, email) {
			return u
		}
	}
	return nil
}

func (a *MemoryAdapter) CreateUser(ctx context.Context, user authpublic.User) (*authpublic.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	if _, exists := a.users[user.ID]; exists {
		return nil, ErrDuplicate
	}

	if a.findUserByEmail(user.Email) != nil {
		return nil, ErrDuplicate
	}

	stored := cloneUser(&user)
	a.users[user.ID] = stored

	return cloneUser(stored), nil
}

func (a *MemoryAdapter) GetUser(ctx context.Context, id string) (*authpublic.User, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	u, ok := a.users[id]
	if !ok {
		return nil, nil
	}

	return cloneUser(u), nil
}

func (a *MemoryAdapter) GetUserByEmail(ctx context.Context, email string) (*authpublic.User, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	u := a.findUserByEmail(email)
	if u == nil {
		return nil, nil
	}

	return cloneUser(u), nil
}

func (a *MemoryAdapter) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*authpublic.User, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	acc, ok := a.accounts[accountKey(provider, providerAccountID)]
	if !ok {
		return nil, nil
	}

	u, ok := a.users[acc.UserID]
	if !ok {
		return nil, nil
	}

	return cloneUser(u), nil
}

// UpdateUser replaces the stored user with the given ID. It returns nil when
// no such user exists.
func (a *MemoryAdapter) UpdateUser(ctx context.Context, user authpublic.User) (*authpublic.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.users[user.ID]; !ok {
		return nil, nil
	}

	if other := a.findUserByEmail(user.Email); other != nil && other.ID != user.ID {
		return nil, ErrDuplicate
	}

	stored := cloneUser(&user)
	a.users[user.ID] = stored

	return cloneUser(stored), nil
}

func (a *MemoryAdapter) TouchUser(ctx context.Context, id string, visitedAt time.Time) (*authpublic.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, ok := a.users[id]
	if !ok {
		return nil, nil
	}

	u.LastVisitedAt = cloneTime(&visitedAt)

	return cloneUser(u), nil
}

func (a *MemoryAdapter) DeleteUser(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.users, id)

	for key, acc := range a.accounts {
		if acc.UserID == id {
			delete(a.accounts, key)
		}
	}

	for token, sess := range a.sessions {
		if sess.UserID == id {
			delete(a.sessions, token)
		}
	}

	return nil
}

func (a *MemoryAdapter) LinkAccount(ctx context.Context, account authpublic.Account) (*authpublic.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := accountKey(account.Provider, account.ProviderAccountID)
	if _, exists := a.accounts[key]; exists {
		return nil, ErrDuplicate
	}

	if account.ID == "" {
		account.ID = uuid.NewString()
	}

	stored := cloneAccount(&account)
	a.accounts[key] = stored

	return cloneAccount(stored), nil
}

func (a *MemoryAdapter) UnlinkAccount(ctx context.Context, provider, providerAccountID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.accounts, accountKey(provider, providerAccountID))
	return nil
}

func (a *MemoryAdapter) CreateSession(ctx context.Context, session authpublic.SessionRecord) (*authpublic.SessionRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.sessions[session.SessionToken]; exists {
		return nil, ErrDuplicate
	}

	stored := cloneSession(&session)
	a.sessions[session.SessionToken] = stored

	return cloneSession(stored), nil
}

func (a *MemoryAdapter) GetSessionAndUser(ctx context.Context, sessionToken string) (*authpublic.SessionRecord, *authpublic.User, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	sess, ok := a.sessions[sessionToken]
	if !ok {
		return nil, nil, nil
	}

	u, ok := a.users[sess.UserID]
	if !ok {
		return nil, nil, nil
	}

	return cloneSession(sess), cloneUser(u), nil
}

func (a *MemoryAdapter) UpdateSession(ctx context.Context, session authpublic.SessionRecord) (*authpublic.SessionRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored, ok := a.sessions[session.SessionToken]
	if !ok {
		return nil, nil
	}

	stored.Expires = session.Expires
	if session.UserID != "" {
		stored.UserID = session.UserID
	}

	return cloneSession(stored), nil
}

func (a *MemoryAdapter) DeleteSession(ctx context.Context, sessionToken string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.sessions, sessionToken)
	return nil
}

func (a *MemoryAdapter) startCleanupGoroutine() {
	a.cleanupTicker = time.NewTicker(5 * time.Minute)

	go func() {
		for {
			select {
			case <-a.shutdownChan:
				return
			case <-a.cleanupTicker.C:
				a.cleanupExpiredSessions(time.Now())
			}
		}
	}()
}

func (a *MemoryAdapter) cleanupExpiredSessions(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cleanedCount := 0
	for token, sess := range a.sessions {
		if sess.IsExpired(now) {
			delete(a.sessions, token)
			cleanedCount++
		}
	}

	if cleanedCount > 0 {
		log.WithFields(log.Fields{
			"cleanedSessions":   cleanedCount,
			"remainingSessions": len(a.sessions),
		}).Debugf("Cleaned up expired sessions")
	}

	return cleanedCount
}

var _ Adapter = (*MemoryAdapter)(nil)
