package sessions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jamesread/serverauth/adapter"
	"github.com/jamesread/serverauth/authpublic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenAdapter struct {
	adapter.Adapter
}

func (brokenAdapter) GetSessionAndUser(context.Context, string) (*authpublic.SessionRecord, *authpublic.User, error) {
	return nil, nil, errors.New("connection refused")
}

// concurrentEditAdapter changes the user's metadata as if another request
// wrote it while a session refresh is in flight.
type concurrentEditAdapter struct {
	*adapter.MemoryAdapter
	uploadedItems int
}

func (c *concurrentEditAdapter) UpdateSession(ctx context.Context, session authpublic.SessionRecord) (*authpublic.SessionRecord, error) {
	u, err := c.MemoryAdapter.GetUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	u.Metadata = &authpublic.UserMetadata{UploadedItems: c.uploadedItems}
	if _, err := c.MemoryAdapter.UpdateUser(ctx, *u); err != nil {
		return nil, err
	}

	return c.MemoryAdapter.UpdateSession(ctx, session)
}

func newTestManager(t *testing.T) (*Manager, *adapter.MemoryAdapter, *time.Time) {
	t.Helper()

	mem := adapter.NewMemoryAdapter()
	t.Cleanup(mem.Shutdown)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m := NewManager(&authpublic.Config{}, mem, nil)
	m.now = func() time.Time { return now }

	return m, mem, &now
}

func seedUser(t *testing.T, a adapter.Adapter) *authpublic.User {
	t.Helper()

	u, err := a.CreateUser(context.Background(), authpublic.User{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)

	return u
}

func requestWithCookie(value string) *http.Request {
	r := httptest.NewRequest("GET", "/", nil)
	if value != "" {
		r.AddCookie(&http.Cookie{Name: "auth.session-token", Value: value})
	}
	return r
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
}

func TestGet_NoCookie(t *testing.T) {
	m, _, _ := newTestManager(t)
	w := httptest.NewRecorder()

	rec, user, err := m.Get(w, requestWithCookie(""))

	assert.NoError(t, err)
	assert.Nil(t, rec)
	assert.Nil(t, user)
	assert.Empty(t, w.Result().Cookies())
}

func TestGet_UnknownTokenClearsCookie(t *testing.T) {
	m, _, _ := newTestManager(t)
	w := httptest.NewRecorder()

	rec, _, err := m.Get(w, requestWithCookie("nope"))

	assert.NoError(t, err)
	assert.Nil(t, rec)

	c := findCookie(w, "auth.session-token")
	require.NotNil(t, c)
	assert.Equal(t, -1, c.MaxAge)
}

func TestCreateThenGet(t *testing.T) {
	m, mem, now := newTestManager(t)
	u := seedUser(t, mem)

	w := httptest.NewRecorder()
	created, err := m.Create(w, httptest.NewRequest("GET", "/", nil), u.ID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*24*time.Hour), created.Expires)

	c := findCookie(w, "auth.session-token")
	require.NotNil(t, c)
	assert.Equal(t, created.SessionToken, c.Value)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
	assert.False(t, c.Secure)

	w = httptest.NewRecorder()
	rec, user, err := m.Get(w, requestWithCookie(c.Value))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, u.ID, user.ID)
	assert.Nil(t, user.LastVisitedAt)
	assert.Empty(t, w.Result().Cookies(), "fresh session should not be rewritten")
}

func TestGet_ExpiredSessionIsDeleted(t *testing.T) {
	m, mem, now := newTestManager(t)
	u := seedUser(t, mem)
	ctx := context.Background()

	_, err := mem.CreateSession(ctx, authpublic.SessionRecord{SessionToken: "old", UserID: u.ID, Expires: now.Add(-time.Minute)})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	rec, _, err := m.Get(w, requestWithCookie("old"))

	assert.NoError(t, err)
	assert.Nil(t, rec)

	stored, _, err := mem.GetSessionAndUser(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, stored)

	c := findCookie(w, "auth.session-token")
	require.NotNil(t, c)
	assert.Equal(t, -1, c.MaxAge)
}

func TestGet_RefreshesAfterUpdateAge(t *testing.T) {
	m, mem, now := newTestManager(t)
	u := seedUser(t, mem)
	ctx := context.Background()

	// Created 25 hours ago with a 30 day lifetime.
	expires := now.Add(30*24*time.Hour - 25*time.Hour)
	_, err := mem.CreateSession(ctx, authpublic.SessionRecord{SessionToken: "tok", UserID: u.ID, Expires: expires})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	rec, user, err := m.Get(w, requestWithCookie("tok"))
	require.NoError(t, err)

	assert.Equal(t, now.Add(30*24*time.Hour), rec.Expires)
	require.NotNil(t, user.LastVisitedAt)
	assert.True(t, now.Equal(*user.LastVisitedAt))

	c := findCookie(w, "auth.session-token")
	require.NotNil(t, c)
	assert.Equal(t, "tok", c.Value)

	stored, storedUser, err := mem.GetSessionAndUser(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, rec.Expires, stored.Expires)
	require.NotNil(t, storedUser.LastVisitedAt)
}

func TestGet_RefreshKeepsConcurrentUserChanges(t *testing.T) {
	m, mem, now := newTestManager(t)
	m.adapter = &concurrentEditAdapter{MemoryAdapter: mem, uploadedItems: 42}
	u := seedUser(t, mem)
	ctx := context.Background()

	expires := now.Add(30*24*time.Hour - 25*time.Hour)
	_, err := mem.CreateSession(ctx, authpublic.SessionRecord{SessionToken: "tok", UserID: u.ID, Expires: expires})
	require.NoError(t, err)

	_, user, err := m.Get(httptest.NewRecorder(), requestWithCookie("tok"))
	require.NoError(t, err)
	require.NotNil(t, user.Metadata)
	assert.Equal(t, 42, user.Metadata.UploadedItems)

	stored, err := mem.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Metadata)
	assert.Equal(t, 42, stored.Metadata.UploadedItems)
	require.NotNil(t, stored.LastVisitedAt)
	assert.True(t, now.Equal(*stored.LastVisitedAt))
}

func TestGet_NoRefreshWithinUpdateAge(t *testing.T) {
	m, mem, now := newTestManager(t)
	u := seedUser(t, mem)

	expires := now.Add(30*24*time.Hour - time.Hour)
	_, err := mem.CreateSession(context.Background(), authpublic.SessionRecord{SessionToken: "tok", UserID: u.ID, Expires: expires})
	require.NoError(t, err)

	rec, user, err := m.Get(httptest.NewRecorder(), requestWithCookie("tok"))
	require.NoError(t, err)

	assert.Equal(t, expires, rec.Expires)
	assert.Nil(t, user.LastVisitedAt)
}

func TestGet_AdapterError(t *testing.T) {
	m := NewManager(&authpublic.Config{}, brokenAdapter{}, nil)

	rec, user, err := m.Get(httptest.NewRecorder(), requestWithCookie("tok"))

	assert.Error(t, err)
	assert.Nil(t, rec)
	assert.Nil(t, user)
}

func TestDelete(t *testing.T) {
	m, mem, _ := newTestManager(t)
	u := seedUser(t, mem)

	created, err := m.Create(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil), u.ID)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	removed, err := m.Delete(w, requestWithCookie(created.SessionToken))
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, u.ID, removed.UserID)

	stored, _, err := mem.GetSessionAndUser(context.Background(), created.SessionToken)
	require.NoError(t, err)
	assert.Nil(t, stored)

	removed, err = m.Delete(httptest.NewRecorder(), requestWithCookie(""))
	assert.NoError(t, err)
	assert.Nil(t, removed)
}

func TestCookie_SecureForHTTPSBaseURL(t *testing.T) {
	mem := adapter.NewMemoryAdapter()
	t.Cleanup(mem.Shutdown)
	u := seedUser(t, mem)

	m := NewManager(&authpublic.Config{BaseURL: "https://app.example.com"}, mem, nil)

	w := httptest.NewRecorder()
	_, err := m.Create(w, httptest.NewRequest("GET", "/", nil), u.ID)
	require.NoError(t, err)

	c := findCookie(w, "auth.session-token")
	require.NotNil(t, c)
	assert.True(t, c.Secure)
}
