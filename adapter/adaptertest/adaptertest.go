// Package adaptertest holds the behaviour every adapter.Adapter must share, so
// each backend runs the same checks from its own tests.
package adaptertest

import (
	"context"
	"testing"
	"time"

	"github.com/jamesread/serverauth/adapter"
	"github.com/jamesread/serverauth/authpublic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises an adapter. newAdapter must return an empty store each call.
func Run(t *testing.T, newAdapter func(t *testing.T) adapter.Adapter) {
	t.Run("CreateAndGetUser", func(t *testing.T) { testCreateAndGetUser(t, newAdapter(t)) })
	t.Run("DuplicateEmail", func(t *testing.T) { testDuplicateEmail(t, newAdapter(t)) })
	t.Run("DuplicateEmailIgnoresCase", func(t *testing.T) { testDuplicateEmailIgnoresCase(t, newAdapter(t)) })
	t.Run("UpdateUserMetadata", func(t *testing.T) { testUpdateUserMetadata(t, newAdapter(t)) })
	t.Run("TouchUserKeepsMetadata", func(t *testing.T) { testTouchUserKeepsMetadata(t, newAdapter(t)) })
	t.Run("LinkAndFindByAccount", func(t *testing.T) { testLinkAndFindByAccount(t, newAdapter(t)) })
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, newAdapter(t)) })
	t.Run("DeleteUserCascades", func(t *testing.T) { testDeleteUserCascades(t, newAdapter(t)) })
	t.Run("MissingRecords", func(t *testing.T) { testMissingRecords(t, newAdapter(t)) })
}

// ms truncates to millisecond precision, the coarsest precision any backend stores.
func ms(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func createUser(t *testing.T, a adapter.Adapter, email string) *authpublic.User {
	t.Helper()

	u, err := a.CreateUser(context.Background(), authpublic.User{
		Name:  "Ada Lovelace",
		Email: email,
		Image: "https://example.com/ada.png",
	})
	require.NoError(t, err)
	require.NotNil(t, u)
	require.NotEmpty(t, u.ID)

	return u
}

func testCreateAndGetUser(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	verified := ms(time.Now())

	created, err := a.CreateUser(ctx, authpublic.User{
		Name:          "Ada Lovelace",
		Email:         "ada@example.com",
		EmailVerified: &verified,
	})
	require.NoError(t, err)

	byID, err := a.GetUser(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "Ada Lovelace", byID.Name)
	require.NotNil(t, byID.EmailVerified)
	assert.True(t, verified.Equal(*byID.EmailVerified))
	assert.Nil(t, byID.Metadata)

	byEmail, err := a.GetUserByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	require.NotNil(t, byEmail)
	assert.Equal(t, created.ID, byEmail.ID)
}

func testDuplicateEmail(t *testing.T, a adapter.Adapter) {
	createUser(t, a, "dup@example.com")

	_, err := a.CreateUser(context.Background(), authpublic.User{Email: "dup@example.com"})
	assert.ErrorIs(t, err, adapter.ErrDuplicate)
}

func testDuplicateEmailIgnoresCase(t *testing.T, a adapter.Adapter) {
	createUser(t, a, "Mixed.Case@Example.com")

	_, err := a.CreateUser(context.Background(), authpublic.User{Email: "mixed.case@example.com"})
	assert.ErrorIs(t, err, adapter.ErrDuplicate)
}

func testTouchUserKeepsMetadata(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	u := createUser(t, a, "touch@example.com")

	u.Metadata = &authpublic.UserMetadata{UploadedItems: 42}
	_, err := a.UpdateUser(ctx, *u)
	require.NoError(t, err)

	visited := ms(time.Now())
	touched, err := a.TouchUser(ctx, u.ID, visited)
	require.NoError(t, err)
	require.NotNil(t, touched)
	require.NotNil(t, touched.Metadata)
	assert.Equal(t, 42, touched.Metadata.UploadedItems)

	got, err := a.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, 42, got.Metadata.UploadedItems)
	assert.Equal(t, "Ada Lovelace", got.Name)
	require.NotNil(t, got.LastVisitedAt)
	assert.True(t, visited.Equal(*got.LastVisitedAt))

	missing, err := a.TouchUser(ctx, "no-such-user", visited)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testUpdateUserMetadata(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	u := createUser(t, a, "meta@example.com")

	visited := ms(time.Now())
	u.Metadata = &authpublic.UserMetadata{UploadedItems: 7}
	u.LastVisitedAt = &visited

	updated, err := a.UpdateUser(ctx, *u)
	require.NoError(t, err)
	require.NotNil(t, updated)

	got, err := a.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, 7, got.Metadata.UploadedItems)
	require.NotNil(t, got.LastVisitedAt)
	assert.True(t, visited.Equal(*got.LastVisitedAt))
}

func testLinkAndFindByAccount(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	u := createUser(t, a, "linked@example.com")
	expires := ms(time.Now().Add(time.Hour))

	acc, err := a.LinkAccount(ctx, authpublic.Account{
		UserID:            u.ID,
		Type:              "oauth",
		Provider:          "google",
		ProviderAccountID: "1234567890",
		AccessToken:       "ya29.token",
		IDToken:           "eyJ.id.token",
		TokenType:         "Bearer",
		Scope:             "openid email profile",
		ExpiresAt:         &expires,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, acc.ID)

	found, err := a.GetUserByAccount(ctx, "google", "1234567890")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, u.ID, found.ID)

	_, err = a.LinkAccount(ctx, authpublic.Account{UserID: u.ID, Type: "oauth", Provider: "google", ProviderAccountID: "1234567890"})
	assert.ErrorIs(t, err, adapter.ErrDuplicate)

	require.NoError(t, a.UnlinkAccount(ctx, "google", "1234567890"))

	found, err = a.GetUserByAccount(ctx, "google", "1234567890")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func testSessionLifecycle(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	u := createUser(t, a, "session@example.com")
	expires := ms(time.Now().Add(time.Hour))

	_, err := a.CreateSession(ctx, authpublic.SessionRecord{SessionToken: "tok-1", UserID: u.ID, Expires: expires})
	require.NoError(t, err)

	sess, user, err := a.GetSessionAndUser(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.NotNil(t, user)
	assert.Equal(t, u.ID, user.ID)
	assert.True(t, expires.Equal(sess.Expires))

	later := ms(expires.Add(24 * time.Hour))
	updated, err := a.UpdateSession(ctx, authpublic.SessionRecord{SessionToken: "tok-1", Expires: later})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.True(t, later.Equal(updated.Expires))
	assert.Equal(t, u.ID, updated.UserID)

	require.NoError(t, a.DeleteSession(ctx, "tok-1"))

	sess, user, err = a.GetSessionAndUser(ctx, "tok-1")
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Nil(t, user)
}

func testDeleteUserCascades(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	u := createUser(t, a, "gone@example.com")

	_, err := a.LinkAccount(ctx, authpublic.Account{UserID: u.ID, Type: "oauth", Provider: "google", ProviderAccountID: "gone"})
	require.NoError(t, err)
	_, err = a.CreateSession(ctx, authpublic.SessionRecord{SessionToken: "tok-gone", UserID: u.ID, Expires: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	require.NoError(t, a.DeleteUser(ctx, u.ID))

	got, err := a.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	byAccount, err := a.GetUserByAccount(ctx, "google", "gone")
	require.NoError(t, err)
	assert.Nil(t, byAccount)

	sess, _, err := a.GetSessionAndUser(ctx, "tok-gone")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func testMissingRecords(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()

	u, err := a.GetUser(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, u)

	u, err = a.GetUserByEmail(ctx, "nope@example.com")
	assert.NoError(t, err)
	assert.Nil(t, u)

	updated, err := a.UpdateUser(ctx, authpublic.User{ID: "nope"})
	assert.NoError(t, err)
	assert.Nil(t, updated)

	sess, err := a.UpdateSession(ctx, authpublic.SessionRecord{SessionToken: "nope", Expires: time.Now()})
	assert.NoError(t, err)
	assert.Nil(t, sess)

	assert.NoError(t, a.DeleteSession(ctx, "nope"))
}
