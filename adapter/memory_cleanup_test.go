package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/jamesread/serverauth/authpublic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupExpiredSessions(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter()
	defer a.Shutdown()

	now := time.Now()

	_, err := a.CreateSession(ctx, authpublic.SessionRecord{SessionToken: "expired", UserID: "u1", Expires: now.Add(-time.Second)})
	require.NoError(t, err)
	_, err = a.CreateSession(ctx, authpublic.SessionRecord{SessionToken: "live", UserID: "u1", Expires: now.Add(time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, 1, a.cleanupExpiredSessions(now))

	_, ok := a.sessions["live"]
	assert.True(t, ok)
	_, ok = a.sessions["expired"]
	assert.False(t, ok)
}
