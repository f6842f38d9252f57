package auth

import (
	"testing"

	"github.com/jamesread/serverauth/adapter"
	"github.com/jamesread/serverauth/authpublic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuthOptions_CredentialsPresentOrAbsent(t *testing.T) {
	tests := []struct {
		name         string
		clientID     string
		clientSecret string
	}{
		{"with credentials", "client-id.apps.googleusercontent.com", "secret"},
		{"without credentials", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GOOGLE_CLIENT_ID", tt.clientID)
			t.Setenv("GOOGLE_CLIENT_SECRET", tt.clientSecret)

			cfg, err := authpublic.LoadConfigFromEnv()
			require.NoError(t, err)

			mem := adapter.NewMemoryAdapter()
			t.Cleanup(mem.Shutdown)

			opts, err := NewAuthOptions(cfg, mem)
			require.NoError(t, err)

			require.Len(t, opts.Providers, 1)
			assert.Equal(t, "google", opts.Providers[0].ID())
			assert.NotNil(t, opts.Adapter)
			assert.NotNil(t, opts.Callbacks.Session)
			assert.NotNil(t, opts.Events.SignIn)
		})
	}
}

func TestNewAuthOptions_Pages(t *testing.T) {
	mem := adapter.NewMemoryAdapter()
	t.Cleanup(mem.Shutdown)

	opts, err := NewAuthOptions(nil, mem)
	require.NoError(t, err)

	assert.Equal(t, authpublic.Pages{
		SignIn:        "/auth/signin",
		VerifyRequest: "/auth/verify-request",
		Error:         "/auth/error",
	}, opts.Pages)
}

func TestNewAuthOptions_RequiresAdapter(t *testing.T) {
	_, err := NewAuthOptions(&authpublic.Config{}, nil)

	assert.Error(t, err)
}

func TestNewAuthOptions_RequiresSessionCallback(t *testing.T) {
	mem := adapter.NewMemoryAdapter()
	t.Cleanup(mem.Shutdown)

	_, err := NewAuthOptions(&authpublic.Config{}, mem, WithSessionCallback(nil))

	assert.Error(t, err)
}

func TestNewAuthOptions_WithSessionCallback(t *testing.T) {
	mem := adapter.NewMemoryAdapter()
	t.Cleanup(mem.Shutdown)

	opts, err := NewAuthOptions(&authpublic.Config{}, mem, WithSessionCallback(SessionWithUserID))
	require.NoError(t, err)

	got := opts.Callbacks.Session(sampleSession(), sampleUser())
	assert.Nil(t, got.User.Metadata)
	assert.Equal(t, "user-1", got.User.ID)
}

func TestAuthOptions_Provider(t *testing.T) {
	mem := adapter.NewMemoryAdapter()
	t.Cleanup(mem.Shutdown)

	opts, err := NewAuthOptions(&authpublic.Config{}, mem)
	require.NoError(t, err)

	assert.NotNil(t, opts.Provider("google"))
	assert.Nil(t, opts.Provider("github"))
}
