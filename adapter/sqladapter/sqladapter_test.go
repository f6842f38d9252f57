package sqladapter

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/jamesread/serverauth/adapter"
	"github.com/jamesread/serverauth/adapter/adaptertest"
	"github.com/jamesread/serverauth/authpublic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := Open(DialectSQLite, filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(context.Background(), db, DialectSQLite))

	return db
}

func TestSQLiteAdapter(t *testing.T) {
	adaptertest.Run(t, func(t *testing.T) adapter.Adapter {
		return New(openTestDB(t), DialectSQLite)
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)

	assert.NoError(t, Migrate(context.Background(), db, DialectSQLite))
}

func TestOpen_SQLiteRequiresPath(t *testing.T) {
	_, err := Open(DialectSQLite, "  ")
	assert.Error(t, err)
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"postgres", DialectPostgres, false},
		{"PostgreSQL", DialectPostgres, false},
		{"sqlite", DialectSQLite, false},
		{"", DialectSQLite, false},
		{"mysql", "", true},
	}

	for _, tt := range tests {
		got, err := ParseDialect(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE b = ? AND c = ?`

	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND c = $2`, DialectPostgres.rebind(q))
	assert.Equal(t, q, DialectSQLite.rebind(q))
}

func TestGetUserByEmail_CaseInsensitive(t *testing.T) {
	ctx := context.Background()
	a := New(openTestDB(t), DialectSQLite)

	created, err := a.CreateUser(ctx, authpublic.User{Email: "Grace@Example.com"})
	require.NoError(t, err)

	got, err := a.GetUserByEmail(ctx, "grace@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
}

func TestUpdateUser_EmailCaseCollision(t *testing.T) {
	ctx := context.Background()
	a := New(openTestDB(t), DialectSQLite)

	_, err := a.CreateUser(ctx, authpublic.User{Email: "grace@example.com"})
	require.NoError(t, err)

	other, err := a.CreateUser(ctx, authpublic.User{Email: "hopper@example.com"})
	require.NoError(t, err)

	other.Email = "GRACE@example.com"
	_, err = a.UpdateUser(ctx, *other)
	assert.ErrorIs(t, err, adapter.ErrDuplicate)
}

func TestUsersWithoutEmail(t *testing.T) {
	ctx := context.Background()
	a := New(openTestDB(t), DialectSQLite)

	_, err := a.CreateUser(ctx, authpublic.User{Name: "first"})
	require.NoError(t, err)

	_, err = a.CreateUser(ctx, authpublic.User{Name: "second"})
	assert.NoError(t, err)
}
