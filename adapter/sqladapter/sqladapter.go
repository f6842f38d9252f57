package sqladapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jamesread/serverauth/adapter"
	"github.com/jamesread/serverauth/authpublic"
)

// Adapter implements adapter.Adapter over a migrated database. Timestamps are
// stored as Unix milliseconds so both dialects share one schema.
type Adapter struct {
	db      *sql.DB
	dialect Dialect
}

func New(db *sql.DB, dialect Dialect) *Adapter {
	return &Adapter{db: db, dialect: dialect}
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const userColumns = `u.id, u.name, u.email, u.email_verified, u.image, u.metadata, u.last_visited_at`

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeMetadata(md *authpublic.UserMetadata) (sql.NullString, error) {
	if md == nil {
		return sql.NullString{}, nil
	}

	out, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode user metadata: %w", err)
	}

	return sql.NullString{String: string(out), Valid: true}, nil
}

func decodeMetadata(v sql.NullString) (*authpublic.UserMetadata, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}

	md := &authpublic.UserMetadata{}
	if err := json.Unmarshal([]byte(v.String), md); err != nil {
		return nil, fmt.Errorf("failed to decode user metadata: %w", err)
	}

	return md, nil
}

type userRow struct {
	id            string
	name          string
	email         sql.NullString
	emailVerified sql.NullInt64
	image         string
	metadata      sql.NullString
	lastVisitedAt sql.NullInt64
}

func (r *userRow) dest() []any {
	return []any{&r.id, &r.name, &r.email, &r.emailVerified, &r.image, &r.metadata, &r.lastVisitedAt}
}

func (r *userRow) toUser() (*authpublic.User, error) {
	md, err := decodeMetadata(r.metadata)
	if err != nil {
		return nil, err
	}

	return &authpublic.User{
		ID:            r.id,
		Name:          r.name,
		Email:         r.email.String,
		EmailVerified: timeFromNull(r.emailVerified),
		Image:         r.image,
		Metadata:      md,
		LastVisitedAt: timeFromNull(r.lastVisitedAt),
	}, nil
}

func (a *Adapter) queryUser(ctx context.Context, q queryRower, query string, args ...any) (*authpublic.User, error) {
	row := &userRow{}

	err := q.QueryRowContext(ctx, a.dialect.rebind(query), args...).Scan(row.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return row.toUser()
}

func (a *Adapter) CreateUser(ctx context.Context, user authpublic.User) (*authpublic.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	md, err := encodeMetadata(user.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = a.db.ExecContext(ctx, a.dialect.rebind(
		`INSERT INTO users (id, name, email, email_verified, image, metadata, last_visited_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		user.ID, user.Name, nullString(user.Email), nullMillis(user.EmailVerified), user.Image, md, nullMillis(user.LastVisitedAt),
	)
	if isUniqueViolation(err) {
		return nil, adapter.ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return &user, nil
}

func (a *Adapter) GetUser(ctx context.Context, id string) (*authpublic.User, error) {
	u, err := a.queryUser(ctx, a.db, `SELECT `+userColumns+` FROM users u WHERE u.id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (a *Adapter) GetUserByEmail(ctx context.Context, email string) (*authpublic.User, error) {
	if email == "" {
		return nil, nil
	}

	u, err := a.queryUser(ctx, a.db, `SELECT `+userColumns+` FROM users u WHERE lower(u.email) = lower(?)`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return u, nil
}

func (a *Adapter) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*authpublic.User, error) {
	u, err := a.queryUser(ctx, a.db,
		`SELECT `+userColumns+`
		 FROM users u
		 JOIN accounts ac ON ac.user_id = u.id
		 WHERE ac.provider = ? AND ac.provider_account_id = ?`,
		provider, providerAccountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by account: %w", err)
	}
	return u, nil
}

func (a *Adapter) UpdateUser(ctx context.Context, user authpublic.User) (*authpublic.User, error) {
	md, err := encodeMetadata(user.Metadata)
	if err != nil {
		return nil, err
	}

	res, err := a.db.ExecContext(ctx, a.dialect.rebind(
		`UPDATE users
		 SET name = ?, email = ?, email_verified = ?, image = ?, metadata = ?, last_visited_at = ?
		 WHERE id = ?`),
		user.Name, nullString(user.Email), nullMillis(user.EmailVerified), user.Image, md, nullMillis(user.LastVisitedAt), user.ID,
	)
	if isUniqueViolation(err) {
		return nil, adapter.ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	return &user, nil
}

func (a *Adapter) TouchUser(ctx context.Context, id string, visitedAt time.Time) (*authpublic.User, error) {
	res, err := a.db.ExecContext(ctx, a.dialect.rebind(`UPDATE users SET last_visited_at = ? WHERE id = ?`), toMillis(visitedAt), id)
	if err != nil {
		return nil, fmt.Errorf("failed to touch user: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to touch user: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	return a.GetUser(ctx, id)
}

// DeleteUser removes the user together with its accounts and sessions in one
// transaction.
func (a *Adapter) DeleteUser(ctx context.Context, id string) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM sessions WHERE user_id = ?`,
		`DELETE FROM accounts WHERE user_id = ?`,
		`DELETE FROM users WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, a.dialect.rebind(stmt), id); err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user deletion: %w", err)
	}

	return nil
}

func (a *Adapter) LinkAccount(ctx context.Context, account authpublic.Account) (*authpublic.Account, error) {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}

	_, err := a.db.ExecContext(ctx, a.dialect.rebind(
		`INSERT INTO accounts (id, user_id, type, provider, provider_account_id,
		   access_token, refresh_token, id_token, token_type, scope, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		account.ID, account.UserID, account.Type, account.Provider, account.ProviderAccountID,
		account.AccessToken, account.RefreshToken, account.IDToken, account.TokenType, account.Scope,
		nullMillis(account.ExpiresAt),
	)
	if isUniqueViolation(err) {
		return nil, adapter.ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to link account: %w", err)
	}

	return &account, nil
}

func (a *Adapter) UnlinkAccount(ctx context.Context, provider, providerAccountID string) error {
	_, err := a.db.ExecContext(ctx, a.dialect.rebind(
		`DELETE FROM accounts WHERE provider = ? AND provider_account_id = ?`),
		provider, providerAccountID,
	)
	if err != nil {
		return fmt.Errorf("failed to unlink account: %w", err)
	}
	return nil
}

func (a *Adapter) CreateSession(ctx context.Context, session authpublic.SessionRecord) (*authpublic.SessionRecord, error) {
	_, err := a.db.ExecContext(ctx, a.dialect.rebind(
		`INSERT INTO sessions (session_token, user_id, expires) VALUES (?, ?, ?)`),
		session.SessionToken, session.UserID, toMillis(session.Expires),
	)
	if isUniqueViolation(err) {
		return nil, adapter.ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	session.Expires = fromMillis(toMillis(session.Expires))
	return &session, nil
}

func (a *Adapter) GetSessionAndUser(ctx context.Context, sessionToken string) (*authpublic.SessionRecord, *authpublic.User, error) {
	var (
		sess    authpublic.SessionRecord
		expires int64
		row     userRow
	)

	dest := append([]any{&sess.SessionToken, &sess.UserID, &expires}, row.dest()...)

	err := a.db.QueryRowContext(ctx, a.dialect.rebind(
		`SELECT s.session_token, s.user_id, s.expires, `+userColumns+`
		 FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.session_token = ?`),
		sessionToken,
	).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get session: %w", err)
	}

	user, err := row.toUser()
	if err != nil {
		return nil, nil, err
	}

	sess.Expires = fromMillis(expires)
	return &sess, user, nil
}

func (a *Adapter) UpdateSession(ctx context.Context, session authpublic.SessionRecord) (*authpublic.SessionRecord, error) {
	res, err := a.db.ExecContext(ctx, a.dialect.rebind(
		`UPDATE sessions SET expires = ? WHERE session_token = ?`),
		toMillis(session.Expires), session.SessionToken,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	updated := authpublic.SessionRecord{SessionToken: session.SessionToken}
	var expires int64

	err = a.db.QueryRowContext(ctx, a.dialect.rebind(
		`SELECT user_id, expires FROM sessions WHERE session_token = ?`),
		session.SessionToken,
	).Scan(&updated.UserID, &expires)
	if err != nil {
		return nil, fmt.Errorf("failed to read updated session: %w", err)
	}

	updated.Expires = fromMillis(expires)
	return &updated, nil
}

func (a *Adapter) DeleteSession(ctx context.Context, sessionToken string) error {
	_, err := a.db.ExecContext(ctx, a.dialect.rebind(`DELETE FROM sessions WHERE session_token = ?`), sessionToken)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// compile-time interface check
var _ adapter.Adapter = (*Adapter)(nil)
