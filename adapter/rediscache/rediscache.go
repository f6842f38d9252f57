// Package rediscache wraps an adapter.Adapter with a Redis read-through cache
// for session lookups, the one query issued on every authenticated request.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jamesread/golure/pkg/redact"
	"github.com/jamesread/serverauth/adapter"
	"github.com/jamesread/serverauth/authpublic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Adapter forwards every call to the wrapped adapter and caches the result of
// GetSessionAndUser. Writes that can change a cached entry invalidate it.
type Adapter struct {
	adapter.Adapter

	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

var errStale = errors.New("cache generation changed")

type cachedEntry struct {
	Session authpublic.SessionRecord `json:"session"`
	User    authpublic.User          `json:"user"`
}

type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// New connects to Redis and wraps next. The connection is checked up front.
func New(ctx context.Context, next adapter.Adapter, opts Options) (*Adapter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(next, client, opts.KeyPrefix, opts.TTL), nil
}

// NewWithClient wraps next using an existing client.
func NewWithClient(next adapter.Adapter, client redis.UniversalClient, keyPrefix string, ttl time.Duration) *Adapter {
	if keyPrefix == "" {
		keyPrefix = "auth:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Adapter{
		Adapter:   next,
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (a *Adapter) Close() error {
	return a.client.Close()
}

func (a *Adapter) sessionKey(token string) string {
	return a.keyPrefix + "session:" + token
}

func (a *Adapter) userSessionsKey(userID string) string {
	return a.keyPrefix + "user:" + userID + ":sessions"
}

// entryTTL keeps a cached entry from outliving the session it describes.
func (a *Adapter) entryTTL(expires time.Time) time.Duration {
	remaining := time.Until(expires)
	if remaining < a.ttl {
		return remaining
	}
	return a.ttl
}

func (a *Adapter) GetSessionAndUser(ctx context.Context, sessionToken string) (*authpublic.SessionRecord, *authpublic.User, error) {
	key := a.sessionKey(sessionToken)

	data, err := a.client.Get(ctx, key).Bytes()
	if err == nil {
		var entry cachedEntry
		if err := json.Unmarshal(data, &entry); err == nil {
			return &entry.Session, &entry.User, nil
		}
		log.WithFields(log.Fields{
			"sid": redact.RedactString(sessionToken),
		}).Warn("Discarding unreadable cached session")
	} else if !errors.Is(err, redis.Nil) {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("Session cache read failed, falling back to adapter")
	}

	// Read the generation before the backend so an invalidation racing this
	// lookup stops the possibly stale result from being cached.
	gen, genErr := a.generation(ctx)

	sess, user, err := a.Adapter.GetSessionAndUser(ctx, sessionToken)
	if err != nil || sess == nil || user == nil {
		return sess, user, err
	}

	if genErr == nil {
		a.store(ctx, gen, sess, user)
	}

	return sess, user, nil
}

func (a *Adapter) generationKey() string {
	return a.keyPrefix + "generation"
}

// generation returns the counter every invalidation increments. The user a
// token belongs to is unknown until the backend answers, so one counter
// covers all of them.
func (a *Adapter) generation(ctx context.Context) (int64, error) {
	gen, err := a.client.Get(ctx, a.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// store caches the entry only if no invalidation has happened since gen was
// read. The generation key is watched so one landing mid-write aborts it.
func (a *Adapter) store(ctx context.Context, gen int64, sess *authpublic.SessionRecord, user *authpublic.User) {
	ttl := a.entryTTL(sess.Expires)
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(cachedEntry{Session: *sess, User: *user})
	if err != nil {
		return
	}

	err = a.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, a.generationKey()).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return errStale
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, a.sessionKey(sess.SessionToken), data, ttl)
			pipe.SAdd(ctx, a.userSessionsKey(user.ID), sess.SessionToken)
			pipe.Expire(ctx, a.userSessionsKey(user.ID), a.ttl)
			return nil
		})
		return err
	}, a.generationKey())

	switch {
	case err == nil:
	case errors.Is(err, errStale), errors.Is(err, redis.TxFailedErr):
		log.WithFields(log.Fields{
			"sid": redact.RedactString(sess.SessionToken),
		}).Debug("Skipping session cache write after concurrent invalidation")
	default:
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("Session cache write failed")
	}
}

// bumpGeneration must run before the cached keys are deleted.
func (a *Adapter) bumpGeneration(ctx context.Context) {
	if err := a.client.Incr(ctx, a.generationKey()).Err(); err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("Session cache generation bump failed")
	}
}

func (a *Adapter) invalidateSession(ctx context.Context, sessionToken string) {
	a.bumpGeneration(ctx)

	if err := a.client.Del(ctx, a.sessionKey(sessionToken)).Err(); err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("Session cache invalidation failed")
	}
}

func (a *Adapter) invalidateUser(ctx context.Context, userID string) {
	a.bumpGeneration(ctx)

	setKey := a.userSessionsKey(userID)

	tokens, err := a.client.SMembers(ctx, setKey).Result()
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("Session cache invalidation failed")
		return
	}

	keys := make([]string, 0, len(tokens)+1)
	for _, token := range tokens {
		keys = append(keys, a.sessionKey(token))
	}
	keys = append(keys, setKey)

	if err := a.client.Del(ctx, keys...).Err(); err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("Session cache invalidation failed")
	}
}

func (a *Adapter) UpdateUser(ctx context.Context, user authpublic.User) (*authpublic.User, error) {
	updated, err := a.Adapter.UpdateUser(ctx, user)
	a.invalidateUser(ctx, user.ID)
	return updated, err
}

func (a *Adapter) TouchUser(ctx context.Context, id string, visitedAt time.Time) (*authpublic.User, error) {
	touched, err := a.Adapter.TouchUser(ctx, id, visitedAt)
	a.invalidateUser(ctx, id)
	return touched, err
}

func (a *Adapter) DeleteUser(ctx context.Context, id string) error {
	err := a.Adapter.DeleteUser(ctx, id)
	a.invalidateUser(ctx, id)
	return err
}

func (a *Adapter) UpdateSession(ctx context.Context, session authpublic.SessionRecord) (*authpublic.SessionRecord, error) {
	updated, err := a.Adapter.UpdateSession(ctx, session)
	a.invalidateSession(ctx, session.SessionToken)
	return updated, err
}

func (a *Adapter) DeleteSession(ctx context.Context, sessionToken string) error {
	err := a.Adapter.DeleteSession(ctx, sessionToken)
	a.invalidateSession(ctx, sessionToken)
	return err
}

var _ adapter.Adapter = (*Adapter)(nil)
