package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oarkflow/access"
	"github.com/redis/go-redis/v9"
)

// RedisTrustStore keeps sessions and MFA challenges in Redis as JSON values.
//
//	session:{id}              session JSON
//	session:token:{hash}      session id
//	session:refresh:{hash}    session id
//	session:user:{userID}     set of session ids
//	mfa:challenge:{id}        challenge JSON
//
// Keys expire Retention after the record's own expiry so expired rows stay
// readable for a while.
type RedisTrustStore struct {
	client    *redis.Client
	Retention time.Duration
	now       func() time.Time
}

func NewRedisTrustStore(client *redis.Client) *RedisTrustStore {
	return &RedisTrustStore{client: client, Retention: 24 * time.Hour, now: time.Now}
}

func sessionKey(id string) string       { return fmt.Sprintf("session:%s", id) }
func tokenKey(hash string) string       { return fmt.Sprintf("session:token:%s", hash) }
func refreshKey(hash string) string     { return fmt.Sprintf("session:refresh:%s", hash) }
func userSessionsKey(uid string) string { return fmt.Sprintf("session:user:%s", uid) }
func challengeKey(id string) string     { return fmt.Sprintf("mfa:challenge:%s", id) }

func (r *RedisTrustStore) ttl(until time.Time) time.Duration {
	d := until.Sub(r.now()) + r.Retention
	if d < time.Second {
		d = time.Second
	}
	return d
}

func sessionTTLBase(s *access.UserSession) time.Time {
	if s.RefreshExpiresAt.After(s.ExpiresAt) {
		return s.RefreshExpiresAt
	}
	return s.ExpiresAt
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON[T any](ctx context.Context, c redisGetter, key, kind, id string) (*T, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(kind, id)
	}
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return v, nil
}

// ----------------------------------------------------------------------------
// SessionStore
// ----------------------------------------------------------------------------

func (r *RedisTrustStore) CreateSession(ctx context.Context, sess *access.UserSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := r.ttl(sessionTTLBase(sess))
	ok, err := r.client.SetNX(ctx, sessionKey(sess.ID), raw, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s: %w", sess.ID, access.ErrAlreadyExists)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, tokenKey(sess.TokenHash), sess.ID, ttl)
		if sess.RefreshTokenHash != "" {
			p.Set(ctx, refreshKey(sess.RefreshTokenHash), sess.ID, ttl)
		}
		p.SAdd(ctx, userSessionsKey(sess.UserID), sess.ID)
		return nil
	})
	return err
}

func (r *RedisTrustStore) GetSession(ctx context.Context, id string) (*access.UserSession, error) {
	return getJSON[access.UserSession](ctx, r.client, sessionKey(id), "session", id)
}

func (r *RedisTrustStore) sessionByIndex(ctx context.Context, key, kind string) (*access.UserSession, error) {
	id, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(kind, "")
	}
	if err != nil {
		return nil, err
	}
	return r.GetSession(ctx, id)
}

func (r *RedisTrustStore) GetSessionByTokenHash(ctx context.Context, hash string) (*access.UserSession, error) {
	return r.sessionByIndex(ctx, tokenKey(hash), "session token")
}

func (r *RedisTrustStore) GetSessionByRefreshHash(ctx context.Context, hash string) (*access.UserSession, error) {
	return r.sessionByIndex(ctx, refreshKey(hash), "refresh token")
}

// ListUserSessions drops ids whose session key has already expired.
func (r *RedisTrustStore) ListUserSessions(ctx context.Context, userID string) ([]*access.UserSession, error) {
	ids, err := r.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*access.UserSession, 0, len(ids))
	for _, id := range ids {
		sess, err := r.GetSession(ctx, id)
		if errors.Is(err, access.ErrNotFound) {
			r.client.SRem(ctx, userSessionsKey(userID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	sortByCreated(out, func(s *access.UserSession) time.Time { return s.CreatedAt }, func(s *access.UserSession) string { return s.ID })
	return out, nil
}

// SwapSession watches the session key; a concurrent write aborts the
// transaction and reports false.
func (r *RedisTrustStore) SwapSession(ctx context.Context, next *access.UserSession, prevVersion int64) (bool, error) {
	raw, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	key := sessionKey(next.ID)
	swapped := false
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := getJSON[access.UserSession](ctx, tx, key, "session", next.ID)
		if err != nil {
			return err
		}
		if cur.Version != prevVersion {
			return nil
		}
		ttl := r.ttl(sessionTTLBase(next))
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, raw, ttl)
			if cur.TokenHash != next.TokenHash {
				p.Del(ctx, tokenKey(cur.TokenHash))
			}
			p.Set(ctx, tokenKey(next.TokenHash), next.ID, ttl)
			if cur.RefreshTokenHash != "" && cur.RefreshTokenHash != next.RefreshTokenHash {
				p.Del(ctx, refreshKey(cur.RefreshTokenHash))
			}
			if next.RefreshTokenHash != "" {
				p.Set(ctx, refreshKey(next.RefreshTokenHash), next.ID, ttl)
			}
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// ----------------------------------------------------------------------------
// ChallengeStore
// ----------------------------------------------------------------------------

func (r *RedisTrustStore) CreateChallenge(ctx context.Context, c *access.MFAChallenge) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, challengeKey(c.ID), raw, r.ttl(c.ExpiresAt)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("challenge %s: %w", c.ID, access.ErrAlreadyExists)
	}
	return nil
}

func (r *RedisTrustStore) GetChallenge(ctx context.Context, id string) (*access.MFAChallenge, error) {
	return getJSON[access.MFAChallenge](ctx, r.client, challengeKey(id), "challenge", id)
}

func (r *RedisTrustStore) SwapChallenge(ctx context.Context, next *access.MFAChallenge, prevVersion int64) (bool, error) {
	raw, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	key := challengeKey(next.ID)
	swapped := false
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := getJSON[access.MFAChallenge](ctx, tx, key, "challenge", next.ID)
		if err != nil {
			return err
		}
		if cur.Version != prevVersion {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, raw, r.ttl(next.ExpiresAt))
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return swapped, nil
}

var (
	_ access.SessionStore   = (*RedisTrustStore)(nil)
	_ access.ChallengeStore = (*RedisTrustStore)(nil)
)
