package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cameronmore/go-exams/sessions"
	"github.com/redis/go-redis/v9"
)

// RedisSessionStore keeps sessions in Redis with the session expiry as key
// TTL. Users still live in a SQL store.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

type redisSession struct {
	Data      []byte    `json:"data"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{
		client: client,
		prefix: "session:",
	}
}

func (r *RedisSessionStore) key(sessionId string) string {
	return r.prefix + sessionId
}

func (r *RedisSessionStore) SaveSession(ctx context.Context, s sessions.Session) error {
	if s.Id == "" {
		return fmt.Errorf("session: missing session id")
	}

	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return r.client.Del(ctx, r.key(string(s.Id))).Err()
	}

	data, err := json.Marshal(redisSession{Data: s.Data, ExpiresAt: s.ExpiresAt})
	if err != nil {
		return fmt.Errorf("session: failed to marshal: %w", err)
	}

	return r.client.Set(ctx, r.key(string(s.Id)), data, ttl).Err()
}

func (r *RedisSessionStore) LoadSessionById(ctx context.Context, id string) (sessions.Session, error) {
	session := sessions.Session{Id: sessions.SessionId(id)}

	val, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session, sessions.ErrSessionNotFound
	}
	if err != nil {
		return session, err
	}

	var stored redisSession
	if err := json.Unmarshal(val, &stored); err != nil {
		return session, fmt.Errorf("session: failed to unmarshal: %w", err)
	}
	session.Data = stored.Data
	session.ExpiresAt = stored.ExpiresAt
	return session, nil
}

func (r *RedisSessionStore) DeleteSessionById(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}
