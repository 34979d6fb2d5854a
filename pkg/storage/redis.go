package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/models"
)

const (
	sessionPrefix  = "outreach:session:"
	progressPrefix = "outreach:progress:"
	userIndexKey   = "outreach:sessions:by-user:"
)

// RedisStore is a Redis-backed implementation of the SessionStore interface,
// for deployments where workflow session state should outlive the process.
// Job state stays in memory regardless; only sessions and progress records
// round-trip through Redis.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions carries the connection configuration for NewRedisStore.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s in Redis: %v", key, err)
	}
	return nil
}

func getJSON[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	var zero T
	data, err := client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
	} else if err != nil {
		return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
	}
	return out, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, sess models.WorkflowSession) error {
	if err := s.set(ctx, sessionPrefix+sess.ID, sess); err != nil {
		return err
	}
	return s.client.SAdd(ctx, userIndexKey+sess.UserID, sess.ID).Err()
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (models.WorkflowSession, error) {
	return getJSON[models.WorkflowSession](ctx, s.client, sessionPrefix+id, ErrSessionNotFound)
}

func (s *RedisStore) ListSessions(ctx context.Context, userID string) ([]models.WorkflowSession, error) {
	var ids []string
	var err error
	if userID != "" {
		ids, err = s.client.SMembers(ctx, userIndexKey+userID).Result()
	} else {
		ids, err = s.scanIDs(ctx, sessionPrefix+"*")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %v", err)
	}
	out := make([]models.WorkflowSession, 0, len(ids))
	for _, id := range ids {
		key := id
		if userID != "" {
			key = sessionPrefix + id
		}
		sess, err := getJSON[models.WorkflowSession](ctx, s.client, key, ErrSessionNotFound)
		if err != nil {
			// Index entry may outlive a deleted session; skip it.
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *RedisStore) scanIDs(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, sessionPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %v", id, err)
	}
	return s.client.SRem(ctx, userIndexKey+sess.UserID, id).Err()
}

func (s *RedisStore) CreateProgress(ctx context.Context, p models.WorkflowProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal progress %s: %v", p.SessionID, err)
	}
	ok, err := s.client.SetNX(ctx, progressPrefix+p.SessionID, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create progress %s: %v", p.SessionID, err)
	}
	if !ok {
		return fmt.Errorf("%w: id=%s", ErrProgressExists, p.SessionID)
	}
	return nil
}

func (s *RedisStore) SaveProgress(ctx context.Context, p models.WorkflowProgress) error {
	return s.set(ctx, progressPrefix+p.SessionID, p)
}

func (s *RedisStore) GetProgress(ctx context.Context, sessionID string) (models.WorkflowProgress, error) {
	return getJSON[models.WorkflowProgress](ctx, s.client, progressPrefix+sessionID, ErrProgressNotFound)
}

func (s *RedisStore) DeleteProgress(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, progressPrefix+sessionID).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
