package redis_session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/earlysignal/intake/models"
)

type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func key(id string) string { return fmt.Sprintf("session:%s", id) }

func (store *Store) Get(ctx context.Context, id string) (*models.Session, error) {
	val, err := store.client.Get(ctx, key(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (store *Store) Save(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return store.client.Set(ctx, key(sess.ID), data, store.ttl).Err()
}

// PruneExpired is a no-op for redis, expiry is handled by key TTLs.
func (store *Store) PruneExpired(_ context.Context) (int, error) {
	return 0, nil
}
