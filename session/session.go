package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/earlysignal/intake/config"
	"github.com/earlysignal/intake/models"
	"github.com/earlysignal/intake/session/inmemory"
	redis_session "github.com/earlysignal/intake/session/redis"
)

// Store persists dialogue sessions between turns. Get returns (nil, nil)
// for an unknown id.
type Store interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	Save(ctx context.Context, sess *models.Session) error
	PruneExpired(ctx context.Context) (int, error)
}

type StoreType string

const (
	InMemoryStore StoreType = "memory"
	RedisStore    StoreType = "redis"
)

func NewStore(storeType StoreType, cfg config.StorageConfig, ttl time.Duration) (Store, error) {
	switch storeType {
	case InMemoryStore:
		return inmemory.NewInMemorySessionStore(ttl), nil
	case RedisStore:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return redis_session.NewRedisSessionStore(rdb, ttl), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}
