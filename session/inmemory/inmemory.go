package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/earlysignal/intake/models"
)

type entry struct {
	sess      *models.Session
	expiresAt time.Time
}

type Store struct {
	sessions map[string]entry
	ttl      time.Duration
	mu       sync.RWMutex
}

func NewInMemorySessionStore(ttl time.Duration) *Store {
	return &Store{sessions: make(map[string]entry), ttl: ttl}
}

func (store *Store) Get(_ context.Context, id string) (*models.Session, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	e, ok := store.sessions[id]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}
	return e.sess, nil
}

func (store *Store) Save(_ context.Context, sess *models.Session) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.sessions[sess.ID] = entry{sess: sess, expiresAt: time.Now().Add(store.ttl)}
	return nil
}

func (store *Store) PruneExpired(_ context.Context) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	now := time.Now()
	pruned := 0
	for id, e := range store.sessions {
		if now.After(e.expiresAt) {
			delete(store.sessions, id)
			pruned++
		}
	}
	return pruned, nil
}
