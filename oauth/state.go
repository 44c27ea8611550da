package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

type (
	// StateStore remembers the state values handed to the provider, each
	// value can be consumed only once.
	StateStore interface {
		Save(ctx context.Context, state string) error
		Consume(ctx context.Context, state string) (bool, error)
	}

	memStateStore struct {
		// get and delete must look atomic to concurrent callbacks
		sync.Mutex
		cache *bigcache.BigCache
	}
)

const (
	DefaultStateTTL = 10 * time.Minute
)

func InMemoryStateStore(ttl time.Duration) (StateStore, error) {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.CleanWindow = time.Minute
	cache, err := bigcache.NewBigCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create state cache, cause %w", err)
	}
	return &memStateStore{
		cache: cache,
	}, nil
}

func (m *memStateStore) Save(_ context.Context, state string) error {
	return m.cache.Set(state, []byte{1})
}

func (m *memStateStore) Consume(_ context.Context, state string) (bool, error) {
	m.Lock()
	defer m.Unlock()
	buf, err := m.cache.Get(state)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	err = m.cache.Delete(state)
	if err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return false, err
	}
	return len(buf) > 0 && buf[0] == 1, nil
}

func newState() (string, error) {
	var buf [24]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}
