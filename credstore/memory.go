package credstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type (
	// Memory keeps users in process memory. Transactions are serialized
	// and work on a copy that replaces the committed state only when the
	// transaction function succeeds.
	Memory struct {
		sync.RWMutex
		users  map[int64]User
		nextID int64
	}

	memTx struct {
		users    map[int64]User
		nextID   *int64
		readOnly bool
	}
)

func NewMemory() *Memory {
	return &Memory{
		users:  make(map[int64]User),
		nextID: 1,
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) WithTx(ctx context.Context, fn TxFunc) error {
	m.Lock()
	defer m.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := make(map[int64]User, len(m.users))
	for k, v := range m.users {
		snapshot[k] = v
	}
	nextID := m.nextID
	err := fn(ctx, &memTx{users: snapshot, nextID: &nextID})
	if err != nil {
		return err
	}
	m.users = snapshot
	m.nextID = nextID
	return nil
}

// ViewTx shares the committed state with other readers, fn never sees a copy.
func (m *Memory) ViewTx(ctx context.Context, fn TxFunc) error {
	m.RLock()
	defer m.RUnlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	nextID := m.nextID
	return fn(ctx, &memTx{users: m.users, nextID: &nextID, readOnly: true})
}

func (t *memTx) FindByID(_ context.Context, id int64) (User, error) {
	u, ok := t.users[id]
	if !ok {
		return User{}, UserNotFound{ID: id}
	}
	return u, nil
}

func (t *memTx) FindByUsername(_ context.Context, username string) (User, error) {
	username = strings.TrimSpace(username)
	for _, u := range t.users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, UserNotFound{Username: username}
}

func (t *memTx) FindByProvider(_ context.Context, provider, providerID string) (User, error) {
	if provider != "" {
		for _, u := range t.users {
			if u.Provider == provider && u.ProviderID == providerID {
				return u, nil
			}
		}
	}
	return User{}, UserNotFound{Provider: provider}
}

func (t *memTx) Insert(_ context.Context, u *User) error {
	if t.readOnly {
		return ErrReadOnly
	}
	username := strings.TrimSpace(u.Username)
	for _, other := range t.users {
		switch {
		case other.Username == username:
			return DuplicateUser{Field: "username"}
		case other.Email == u.Email:
			return DuplicateUser{Field: "email"}
		case u.Provider != "" && other.Provider == u.Provider && other.ProviderID == u.ProviderID:
			return DuplicateUser{Field: "provider"}
		}
	}
	u.ID = *t.nextID
	*t.nextID++
	u.Username = username
	u.CreatedAt = time.Now().UTC()
	t.users[u.ID] = *u
	return nil
}

func (t *memTx) SetAdmin(_ context.Context, id int64, admin bool) error {
	if t.readOnly {
		return ErrReadOnly
	}
	u, ok := t.users[id]
	if !ok {
		return UserNotFound{ID: id}
	}
	u.IsAdmin = admin
	t.users[id] = u
	return nil
}

func (t *memTx) List(_ context.Context) ([]User, error) {
	out := make([]User, 0, len(t.users))
	for _, u := range t.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) Delete(_ context.Context, id int64) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, ok := t.users[id]; !ok {
		return UserNotFound{ID: id}
	}
	delete(t.users, id)
	return nil
}
