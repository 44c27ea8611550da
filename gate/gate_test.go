package gate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andrebq/authbox/credstore"
	"github.com/andrebq/authbox/events"
	"github.com/andrebq/authbox/internal/testutil"
	"github.com/andrebq/authbox/password"
	"github.com/andrebq/authbox/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type (
	recorder struct {
		sync.Mutex
		events []events.Event
		full   bool
	}

	// blindStore hides existing usernames from the pre-check, as if two
	// registrations raced each other
	blindStore struct {
		credstore.Store
	}

	blindTx struct {
		credstore.Tx
	}

	clock struct {
		now time.Time
	}
)

func (r *recorder) Dispatch(e events.Event) bool {
	r.Lock()
	defer r.Unlock()
	if r.full {
		return false
	}
	r.events = append(r.events, e)
	return true
}

func (b blindStore) WithTx(ctx context.Context, fn credstore.TxFunc) error {
	return b.Store.WithTx(ctx, func(ctx context.Context, tx credstore.Tx) error {
		return fn(ctx, blindTx{tx})
	})
}

func (blindTx) FindByUsername(_ context.Context, username string) (credstore.User, error) {
	return credstore.User{}, credstore.UserNotFound{Username: username}
}

func (c *clock) Now() time.Time { return c.now }

func newTestGate(t *testing.T, store credstore.Store) (*Gate, *recorder, *clock) {
	hasher, err := password.New(password.Bcrypt, password.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	issuer, err := token.NewIssuer([]byte("test-secret"), "HS256", token.WithClock(clk.Now))
	require.NoError(t, err)
	rec := &recorder{}
	g, err := New(store, hasher, issuer, rec)
	require.NoError(t, err)
	return g, rec, clk
}

func countUsers(t *testing.T, store credstore.Store) int {
	var n int
	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx credstore.Tx) error {
		users, err := tx.List(ctx)
		n = len(users)
		return err
	}))
	return n
}

func TestRegisterLoginResolve(t *testing.T) {
	ctx := context.Background()
	store, cleanup := testutil.AcquireSQLiteStore(ctx, t, "gate")
	defer cleanup()
	g, rec, _ := newTestGate(t, store)

	u, err := g.Register(ctx, "alice", "alice@example.com", "wonderland")
	require.NoError(t, err)
	assert.NotZero(t, u.ID)
	assert.False(t, u.IsAdmin)

	tk, logged, err := g.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, u.ID, logged.ID)

	me, err := g.ResolveSession(ctx, tk)
	require.NoError(t, err)
	assert.Equal(t, u, me)

	require.Len(t, rec.events, 1)
	assert.Equal(t, events.TypeUserRegistered, rec.events[0].Type)
	assert.Equal(t, u.ID, rec.events[0].UserID)
	assert.Equal(t, "alice@example.com", rec.events[0].Email)
}

func TestRegisterConflict(t *testing.T) {
	ctx := context.Background()
	store, cleanup := testutil.AcquireSQLiteStore(ctx, t, "gate")
	defer cleanup()
	g, _, _ := newTestGate(t, store)

	_, err := g.Register(ctx, "bob", "bob@example.com", "secret1")
	require.NoError(t, err)
	_, err = g.Register(ctx, "bob", "other@example.com", "secret2")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = g.Register(ctx, "robert", "bob@example.com", "secret2")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, countUsers(t, store))
}

func TestRegisterPasswordPolicy(t *testing.T) {
	ctx := context.Background()
	store := credstore.NewMemory()
	g, _, _ := newTestGate(t, store)

	for _, plain := range []string{"short", strings.Repeat("p", 80)} {
		_, err := g.Register(ctx, "heidi", "heidi@example.com", plain)
		var violation password.PolicyViolation
		assert.True(t, errors.As(err, &violation), "got %v", err)
	}
	assert.Equal(t, 0, countUsers(t, store))

	_, err := g.Register(ctx, "heidi", "heidi@example.com", strings.Repeat("p", password.MaxLength))
	assert.NoError(t, err)
}

func TestRegisterConflictWithoutPrecheck(t *testing.T) {
	ctx := context.Background()
	store := credstore.NewMemory()
	g, _, _ := newTestGate(t, blindStore{store})

	_, err := g.Register(ctx, "bob", "bob@example.com", "secret1")
	require.NoError(t, err)
	_, err = g.Register(ctx, "bob", "other@example.com", "secret2")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, countUsers(t, store))
}

func TestLoginDoesNotEnumerate(t *testing.T) {
	ctx := context.Background()
	g, rec, _ := newTestGate(t, credstore.NewMemory())
	_, err := g.Register(ctx, "carol", "carol@example.com", "correct horse")
	require.NoError(t, err)

	_, _, unknownErr := g.Login(ctx, "nobody", "whatever")
	_, _, wrongErr := g.Login(ctx, "carol", "battery staple")
	assert.ErrorIs(t, unknownErr, ErrInvalidCredentials)
	assert.ErrorIs(t, wrongErr, ErrInvalidCredentials)
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())
	assert.Empty(t, rec.events)
}

func TestLoginSurvivesFullEventQueue(t *testing.T) {
	ctx := context.Background()
	g, rec, _ := newTestGate(t, credstore.NewMemory())
	rec.full = true
	_, err := g.Register(ctx, "dave", "dave@example.com", "secret")
	require.NoError(t, err)
	tk, _, err := g.Login(ctx, "dave", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, tk)
}

func TestResolveSessionFailures(t *testing.T) {
	ctx := context.Background()
	store := credstore.NewMemory()
	g, _, clk := newTestGate(t, store)
	u, err := g.Register(ctx, "erin", "erin@example.com", "secret")
	require.NoError(t, err)
	tk, _, err := g.Login(ctx, "erin", "secret")
	require.NoError(t, err)

	_, err = g.ResolveSession(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = g.ResolveSession(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, token.ErrInvalidSignature)

	clk.now = clk.now.Add(token.DefaultValidity)
	_, err = g.ResolveSession(ctx, tk)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, token.ErrExpired)
	clk.now = clk.now.Add(-token.DefaultValidity)

	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx credstore.Tx) error {
		return tx.Delete(ctx, u.ID)
	}))
	_, err = g.ResolveSession(ctx, tk)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPromoteToAdmin(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGate(t, credstore.NewMemory())
	u, err := g.Register(ctx, "frank", "frank@example.com", "secret")
	require.NoError(t, err)

	assert.ErrorIs(t, g.AuthorizeAdmin(u), ErrForbidden)
	_, err = g.ListUsers(ctx, u)
	assert.ErrorIs(t, err, ErrForbidden)

	res, err := g.PromoteToAdmin(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, Promoted, res)
	res, err = g.PromoteToAdmin(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, AlreadyAdmin, res)

	admin, err := g.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)
	assert.NoError(t, g.AuthorizeAdmin(admin))

	users, err := g.ListUsers(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, users, 1)

	_, err = g.PromoteToAdmin(ctx, 4242)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetUserNotFound(t *testing.T) {
	g, _, _ := newTestGate(t, credstore.NewMemory())
	_, err := g.GetUser(context.Background(), 7)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLinkExternal(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGate(t, credstore.NewMemory())
	id := ExternalIdentity{Provider: "yandex", ProviderID: "123", Username: "grace", Email: "grace@yandex.ru"}

	first, err := g.LinkExternal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "yandex", first.Provider)

	id.Username = "renamed"
	again, err := g.LinkExternal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// external users cannot log in with a password
	_, _, err = g.Login(ctx, "grace", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = g.LinkExternal(ctx, ExternalIdentity{Provider: "yandex", ProviderID: "456", Username: "grace", Email: "x@yandex.ru"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = g.LinkExternal(ctx, ExternalIdentity{Provider: "yandex"})
	assert.Error(t, err)
}
