// Package credstore keeps user identity records.
//
// All access happens inside short lived transactions obtained through
// Store.WithTx, or Store.ViewTx for lookups. Uniqueness of usernames and emails is enforced by the
// storage itself, callers can pre-check but must handle DuplicateUser
// anyway.
package credstore

import (
	"context"
	"strings"
	"time"
)

type (
	User struct {
		ID           int64
		Username     string
		Email        string
		PasswordHash string
		IsAdmin      bool
		// Provider and ProviderID identify users created from an external
		// identity provider, both are empty for local users.
		Provider   string
		ProviderID string
		CreatedAt  time.Time
	}

	Tx interface {
		FindByID(ctx context.Context, id int64) (User, error)
		FindByUsername(ctx context.Context, username string) (User, error)
		FindByProvider(ctx context.Context, provider, providerID string) (User, error)
		// Insert stores u and updates its ID and CreatedAt fields.
		Insert(ctx context.Context, u *User) error
		SetAdmin(ctx context.Context, id int64, admin bool) error
		List(ctx context.Context) ([]User, error)
		Delete(ctx context.Context, id int64) error
	}

	TxFunc func(ctx context.Context, tx Tx) error

	Store interface {
		// WithTx runs fn inside a transaction, committing when fn returns nil
		// and rolling back otherwise (panics included).
		WithTx(ctx context.Context, fn TxFunc) error
		// ViewTx runs fn inside a read only transaction, writes fail.
		// Lookups should prefer it so they do not queue behind writers.
		ViewTx(ctx context.Context, fn TxFunc) error
		Close() error
	}

	// Migrator is implemented by stores that manage their schema.
	Migrator interface {
		Migrate(ctx context.Context) error
	}
)

const (
	MemoryDSN = "memory:"
)

// Open picks a Store implementation based on the dsn:
// postgres:// or postgresql:// for Postgres, "memory:" for the in-process
// store and anything else (optionally prefixed with sqlite:) is a path
// to a sqlite database.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	case dsn == MemoryDSN:
		return NewMemory(), nil
	}
	return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite:"))
}
