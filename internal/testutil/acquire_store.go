package testutil

import (
	"context"
	"os"
	"path/filepath"

	"github.com/andrebq/authbox/credstore"
)

type (
	TestLog interface {
		Fatal(...interface{})
		Log(...interface{})
	}
)

const (
	// PostgresDSNEnvVar enables the Postgres backed tests when set.
	PostgresDSNEnvVar = "AUTHBOX_TEST_POSTGRES_DSN"
)

// AcquireSQLiteStore opens a fresh sqlite store inside a temporary directory,
// the returned function closes the store and removes the directory.
func AcquireSQLiteStore(ctx context.Context, t TestLog, name string) (*credstore.SQLite, func()) {
	dir, err := os.MkdirTemp("", "authbox-tests")
	if err != nil {
		t.Fatal(err)
	}
	abspath := filepath.Join(dir, name, "users.db")
	store, err := credstore.OpenSQLite(ctx, abspath)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return store, func() {
		err := store.Close()
		if err != nil {
			t.Log("unable to close store", err)
		}
		err = os.RemoveAll(dir)
		if err != nil {
			t.Log("unable to cleanup temp dir", dir)
		}
	}
}

// AcquirePostgresStore returns nil when PostgresDSNEnvVar is not set,
// otherwise the store is migrated and the users table truncated.
func AcquirePostgresStore(ctx context.Context, t TestLog) (*credstore.Postgres, func()) {
	dsn := os.Getenv(PostgresDSNEnvVar)
	if dsn == "" {
		return nil, func() {}
	}
	store, err := credstore.OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	err = store.Migrate(ctx)
	if err != nil {
		store.Close()
		t.Fatal(err)
	}
	truncate := func() {
		err := store.WithTx(ctx, func(ctx context.Context, tx credstore.Tx) error {
			users, err := tx.List(ctx)
			if err != nil {
				return err
			}
			for _, u := range users {
				if err := tx.Delete(ctx, u.ID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Log("unable to clear users table", err)
		}
	}
	truncate()
	return store, func() {
		truncate()
		store.Close()
	}
}
