package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	sqlite3 "github.com/mattn/go-sqlite3"
)

type (
	SQLite struct {
		db *sql.DB
		// reader runs deferred, query only transactions. In wal mode they
		// never wait for the write lock held by db.
		reader *sql.DB
		path   string
	}

	sqliteTx struct {
		tx *sql.Tx
	}
)

const (
	userColumns = `user_id, username, email, password_hash, is_admin, provider, provider_id, created_at`
)

func openSQLiteDatabase(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("credstore: empty sqlite path")
	}
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return nil, fmt.Errorf("unable to create directory to store %v, cause %w", path, err)
	}
	// immediate transactions serialize writers on the database lock
	// instead of failing when a read transaction tries to upgrade
	return pingSQLite(ctx, path, fmt.Sprintf("file:%v?_journal=wal&_txlock=immediate&_busy_timeout=5000&_fk=1&mode=rwc", path))
}

// openSQLiteReader expects the database to exist and be in wal mode
// already, the journal mode is a property of the file.
func openSQLiteReader(ctx context.Context, path string) (*sql.DB, error) {
	return pingSQLite(ctx, path, fmt.Sprintf("file:%v?_txlock=deferred&_busy_timeout=5000&_query_only=1&mode=rw", path))
}

func pingSQLite(ctx context.Context, path, connstr string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", connstr)
	if err != nil {
		return nil, fmt.Errorf("unable to open %v, cause %w", path, err)
	}
	err = conn.PingContext(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("unable to ping database %v, cause %w", path, err)
	}
	return conn, nil
}

// OpenSQLite opens (or creates) the database at path and makes sure
// the users table exists with the expected unique constraints.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	conn, err := openSQLiteDatabase(ctx, path)
	if err != nil {
		return nil, err
	}
	s := &SQLite{db: conn, path: path}
	err = s.Migrate(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("unable to init database %v, cause %w", path, err)
	}
	s.reader, err = openSQLiteReader(ctx, path)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return errors.Join(s.reader.Close(), s.db.Close())
}

// Migrate creates the schema if needed and checks that username and email
// are covered by unique indexes.
func (s *SQLite) Migrate(ctx context.Context) error {
	for _, cmd := range []string{
		`create table if not exists users(
			user_id integer not null primary key autoincrement,
			username text not null,
			username_hash64 integer not null,
			email text not null,
			password_hash text not null,
			is_admin boolean not null default 0,
			provider text not null default '',
			provider_id text not null default '',
			created_at timestamp not null
		)`,
		`create unique index if not exists uidx_users_username on users(username)`,
		`create unique index if not exists uidx_users_email on users(email)`,
		`create index if not exists idx_users_username_hash64 on users(username_hash64)`,
		`create unique index if not exists uidx_users_provider on users(provider, provider_id) where provider <> ''`,
	} {
		_, err := s.db.ExecContext(ctx, cmd)
		if err != nil {
			return err
		}
	}
	return verifyUniqueColumns(ctx, s.db, "users", "username", "email")
}

func (s *SQLite) WithTx(ctx context.Context, fn TxFunc) error {
	return withSQLiteTx(ctx, s.db, fn)
}

func (s *SQLite) ViewTx(ctx context.Context, fn TxFunc) error {
	err := withSQLiteTx(ctx, s.reader, fn)
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrReadonly {
		return fmt.Errorf("%w, cause %v", ErrReadOnly, err)
	}
	return err
}

func withSQLiteTx(ctx context.Context, db *sql.DB, fn TxFunc) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to start transaction, cause %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("unable to commit transaction, cause %w", cerr)
		}
	}()
	return fn(ctx, sqliteTx{tx: tx})
}

func normalizeUsername(username string) (string, int64) {
	username = strings.TrimSpace(username)
	return username, int64(xxhash.Sum64String(username))
}

func (t sqliteTx) FindByID(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(t.tx.QueryRowContext(ctx, `select `+userColumns+` from users where user_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, UserNotFound{ID: id}
	} else if err != nil {
		return User{}, fmt.Errorf("unable to load user %v, cause %w", id, err)
	}
	return u, nil
}

func (t sqliteTx) FindByUsername(ctx context.Context, username string) (User, error) {
	username, hash := normalizeUsername(username)
	u, err := scanUser(t.tx.QueryRowContext(ctx, `select `+userColumns+` from users where username_hash64 = ? and username = ?`, hash, username))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, UserNotFound{Username: username}
	} else if err != nil {
		return User{}, fmt.Errorf("unable to load user %q, cause %w", username, err)
	}
	return u, nil
}

func (t sqliteTx) FindByProvider(ctx context.Context, provider, providerID string) (User, error) {
	if provider == "" {
		return User{}, UserNotFound{Provider: provider}
	}
	u, err := scanUser(t.tx.QueryRowContext(ctx, `select `+userColumns+` from users where provider = ? and provider_id = ?`, provider, providerID))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, UserNotFound{Provider: provider}
	} else if err != nil {
		return User{}, fmt.Errorf("unable to load user from %v, cause %w", provider, err)
	}
	return u, nil
}

func (t sqliteTx) Insert(ctx context.Context, u *User) error {
	username, hash := normalizeUsername(u.Username)
	createdAt := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `insert into users(username, username_hash64, email, password_hash, is_admin, provider, provider_id, created_at)
		values (?, ?, ?, ?, ?, ?, ?, ?)`,
		username, hash, u.Email, u.PasswordHash, u.IsAdmin, u.Provider, u.ProviderID, createdAt)
	if err != nil {
		if dup, ok := sqliteDuplicate(err); ok {
			return dup
		}
		return fmt.Errorf("unable to insert user %q, cause %w", username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("unable to read id of user %q, cause %w", username, err)
	}
	u.ID = id
	u.Username = username
	u.CreatedAt = createdAt
	return nil
}

func (t sqliteTx) SetAdmin(ctx context.Context, id int64, admin bool) error {
	res, err := t.tx.ExecContext(ctx, `update users set is_admin = ? where user_id = ?`, admin, id)
	if err != nil {
		return fmt.Errorf("unable to update user %v, cause %w", id, err)
	}
	return expectOneRow(res, id)
}

func (t sqliteTx) List(ctx context.Context) ([]User, error) {
	rows, err := t.tx.QueryContext(ctx, `select `+userColumns+` from users order by user_id asc`)
	if err != nil {
		return nil, fmt.Errorf("unable to list users, cause %w", err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan user, cause %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (t sqliteTx) Delete(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `delete from users where user_id = ?`, id)
	if err != nil {
		return fmt.Errorf("unable to delete user %v, cause %w", id, err)
	}
	return expectOneRow(res, id)
}

func expectOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return UserNotFound{ID: id}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.Provider, &u.ProviderID, &u.CreatedAt)
	return u, err
}

// sqliteDuplicate maps a unique constraint violation to DuplicateUser,
// sqlite reports it as "UNIQUE constraint failed: users.username".
func sqliteDuplicate(err error) (DuplicateUser, bool) {
	var serr sqlite3.Error
	if !errors.As(err, &serr) || serr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return DuplicateUser{}, false
	}
	msg := serr.Error()
	switch {
	case strings.Contains(msg, "users.username"):
		return DuplicateUser{Field: "username", cause: err}, true
	case strings.Contains(msg, "users.email"):
		return DuplicateUser{Field: "email", cause: err}, true
	case strings.Contains(msg, "users.provider"):
		return DuplicateUser{Field: "provider", cause: err}, true
	}
	return DuplicateUser{Field: "unknown", cause: err}, true
}
