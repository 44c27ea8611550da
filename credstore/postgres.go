package credstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

type (
	Postgres struct {
		pool *pgxpool.Pool
		dsn  string
	}

	pgTx struct {
		tx pgx.Tx
	}
)

const (
	pgUserColumns = `id, username, email, password_hash, is_admin, provider, provider_id, created_at`
	pgUniqueCode  = "23505"
	pgReadOnlyTx  = "25006"
)

//go:embed migrations/*.sql
var migrations embed.FS

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create postgres pool, cause %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping postgres, cause %w", err)
	}
	return &Postgres{pool: pool, dsn: dsn}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Migrate applies pending migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	return p.withGoose(func(db *sql.DB) error {
		return goose.UpContext(ctx, db, "migrations")
	})
}

func (p *Postgres) MigrationStatus(ctx context.Context) error {
	return p.withGoose(func(db *sql.DB) error {
		return goose.StatusContext(ctx, db, "migrations")
	})
}

// MigrateDown rolls back the latest migration.
func (p *Postgres) MigrateDown(ctx context.Context) error {
	return p.withGoose(func(db *sql.DB) error {
		return goose.DownContext(ctx, db, "migrations")
	})
}

func (p *Postgres) withGoose(fn func(*sql.DB) error) error {
	db, err := sql.Open("pgx", p.dsn)
	if err != nil {
		return fmt.Errorf("unable to open migration connection, cause %w", err)
	}
	defer db.Close()
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("unable to configure goose, cause %w", err)
	}
	if err := fn(db); err != nil {
		return fmt.Errorf("unable to run migrations, cause %w", err)
	}
	return nil
}

func (p *Postgres) WithTx(ctx context.Context, fn TxFunc) error {
	// pgx.BeginFunc rolls back on error and on panic
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(ctx, pgTx{tx: tx})
	})
}

func (p *Postgres) ViewTx(ctx context.Context, fn TxFunc) error {
	err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		return fn(ctx, pgTx{tx: tx})
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgReadOnlyTx {
		return fmt.Errorf("%w, cause %v", ErrReadOnly, err)
	}
	return err
}

func (t pgTx) FindByID(ctx context.Context, id int64) (User, error) {
	u, err := scanPgUser(t.tx.QueryRow(ctx, `SELECT `+pgUserColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, UserNotFound{ID: id}
	} else if err != nil {
		return User{}, fmt.Errorf("unable to load user %v, cause %w", id, err)
	}
	return u, nil
}

func (t pgTx) FindByUsername(ctx context.Context, username string) (User, error) {
	username = strings.TrimSpace(username)
	u, err := scanPgUser(t.tx.QueryRow(ctx, `SELECT `+pgUserColumns+` FROM users WHERE username = $1`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, UserNotFound{Username: username}
	} else if err != nil {
		return User{}, fmt.Errorf("unable to load user %q, cause %w", username, err)
	}
	return u, nil
}

func (t pgTx) FindByProvider(ctx context.Context, provider, providerID string) (User, error) {
	if provider == "" {
		return User{}, UserNotFound{Provider: provider}
	}
	u, err := scanPgUser(t.tx.QueryRow(ctx, `SELECT `+pgUserColumns+` FROM users WHERE provider = $1 AND provider_id = $2`, provider, providerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, UserNotFound{Provider: provider}
	} else if err != nil {
		return User{}, fmt.Errorf("unable to load user from %v, cause %w", provider, err)
	}
	return u, nil
}

func (t pgTx) Insert(ctx context.Context, u *User) error {
	username := strings.TrimSpace(u.Username)
	err := t.tx.QueryRow(ctx, `INSERT INTO users (username, email, password_hash, is_admin, provider, provider_id)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		username, u.Email, u.PasswordHash, u.IsAdmin, u.Provider, u.ProviderID).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if dup, ok := pgDuplicate(err); ok {
			return dup
		}
		return fmt.Errorf("unable to insert user %q, cause %w", username, err)
	}
	u.Username = username
	return nil
}

func (t pgTx) SetAdmin(ctx context.Context, id int64, admin bool) error {
	tag, err := t.tx.Exec(ctx, `UPDATE users SET is_admin = $1 WHERE id = $2`, admin, id)
	if err != nil {
		return fmt.Errorf("unable to update user %v, cause %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return UserNotFound{ID: id}
	}
	return nil
}

func (t pgTx) List(ctx context.Context) ([]User, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+pgUserColumns+` FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("unable to list users, cause %w", err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanPgUser(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan user, cause %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (t pgTx) Delete(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("unable to delete user %v, cause %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return UserNotFound{ID: id}
	}
	return nil
}

func scanPgUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.Provider, &u.ProviderID, &u.CreatedAt)
	return u, err
}

func pgDuplicate(err error) (DuplicateUser, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueCode {
		return DuplicateUser{}, false
	}
	switch pgErr.ConstraintName {
	case "users_username_key":
		return DuplicateUser{Field: "username", cause: err}, true
	case "users_email_key":
		return DuplicateUser{Field: "email", cause: err}, true
	case "users_provider_key":
		return DuplicateUser{Field: "provider", cause: err}, true
	}
	return DuplicateUser{Field: "unknown", cause: err}, true
}
