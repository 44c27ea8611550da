// Package gate implements the authentication flows of the service:
// registration, login, session resolution and the admin flag.
//
// The gate owns no state of its own. Users live in a credstore.Store,
// sessions are stateless signed tokens and login notifications are handed
// to a publisher that must never block. Every operation uses exactly one
// store transaction.
//
// Logout is purely a client side concern: tokens are not tracked, so there
// is nothing to revoke. A token stays valid until it expires.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrebq/authbox/credstore"
	"github.com/andrebq/authbox/events"
	"github.com/andrebq/authbox/internal/logutil"
	"github.com/andrebq/authbox/password"
)

type (
	PasswordHasher interface {
		Hash(plain string) (string, error)
		Verify(plain, hash string) bool
	}

	TokenIssuer interface {
		Issue(subject int64) (string, error)
		Verify(token string) (int64, error)
	}

	Publisher interface {
		Dispatch(e events.Event) bool
	}

	User struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
		IsAdmin  bool   `json:"is_admin"`
		Provider string `json:"provider,omitempty"`
	}

	Promotion int

	// ExternalIdentity describes a user authenticated by a third party.
	ExternalIdentity struct {
		Provider   string
		ProviderID string
		Username   string
		Email      string
	}

	Gate struct {
		store  credstore.Store
		hasher PasswordHasher
		tokens TokenIssuer
		events Publisher

		// compared against when the username does not exist, so unknown
		// users cost the same as wrong passwords
		decoyHash string
	}
)

const (
	Promoted Promotion = iota + 1
	AlreadyAdmin
)

func (p Promotion) String() string {
	switch p {
	case Promoted:
		return "promoted"
	case AlreadyAdmin:
		return "already admin"
	}
	return "unknown"
}

func New(store credstore.Store, hasher PasswordHasher, tokens TokenIssuer, publisher Publisher) (*Gate, error) {
	decoy, err := hasher.Hash("decoy-password-never-matches")
	if err != nil {
		return nil, fmt.Errorf("unable to prepare decoy hash, cause %w", err)
	}
	return &Gate{
		store:     store,
		hasher:    hasher,
		tokens:    tokens,
		events:    publisher,
		decoyHash: decoy,
	}, nil
}

func toUser(u credstore.User) User {
	return User{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		IsAdmin:  u.IsAdmin,
		Provider: u.Provider,
	}
}

// Register creates a new local user. The username pre-check only gives a
// fast answer, the store unique constraints decide conflicts.
func (g *Gate) Register(ctx context.Context, username, email, plain string) (User, error) {
	if err := password.CheckPolicy(plain); err != nil {
		return User{}, err
	}
	var out User
	err := g.store.WithTx(ctx, func(ctx context.Context, tx credstore.Tx) error {
		_, err := tx.FindByUsername(ctx, username)
		if err == nil {
			return fmt.Errorf("%w: username %q already registered", ErrConflict, username)
		} else if !isNotFound(err) {
			return err
		}
		hash, err := g.hasher.Hash(plain)
		if err != nil {
			return err
		}
		u := credstore.User{
			Username:     username,
			Email:        email,
			PasswordHash: hash,
		}
		err = tx.Insert(ctx, &u)
		var dup credstore.DuplicateUser
		if errors.As(err, &dup) {
			return fmt.Errorf("%w: %v already registered", ErrConflict, dup.Field)
		} else if err != nil {
			return err
		}
		out = toUser(u)
		return nil
	})
	if err != nil {
		return User{}, err
	}
	lg := logutil.GetOrDefault(ctx)
	lg.Info().Int64("user.id", out.ID).Str("user.name", out.Username).Msg("User registered")
	return out, nil
}

// Login checks the credentials and starts a new session. Unknown users
// and wrong passwords produce the same error.
func (g *Gate) Login(ctx context.Context, username, plain string) (string, User, error) {
	var user User
	err := g.store.ViewTx(ctx, func(ctx context.Context, tx credstore.Tx) error {
		u, err := tx.FindByUsername(ctx, username)
		if isNotFound(err) {
			g.hasher.Verify(plain, g.decoyHash)
			return ErrInvalidCredentials
		} else if err != nil {
			return err
		}
		if !g.hasher.Verify(plain, u.PasswordHash) {
			return ErrInvalidCredentials
		}
		user = toUser(u)
		return nil
	})
	if err != nil {
		return "", User{}, err
	}
	token, err := g.StartSession(ctx, user)
	if err != nil {
		return "", User{}, err
	}
	return token, user, nil
}

// StartSession issues a token for a user that was already authenticated
// and emits the login event.
func (g *Gate) StartSession(ctx context.Context, user User) (string, error) {
	token, err := g.tokens.Issue(user.ID)
	if err != nil {
		return "", fmt.Errorf("unable to issue session token, cause %w", err)
	}
	log := logutil.GetOrDefault(ctx)
	if g.events != nil && !g.events.Dispatch(events.UserLoggedIn(user.ID, user.Email)) {
		log.Warn().Int64("user.id", user.ID).Msg("Login event dropped")
	}
	log.Info().Int64("user.id", user.ID).Msg("Session started")
	return token, nil
}

// ResolveSession returns the user that owns token. The user is always
// read again from the store.
func (g *Gate) ResolveSession(ctx context.Context, token string) (User, error) {
	if token == "" {
		return User{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	id, err := g.tokens.Verify(token)
	if err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	var user User
	err = g.store.ViewTx(ctx, func(ctx context.Context, tx credstore.Tx) error {
		u, err := tx.FindByID(ctx, id)
		if err != nil {
			return err
		}
		user = toUser(u)
		return nil
	})
	if isNotFound(err) {
		return User{}, fmt.Errorf("%w: user %v no longer exists", ErrUnauthorized, id)
	} else if err != nil {
		return User{}, err
	}
	return user, nil
}

func (g *Gate) AuthorizeAdmin(user User) error {
	if !user.IsAdmin {
		return ErrForbidden
	}
	return nil
}

// PromoteToAdmin sets the admin flag, calling it again is harmless.
func (g *Gate) PromoteToAdmin(ctx context.Context, id int64) (Promotion, error) {
	var result Promotion
	err := g.store.WithTx(ctx, func(ctx context.Context, tx credstore.Tx) error {
		u, err := tx.FindByID(ctx, id)
		if isNotFound(err) {
			return fmt.Errorf("%w: user %v", ErrNotFound, id)
		} else if err != nil {
			return err
		}
		if u.IsAdmin {
			result = AlreadyAdmin
			return nil
		}
		result = Promoted
		return tx.SetAdmin(ctx, id, true)
	})
	if err != nil {
		return 0, err
	}
	if result == Promoted {
		lg := logutil.GetOrDefault(ctx)
		lg.Info().Int64("user.id", id).Msg("User promoted to admin")
	}
	return result, nil
}

// Logout changes nothing on the server, it only records the intent.
func (g *Gate) Logout(ctx context.Context, user *User) {
	lg := logutil.GetOrDefault(ctx)
	ev := lg.Info()
	if user != nil {
		ev = ev.Int64("user.id", user.ID)
	}
	ev.Msg("Logout")
}

// ListUsers returns every user, actor must be an admin.
func (g *Gate) ListUsers(ctx context.Context, actor User) ([]User, error) {
	if err := g.AuthorizeAdmin(actor); err != nil {
		return nil, err
	}
	var out []User
	err := g.store.ViewTx(ctx, func(ctx context.Context, tx credstore.Tx) error {
		users, err := tx.List(ctx)
		if err != nil {
			return err
		}
		out = make([]User, 0, len(users))
		for _, u := range users {
			out = append(out, toUser(u))
		}
		return nil
	})
	return out, err
}

func (g *Gate) GetUser(ctx context.Context, id int64) (User, error) {
	var user User
	err := g.store.ViewTx(ctx, func(ctx context.Context, tx credstore.Tx) error {
		u, err := tx.FindByID(ctx, id)
		if err != nil {
			return err
		}
		user = toUser(u)
		return nil
	})
	if isNotFound(err) {
		return User{}, fmt.Errorf("%w: user %v", ErrNotFound, id)
	}
	return user, err
}

// LinkExternal returns the user bound to the external identity, creating
// it on first use. External users have no local password.
func (g *Gate) LinkExternal(ctx context.Context, id ExternalIdentity) (User, error) {
	if id.Provider == "" || id.ProviderID == "" || id.Username == "" || id.Email == "" {
		return User{}, fmt.Errorf("incomplete external identity from provider %q", id.Provider)
	}
	var out User
	var created bool
	err := g.store.WithTx(ctx, func(ctx context.Context, tx credstore.Tx) error {
		u, err := tx.FindByProvider(ctx, id.Provider, id.ProviderID)
		if err == nil {
			out = toUser(u)
			return nil
		} else if !isNotFound(err) {
			return err
		}
		u = credstore.User{
			Username:   id.Username,
			Email:      id.Email,
			Provider:   id.Provider,
			ProviderID: id.ProviderID,
		}
		err = tx.Insert(ctx, &u)
		var dup credstore.DuplicateUser
		if errors.As(err, &dup) {
			return fmt.Errorf("%w: %v already registered", ErrConflict, dup.Field)
		} else if err != nil {
			return err
		}
		out = toUser(u)
		created = true
		return nil
	})
	if err != nil {
		return User{}, err
	}
	if created {
		lg := logutil.GetOrDefault(ctx)
		lg.Info().Int64("user.id", out.ID).Str("provider", id.Provider).Msg("External user created")
	}
	return out, nil
}

func isNotFound(err error) bool {
	var nf credstore.UserNotFound
	return errors.As(err, &nf)
}
