// Package oauth lets users log in with a third party identity provider
// using the authorization code flow.
//
// The bridge exchanges the code for a provider token, reads the user
// profile with that token and links the profile to a local user. Every
// network call is bounded by a timeout and never retried, a failure ends
// the login attempt with an UpstreamFailure.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/andrebq/authbox/gate"
	"github.com/andrebq/authbox/internal/logutil"
	"golang.org/x/oauth2"
)

type (
	Config struct {
		Provider     string
		ClientID     string
		ClientSecret string
		RedirectURL  string
		AuthURL      string
		TokenURL     string
		ProfileURL   string
		Scopes       []string
		Timeout      time.Duration
	}

	// Profile is the subset of the provider profile we care about, Raw
	// keeps the whole document for profile scripts.
	Profile struct {
		Provider    string
		ID          string
		Login       string
		Email       string
		FirstName   string
		LastName    string
		DisplayName string
		Raw         map[string]interface{}
	}

	Linker interface {
		LinkExternal(ctx context.Context, id gate.ExternalIdentity) (gate.User, error)
	}

	Bridge struct {
		provider   string
		conf       *oauth2.Config
		profileURL string
		timeout    time.Duration
		client     *http.Client
		linker     Linker
		mapper     *Mapper
		states     StateStore
	}

	Option func(*Bridge)

	UpstreamFailure struct {
		Op         string
		StatusCode int
		cause      error
	}
)

const (
	DefaultTimeout = 10 * time.Second
)

var (
	ErrInvalidState = errors.New("oauth: unknown or expired state")
)

func (u UpstreamFailure) Error() string {
	if u.StatusCode != 0 {
		return fmt.Sprintf("oauth: %v failed with status %v", u.Op, u.StatusCode)
	}
	return fmt.Sprintf("oauth: %v failed, cause %v", u.Op, u.cause)
}

func (u UpstreamFailure) Unwrap() error {
	return u.cause
}

// YandexConfig returns the endpoints used by Yandex ID.
func YandexConfig(clientID, clientSecret, redirectURL string) Config {
	return Config{
		Provider:     "yandex",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      "https://oauth.yandex.ru/authorize",
		TokenURL:     "https://oauth.yandex.ru/token",
		ProfileURL:   "https://login.yandex.ru/info?format=json",
		Timeout:      DefaultTimeout,
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(b *Bridge) {
		b.client = c
	}
}

func WithMapper(m *Mapper) Option {
	return func(b *Bridge) {
		b.mapper = m
	}
}

func WithStateStore(s StateStore) Option {
	return func(b *Bridge) {
		b.states = s
	}
}

func NewBridge(cfg Config, linker Linker, opts ...Option) (*Bridge, error) {
	switch {
	case cfg.Provider == "":
		return nil, errors.New("oauth: missing provider name")
	case cfg.ClientID == "" || cfg.ClientSecret == "":
		return nil, errors.New("oauth: missing client credentials")
	case cfg.TokenURL == "" || cfg.ProfileURL == "":
		return nil, errors.New("oauth: missing token or profile url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	b := &Bridge{
		provider: cfg.Provider,
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		profileURL: cfg.ProfileURL,
		timeout:    cfg.Timeout,
		client:     &http.Client{},
		linker:     linker,
	}
	for _, o := range opts {
		o(b)
	}
	if b.states == nil {
		states, err := InMemoryStateStore(DefaultStateTTL)
		if err != nil {
			return nil, err
		}
		b.states = states
	}
	return b, nil
}

func (b *Bridge) Provider() string { return b.provider }

// AuthCodeURL returns the provider URL the user should be redirected to.
func (b *Bridge) AuthCodeURL(ctx context.Context) (string, error) {
	state, err := newState()
	if err != nil {
		return "", fmt.Errorf("unable to generate oauth state, cause %w", err)
	}
	if err := b.states.Save(ctx, state); err != nil {
		return "", fmt.Errorf("unable to save oauth state, cause %w", err)
	}
	return b.conf.AuthCodeURL(state), nil
}

func (b *Bridge) ConsumeState(ctx context.Context, state string) error {
	if state == "" {
		return ErrInvalidState
	}
	ok, err := b.states.Consume(ctx, state)
	if err != nil {
		return fmt.Errorf("unable to check oauth state, cause %w", err)
	}
	if !ok {
		return ErrInvalidState
	}
	return nil
}

// Authenticate runs the whole callback flow: code exchange, profile
// fetch and local user lookup or creation.
func (b *Bridge) Authenticate(ctx context.Context, code string) (gate.User, error) {
	tok, err := b.ExchangeCodeForToken(ctx, code)
	if err != nil {
		return gate.User{}, err
	}
	profile, err := b.FetchProfile(ctx, tok)
	if err != nil {
		return gate.User{}, err
	}
	return b.GetOrCreateUser(ctx, profile)
}

func (b *Bridge) ExchangeCodeForToken(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.client)
	tok, err := b.conf.Exchange(ctx, code)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			return nil, UpstreamFailure{Op: "token exchange", StatusCode: rerr.Response.StatusCode, cause: err}
		}
		return nil, UpstreamFailure{Op: "token exchange", cause: err}
	}
	return tok, nil
}

func (b *Bridge) FetchProfile(ctx context.Context, tok *oauth2.Token) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.profileURL, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("unable to build profile request, cause %w", err)
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	res, err := b.client.Do(req)
	if err != nil {
		return Profile{}, UpstreamFailure{Op: "profile fetch", cause: err}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return Profile{}, UpstreamFailure{Op: "profile fetch", StatusCode: res.StatusCode}
	}
	var raw map[string]interface{}
	err = json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&raw)
	if err != nil {
		return Profile{}, UpstreamFailure{Op: "profile decode", cause: err}
	}
	p := Profile{
		Provider:    b.provider,
		ID:          stringField(raw, "id"),
		Login:       stringField(raw, "login"),
		Email:       stringField(raw, "default_email"),
		FirstName:   stringField(raw, "first_name"),
		LastName:    stringField(raw, "last_name"),
		DisplayName: stringField(raw, "display_name"),
		Raw:         raw,
	}
	if p.Email == "" {
		p.Email = stringField(raw, "email")
	}
	if p.ID == "" {
		return Profile{}, UpstreamFailure{Op: "profile decode", cause: errors.New("profile has no id")}
	}
	return p, nil
}

// GetOrCreateUser is idempotent on the provider identity.
func (b *Bridge) GetOrCreateUser(ctx context.Context, p Profile) (gate.User, error) {
	id, err := b.mapper.Map(ctx, p)
	if err != nil {
		return gate.User{}, err
	}
	u, err := b.linker.LinkExternal(ctx, gate.ExternalIdentity{
		Provider:   p.Provider,
		ProviderID: p.ID,
		Username:   id.Username,
		Email:      id.Email,
	})
	if err != nil {
		return gate.User{}, err
	}
	lg := logutil.GetOrDefault(ctx)
	lg.Info().Int64("user.id", u.ID).Str("provider", p.Provider).Msg("External login")
	return u, nil
}

func stringField(doc map[string]interface{}, name string) string {
	switch v := doc[name].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
