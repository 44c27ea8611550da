package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/andrebq/authbox/credstore"
	"github.com/andrebq/authbox/events"
	"github.com/andrebq/authbox/gate"
	"github.com/andrebq/authbox/oauth"
	"github.com/andrebq/authbox/password"
	"github.com/andrebq/authbox/token"
	"github.com/steinfletcher/apitest"
	jsonpath "github.com/steinfletcher/apitest-jsonpath"
	"golang.org/x/crypto/bcrypt"
)

type discard struct{}

func (discard) Dispatch(events.Event) bool { return true }

func newTestGate(t *testing.T) *gate.Gate {
	hasher, err := password.New(password.Bcrypt, password.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatal(err)
	}
	issuer, err := token.NewIssuer([]byte("api-test-secret"), "HS256")
	if err != nil {
		t.Fatal(err)
	}
	g, err := gate.New(credstore.NewMemory(), hasher, issuer, discard{})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func newTestHandler(t *testing.T, opts Options) http.Handler {
	h, err := AsHandler(context.Background(), newTestGate(t), opts)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func register(t *testing.T, h http.Handler, username string) {
	apitest.New().
		Handler(h).
		Post("/users/register").
		JSON(fmt.Sprintf(`{"username": %q, "password": "secret-pass", "email": "%v@example.com"}`, username, username)).
		Expect(t).
		Status(http.StatusOK).
		End()
}

func login(t *testing.T, h http.Handler, username string) string {
	res := apitest.New().
		Handler(h).
		Post("/users/login").
		JSON(fmt.Sprintf(`{"username": %q, "password": "secret-pass"}`, username)).
		Expect(t).
		Status(http.StatusOK).
		CookiePresent(DefaultCookieName).
		Assert(jsonpath.Present("$.access_token")).
		End()
	for _, c := range res.Response.Cookies() {
		if c.Name == DefaultCookieName {
			return c.Value
		}
	}
	t.Fatal("login did not set the session cookie")
	return ""
}

func TestRegisterLoginGetMe(t *testing.T) {
	h := newTestHandler(t, Options{})

	apitest.New().
		Handler(h).
		Post("/users/register").
		JSON(`{"username": "alice", "password": "wonderland", "email": "alice@example.com"}`).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.message", "registered")).
		Assert(jsonpath.Equal("$.user.username", "alice")).
		Assert(jsonpath.Equal("$.user.is_admin", false)).
		Assert(jsonpath.NotPresent("$.user.password_hash")).
		End()

	apitest.New().
		Handler(h).
		Post("/users/register").
		JSON(`{"username": "alice", "password": "wonderland", "email": "other@example.com"}`).
		Expect(t).
		Status(http.StatusConflict).
		End()

	apitest.New().
		Handler(h).
		Post("/users/login").
		JSON(`{"username": "alice", "password": "wrong-password"}`).
		Expect(t).
		Status(http.StatusUnauthorized).
		CookieNotPresent(DefaultCookieName).
		End()

	res := apitest.New().
		Handler(h).
		Post("/users/login").
		JSON(`{"username": "alice", "password": "wonderland"}`).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.token_type", "bearer")).
		End()
	var tk string
	for _, c := range res.Response.Cookies() {
		if c.Name == DefaultCookieName {
			tk = c.Value
			if c.HttpOnly || c.Secure {
				t.Fatal("default cookie policy should not set HttpOnly or Secure")
			}
		}
	}
	if tk == "" {
		t.Fatal("missing session cookie")
	}

	apitest.New().
		Handler(h).
		Get("/users/get_me").
		Cookie(DefaultCookieName, tk).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.username", "alice")).
		Assert(jsonpath.Equal("$.email", "alice@example.com")).
		End()

	apitest.New().
		Handler(h).
		Get("/users/get_me").
		Header("Authorization", "Bearer "+tk).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.username", "alice")).
		End()

	apitest.New().
		Handler(h).
		Get("/users/get_me").
		Expect(t).
		Status(http.StatusUnauthorized).
		End()

	apitest.New().
		Handler(h).
		Get("/users/get_me").
		Cookie(DefaultCookieName, tk+"tampered").
		Expect(t).
		Status(http.StatusUnauthorized).
		End()
}

func TestRegisterValidation(t *testing.T) {
	h := newTestHandler(t, Options{})
	for _, body := range []string{
		`{"username": "bob", "password": "short", "email": "bob@example.com"}`,
		`{"username": "bob", "password": "long-enough", "email": "not-an-email"}`,
		`{"username": "", "password": "long-enough", "email": "bob@example.com"}`,
		`{"username": "bob", "password": "long-enough"}`,
		fmt.Sprintf(`{"username": "bob", "password": %q, "email": "bob@example.com"}`, strings.Repeat("p", 80)),
		`not json`,
	} {
		apitest.New().
			Handler(h).
			Post("/users/register").
			JSON(body).
			Expect(t).
			Status(http.StatusUnprocessableEntity).
			Assert(jsonpath.Present("$.error")).
			End()
	}

	apitest.New().
		Handler(h).
		Post("/users/register").
		JSON(`{"username": "bob", "password": "long-enough", "user_mail": "bob@example.com"}`).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.user.email", "bob@example.com")).
		End()
}

func TestAdminFlow(t *testing.T) {
	h := newTestHandler(t, Options{})
	register(t, h, "carol")
	register(t, h, "dave")
	tk := login(t, h, "carol")

	apitest.New().
		Handler(h).
		Get("/users").
		Expect(t).
		Status(http.StatusUnauthorized).
		End()

	apitest.New().
		Handler(h).
		Get("/users").
		Cookie(DefaultCookieName, tk).
		Expect(t).
		Status(http.StatusForbidden).
		End()

	apitest.New().
		Handler(h).
		Put("/users/make_me_admin").
		Cookie(DefaultCookieName, tk).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.promoted", true)).
		End()

	apitest.New().
		Handler(h).
		Put("/users/make_me_admin").
		Cookie(DefaultCookieName, tk).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.promoted", false)).
		Assert(jsonpath.Equal("$.message", "already admin")).
		End()

	apitest.New().
		Handler(h).
		Get("/users").
		Cookie(DefaultCookieName, tk).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Len("$", 2)).
		Assert(jsonpath.Contains("$[*].username", "dave")).
		End()

	apitest.New().
		Handler(h).
		Put("/users/make_me_admin").
		Expect(t).
		Status(http.StatusUnauthorized).
		End()
}

func TestUserByID(t *testing.T) {
	h := newTestHandler(t, Options{})
	register(t, h, "erin")

	apitest.New().
		Handler(h).
		Get("/users/1").
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.username", "erin")).
		End()

	apitest.New().
		Handler(h).
		Get("/users/99").
		Expect(t).
		Status(http.StatusNotFound).
		Assert(jsonpath.Present("$.error")).
		End()

	apitest.New().
		Handler(h).
		Get("/users/abc").
		Expect(t).
		Status(http.StatusBadRequest).
		End()
}

func TestLogoutClearsCookie(t *testing.T) {
	h := newTestHandler(t, Options{})
	register(t, h, "frank")
	tk := login(t, h, "frank")

	res := apitest.New().
		Handler(h).
		Post("/users/logout").
		Cookie(DefaultCookieName, tk).
		Expect(t).
		Status(http.StatusOK).
		End()
	var cleared bool
	for _, c := range res.Response.Cookies() {
		if c.Name == DefaultCookieName && c.Value == "" && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("logout should expire the session cookie")
	}

	apitest.New().
		Handler(h).
		Post("/users/logout").
		Expect(t).
		Status(http.StatusOK).
		End()
}

func TestCookiePolicy(t *testing.T) {
	h := newTestHandler(t, Options{Cookie: CookiePolicy{Name: "sid", Secure: true, HTTPOnly: true}})
	register(t, h, "grace")
	res := apitest.New().
		Handler(h).
		Post("/users/login").
		JSON(`{"username": "grace", "password": "secret-pass"}`).
		Expect(t).
		Status(http.StatusOK).
		CookiePresent("sid").
		End()
	for _, c := range res.Response.Cookies() {
		if c.Name == "sid" && (!c.Secure || !c.HttpOnly) {
			t.Fatal("cookie policy was not applied")
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestHandler(t, Options{EventStats: func() events.Stats { return events.Stats{Published: 3} }})
	apitest.New().
		Handler(h).
		Get("/healthz").
		Expect(t).
		Status(http.StatusOK).
		End()
	apitest.New().
		Handler(h).
		Get("/users/1").
		Expect(t).
		Status(http.StatusNotFound).
		End()
	apitest.New().
		Handler(h).
		Get("/metrics").
		Expect(t).
		Status(http.StatusOK).
		Assert(func(res *http.Response, _ *http.Request) error {
			body, err := io.ReadAll(res.Body)
			if err != nil {
				return err
			}
			for _, want := range []string{
				`authbox_api_http_requests_total{method="GET",route="/users/:id",status="404"} 1`,
				`authbox_events_published_total 3`,
			} {
				if !strings.Contains(string(body), want) {
					return fmt.Errorf("metrics output is missing %v", want)
				}
			}
			return nil
		}).
		End()
}

func TestOAuthCallback(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/token":
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "token_type": "bearer"})
		case "/info":
			json.NewEncoder(w).Encode(map[string]string{"id": "77", "login": "heidi", "default_email": "heidi@yandex.ru"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer provider.Close()

	g := newTestGate(t)
	bridge, err := oauth.NewBridge(oauth.Config{
		Provider:     "yandex",
		ClientID:     "id",
		ClientSecret: "secret",
		AuthURL:      provider.URL + "/authorize",
		TokenURL:     provider.URL + "/token",
		ProfileURL:   provider.URL + "/info",
	}, g)
	if err != nil {
		t.Fatal(err)
	}
	h, err := AsHandler(context.Background(), g, Options{OAuth: bridge})
	if err != nil {
		t.Fatal(err)
	}

	res := apitest.New().
		Handler(h).
		Get("/oauth/login").
		Expect(t).
		Status(http.StatusFound).
		End()
	loc, err := url.Parse(res.Response.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	state := loc.Query().Get("state")

	apitest.New().
		Handler(h).
		Get("/oauth/callback").
		Query("state", "forged").
		Query("code", "abc").
		Expect(t).
		Status(http.StatusBadRequest).
		End()

	apitest.New().
		Handler(h).
		Get("/oauth/callback").
		Query("state", state).
		Query("code", "abc").
		Expect(t).
		Status(http.StatusOK).
		CookiePresent(DefaultCookieName).
		Assert(jsonpath.Equal("$.user.username", "heidi")).
		Assert(jsonpath.Equal("$.user.provider", "yandex")).
		End()
}

func TestOAuthDisabled(t *testing.T) {
	h := newTestHandler(t, Options{})
	apitest.New().
		Handler(h).
		Get("/oauth/login").
		Expect(t).
		Status(http.StatusNotFound).
		End()
}
