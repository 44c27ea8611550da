package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/andrebq/authbox/events"
	"github.com/andrebq/authbox/gate"
	"github.com/andrebq/authbox/internal/logutil"
	"github.com/andrebq/authbox/oauth"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
)

type (
	Options struct {
		Cookie CookiePolicy
		// OAuth enables the /oauth routes when set.
		OAuth *oauth.Bridge
		// Registry receives the http metrics, a private registry is used
		// when nil.
		Registry   *prometheus.Registry
		EventStats func() events.Stats
	}

	server struct {
		gate  *gate.Gate
		realm *realm
		oauth *oauth.Bridge
	}
)

func AsHandler(ctx context.Context, g *gate.Gate, opts Options) (http.Handler, error) {
	if g == nil {
		return nil, errors.New("api: missing gate")
	}
	m, err := newMetrics(opts.Registry, opts.EventStats)
	if err != nil {
		return nil, err
	}
	s := &server{
		gate:  g,
		realm: &realm{gate: g, cookie: opts.Cookie.withDefaults()},
		oauth: opts.OAuth,
	}
	log := logutil.GetOrDefault(ctx)

	router := httprouter.New()
	handle := func(method, route string, h httprouter.Handle) {
		router.Handle(method, route, instrument(log, m, route, h))
	}
	handle(http.MethodGet, "/users", s.realm.Protect(s.listUsers))
	handle(http.MethodPost, "/users/register", s.register)
	handle(http.MethodPost, "/users/login", s.login)
	handle(http.MethodPost, "/users/logout", s.logout)
	handle(http.MethodPut, "/users/make_me_admin", s.realm.Protect(s.makeMeAdmin))
	// httprouter cannot mix /users/get_me and /users/:id on the same level
	handle(http.MethodGet, "/users/:id", s.userByID)

	if s.oauth != nil {
		handle(http.MethodGet, "/oauth/login", s.oauthLogin)
		handle(http.MethodGet, "/oauth/callback", s.oauthCallback)
	}

	router.HandlerFunc(http.MethodGet, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Handler(http.MethodGet, "/metrics", m.handler())
	return router, nil
}
