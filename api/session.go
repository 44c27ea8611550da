package api

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/andrebq/authbox/gate"
	"github.com/andrebq/authbox/internal/logutil"
	"github.com/julienschmidt/httprouter"
)

type (
	// CookiePolicy controls the session cookie. Secure and HTTPOnly are off
	// by default so browser scripts and plain http deployments keep working,
	// operators should turn them on behind TLS.
	CookiePolicy struct {
		Name     string
		Path     string
		Secure   bool
		HTTPOnly bool
		MaxAge   time.Duration
		SameSite http.SameSite
	}

	realm struct {
		gate   *gate.Gate
		cookie CookiePolicy
	}

	userKey byte
)

const (
	DefaultCookieName = "users_access_token"

	currentUserKey = userKey(1)
)

var (
	bearerTokenRE = regexp.MustCompile(`^Bearer ([^\s]+)$`)
)

func (c CookiePolicy) withDefaults() CookiePolicy {
	if c.Name == "" {
		c.Name = DefaultCookieName
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.SameSite == 0 {
		c.SameSite = http.SameSiteLaxMode
	}
	return c
}

// Protect resolves the session before calling sensitive, requests without
// a valid session never reach it.
func (s *realm) Protect(sensitive httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		user, err := s.gate.ResolveSession(r.Context(), s.tokenFrom(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		sensitive(w, r.WithContext(context.WithValue(r.Context(), currentUserKey, user)), ps)
	}
}

// tokenFrom prefers the session cookie and falls back to the
// Authorization header.
func (s *realm) tokenFrom(r *http.Request) string {
	if c, err := r.Cookie(s.cookie.Name); err == nil && c.Value != "" {
		return c.Value
	}
	groups := bearerTokenRE.FindStringSubmatch(r.Header.Get("Authorization"))
	if len(groups) == 0 {
		lg := logutil.GetOrDefault(r.Context())
		lg.Debug().Msg("Session token not found")
		return ""
	}
	return groups[1]
}

func (s *realm) setSession(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie.Name,
		Value:    token,
		Path:     s.cookie.Path,
		MaxAge:   int(s.cookie.MaxAge / time.Second),
		Secure:   s.cookie.Secure,
		HttpOnly: s.cookie.HTTPOnly,
		SameSite: s.cookie.SameSite,
	})
}

func (s *realm) clearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie.Name,
		Value:    "",
		Path:     s.cookie.Path,
		MaxAge:   -1,
		Secure:   s.cookie.Secure,
		HttpOnly: s.cookie.HTTPOnly,
		SameSite: s.cookie.SameSite,
	})
}

func currentUser(ctx context.Context) gate.User {
	u, _ := ctx.Value(currentUserKey).(gate.User)
	return u
}
