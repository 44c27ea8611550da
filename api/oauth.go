package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

func (s *server) oauthLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	target, err := s.oauth.AuthCodeURL(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *server) oauthCallback(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "provider refused the login: " + e})
		return
	}
	if err := s.oauth.ConsumeState(r.Context(), q.Get("state")); err != nil {
		writeError(w, r, err)
		return
	}
	code := q.Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing authorization code"})
		return
	}
	u, err := s.oauth.Authenticate(r.Context(), code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	token, err := s.gate.StartSession(r.Context(), u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.realm.setSession(w, token)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer", User: u})
}
