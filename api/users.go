package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"github.com/andrebq/authbox/gate"
	"github.com/andrebq/authbox/password"
	"github.com/julienschmidt/httprouter"
)

type (
	registerRequest struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
		// older clients send the email as user_mail
		UserMail string `json:"user_mail"`
	}

	loginRequest struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	messageResponse struct {
		Message string     `json:"message"`
		User    *gate.User `json:"user,omitempty"`
	}

	tokenResponse struct {
		AccessToken string    `json:"access_token"`
		TokenType   string    `json:"token_type"`
		User        gate.User `json:"user"`
	}

	promotionResponse struct {
		Message  string `json:"message"`
		Promoted bool   `json:"promoted"`
	}
)

const (
	maxBodySize = 64 * 1024
)

func decodeBody(r *http.Request, out interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(out)
	if err != nil {
		return validationError{msg: fmt.Sprintf("invalid json body: %v", err)}
	}
	return nil
}

func (r *registerRequest) validate() error {
	r.Username = strings.TrimSpace(r.Username)
	if r.Email == "" {
		r.Email = r.UserMail
	}
	r.Email = strings.TrimSpace(r.Email)
	switch {
	case r.Username == "":
		return validationError{msg: "username is required"}
	case r.Email == "":
		return validationError{msg: "email is required"}
	}
	if err := password.CheckPolicy(r.Password); err != nil {
		return validationError{msg: err.Error()}
	}
	addr, err := mail.ParseAddress(r.Email)
	if err != nil || addr.Address != r.Email {
		return validationError{msg: fmt.Sprintf("%q is not a valid email address", r.Email)}
	}
	return nil
}

func (s *server) register(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := s.gate.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "registered", User: &u})
}

func (s *server) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	token, u, err := s.gate.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.realm.setSession(w, token)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer", User: u})
}

func (s *server) logout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var actor *gate.User
	if u, err := s.gate.ResolveSession(r.Context(), s.realm.tokenFrom(r)); err == nil {
		actor = &u
	}
	s.gate.Logout(r.Context(), actor)
	s.realm.clearSession(w)
	writeJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

func (s *server) getMe(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, currentUser(r.Context()))
}

func (s *server) makeMeAdmin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	res, err := s.gate.PromoteToAdmin(r.Context(), currentUser(r.Context()).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, promotionResponse{Message: res.String(), Promoted: res == gate.Promoted})
}

func (s *server) listUsers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	users, err := s.gate.ListUsers(r.Context(), currentUser(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *server) userByID(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	raw := ps.ByName("id")
	if raw == "get_me" {
		s.realm.Protect(s.getMe)(w, r, ps)
		return
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("%q is not a valid user id", raw)})
		return
	}
	u, err := s.gate.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
