package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/omochice/duo-chat/internal/server/userdb"
	"github.com/omochice/duo-chat/pkg/wire"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type credentialsResponse struct {
	Token string    `json:"token"`
	User  wire.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username, email and password are required")
		return
	}

	u, err := s.users.Create(req.Username, req.Email, req.Password)
	if errors.Is(err, userdb.ErrExists) {
		writeError(w, http.StatusConflict, "account already exists")
		return
	}
	if err != nil {
		s.log.Error("failed to create account", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.issueCredentials(w, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := s.users.Authenticate(req.Email, req.Password)
	if errors.Is(err, userdb.ErrBadCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		s.log.Error("failed to authenticate", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.issueCredentials(w, u)
}

// issueCredentials mints a connection token for the account and returns
// it with the public user record.
func (s *Server) issueCredentials(w http.ResponseWriter, u userdb.User) {
	user := wire.User{ID: u.ID, Username: u.Username}
	token := uuid.NewString()

	s.mu.Lock()
	s.tokens[token] = user
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(credentialsResponse{Token: token, User: user})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
