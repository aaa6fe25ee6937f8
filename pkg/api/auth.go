package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"mesh-maas/pkg/model"
	"mesh-maas/pkg/store"
)

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

var validRoles = map[string]bool{model.RoleAdmin: true, model.RoleOperator: true, model.RoleUser: true}

// handleRegister lets an admin create accounts with any role. Anonymous
// callers may only register the first account, which becomes admin.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) error {
	if s.users == nil || s.auth.Tokens == nil {
		return &httpError{status: http.StatusServiceUnavailable, detail: "user accounts are not configured"}
	}
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		return badRequest("invalid payload")
	}
	role := model.RoleAdmin
	if principal(r).IsAdmin() {
		role = req.Role
		if role == "" {
			role = model.RoleUser
		}
		if !validRoles[role] {
			return badRequest("unknown role")
		}
	} else {
		count, err := s.users.CountUsers(r.Context())
		if err != nil {
			return err
		}
		if count > 0 {
			return &httpError{status: http.StatusForbidden, detail: "registration closed"}
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user := model.User{Username: req.Username, PasswordHash: string(hash), Role: role}
	if err := s.users.CreateUser(r.Context(), &user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return &httpError{status: http.StatusConflict, detail: "username taken"}
		}
		return err
	}
	s.appendAudit(r, model.AuditEntry{Actor: principal(r).Username, Action: model.AuditUserRegistered, Target: user.Username, Detail: "role=" + role})
	token, err := s.auth.Tokens.Generate(user.ID, user.Username, user.Role, s.tokenTTL)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "role": role, "user_id": strconv.FormatUint(uint64(user.ID), 10)})
	return nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) error {
	if s.users == nil || s.auth.Tokens == nil {
		return &httpError{status: http.StatusServiceUnavailable, detail: "user accounts are not configured"}
	}
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		return badRequest("invalid payload")
	}
	invalid := &httpError{status: http.StatusUnauthorized, detail: "invalid credentials"}
	user, ok, err := s.users.FindUser(r.Context(), req.Username)
	if err != nil {
		return err
	}
	if !ok {
		return invalid
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return invalid
	}
	token, err := s.auth.Tokens.Generate(user.ID, user.Username, user.Role, s.tokenTTL)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "role": user.Role})
	return nil
}
