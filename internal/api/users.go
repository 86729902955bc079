package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetlab/fleetlab-core/internal/auth"
)

// handleMe returns the authenticated caller's account record.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := callerIdentity(r.Context())
	if !ok {
		writeUnauthorized(w, "bearer token is required")
		return
	}

	user, err := s.users.GetByEmail(r.Context(), id.email)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			// Session token for an account that no longer exists
			writeUnauthorized(w, "unknown account")
			return
		}
		writeInternalError(w, "failed to load account")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// handleListUsers returns all user accounts.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

// createUserRequest is the request body for POST /users.
type createUserRequest struct {
	Email     string         `json:"email"`
	Name      string         `json:"name"`
	Privilege auth.Privilege `json:"privilege"`
}

// handleCreateUser creates a new user account.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if !auth.IsValidEmail(req.Email) {
		writeBadRequest(w, "a valid email address is required")
		return
	}
	if req.Privilege == "" {
		req.Privilege = auth.PrivilegeUser
	}
	if !auth.IsValidPrivilege(req.Privilege) {
		writeBadRequest(w, "privilege must be user or admin")
		return
	}

	user := &auth.User{
		Email:     req.Email,
		Name:      req.Name,
		Privilege: req.Privilege,
		IsActive:  true,
	}
	if err := s.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeConflict(w, ErrCodeConflict, "user already exists")
			return
		}
		writeInternalError(w, "failed to create user")
		return
	}

	s.logger.Info("user created", "email", user.Email, "privilege", user.Privilege)
	writeJSON(w, http.StatusCreated, user)
}

// updateUserRequest is the request body for PATCH /users/{email}.
// Accounts are deactivated rather than deleted so the audit trail keeps
// a resolvable actor.
type updateUserRequest struct {
	IsActive *bool `json:"is_active"`
}

// handleUpdateUser activates or deactivates a user account.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")

	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.IsActive == nil {
		writeBadRequest(w, "is_active field is required")
		return
	}

	if err := s.users.SetActive(r.Context(), email, *req.IsActive); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeNotFound(w, "user not found")
			return
		}
		writeInternalError(w, "failed to update user")
		return
	}

	// Deactivation revokes every API token the account holds. Session
	// tokens are rejected by the auth middleware once the account record
	// flips, so they need no revocation list.
	if !*req.IsActive {
		revoked, err := s.tokens.DeleteAllForUser(r.Context(), email)
		if err != nil {
			s.logger.Error("failed to revoke tokens for deactivated user", "email", email, "error", err)
		} else if revoked > 0 {
			s.logger.Info("revoked tokens for deactivated user", "email", email, "count", revoked)
		}
	}

	user, err := s.users.GetByEmail(r.Context(), email)
	if err != nil {
		writeInternalError(w, "failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}
