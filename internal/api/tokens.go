package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetlab/fleetlab-core/internal/auth"
)

// handleListTokens returns the caller's access tokens. Hashes are never
// serialised; only metadata is visible.
func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	id, ok := callerIdentity(r.Context())
	if !ok {
		writeUnauthorized(w, "bearer token is required")
		return
	}

	tokens, err := s.tokens.ListByUser(r.Context(), id.email)
	if err != nil {
		writeInternalError(w, "failed to list tokens")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens, "count": len(tokens)})
}

// createTokenRequest is the request body for POST /auth/tokens.
type createTokenRequest struct {
	Title string `json:"title"`
}

// createTokenResponse carries the raw token. This is the only time the
// token is visible; afterwards only its hash exists server-side.
type createTokenResponse struct {
	Token       string           `json:"token"`
	AccessToken auth.AccessToken `json:"access_token"`
}

// handleCreateToken mints a new API access token for the caller.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	id, ok := callerIdentity(r.Context())
	if !ok {
		writeUnauthorized(w, "bearer token is required")
		return
	}

	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Title == "" {
		writeBadRequest(w, "title field is required")
		return
	}

	raw, err := auth.GenerateAPIToken()
	if err != nil {
		writeInternalError(w, "failed to generate token")
		return
	}

	token := &auth.AccessToken{
		UserEmail: id.email,
		Title:     req.Title,
		TokenHash: auth.HashToken(raw),
	}
	if err := s.tokens.Create(r.Context(), token); err != nil {
		writeInternalError(w, "failed to store token")
		return
	}

	s.logger.Info("access token created", "email", id.email, "token_id", token.ID)
	writeJSON(w, http.StatusCreated, createTokenResponse{
		Token:       raw,
		AccessToken: *token,
	})
}

// handleDeleteToken revokes one of the caller's access tokens. Admins may
// revoke anyone's token.
func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "id")
	id, ok := callerIdentity(r.Context())
	if !ok {
		writeUnauthorized(w, "bearer token is required")
		return
	}

	// Ownership check: the token must belong to the caller unless admin.
	if id.privilege != auth.PrivilegeAdmin {
		owned, err := s.tokens.ListByUser(r.Context(), id.email)
		if err != nil {
			writeInternalError(w, "failed to verify token ownership")
			return
		}
		mine := false
		for i := range owned {
			if owned[i].ID == tokenID {
				mine = true
				break
			}
		}
		if !mine {
			writeNotFound(w, "token not found")
			return
		}
	}

	if err := s.tokens.Delete(r.Context(), tokenID); err != nil {
		if errors.Is(err, auth.ErrTokenNotFound) {
			writeNotFound(w, "token not found")
			return
		}
		writeInternalError(w, "failed to delete token")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
