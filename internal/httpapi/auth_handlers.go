package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/pvhip/GymMaster/internal/audit"
	"github.com/pvhip/GymMaster/internal/catalog"
	"github.com/pvhip/GymMaster/internal/enrollment"
)

type tokenRequest struct {
	UserID string `json:"user_id"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// issueToken lets an admin mint a bearer token for an existing user.
func (a *API) issueToken(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	if u.Role != catalog.RoleAdmin {
		writeError(w, r, http.StatusForbidden, enrollment.CodeForbidden, "only admins may issue tokens")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, enrollment.CodeInvalidArgument, err.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, enrollment.CodeInvalidArgument, "user_id is required")
		return
	}
	if _, err := a.svc.Actor(r.Context(), userID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	token, expiresAt, err := a.signer.Sign(userID, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, enrollment.CodeInternal, "token generation failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"subject":    userID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
