package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/pvhip/GymMaster/internal/auth"
	"github.com/pvhip/GymMaster/internal/ledger"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

// withAuth verifies the bearer token and resolves its subject against the
// directory. Role and status always come from the directory record.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		claims, err := a.signer.Verify(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}
		user, err := a.svc.Actor(r.Context(), claims.Subject)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", "unknown subject")
			return
		case err != nil:
			handleServiceError(w, r, err)
			return
		}
		ctx := auth.ContextWithActor(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
