package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"campusgate.org/internal/access"
	"campusgate.org/internal/auth"
	"campusgate.org/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	tokenTTL = 12 * time.Hour
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := auth.ContextWithUser(r.Context(), claims.Subject, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleToken exchanges email/password for a bearer token carrying the
// user's id and role names.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.users.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := identity.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := auth.GenerateToken(user.ID, user.Roles, tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(tokenTTL.Seconds()),
	})
}

// subject builds the evaluator subject for the authenticated request. The
// superuser flag is derived from the token's role set, which mirrors the
// persisted is_superuser flag.
func subjectFromRequest(r *http.Request) (access.Subject, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return access.Subject{}, false
	}
	_, isSuperuser := access.DeriveFlags(auth.RolesFromContext(r.Context()))
	return access.Subject{ID: userID, Superuser: isSuperuser}, true
}

// requireStaff gates user-management routes to staff accounts.
func (a *API) requireStaff(w http.ResponseWriter, r *http.Request) bool {
	isStaff, _ := access.DeriveFlags(auth.RolesFromContext(r.Context()))
	if !isStaff {
		writeError(w, http.StatusForbidden, "staff role required")
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
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
