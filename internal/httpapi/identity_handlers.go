package httpapi

import (
	"net/http"
	"strings"

	"campusgate.org/internal/access"
	"campusgate.org/internal/identity"
)

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

type permissionCheckRequest struct {
	Permission    string `json:"permission"`
	InstitutionID string `json:"institution_id"`
}

// handleUsers serves the user collection. User management is staff-only.
func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if !a.requireStaff(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		users, err := a.users.ListUsers(r.Context())
		if err != nil {
			handleDomainError(w, err)
			return
		}
		if users == nil {
			users = []identity.User{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	case http.MethodPost:
		var req createUserRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		user, err := a.users.CreateUser(r.Context(), req.Email, req.Password)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, user)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// handleUserScoped serves /v1/users/{id}, its /roles sub-resource and its
// /memberships listing.
func (a *API) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	if !a.requireStaff(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		a.userByID(w, r, id)
	case len(parts) == 2 && parts[1] == "roles":
		a.userRoles(w, r, id, "")
	case len(parts) == 3 && parts[1] == "roles":
		a.userRoles(w, r, id, parts[2])
	case len(parts) == 2 && parts[1] == "memberships":
		a.userMemberships(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) userByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		user, err := a.users.GetUser(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodDelete:
		if err := a.users.DeleteUser(r.Context(), id); err != nil {
			handleDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) userRoles(w http.ResponseWriter, r *http.Request, userID, role string) {
	switch {
	case r.Method == http.MethodPost && role == "":
		var req assignRoleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.users.AssignRole(r.Context(), userID, req.Role); err != nil {
			handleDomainError(w, err)
			return
		}
		a.writeUserRoles(w, r, userID)
	case r.Method == http.MethodDelete && role != "":
		if err := a.users.RemoveRole(r.Context(), userID, role); err != nil {
			handleDomainError(w, err)
			return
		}
		a.writeUserRoles(w, r, userID)
	case r.Method == http.MethodDelete && role == "":
		if err := a.users.ClearRoles(r.Context(), userID); err != nil {
			handleDomainError(w, err)
			return
		}
		a.writeUserRoles(w, r, userID)
	default:
		methodNotAllowed(w, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) writeUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	user, err := a.users.GetUser(r.Context(), userID)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      user.ID,
		"roles":        user.Roles,
		"is_staff":     user.IsStaff,
		"is_superuser": user.IsSuperuser,
	})
}

func (a *API) userMemberships(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	memberships, err := a.dir.ListMemberships(r.Context(), userID)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memberships": memberships})
}

// handlePermissionCheck answers "does the caller hold this permission" for
// the authenticated subject. View-on-object checks route through CanView so
// an omitted institution falls back to module visibility; every other kind
// is checked strictly against its scope.
func (a *API) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	sub, ok := subjectFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req permissionCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind := access.Kind(strings.TrimSpace(req.Permission))

	var (
		allowed bool
		err     error
	)
	if kind == access.KindViewInstitutionObject {
		allowed, err = a.evaluator.CanView(r.Context(), sub, req.InstitutionID)
	} else {
		allowed, err = a.evaluator.HasPermission(r.Context(), sub, kind, req.InstitutionID)
	}
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"permission":     string(kind),
		"institution_id": strings.TrimSpace(req.InstitutionID),
		"allowed":        allowed,
	})
}
