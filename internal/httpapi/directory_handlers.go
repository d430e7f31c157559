package httpapi

import (
	"net/http"
	"strings"

	"campusgate.org/internal/access"
	"campusgate.org/internal/directory"
)

type createInstitutionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ParentID    string `json:"parent_id"`
}

type updateInstitutionRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	ParentID    *string `json:"parent_id"`
	Active      *bool   `json:"active"`
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

// handleInstitutions serves the collection: list and create.
func (a *API) handleInstitutions(w http.ResponseWriter, r *http.Request) {
	sub, ok := subjectFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.listInstitutions(w, r, sub)
	case http.MethodPost:
		a.createInstitution(w, r, sub)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// listInstitutions narrows the listing to the caller's visibility. The
// module-level view permission gates access to the listing; the rows are
// narrowed to institutions the caller's object grants cover. Superusers see
// everything.
func (a *API) listInstitutions(w http.ResponseWriter, r *http.Request, sub access.Subject) {
	var (
		insts []directory.Institution
		err   error
	)
	if sub.Superuser {
		insts, err = a.dir.ListInstitutions(r.Context())
	} else {
		if !a.allow(w, r, func() (bool, error) { return a.evaluator.CanViewModule(r.Context(), sub) }) {
			return
		}
		var ids []string
		ids, err = a.evaluator.VisibleInstitutionIDs(r.Context(), sub)
		if err == nil {
			insts, err = a.dir.ListInstitutionsByIDs(r.Context(), ids)
		}
	}
	if err != nil {
		handleDomainError(w, err)
		return
	}
	if insts == nil {
		insts = []directory.Institution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"institutions": insts})
}

func (a *API) createInstitution(w http.ResponseWriter, r *http.Request, sub access.Subject) {
	allowed, err := a.evaluator.CanAdd(r.Context(), sub)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}
	var req createInstitutionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inst, err := a.dir.CreateInstitution(r.Context(), req.Name, req.Description, req.ParentID)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// handleInstitutionScoped serves /v1/institutions/{id} and its
// /memberships sub-resource.
func (a *API) handleInstitutionScoped(w http.ResponseWriter, r *http.Request) {
	sub, ok := subjectFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/institutions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		writeError(w, http.StatusBadRequest, "institution id is required")
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		a.institutionByID(w, r, sub, id)
	case len(parts) == 2 && parts[1] == "memberships":
		a.institutionMemberships(w, r, sub, id, "")
	case len(parts) == 3 && parts[1] == "memberships":
		a.institutionMemberships(w, r, sub, id, parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (a *API) institutionByID(w http.ResponseWriter, r *http.Request, sub access.Subject, id string) {
	switch r.Method {
	case http.MethodGet:
		if !a.allow(w, r, func() (bool, error) { return a.evaluator.CanView(r.Context(), sub, id) }) {
			return
		}
		inst, err := a.dir.GetInstitution(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	case http.MethodPatch:
		if !a.allow(w, r, func() (bool, error) { return a.evaluator.CanChange(r.Context(), sub, id) }) {
			return
		}
		var req updateInstitutionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		inst, err := a.dir.UpdateInstitution(r.Context(), id, directory.InstitutionUpdate{
			Name:        req.Name,
			Description: req.Description,
			ParentID:    req.ParentID,
			Active:      req.Active,
		})
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	case http.MethodDelete:
		// Deletion is a module-level power, not something an object grant
		// confers.
		if !a.allow(w, r, func() (bool, error) {
			return a.evaluator.HasPermission(r.Context(), sub, access.KindDeleteInstitution, "")
		}) {
			return
		}
		if err := a.dir.DeleteInstitution(r.Context(), id); err != nil {
			handleDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) institutionMemberships(w http.ResponseWriter, r *http.Request, sub access.Subject, institutionID, userID string) {
	if !a.allow(w, r, func() (bool, error) { return a.evaluator.CanChange(r.Context(), sub, institutionID) }) {
		return
	}
	switch {
	case r.Method == http.MethodPost && userID == "":
		var req addMemberRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		m, err := a.dir.AddMember(r.Context(), req.UserID, institutionID)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	case r.Method == http.MethodDelete && userID != "":
		if err := a.dir.RemoveMember(r.Context(), userID, institutionID); err != nil {
			handleDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodPost, http.MethodDelete)
	}
}

// allow runs a permission check and writes the denial if it fails.
func (a *API) allow(w http.ResponseWriter, r *http.Request, check func() (bool, error)) bool {
	allowed, err := check()
	if err != nil {
		handleDomainError(w, err)
		return false
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "permission denied")
		return false
	}
	return true
}
