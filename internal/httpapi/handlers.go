package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"campusgate.org/internal/access"
	"campusgate.org/internal/directory"
	"campusgate.org/internal/identity"
	"campusgate.org/internal/obs"
)

// ReadyProbe checks readiness dependencies (currently a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the admin HTTP boundary.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	users     *identity.Service
	dir       *directory.Service
	evaluator *access.Evaluator
}

// New wires the admin surface over the domain services.
func New(rp ReadyProbe, version string, users *identity.Service, dir *directory.Service, evaluator *access.Evaluator) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		users:      users,
		dir:        dir,
		evaluator:  evaluator,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.HandleFunc("/v1/auth/token", a.handleToken)
	a.mux.HandleFunc("/v1/institutions", a.handleInstitutions)
	a.mux.HandleFunc("/v1/institutions/", a.handleInstitutionScoped)
	a.mux.HandleFunc("/v1/users", a.handleUsers)
	a.mux.HandleFunc("/v1/users/", a.handleUserScoped)
	a.mux.HandleFunc("/v1/permissions/check", a.handlePermissionCheck)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 20, 10)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- health and info ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "campusgate-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "campusgate-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// handleDomainError maps domain sentinels onto HTTP status codes.
func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrInvalidInput),
		errors.Is(err, identity.ErrInvalidInput),
		errors.Is(err, access.ErrInvalidInput),
		errors.Is(err, access.ErrScopeMismatch),
		errors.Is(err, access.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, directory.ErrNotFound), errors.Is(err, identity.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, directory.ErrConflict), errors.Is(err, identity.ErrConflict):
		writeError(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, access.ErrUnknownRole):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
