package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Subject is the minimal view of a user the evaluator needs.
type Subject struct {
	ID        string
	Superuser bool
}

// GrantReader is the lock-free read side of the grant store. Reads may race
// with in-flight synchronization transactions; callers tolerate eventually
// consistent answers.
type GrantReader interface {
	HasGrant(ctx context.Context, g Grant) (bool, error)
	InstitutionIDsWithAny(ctx context.Context, userID string, kinds []Kind) ([]string, error)
}

// RoleReader resolves a user's current role names.
type RoleReader interface {
	RoleNames(ctx context.Context, userID string) ([]string, error)
}

// Evaluator answers permission questions against the grant store. All
// superuser bypassing is centralized here; callers never re-implement it.
type Evaluator struct {
	policy Policy
	grants GrantReader
	roles  RoleReader
}

// NewEvaluator constructs an evaluator over the given policy and stores.
func NewEvaluator(policy Policy, grants GrantReader, roles RoleReader) (*Evaluator, error) {
	if len(policy.roles) == 0 {
		return nil, errors.New("access: policy is required")
	}
	if grants == nil {
		return nil, errors.New("access: grant reader is required")
	}
	if roles == nil {
		return nil, errors.New("access: role reader is required")
	}
	return &Evaluator{policy: policy, grants: grants, roles: roles}, nil
}

// HasPermission reports whether the subject holds the kind. Superusers pass
// unconditionally. With an institution supplied only the object store is
// consulted; without one only the global store. There is no fallback between
// the two: the caller decides which question it is asking.
func (e *Evaluator) HasPermission(ctx context.Context, sub Subject, kind Kind, institutionID string) (bool, error) {
	if strings.TrimSpace(sub.ID) == "" {
		return false, fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	scope, ok := catalog[kind]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if sub.Superuser {
		return true, nil
	}
	institutionID = strings.TrimSpace(institutionID)
	if institutionID != "" && scope != ScopeObject {
		return false, fmt.Errorf("%w: %s is not object-scoped", ErrScopeMismatch, kind)
	}
	if institutionID == "" && scope != ScopeGlobal {
		return false, fmt.Errorf("%w: %s requires an institution", ErrScopeMismatch, kind)
	}
	return e.grants.HasGrant(ctx, Grant{UserID: sub.ID, Kind: kind, InstitutionID: institutionID})
}

// VisibleInstitutionIDs returns every institution for which the subject holds
// at least one object-scoped kind its roles confer. Superusers are not
// special-cased here; the calling layer routes them to the unrestricted
// listing instead.
func (e *Evaluator) VisibleInstitutionIDs(ctx context.Context, sub Subject) ([]string, error) {
	if strings.TrimSpace(sub.ID) == "" {
		return nil, fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	roles, err := e.roles.RoleNames(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	kinds, err := e.policy.ObjectKindsForRoles(roles)
	if err != nil {
		return nil, err
	}
	if len(kinds) == 0 {
		return nil, nil
	}
	return e.grants.InstitutionIDsWithAny(ctx, sub.ID, kinds)
}

// The four checks the admin boundary calls before rendering or allowing an
// action. They exist so the UI layer never composes raw kinds itself.

// CanViewModule is the module-visibility check (global view).
func (e *Evaluator) CanViewModule(ctx context.Context, sub Subject) (bool, error) {
	return e.HasPermission(ctx, sub, KindViewInstitution, "")
}

// CanAdd is the global add check.
func (e *Evaluator) CanAdd(ctx context.Context, sub Subject) (bool, error) {
	return e.HasPermission(ctx, sub, KindAddInstitution, "")
}

// CanChange is the change-on-object check.
func (e *Evaluator) CanChange(ctx context.Context, sub Subject, institutionID string) (bool, error) {
	return e.HasPermission(ctx, sub, KindChangeInstitutionObject, institutionID)
}

// CanView is the view-on-object check. Without an object it falls back to the
// module-visibility check: the UI asks with no object context on initial load.
func (e *Evaluator) CanView(ctx context.Context, sub Subject, institutionID string) (bool, error) {
	if strings.TrimSpace(institutionID) == "" {
		return e.CanViewModule(ctx, sub)
	}
	return e.HasPermission(ctx, sub, KindViewInstitutionObject, institutionID)
}
