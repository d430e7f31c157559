package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"campusgate.org/internal/obs"
)

// Grant is one recorded (user, kind, optional institution) fact. A global
// kind leaves InstitutionID empty; an object-scoped kind carries the target.
type Grant struct {
	UserID        string
	Kind          Kind
	InstitutionID string
}

// Membership identifies the (user, institution) pair whose lifecycle event is
// being synchronized.
type Membership struct {
	UserID        string
	InstitutionID string
}

// SyncTx is the transaction-scoped surface the engine writes through. The
// membership store opens the transaction around the triggering row change and
// hands the engine this view, so grants commit or roll back together with the
// membership itself. Grant and Revoke are idempotent: re-granting a held
// permission and revoking an absent one are no-ops.
type SyncTx interface {
	RoleNames(ctx context.Context, userID string) ([]string, error)
	Grant(ctx context.Context, g Grant) error
	Revoke(ctx context.Context, g Grant) error
}

// FlagStore persists the derived staff/superuser flags.
type FlagStore interface {
	RoleNames(ctx context.Context, userID string) ([]string, error)
	SetDerivedFlags(ctx context.Context, userID string, isStaff, isSuperuser bool) error
}

// Synchronizer reacts to membership lifecycle events and role-set changes,
// keeping the grant store aligned with the injected policy.
type Synchronizer struct {
	policy Policy
	flags  FlagStore
}

// NewSynchronizer constructs the engine with its read-only policy.
func NewSynchronizer(policy Policy, flags FlagStore) (*Synchronizer, error) {
	if len(policy.roles) == 0 {
		return nil, errors.New("access: policy is required")
	}
	if flags == nil {
		return nil, errors.New("access: flag store is required")
	}
	return &Synchronizer{policy: policy, flags: flags}, nil
}

// MembershipCreated grants every kind the user's current roles confer:
// object-scoped kinds against the membership's institution, global kinds
// without a target.
func (s *Synchronizer) MembershipCreated(ctx context.Context, tx SyncTx, m Membership) error {
	grants, err := s.expand(ctx, tx, m)
	if err != nil {
		return err
	}
	for _, g := range grants {
		if err := tx.Grant(ctx, g); err != nil {
			return fmt.Errorf("grant %s: %w", g.Kind, err)
		}
		obs.ObserveGrantOp("grant", scopeLabel(g))
	}
	return nil
}

// MembershipDeleted revokes every kind conferred by the roles held at the
// time of deletion.
func (s *Synchronizer) MembershipDeleted(ctx context.Context, tx SyncTx, m Membership) error {
	grants, err := s.expand(ctx, tx, m)
	if err != nil {
		return err
	}
	for _, g := range grants {
		if err := tx.Revoke(ctx, g); err != nil {
			return fmt.Errorf("revoke %s: %w", g.Kind, err)
		}
		obs.ObserveGrantOp("revoke", scopeLabel(g))
	}
	return nil
}

// RoleSetChanged recomputes the derived staff/superuser flags. It does not
// re-synchronize object grants for institutions the user already belongs to;
// those stay as granted until the next membership event on that institution.
func (s *Synchronizer) RoleSetChanged(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	roles, err := s.flags.RoleNames(ctx, userID)
	if err != nil {
		return err
	}
	isStaff, isSuperuser := DeriveFlags(roles)
	return s.flags.SetDerivedFlags(ctx, userID, isStaff, isSuperuser)
}

func (s *Synchronizer) expand(ctx context.Context, tx SyncTx, m Membership) ([]Grant, error) {
	if tx == nil {
		return nil, errors.New("access: sync tx is required")
	}
	if m.UserID == "" || m.InstitutionID == "" {
		return nil, fmt.Errorf("%w: membership user and institution are required", ErrInvalidInput)
	}
	roles, err := tx.RoleNames(ctx, m.UserID)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	kinds, err := s.policy.KindsForRoles(roles)
	if err != nil {
		return nil, err
	}
	grants := make([]Grant, 0, len(kinds))
	for _, k := range kinds {
		g := Grant{UserID: m.UserID, Kind: k}
		if catalog[k] == ScopeObject {
			g.InstitutionID = m.InstitutionID
		}
		grants = append(grants, g)
	}
	return grants, nil
}

func scopeLabel(g Grant) string {
	if g.InstitutionID == "" {
		return string(ScopeGlobal)
	}
	return string(ScopeObject)
}
