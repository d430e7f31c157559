package directory

import (
	"context"

	"campusgate.org/internal/access"
)

// SyncFunc runs inside the membership mutation transaction. The store passes
// a transaction-scoped grant view so the membership row change and the grant
// delta commit or roll back as one unit.
type SyncFunc func(ctx context.Context, tx access.SyncTx, m access.Membership) error

// Store is the persistence surface for institutions and memberships.
type Store interface {
	CreateInstitution(ctx context.Context, name, description, parentID string) (Institution, error)
	GetInstitution(ctx context.Context, id string) (Institution, error)
	ListInstitutions(ctx context.Context) ([]Institution, error)
	ListInstitutionsByIDs(ctx context.Context, ids []string) ([]Institution, error)
	UpdateInstitution(ctx context.Context, id string, upd InstitutionUpdate) (Institution, error)
	DeleteInstitution(ctx context.Context, id string) error

	CreateMembership(ctx context.Context, userID, institutionID string, sync SyncFunc) (Membership, error)
	DeleteMembership(ctx context.Context, userID, institutionID string, sync SyncFunc) error
	ListMemberships(ctx context.Context, userID string) ([]Membership, error)
}
