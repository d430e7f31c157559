package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"campusgate.org/internal/access"
	"campusgate.org/internal/audit"
)

// Service validates directory operations and routes membership lifecycle
// events through the synchronization engine.
type Service struct {
	store Store
	sync  *access.Synchronizer
}

// NewService constructs the directory service.
func NewService(store Store, sync *access.Synchronizer) (*Service, error) {
	if store == nil {
		return nil, errors.New("directory store is required")
	}
	if sync == nil {
		return nil, errors.New("synchronizer is required")
	}
	return &Service{store: store, sync: sync}, nil
}

func (s *Service) CreateInstitution(ctx context.Context, name, description, parentID string) (Institution, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Institution{}, fmt.Errorf("%w: institution name is required", ErrInvalidInput)
	}
	description = strings.TrimSpace(description)
	parentID = strings.TrimSpace(parentID)
	inst, err := s.store.CreateInstitution(ctx, name, description, parentID)
	if err != nil {
		return Institution{}, err
	}
	_ = audit.LogEvent(ctx, "institution.create", map[string]any{
		"institution_id": inst.ID,
		"name":           inst.Name,
	})
	return inst, nil
}

func (s *Service) GetInstitution(ctx context.Context, id string) (Institution, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Institution{}, fmt.Errorf("%w: institution_id is required", ErrInvalidInput)
	}
	return s.store.GetInstitution(ctx, id)
}

func (s *Service) ListInstitutions(ctx context.Context) ([]Institution, error) {
	return s.store.ListInstitutions(ctx)
}

func (s *Service) ListInstitutionsByIDs(ctx context.Context, ids []string) ([]Institution, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.store.ListInstitutionsByIDs(ctx, ids)
}

func (s *Service) UpdateInstitution(ctx context.Context, id string, upd InstitutionUpdate) (Institution, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Institution{}, fmt.Errorf("%w: institution_id is required", ErrInvalidInput)
	}
	if upd.Name != nil {
		trimmed := strings.TrimSpace(*upd.Name)
		if trimmed == "" {
			return Institution{}, fmt.Errorf("%w: institution name is required", ErrInvalidInput)
		}
		upd.Name = &trimmed
	}
	if upd.ParentID != nil {
		parent := strings.TrimSpace(*upd.ParentID)
		if parent == id {
			return Institution{}, fmt.Errorf("%w: institution cannot be its own parent", ErrInvalidInput)
		}
		upd.ParentID = &parent
	}
	return s.store.UpdateInstitution(ctx, id, upd)
}

// DeleteInstitution removes the institution. Children are detached (parent
// reference cleared), never cascaded; memberships and object grants on the
// deleted institution go with it.
func (s *Service) DeleteInstitution(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: institution_id is required", ErrInvalidInput)
	}
	if err := s.store.DeleteInstitution(ctx, id); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "institution.delete", map[string]any{
		"institution_id": id,
	})
	return nil
}

// AddMember creates the membership record and, in the same transaction,
// grants every permission kind the user's current roles confer.
func (s *Service) AddMember(ctx context.Context, userID, institutionID string) (Membership, error) {
	userID = strings.TrimSpace(userID)
	institutionID = strings.TrimSpace(institutionID)
	if userID == "" || institutionID == "" {
		return Membership{}, fmt.Errorf("%w: user_id and institution_id are required", ErrInvalidInput)
	}
	m, err := s.store.CreateMembership(ctx, userID, institutionID, s.sync.MembershipCreated)
	if err != nil {
		return Membership{}, err
	}
	_ = audit.LogEvent(ctx, "membership.create", map[string]any{
		"membership_id":  m.ID,
		"user_id":        userID,
		"institution_id": institutionID,
	})
	return m, nil
}

// RemoveMember deletes the membership record and revokes the conferred
// grants in the same transaction.
func (s *Service) RemoveMember(ctx context.Context, userID, institutionID string) error {
	userID = strings.TrimSpace(userID)
	institutionID = strings.TrimSpace(institutionID)
	if userID == "" || institutionID == "" {
		return fmt.Errorf("%w: user_id and institution_id are required", ErrInvalidInput)
	}
	if err := s.store.DeleteMembership(ctx, userID, institutionID, s.sync.MembershipDeleted); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "membership.delete", map[string]any{
		"user_id":        userID,
		"institution_id": institutionID,
	})
	return nil
}

func (s *Service) ListMemberships(ctx context.Context, userID string) ([]Membership, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.ListMemberships(ctx, userID)
}
