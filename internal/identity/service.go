package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"campusgate.org/internal/access"
	"campusgate.org/internal/audit"
	"campusgate.org/internal/obs"
)

// DefaultRole is assigned whenever a user would otherwise end up roleless.
const DefaultRole = access.RoleStudent

// Service owns the user lifecycle, including the transactional contract with
// the external identity provider.
type Service struct {
	store    Store
	provider Provider
	sync     *access.Synchronizer
}

// NewService constructs the identity service.
func NewService(store Store, provider Provider, sync *access.Synchronizer) (*Service, error) {
	if store == nil {
		return nil, errors.New("identity store is required")
	}
	if provider == nil {
		return nil, errors.New("identity provider is required")
	}
	if sync == nil {
		return nil, errors.New("synchronizer is required")
	}
	return &Service{store: store, provider: provider, sync: sync}, nil
}

// CreateUser creates the remote identity-provider account and the local
// record as one logical transaction. Validation failures reject synchronously
// with no side effects. If the local persist fails after the remote account
// exists, the remote account is deleted as a best-effort compensation and the
// operation reports an integrity failure carrying the underlying cause.
func (s *Service) CreateUser(ctx context.Context, email, password string) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	password = strings.TrimSpace(password)
	if password == "" {
		return User{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}

	externalID, err := s.provider.CreateAccount(ctx, email, password)
	if err != nil {
		return User{}, fmt.Errorf("create provider account: %w", err)
	}

	hash, err := HashPassword(password)
	if err == nil {
		var user User
		user, err = s.store.CreateUser(ctx, NewUser{
			Email:        email,
			ExternalID:   externalID,
			PasswordHash: hash,
		})
		if err == nil {
			_ = audit.LogEvent(ctx, "user.create", map[string]any{
				"user_id": user.ID,
				"email":   user.Email,
			})
			return user, nil
		}
	}

	// Local persist failed after the remote account was created: compensate.
	if compErr := s.provider.DeleteAccount(ctx, externalID); compErr != nil {
		obs.LogEvent("error", "identity compensation failed", map[string]any{
			"email":       email,
			"external_id": externalID,
			"error":       compErr.Error(),
		})
		_ = audit.LogEvent(ctx, "user.create.compensation_failure", map[string]any{
			"email":       email,
			"external_id": externalID,
		})
	}
	return User{}, fmt.Errorf("%w: %w", ErrIntegrity, err)
}

func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.GetUser(ctx, id)
}

func (s *Service) GetUserByEmail(ctx context.Context, email string) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return User{}, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	return s.store.GetUserByEmail(ctx, email)
}

func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.store.ListUsers(ctx)
}

// DeleteUser removes the local record (memberships and grants cascade) and
// then deletes the remote account. Remote deletion is best-effort: a failure
// is logged, the local deletion stands.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	if user.ExternalID != "" {
		if err := s.provider.DeleteAccount(ctx, user.ExternalID); err != nil {
			obs.LogEvent("error", "remote account deletion failed", map[string]any{
				"user_id":     id,
				"external_id": user.ExternalID,
				"error":       err.Error(),
			})
		}
	}
	_ = audit.LogEvent(ctx, "user.delete", map[string]any{"user_id": id})
	return nil
}

// AssignRole adds a role and recomputes the derived flags.
func (s *Service) AssignRole(ctx context.Context, userID, role string) error {
	userID = strings.TrimSpace(userID)
	role = strings.TrimSpace(strings.ToLower(role))
	if userID == "" || role == "" {
		return fmt.Errorf("%w: user_id and role are required", ErrInvalidInput)
	}
	if err := s.store.AssignRole(ctx, userID, role); err != nil {
		return err
	}
	return s.roleSetChanged(ctx, userID, role, "assign")
}

// RemoveRole removes a role, restores the default role if the set would end
// up empty, and recomputes the derived flags.
func (s *Service) RemoveRole(ctx context.Context, userID, role string) error {
	userID = strings.TrimSpace(userID)
	role = strings.TrimSpace(strings.ToLower(role))
	if userID == "" || role == "" {
		return fmt.Errorf("%w: user_id and role are required", ErrInvalidInput)
	}
	if err := s.store.RemoveRole(ctx, userID, role); err != nil {
		return err
	}
	if err := s.ensureDefaultRole(ctx, userID); err != nil {
		return err
	}
	return s.roleSetChanged(ctx, userID, role, "remove")
}

// ClearRoles empties the role set, which immediately restores the default
// role so the at-least-one-role invariant holds.
func (s *Service) ClearRoles(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if err := s.store.ClearRoles(ctx, userID); err != nil {
		return err
	}
	if err := s.store.AssignRole(ctx, userID, DefaultRole); err != nil {
		return err
	}
	return s.roleSetChanged(ctx, userID, "", "clear")
}

func (s *Service) ensureDefaultRole(ctx context.Context, userID string) error {
	roles, err := s.store.RoleNames(ctx, userID)
	if err != nil {
		return err
	}
	if len(roles) > 0 {
		return nil
	}
	return s.store.AssignRole(ctx, userID, DefaultRole)
}

func (s *Service) roleSetChanged(ctx context.Context, userID, role, op string) error {
	if err := s.sync.RoleSetChanged(ctx, userID); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "user.roles."+op, map[string]any{
		"user_id": userID,
		"role":    role,
	})
	return nil
}
