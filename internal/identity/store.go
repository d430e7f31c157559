package identity

import "context"

// Store is the persistence surface for users and role assignments. CreateUser
// persists the user and the default role assignment in one transaction so the
// at-least-one-role invariant holds from the first commit.
type Store interface {
	CreateUser(ctx context.Context, nu NewUser) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	DeleteUser(ctx context.Context, id string) error

	RoleNames(ctx context.Context, userID string) ([]string, error)
	AssignRole(ctx context.Context, userID, role string) error
	RemoveRole(ctx context.Context, userID, role string) error
	ClearRoles(ctx context.Context, userID string) error
}
