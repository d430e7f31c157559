package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"campusgate.org/internal/identity"
	"campusgate.org/internal/ids"
)

type dbtx interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// CreateUser persists the user row and the default role assignment in one
// transaction, so no committed user is ever roleless.
func (s *Store) CreateUser(ctx context.Context, nu identity.NewUser) (identity.User, error) {
	if s.db == nil {
		return identity.User{}, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return identity.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		user identity.User
		ext  sql.NullString
	)
	row := tx.QueryRowContext(ctx, `
		insert into users (id, email, external_id, password_hash)
		values ($1, $2, $3, $4)
		returning id, email, external_id, is_staff, is_superuser, created_at, updated_at
	`, ids.New(), nu.Email, nullIfEmpty(nu.ExternalID), nu.PasswordHash)
	if err := row.Scan(&user.ID, &user.Email, &ext, &user.IsStaff, &user.IsSuperuser, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return identity.User{}, identity.ErrConflict
		}
		return identity.User{}, err
	}
	if ext.Valid {
		user.ExternalID = ext.String
	}

	var roleID string
	if err := tx.QueryRowContext(ctx, `select id from roles where name = $1`, identity.DefaultRole).Scan(&roleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.User{}, fmt.Errorf("default role %q is not seeded", identity.DefaultRole)
		}
		return identity.User{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		values ($1, $2)
	`, user.ID, roleID); err != nil {
		return identity.User{}, err
	}

	if err := tx.Commit(); err != nil {
		return identity.User{}, err
	}
	user.Roles = []string{identity.DefaultRole}
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (identity.User, error) {
	if s.db == nil {
		return identity.User{}, errors.New("database connection unavailable")
	}
	return s.userByQuery(ctx, `
		select id, email, external_id, password_hash, is_staff, is_superuser, created_at, updated_at
		from users
		where id = $1
	`, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (identity.User, error) {
	if s.db == nil {
		return identity.User{}, errors.New("database connection unavailable")
	}
	return s.userByQuery(ctx, `
		select id, email, external_id, password_hash, is_staff, is_superuser, created_at, updated_at
		from users
		where email = $1
	`, email)
}

func (s *Store) ListUsers(ctx context.Context) ([]identity.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, email, external_id, password_hash, is_staff, is_superuser, created_at, updated_at
		from users
		order by email
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []identity.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// DeleteUser removes the row; memberships, role assignments and grants go
// with it via FK cascade and the grants cleanup below.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from permission_grants where user_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrNotFound
	}
	return tx.Commit()
}

// RoleNames satisfies both the synchronization engine's flag store and the
// evaluator's role reader.
func (s *Store) RoleNames(ctx context.Context, userID string) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return roleNamesQuery(ctx, s.db, userID)
}

func (s *Store) AssignRole(ctx context.Context, userID, role string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	roleID, err := s.roleIDByName(ctx, role)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		values ($1, $2)
		on conflict (user_id, role_id) do nothing
	`, userID, roleID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return identity.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) RemoveRole(ctx context.Context, userID, role string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	roleID, err := s.roleIDByName(ctx, role)
	if err != nil {
		return err
	}
	// Removing an assignment the user does not hold is a no-op.
	_, err = s.db.ExecContext(ctx, `
		delete from user_roles where user_id = $1 and role_id = $2
	`, userID, roleID)
	return err
}

func (s *Store) ClearRoles(ctx context.Context, userID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID)
	return err
}

// SetDerivedFlags persists the recomputed staff/superuser flags.
func (s *Store) SetDerivedFlags(ctx context.Context, userID string, isStaff, isSuperuser bool) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update users set is_staff = $2, is_superuser = $3, updated_at = now()
		where id = $1
	`, userID, isStaff, isSuperuser)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *Store) roleIDByName(ctx context.Context, role string) (string, error) {
	var roleID string
	err := s.db.QueryRowContext(ctx, `select id from roles where name = $1`, role).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: role %s", identity.ErrNotFound, role)
	}
	if err != nil {
		return "", err
	}
	return roleID, nil
}

func (s *Store) userByQuery(ctx context.Context, query string, arg any) (identity.User, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	user, err := scanUserRow(row)
	if err != nil {
		return identity.User{}, err
	}
	roles, err := s.RoleNames(ctx, user.ID)
	if err != nil {
		return identity.User{}, err
	}
	user.Roles = roles
	return user, nil
}

func scanUserRow(row *sql.Row) (identity.User, error) {
	var (
		user identity.User
		ext  sql.NullString
	)
	err := row.Scan(&user.ID, &user.Email, &ext, &user.PasswordHash, &user.IsStaff, &user.IsSuperuser, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.User{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.User{}, err
	}
	if ext.Valid {
		user.ExternalID = ext.String
	}
	return user, nil
}

func scanUser(rows *sql.Rows) (identity.User, error) {
	var (
		user identity.User
		ext  sql.NullString
	)
	if err := rows.Scan(&user.ID, &user.Email, &ext, &user.PasswordHash, &user.IsStaff, &user.IsSuperuser, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return identity.User{}, err
	}
	if ext.Valid {
		user.ExternalID = ext.String
	}
	return user, nil
}

// roleNamesQuery is shared between pool-backed and transaction-backed reads
// so the synchronization engine sees roles through its own transaction.
func roleNamesQuery(ctx context.Context, q dbtx, userID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		select r.name
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return names, nil
}
