package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"campusgate.org/internal/access"
	"campusgate.org/internal/directory"
	"campusgate.org/internal/ids"
	"campusgate.org/internal/obs"
)

func (s *Store) CreateInstitution(ctx context.Context, name, description, parentID string) (directory.Institution, error) {
	if s.db == nil {
		return directory.Institution{}, errors.New("database connection unavailable")
	}
	var (
		inst   directory.Institution
		desc   sql.NullString
		parent sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `
		insert into institutions (id, name, description, parent_id)
		values ($1, $2, $3, $4)
		returning id, name, description, parent_id, active, created_at, updated_at
	`, ids.New(), name, nullIfEmpty(description), nullIfEmpty(parentID))
	if err := row.Scan(&inst.ID, &inst.Name, &desc, &parent, &inst.Active, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return directory.Institution{}, directory.ErrConflict
			case pgErrForeignKeyViolation:
				return directory.Institution{}, directory.ErrNotFound
			}
		}
		return directory.Institution{}, err
	}
	if desc.Valid {
		inst.Description = desc.String
	}
	if parent.Valid {
		inst.ParentID = parent.String
	}
	return inst, nil
}

func (s *Store) GetInstitution(ctx context.Context, id string) (directory.Institution, error) {
	if s.db == nil {
		return directory.Institution{}, errors.New("database connection unavailable")
	}
	return scanInstitution(s.db.QueryRowContext(ctx, `
		select id, name, description, parent_id, active, created_at, updated_at
		from institutions
		where id = $1
	`, id))
}

func (s *Store) ListInstitutions(ctx context.Context) ([]directory.Institution, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return s.queryInstitutions(ctx, `
		select id, name, description, parent_id, active, created_at, updated_at
		from institutions
		order by name
	`)
}

func (s *Store) ListInstitutionsByIDs(ctx context.Context, instIDs []string) ([]directory.Institution, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	if len(instIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(instIDs))
	args := make([]any, len(instIDs))
	for i, id := range instIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(`
		select id, name, description, parent_id, active, created_at, updated_at
		from institutions
		where id in (%s)
		order by name
	`, strings.Join(placeholders, ", "))
	return s.queryInstitutions(ctx, query, args...)
}

func (s *Store) UpdateInstitution(ctx context.Context, id string, upd directory.InstitutionUpdate) (directory.Institution, error) {
	if s.db == nil {
		return directory.Institution{}, errors.New("database connection unavailable")
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		if *upd.Description == "" {
			sets = append(sets, "description = NULL")
		} else {
			sets = append(sets, fmt.Sprintf("description = $%d", idx))
			args = append(args, *upd.Description)
			idx++
		}
	}
	if upd.ParentID != nil {
		if *upd.ParentID == "" {
			sets = append(sets, "parent_id = NULL")
		} else {
			sets = append(sets, fmt.Sprintf("parent_id = $%d", idx))
			args = append(args, *upd.ParentID)
			idx++
		}
	}
	if upd.Active != nil {
		sets = append(sets, fmt.Sprintf("active = $%d", idx))
		args = append(args, *upd.Active)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update institutions set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok {
				switch pgErr.Code {
				case pgErrUniqueViolation:
					return directory.Institution{}, directory.ErrConflict
				case pgErrForeignKeyViolation:
					return directory.Institution{}, directory.ErrNotFound
				}
			}
			return directory.Institution{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return directory.Institution{}, err
		}
		if aff == 0 {
			return directory.Institution{}, directory.ErrNotFound
		}
	}
	return s.GetInstitution(ctx, id)
}

// DeleteInstitution detaches children and removes the institution with its
// memberships and object grants in one transaction. Children survive with
// their parent reference cleared.
func (s *Store) DeleteInstitution(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update institutions set parent_id = NULL, updated_at = now()
		where parent_id = $1
	`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		delete from permission_grants where institution_id = $1
	`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from institutions where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return directory.ErrNotFound
	}
	return tx.Commit()
}

// CreateMembership inserts the membership row and runs the synchronization
// callback inside the same transaction. The user and institution rows are
// locked first, always in that order, so concurrent create/delete for the
// same pair serialize instead of racing the uniqueness constraint.
func (s *Store) CreateMembership(ctx context.Context, userID, institutionID string, sync directory.SyncFunc) (directory.Membership, error) {
	if s.db == nil {
		return directory.Membership{}, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return directory.Membership{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockPairRows(ctx, tx, userID, institutionID); err != nil {
		return directory.Membership{}, err
	}

	var m directory.Membership
	row := tx.QueryRowContext(ctx, `
		insert into memberships (id, user_id, institution_id)
		values ($1, $2, $3)
		returning id, user_id, institution_id, created_at, updated_at
	`, ids.New(), userID, institutionID)
	if err := row.Scan(&m.ID, &m.UserID, &m.InstitutionID, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return directory.Membership{}, directory.ErrConflict
		}
		return directory.Membership{}, err
	}

	if sync != nil {
		if err := sync(ctx, &txGrants{tx: tx}, access.Membership{UserID: userID, InstitutionID: institutionID}); err != nil {
			obs.ObserveSyncFailure()
			return directory.Membership{}, fmt.Errorf("synchronize grants: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return directory.Membership{}, err
	}
	return m, nil
}

// DeleteMembership removes the membership row and revokes its grants in the
// same transaction, using the same lock order as CreateMembership.
func (s *Store) DeleteMembership(ctx context.Context, userID, institutionID string, sync directory.SyncFunc) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockPairRows(ctx, tx, userID, institutionID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		delete from memberships
		where user_id = $1 and institution_id = $2
	`, userID, institutionID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return directory.ErrNotFound
	}

	if sync != nil {
		if err := sync(ctx, &txGrants{tx: tx}, access.Membership{UserID: userID, InstitutionID: institutionID}); err != nil {
			obs.ObserveSyncFailure()
			return fmt.Errorf("synchronize grants: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListMemberships(ctx context.Context, userID string) ([]directory.Membership, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, institution_id, created_at, updated_at
		from memberships
		where user_id = $1
		order by created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []directory.Membership
	for rows.Next() {
		var m directory.Membership
		if err := rows.Scan(&m.ID, &m.UserID, &m.InstitutionID, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// lockPairRows takes row locks on the user and institution, user first. The
// fixed order keeps concurrent pair operations deadlock-free.
func lockPairRows(ctx context.Context, tx *sql.Tx, userID, institutionID string) error {
	var dummy int
	if err := tx.QueryRowContext(ctx, `select 1 from users where id = $1 for update`, userID).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return directory.ErrNotFound
		}
		return err
	}
	if err := tx.QueryRowContext(ctx, `select 1 from institutions where id = $1 for update`, institutionID).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return directory.ErrNotFound
		}
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstitution(row rowScanner) (directory.Institution, error) {
	var (
		inst   directory.Institution
		desc   sql.NullString
		parent sql.NullString
	)
	err := row.Scan(&inst.ID, &inst.Name, &desc, &parent, &inst.Active, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Institution{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.Institution{}, err
	}
	if desc.Valid {
		inst.Description = desc.String
	}
	if parent.Valid {
		inst.ParentID = parent.String
	}
	return inst, nil
}

func (s *Store) queryInstitutions(ctx context.Context, query string, args ...any) ([]directory.Institution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []directory.Institution
	for rows.Next() {
		inst, err := scanInstitution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
