package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"campusgate.org/internal/access"
)

// Global grants are stored with an empty institution key so the primary key
// covers both scopes in a single table.

// txGrants is the transaction-scoped grant view handed to the synchronization
// engine. Grant and Revoke are idempotent at the SQL level, which makes
// replaying a membership event safe.
type txGrants struct {
	tx *sql.Tx
}

var _ access.SyncTx = (*txGrants)(nil)

func (g *txGrants) RoleNames(ctx context.Context, userID string) ([]string, error) {
	return roleNamesQuery(ctx, g.tx, userID)
}

func (g *txGrants) Grant(ctx context.Context, grant access.Grant) error {
	_, err := g.tx.ExecContext(ctx, `
		insert into permission_grants (user_id, permission, institution_id)
		values ($1, $2, $3)
		on conflict (user_id, permission, institution_id) do nothing
	`, grant.UserID, string(grant.Kind), grant.InstitutionID)
	return err
}

func (g *txGrants) Revoke(ctx context.Context, grant access.Grant) error {
	_, err := g.tx.ExecContext(ctx, `
		delete from permission_grants
		where user_id = $1 and permission = $2 and institution_id = $3
	`, grant.UserID, string(grant.Kind), grant.InstitutionID)
	return err
}

// HasGrant answers the evaluator's point lookup. Reads run outside any
// synchronization transaction and may trail an in-flight commit.
func (s *Store) HasGrant(ctx context.Context, g access.Grant) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var dummy int
	err := s.db.QueryRowContext(ctx, `
		select 1 from permission_grants
		where user_id = $1 and permission = $2 and institution_id = $3
	`, g.UserID, string(g.Kind), g.InstitutionID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InstitutionIDsWithAny returns institutions where the user holds at least
// one of the given object-scoped kinds.
func (s *Store) InstitutionIDsWithAny(ctx context.Context, userID string, kinds []access.Kind) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	if len(kinds) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(kinds))
	args := make([]any, 0, len(kinds)+1)
	args = append(args, userID)
	for i, k := range kinds {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, string(k))
	}
	query := fmt.Sprintf(`
		select distinct institution_id
		from permission_grants
		where user_id = $1 and institution_id <> '' and permission in (%s)
		order by institution_id
	`, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GrantKinds lists every kind currently granted to the user for the given
// institution (empty for the global set). Used by diagnostics and tests.
func (s *Store) GrantKinds(ctx context.Context, userID, institutionID string) ([]access.Kind, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select permission from permission_grants
		where user_id = $1 and institution_id = $2
		order by permission
	`, userID, institutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []access.Kind
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		result = append(result, access.Kind(k))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
