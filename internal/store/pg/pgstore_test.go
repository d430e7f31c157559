package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"campusgate.org/internal/access"
	"campusgate.org/internal/directory"
	"campusgate.org/internal/identity"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func newSyncFunc(t *testing.T, store *Store) directory.SyncFunc {
	t.Helper()
	sync, err := access.NewSynchronizer(access.DefaultPolicy(), store)
	if err != nil {
		t.Fatalf("NewSynchronizer: %v", err)
	}
	return sync.MembershipCreated
}

func expectPairLocks(mock sqlmock.Sqlmock, userID, institutionID string) {
	mock.ExpectQuery("select 1 from users where id = \\$1 for update").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select 1 from institutions where id = \\$1 for update").
		WithArgs(institutionID).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
}

func roleRows(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"name"})
	for _, n := range names {
		rows.AddRow(n)
	}
	return rows
}

func TestCreateMembershipSynchronizesGrants(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	expectPairLocks(mock, "u1", "inst1")
	mock.ExpectQuery("insert into memberships").
		WithArgs(sqlmock.AnyArg(), "u1", "inst1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "institution_id", "created_at", "updated_at"}).
			AddRow("m1", "u1", "inst1", now, now))
	mock.ExpectQuery("select r.name").
		WithArgs("u1").
		WillReturnRows(roleRows("student"))
	mock.ExpectExec("insert into permission_grants").
		WithArgs("u1", "view_institution", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into permission_grants").
		WithArgs("u1", "view_institution_object", "inst1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m, err := store.CreateMembership(context.Background(), "u1", "inst1", newSyncFunc(t, store))
	if err != nil {
		t.Fatalf("CreateMembership: %v", err)
	}
	if m.ID != "m1" || m.UserID != "u1" || m.InstitutionID != "inst1" {
		t.Fatalf("unexpected membership: %+v", m)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateMembershipDuplicateConflicts(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	expectPairLocks(mock, "u1", "inst1")
	mock.ExpectQuery("insert into memberships").
		WithArgs(sqlmock.AnyArg(), "u1", "inst1").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	_, err := store.CreateMembership(context.Background(), "u1", "inst1", newSyncFunc(t, store))
	if !errors.Is(err, directory.ErrConflict) {
		t.Fatalf("error = %v, want ErrConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateMembershipRollsBackOnUnknownRole(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	expectPairLocks(mock, "u1", "inst1")
	mock.ExpectQuery("insert into memberships").
		WithArgs(sqlmock.AnyArg(), "u1", "inst1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "institution_id", "created_at", "updated_at"}).
			AddRow("m1", "u1", "inst1", now, now))
	mock.ExpectQuery("select r.name").
		WithArgs("u1").
		WillReturnRows(roleRows("made-up-role"))
	mock.ExpectRollback()

	_, err := store.CreateMembership(context.Background(), "u1", "inst1", newSyncFunc(t, store))
	if !errors.Is(err, access.ErrUnknownRole) {
		t.Fatalf("error = %v, want ErrUnknownRole", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateMembershipMissingUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from users where id = \\$1 for update").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectRollback()

	_, err := store.CreateMembership(context.Background(), "ghost", "inst1", newSyncFunc(t, store))
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteMembershipRevokesGrants(t *testing.T) {
	store, mock := newMockStore(t)
	sync, err := access.NewSynchronizer(access.DefaultPolicy(), store)
	if err != nil {
		t.Fatalf("NewSynchronizer: %v", err)
	}

	mock.ExpectBegin()
	expectPairLocks(mock, "u1", "inst1")
	mock.ExpectExec("delete from memberships").
		WithArgs("u1", "inst1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select r.name").
		WithArgs("u1").
		WillReturnRows(roleRows("student"))
	mock.ExpectExec("delete from permission_grants").
		WithArgs("u1", "view_institution", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from permission_grants").
		WithArgs("u1", "view_institution_object", "inst1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.DeleteMembership(context.Background(), "u1", "inst1", sync.MembershipDeleted); err != nil {
		t.Fatalf("DeleteMembership: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteMembershipMissing(t *testing.T) {
	store, mock := newMockStore(t)
	sync, err := access.NewSynchronizer(access.DefaultPolicy(), store)
	if err != nil {
		t.Fatalf("NewSynchronizer: %v", err)
	}

	mock.ExpectBegin()
	expectPairLocks(mock, "u1", "inst1")
	mock.ExpectExec("delete from memberships").
		WithArgs("u1", "inst1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := store.DeleteMembership(context.Background(), "u1", "inst1", sync.MembershipDeleted); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteInstitutionDetachesChildren(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update institutions set parent_id = NULL").
		WithArgs("inst1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("delete from permission_grants where institution_id").
		WithArgs("inst1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("delete from institutions").
		WithArgs("inst1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.DeleteInstitution(context.Background(), "inst1"); err != nil {
		t.Fatalf("DeleteInstitution: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteInstitutionNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update institutions set parent_id = NULL").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from permission_grants where institution_id").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from institutions").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := store.DeleteInstitution(context.Background(), "ghost"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserAssignsDefaultRole(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("insert into users").
		WithArgs(sqlmock.AnyArg(), "alice@example.com", "ext-1", "hash").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "external_id", "is_staff", "is_superuser", "created_at", "updated_at"}).
			AddRow("u1", "alice@example.com", "ext-1", false, false, now, now))
	mock.ExpectQuery("select id from roles where name").
		WithArgs("student").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("role-student"))
	mock.ExpectExec("insert into user_roles").
		WithArgs("u1", "role-student").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	user, err := store.CreateUser(context.Background(), identity.NewUser{
		Email:        "alice@example.com",
		ExternalID:   "ext-1",
		PasswordHash: "hash",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if len(user.Roles) != 1 || user.Roles[0] != "student" {
		t.Fatalf("roles = %v, want [student]", user.Roles)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserRequiresSeededDefaultRole(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("insert into users").
		WithArgs(sqlmock.AnyArg(), "alice@example.com", "ext-1", "hash").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "external_id", "is_staff", "is_superuser", "created_at", "updated_at"}).
			AddRow("u1", "alice@example.com", "ext-1", false, false, now, now))
	mock.ExpectQuery("select id from roles where name").
		WithArgs("student").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := store.CreateUser(context.Background(), identity.NewUser{
		Email:        "alice@example.com",
		ExternalID:   "ext-1",
		PasswordHash: "hash",
	})
	if err == nil {
		t.Fatal("expected error for missing seed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("insert into users").
		WithArgs(sqlmock.AnyArg(), "alice@example.com", "ext-1", "hash").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	_, err := store.CreateUser(context.Background(), identity.NewUser{
		Email:        "alice@example.com",
		ExternalID:   "ext-1",
		PasswordHash: "hash",
	})
	if !errors.Is(err, identity.ErrConflict) {
		t.Fatalf("error = %v, want ErrConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteUserCleansGrants(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from permission_grants where user_id").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("delete from users").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.DeleteUser(context.Background(), "u1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHasGrant(t *testing.T) {
	store, mock := newMockStore(t)
	g := access.Grant{UserID: "u1", Kind: access.KindViewInstitutionObject, InstitutionID: "inst1"}

	mock.ExpectQuery("select 1 from permission_grants").
		WithArgs("u1", "view_institution_object", "inst1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	held, err := store.HasGrant(context.Background(), g)
	if err != nil || !held {
		t.Fatalf("HasGrant = %v, %v; want true", held, err)
	}

	mock.ExpectQuery("select 1 from permission_grants").
		WithArgs("u1", "view_institution_object", "inst1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	held, err = store.HasGrant(context.Background(), g)
	if err != nil || held {
		t.Fatalf("HasGrant = %v, %v; want false", held, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInstitutionIDsWithAny(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select distinct institution_id").
		WithArgs("u1", "view_institution_object", "change_institution_object").
		WillReturnRows(sqlmock.NewRows([]string{"institution_id"}).AddRow("inst1").AddRow("inst2"))

	ids, err := store.InstitutionIDsWithAny(context.Background(), "u1",
		[]access.Kind{access.KindViewInstitutionObject, access.KindChangeInstitutionObject})
	if err != nil {
		t.Fatalf("InstitutionIDsWithAny: %v", err)
	}
	if len(ids) != 2 || ids[0] != "inst1" || ids[1] != "inst2" {
		t.Fatalf("ids = %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetDerivedFlagsMissingUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update users set is_staff").
		WithArgs("ghost", true, false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.SetDerivedFlags(context.Background(), "ghost", true, false); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
