package access

import (
	"context"
	"errors"
	"testing"
)

// fakeSyncTx keeps grants in a map so re-granting is naturally idempotent.
type fakeSyncTx struct {
	roles    map[string][]string
	grants   map[Grant]struct{}
	grantErr error
}

func newFakeSyncTx(roles map[string][]string) *fakeSyncTx {
	return &fakeSyncTx{roles: roles, grants: map[Grant]struct{}{}}
}

func (f *fakeSyncTx) RoleNames(_ context.Context, userID string) ([]string, error) {
	return f.roles[userID], nil
}

func (f *fakeSyncTx) Grant(_ context.Context, g Grant) error {
	if f.grantErr != nil {
		return f.grantErr
	}
	f.grants[g] = struct{}{}
	return nil
}

func (f *fakeSyncTx) Revoke(_ context.Context, g Grant) error {
	delete(f.grants, g)
	return nil
}

type fakeFlagStore struct {
	roles       map[string][]string
	isStaff     bool
	isSuperuser bool
	updates     int
}

func (f *fakeFlagStore) RoleNames(_ context.Context, userID string) ([]string, error) {
	return f.roles[userID], nil
}

func (f *fakeFlagStore) SetDerivedFlags(_ context.Context, _ string, isStaff, isSuperuser bool) error {
	f.isStaff = isStaff
	f.isSuperuser = isSuperuser
	f.updates++
	return nil
}

func newTestSynchronizer(t *testing.T, flags FlagStore) *Synchronizer {
	t.Helper()
	if flags == nil {
		flags = &fakeFlagStore{}
	}
	s, err := NewSynchronizer(DefaultPolicy(), flags)
	if err != nil {
		t.Fatalf("NewSynchronizer: %v", err)
	}
	return s
}

func TestMembershipCreatedGrantsExactPolicySet(t *testing.T) {
	tx := newFakeSyncTx(map[string][]string{"user-a": {"student"}})
	s := newTestSynchronizer(t, nil)
	m := Membership{UserID: "user-a", InstitutionID: "inst-physics"}

	if err := s.MembershipCreated(context.Background(), tx, m); err != nil {
		t.Fatalf("MembershipCreated: %v", err)
	}

	want := map[Grant]struct{}{
		{UserID: "user-a", Kind: KindViewInstitutionObject, InstitutionID: "inst-physics"}: {},
		{UserID: "user-a", Kind: KindViewInstitution}:                                      {},
	}
	if len(tx.grants) != len(want) {
		t.Fatalf("grant set = %v, want %v", tx.grants, want)
	}
	for g := range want {
		if _, ok := tx.grants[g]; !ok {
			t.Fatalf("missing grant %+v", g)
		}
	}
}

func TestMembershipCreatedIsIdempotent(t *testing.T) {
	tx := newFakeSyncTx(map[string][]string{"user-a": {"moderator"}})
	s := newTestSynchronizer(t, nil)
	m := Membership{UserID: "user-a", InstitutionID: "inst-physics"}

	if err := s.MembershipCreated(context.Background(), tx, m); err != nil {
		t.Fatalf("first MembershipCreated: %v", err)
	}
	once := len(tx.grants)
	if err := s.MembershipCreated(context.Background(), tx, m); err != nil {
		t.Fatalf("second MembershipCreated: %v", err)
	}
	if len(tx.grants) != once {
		t.Fatalf("grant set changed on replay: %d -> %d", once, len(tx.grants))
	}
}

func TestMembershipDeletedRevokesAll(t *testing.T) {
	tx := newFakeSyncTx(map[string][]string{"user-b": {"moderator"}})
	s := newTestSynchronizer(t, nil)
	m := Membership{UserID: "user-b", InstitutionID: "inst-physics"}

	if err := s.MembershipCreated(context.Background(), tx, m); err != nil {
		t.Fatalf("MembershipCreated: %v", err)
	}
	if err := s.MembershipDeleted(context.Background(), tx, m); err != nil {
		t.Fatalf("MembershipDeleted: %v", err)
	}
	for g := range tx.grants {
		if g.InstitutionID == "inst-physics" {
			t.Fatalf("object grant survived deletion: %+v", g)
		}
		if g.InstitutionID == "" {
			t.Fatalf("global grant survived deletion: %+v", g)
		}
	}
}

func TestMembershipCreatedUnknownRole(t *testing.T) {
	tx := newFakeSyncTx(map[string][]string{"user-c": {"archivist"}})
	s := newTestSynchronizer(t, nil)
	err := s.MembershipCreated(context.Background(), tx, Membership{UserID: "user-c", InstitutionID: "inst-1"})
	if !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
	if len(tx.grants) != 0 {
		t.Fatalf("grants applied despite unknown role: %v", tx.grants)
	}
}

func TestMembershipCreatedGrantFailure(t *testing.T) {
	tx := newFakeSyncTx(map[string][]string{"user-d": {"student"}})
	tx.grantErr = errors.New("store unreachable")
	s := newTestSynchronizer(t, nil)
	err := s.MembershipCreated(context.Background(), tx, Membership{UserID: "user-d", InstitutionID: "inst-1"})
	if err == nil {
		t.Fatal("expected error when grant store is unreachable")
	}
}

func TestRoleSetChangedDerivesFlags(t *testing.T) {
	flags := &fakeFlagStore{roles: map[string][]string{"user-e": {"student", "moderator"}}}
	s := newTestSynchronizer(t, flags)

	if err := s.RoleSetChanged(context.Background(), "user-e"); err != nil {
		t.Fatalf("RoleSetChanged: %v", err)
	}
	if !flags.isStaff || flags.isSuperuser {
		t.Fatalf("flags = (staff=%v, superuser=%v), want (true, false)", flags.isStaff, flags.isSuperuser)
	}

	flags.roles["user-e"] = []string{"superuser"}
	if err := s.RoleSetChanged(context.Background(), "user-e"); err != nil {
		t.Fatalf("RoleSetChanged: %v", err)
	}
	if !flags.isStaff || !flags.isSuperuser {
		t.Fatalf("flags = (staff=%v, superuser=%v), want (true, true)", flags.isStaff, flags.isSuperuser)
	}

	flags.roles["user-e"] = []string{"student"}
	if err := s.RoleSetChanged(context.Background(), "user-e"); err != nil {
		t.Fatalf("RoleSetChanged: %v", err)
	}
	if flags.isStaff || flags.isSuperuser {
		t.Fatalf("flags = (staff=%v, superuser=%v), want (false, false)", flags.isStaff, flags.isSuperuser)
	}
	if flags.updates != 3 {
		t.Fatalf("expected 3 flag updates, got %d", flags.updates)
	}
}
