package access

import (
	"fmt"
	"sort"
	"strings"
)

// Built-in role names. Roles are global, not per-institution.
const (
	RoleStudent   = "student"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
	RoleSuperuser = "superuser"
)

// adminRoles drive the derived is_staff flag.
var adminRoles = map[string]struct{}{
	RoleSuperuser: {},
	RoleAdmin:     {},
	RoleModerator: {},
}

// Policy is the read-only role to permission-kind mapping consulted by the
// synchronization engine and the evaluator. It is constructed once at startup
// and injected; changing it means redeploying, not migrating data.
type Policy struct {
	roles map[string][]Kind
}

// NewPolicy validates the mapping against the catalog.
func NewPolicy(roles map[string][]Kind) (Policy, error) {
	if len(roles) == 0 {
		return Policy{}, fmt.Errorf("%w: policy has no roles", ErrInvalidInput)
	}
	copied := make(map[string][]Kind, len(roles))
	for role, kinds := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			return Policy{}, fmt.Errorf("%w: empty role name", ErrInvalidInput)
		}
		list := make([]Kind, 0, len(kinds))
		seen := make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			if _, ok := catalog[k]; !ok {
				return Policy{}, fmt.Errorf("%w: %s (role %s)", ErrUnknownKind, k, role)
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			list = append(list, k)
		}
		copied[role] = list
	}
	return Policy{roles: copied}, nil
}

// DefaultPolicy is the shipped mapping. Students can see institutions they
// belong to; moderators can additionally change them and add new ones. Admin
// and superuser carry the full catalog so a policy lookup on a built-in role
// never fails; superuser is additionally short-circuited by the evaluator.
func DefaultPolicy() Policy {
	p, err := NewPolicy(map[string][]Kind{
		RoleStudent: {
			KindViewInstitutionObject,
			KindViewInstitution,
		},
		RoleModerator: {
			KindViewInstitutionObject,
			KindChangeInstitutionObject,
			KindAddInstitution,
			KindViewInstitution,
		},
		RoleAdmin:     Kinds(),
		RoleSuperuser: Kinds(),
	})
	if err != nil {
		panic(err)
	}
	return p
}

// KindsForRole returns the kinds one role confers. Unknown roles fail loudly:
// silently skipping one would break the grant-set invariant.
func (p Policy) KindsForRole(role string) ([]Kind, error) {
	kinds, ok := p.roles[strings.ToLower(strings.TrimSpace(role))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out, nil
}

// KindsForRoles returns the deduplicated union across roles, in catalog order.
func (p Policy) KindsForRoles(roles []string) ([]Kind, error) {
	set := make(map[Kind]struct{})
	for _, role := range roles {
		kinds, err := p.KindsForRole(role)
		if err != nil {
			return nil, err
		}
		for _, k := range kinds {
			set[k] = struct{}{}
		}
	}
	out := make([]Kind, 0, len(set))
	for _, k := range kindOrder {
		if _, ok := set[k]; ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// ObjectKindsForRoles is KindsForRoles filtered to object-scoped kinds.
func (p Policy) ObjectKindsForRoles(roles []string) ([]Kind, error) {
	kinds, err := p.KindsForRoles(roles)
	if err != nil {
		return nil, err
	}
	out := kinds[:0]
	for _, k := range kinds {
		if catalog[k] == ScopeObject {
			out = append(out, k)
		}
	}
	return out, nil
}

// Roles lists the role names the policy knows about, sorted.
func (p Policy) Roles() []string {
	out := make([]string, 0, len(p.roles))
	for role := range p.roles {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// DeriveFlags computes the staff/superuser flags from a role set. The
// computation is pure so re-running it on every role change is safe.
func DeriveFlags(roles []string) (isStaff, isSuperuser bool) {
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if _, ok := adminRoles[role]; ok {
			isStaff = true
		}
		if role == RoleSuperuser {
			isSuperuser = true
		}
	}
	return isStaff, isSuperuser
}
