package access

// Scope says whether a permission kind is checked against one institution
// instance or without any target object.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeObject Scope = "object"
)

// Kind is a permission codename from the fixed catalog.
type Kind string

const (
	KindViewInstitution   Kind = "view_institution"
	KindAddInstitution    Kind = "add_institution"
	KindChangeInstitution Kind = "change_institution"
	KindDeleteInstitution Kind = "delete_institution"

	KindViewInstitutionObject   Kind = "view_institution_object"
	KindChangeInstitutionObject Kind = "change_institution_object"
	KindDeleteInstitutionObject Kind = "delete_institution_object"
)

var catalog = map[Kind]Scope{
	KindViewInstitution:   ScopeGlobal,
	KindAddInstitution:    ScopeGlobal,
	KindChangeInstitution: ScopeGlobal,
	KindDeleteInstitution: ScopeGlobal,

	KindViewInstitutionObject:   ScopeObject,
	KindChangeInstitutionObject: ScopeObject,
	KindDeleteInstitutionObject: ScopeObject,
}

// kindOrder fixes a deterministic catalog order for policy expansion.
var kindOrder = []Kind{
	KindViewInstitution,
	KindAddInstitution,
	KindChangeInstitution,
	KindDeleteInstitution,
	KindViewInstitutionObject,
	KindChangeInstitutionObject,
	KindDeleteInstitutionObject,
}

// KindScope reports the scope of a catalog kind.
func KindScope(k Kind) (Scope, bool) {
	s, ok := catalog[k]
	return s, ok
}

// Kinds returns the full catalog in deterministic order.
func Kinds() []Kind {
	out := make([]Kind, len(kindOrder))
	copy(out, kindOrder)
	return out
}
