package identity

// Role is the user's position on the role ladder
type Role = string

const (
	// RoleAnonymous is a visitor without a verified identity
	RoleAnonymous Role = "anonymous"
	// RoleFree is a verified identity without a subscription
	RoleFree Role = "free"
	// RolePaid is a verified identity with an active subscription
	RolePaid Role = "paid"
	// RoleOperator is an administrator
	RoleOperator Role = "operator"
)

var roleRank = map[Role]int{
	RoleAnonymous: 0,
	RoleFree:      1,
	RolePaid:      2,
	RoleOperator:  3,
}

// IsValidRole checks if the role is on the ladder
func IsValidRole(r Role) bool {
	_, ok := roleRank[r]
	return ok
}

// ParseRole safely parses a string into a Role
func ParseRole(s string) (Role, bool) {
	return s, IsValidRole(s)
}

// RoleAtLeast checks if role meets the minimum required level. Unknown roles
// never qualify.
func RoleAtLeast(role, min Role) bool {
	current, ok := roleRank[role]
	if !ok {
		return false
	}
	required, ok := roleRank[min]
	if !ok {
		return false
	}
	return current >= required
}

// AllRoles returns every role in ladder order
func AllRoles() []Role {
	return []Role{RoleAnonymous, RoleFree, RolePaid, RoleOperator}
}

// requiresVerification is true for every role above anonymous.
func requiresVerification(r Role) bool {
	return RoleAtLeast(r, RoleFree)
}

// ValidateRoleState rejects role/verification pairs the ladder forbids:
// free, paid and operator all require a verified email.
func ValidateRoleState(role Role, verification Verification) error {
	if !IsValidRole(role) {
		return ErrInvalidRoleState
	}
	switch verification {
	case VerificationNone, VerificationPending, VerificationVerified:
	default:
		return ErrInvalidRoleState
	}
	if requiresVerification(role) && verification != VerificationVerified {
		return ErrInvalidRoleState
	}
	return nil
}

// NormalizeRoleState folds anonymous:verified into free. It never lowers a
// role and leaves invalid pairs for ValidateRoleState to reject.
func NormalizeRoleState(role Role, verification Verification) (Role, Verification) {
	if role == RoleAnonymous && verification == VerificationVerified {
		return RoleFree, verification
	}
	return role, verification
}

// ApplicableRoles maps identity state to every role it is entitled to act
// as, lowest first. Revoked or merged identities get none.
func ApplicableRoles(u *User) []Role {
	if u == nil || u.Revoked || u.IsMerged() {
		return nil
	}
	role, verification := NormalizeRoleState(u.Role, u.Verification)
	if ValidateRoleState(role, verification) != nil {
		return nil
	}
	out := make([]Role, 0, len(roleRank))
	for _, r := range AllRoles() {
		if RoleAtLeast(role, r) {
			out = append(out, r)
		}
	}
	return out
}

// NewUser builds an identity record, normalizing anonymous:verified to free
// and rejecting pairs that break the ladder invariant.
func NewUser(id string, role Role, verification Verification) (*User, error) {
	role, verification = NormalizeRoleState(role, verification)
	if err := ValidateRoleState(role, verification); err != nil {
		return nil, err
	}
	return &User{
		ID:            id,
		Role:          role,
		Verification:  verification,
		SchemaVersion: CurrentSchemaVersion,
	}, nil
}

// MustNewUser is NewUser for fixed inputs; an invalid pair is a programming
// error.
func MustNewUser(id string, role Role, verification Verification) *User {
	u, err := NewUser(id, role, verification)
	if err != nil {
		panic("identity: " + err.Error() + ": role=" + role + " verification=" + verification)
	}
	return u
}
