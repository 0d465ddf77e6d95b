package identity_test

import (
	"testing"

	identity "github.com/goliatone/go-identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleAtLeast(t *testing.T) {
	tests := []struct {
		role     identity.Role
		min      identity.Role
		expected bool
	}{
		{identity.RoleOperator, identity.RolePaid, true},
		{identity.RolePaid, identity.RolePaid, true},
		{identity.RoleFree, identity.RolePaid, false},
		{identity.RoleAnonymous, identity.RoleFree, false},
		{"admin", identity.RoleAnonymous, false},
		{identity.RoleFree, "unknown", false},
	}

	for _, tt := range tests {
		t.Run(tt.role+">="+tt.min, func(t *testing.T) {
			assert.Equal(t, tt.expected, identity.RoleAtLeast(tt.role, tt.min))
		})
	}
}

func TestValidateRoleState(t *testing.T) {
	assert.NoError(t, identity.ValidateRoleState(identity.RoleAnonymous, identity.VerificationNone))
	assert.NoError(t, identity.ValidateRoleState(identity.RoleAnonymous, identity.VerificationPending))
	assert.NoError(t, identity.ValidateRoleState(identity.RolePaid, identity.VerificationVerified))

	for _, role := range []identity.Role{identity.RoleFree, identity.RolePaid, identity.RoleOperator} {
		assert.ErrorIs(t, identity.ValidateRoleState(role, identity.VerificationPending), identity.ErrInvalidRoleState, role)
		assert.ErrorIs(t, identity.ValidateRoleState(role, identity.VerificationNone), identity.ErrInvalidRoleState, role)
	}
	assert.ErrorIs(t, identity.ValidateRoleState("root", identity.VerificationVerified), identity.ErrInvalidRoleState)
	assert.ErrorIs(t, identity.ValidateRoleState(identity.RoleFree, "maybe"), identity.ErrInvalidRoleState)
}

func TestNewUserNormalizesAnonymousVerified(t *testing.T) {
	u, err := identity.NewUser("u1", identity.RoleAnonymous, identity.VerificationVerified)
	require.NoError(t, err)
	assert.Equal(t, identity.RoleFree, u.Role)
	assert.Equal(t, identity.CurrentSchemaVersion, u.SchemaVersion)

	_, err = identity.NewUser("u2", identity.RolePaid, identity.VerificationPending)
	assert.ErrorIs(t, err, identity.ErrInvalidRoleState)

	assert.Panics(t, func() {
		identity.MustNewUser("u3", identity.RoleOperator, identity.VerificationNone)
	})
}

func TestApplicableRoles(t *testing.T) {
	paid := identity.MustNewUser("u1", identity.RolePaid, identity.VerificationVerified)
	assert.Equal(t, []identity.Role{identity.RoleAnonymous, identity.RoleFree, identity.RolePaid}, identity.ApplicableRoles(paid))

	anon := identity.MustNewUser("u2", identity.RoleAnonymous, identity.VerificationNone)
	assert.Equal(t, []identity.Role{identity.RoleAnonymous}, identity.ApplicableRoles(anon))

	paid.Revoked = true
	assert.Empty(t, identity.ApplicableRoles(paid))

	anon.MergedTo = "u9"
	assert.Empty(t, identity.ApplicableRoles(anon))
}

func TestSetVerificationAdvancesAnonymous(t *testing.T) {
	u := identity.MustNewUser("u1", identity.RoleAnonymous, identity.VerificationPending)
	u.SetVerification(identity.VerificationVerified)
	assert.Equal(t, identity.RoleFree, u.Role)
}

func TestParseRole(t *testing.T) {
	r, ok := identity.ParseRole("paid")
	assert.True(t, ok)
	assert.Equal(t, identity.RolePaid, r)

	_, ok = identity.ParseRole("premium")
	assert.False(t, ok)
	assert.Len(t, identity.AllRoles(), 4)
}
