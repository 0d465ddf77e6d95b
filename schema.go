package identity

import (
	"slices"
	"sort"
)

// CurrentSchemaVersion is stamped on every identity record we write.
const CurrentSchemaVersion = 3

// legacyRoles maps role names written by older schema versions.
var legacyRoles = map[string]Role{
	"":           RoleAnonymous,
	"guest":      RoleAnonymous,
	"user":       RoleFree,
	"registered": RoleFree,
	"premium":    RolePaid,
	"subscriber": RolePaid,
	"admin":      RoleOperator,
}

// UpgradeUser decodes a record written by any schema version into the
// current shape. Adapters call it on every read. Defaults:
//
//	v0 (no version): role names may be legacy, verification missing.
//	    Missing verification is "verified" for roles above anonymous,
//	    "pending" when a primary email exists, "none" otherwise.
//	v1: linked providers missing; derived from provider metadata keys.
//	v2: auth type missing; "oauth" with providers, "email" with an email,
//	    "anonymous" otherwise.
//
// Revocation id zero is a valid value in every version. A role/verification
// pair that still breaks the ladder after upgrade is left for callers to
// reject.
func UpgradeUser(u *User) *User {
	if u == nil || u.SchemaVersion >= CurrentSchemaVersion {
		return u
	}

	if mapped, ok := legacyRoles[u.Role]; ok {
		u.Role = mapped
	}

	if u.Verification == "" {
		switch {
		case RoleAtLeast(u.Role, RoleFree):
			u.Verification = VerificationVerified
		case u.PrimaryEmail != "":
			u.Verification = VerificationPending
		default:
			u.Verification = VerificationNone
		}
	}
	u.Role, u.Verification = NormalizeRoleState(u.Role, u.Verification)

	if len(u.LinkedProviders) == 0 && len(u.ProviderMetadata) > 0 {
		providers := make([]string, 0, len(u.ProviderMetadata))
		for p := range u.ProviderMetadata {
			providers = append(providers, p)
		}
		sort.Strings(providers)
		u.LinkedProviders = providers
	}
	u.LinkedProviders = dedupe(u.LinkedProviders)

	if u.AuthType == "" {
		switch {
		case len(u.LinkedProviders) > 0:
			u.AuthType = AuthTypeOAuth
		case u.PrimaryEmail != "":
			u.AuthType = AuthTypeEmail
		default:
			u.AuthType = AuthTypeAnonymous
		}
	}

	u.PrimaryEmail = NormalizeEmail(u.PrimaryEmail)
	u.SchemaVersion = CurrentSchemaVersion
	return u
}

func dedupe(in []string) []string {
	out := in[:0:0]
	for _, v := range in {
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
