package identity

import (
	"slices"
	"strings"
	"time"
)

// AuthType records how an identity was first established
type AuthType = string

const (
	AuthTypeAnonymous AuthType = "anonymous"
	AuthTypeEmail     AuthType = "email"
	AuthTypeOAuth     AuthType = "oauth"
)

// Verification is the email verification state of an identity
type Verification = string

const (
	VerificationNone     Verification = "none"
	VerificationPending  Verification = "pending"
	VerificationVerified Verification = "verified"
)

// ProviderMetadata holds what we know about a linked login provider.
type ProviderMetadata struct {
	Subject    string     `json:"sub"`
	Email      string     `json:"email,omitempty"`
	AvatarURL  string     `json:"avatar,omitempty"`
	LinkedAt   time.Time  `json:"linked_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// MergeCounts are the totals recorded when a secondary identity is merged
// into a primary one.
type MergeCounts struct {
	ProvidersMoved int `json:"providers_moved"`
	RecordsMoved   int `json:"records_moved"`
	SessionsClosed int `json:"sessions_closed"`
}

// User is the identity record. Users are never hard deleted, only revoked.
type User struct {
	ID                 string                      `json:"user_id"`
	PrimaryEmail       string                      `json:"primary_email,omitempty"`
	AuthType           AuthType                    `json:"auth_type"`
	Role               Role                        `json:"role"`
	Verification       Verification                `json:"verification"`
	LinkedProviders    []string                    `json:"linked_providers,omitempty"`
	ProviderMetadata   map[string]ProviderMetadata `json:"provider_metadata,omitempty"`
	LastProviderUsed   string                      `json:"last_provider_used,omitempty"`
	Revoked            bool                        `json:"revoked"`
	RevokedAt          *time.Time                  `json:"revoked_at,omitempty"`
	RevokedReason      string                      `json:"revoked_reason,omitempty"`
	SessionExpiresAt   time.Time                   `json:"session_expires_at"`
	RevocationID       int64                       `json:"revocation_id"`
	RoleAssignedAt     *time.Time                  `json:"role_assigned_at,omitempty"`
	RoleAssignedBy     string                      `json:"role_assigned_by,omitempty"`
	SubscriptionID     string                      `json:"subscription_id,omitempty"`
	SubscriptionStatus string                      `json:"subscription_status,omitempty"`
	MergedTo           string                      `json:"merged_to,omitempty"`
	MergedAt           *time.Time                  `json:"merged_at,omitempty"`
	MergeCounts        *MergeCounts                `json:"merge_counts,omitempty"`
	SchemaVersion      int                         `json:"schema_version"`
	LastActiveAt       *time.Time                  `json:"last_active_at,omitempty"`
	CreatedAt          time.Time                   `json:"created_at"`
	UpdatedAt          time.Time                   `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching
// store-owned values.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.LinkedProviders = slices.Clone(u.LinkedProviders)
	if u.ProviderMetadata != nil {
		c.ProviderMetadata = make(map[string]ProviderMetadata, len(u.ProviderMetadata))
		for k, v := range u.ProviderMetadata {
			c.ProviderMetadata[k] = v
		}
	}
	if u.MergeCounts != nil {
		mc := *u.MergeCounts
		c.MergeCounts = &mc
	}
	return &c
}

// HasProvider reports whether provider is already linked.
func (u *User) HasProvider(provider string) bool {
	return u != nil && slices.Contains(u.LinkedProviders, provider)
}

// IsMerged reports whether the identity was folded into another one.
func (u *User) IsMerged() bool {
	return u != nil && u.MergedTo != ""
}

// SessionActive reports whether the user level session window is open at now.
func (u *User) SessionActive(now time.Time) bool {
	if u == nil || u.Revoked {
		return false
	}
	return u.SessionExpiresAt.After(now)
}

// SetVerification applies a verification change and keeps the role ladder
// consistent: verifying an anonymous identity makes it free.
func (u *User) SetVerification(v Verification) {
	u.Verification = v
	u.Role, u.Verification = NormalizeRoleState(u.Role, u.Verification)
}

// linkProvider records provider metadata, appending to LinkedProviders
// without duplicates.
func (u *User) linkProvider(provider string, meta ProviderMetadata) {
	if !u.HasProvider(provider) {
		u.LinkedProviders = append(u.LinkedProviders, provider)
	}
	if u.ProviderMetadata == nil {
		u.ProviderMetadata = map[string]ProviderMetadata{}
	}
	if prev, ok := u.ProviderMetadata[provider]; ok && !prev.LinkedAt.IsZero() {
		meta.LinkedAt = prev.LinkedAt
	}
	u.ProviderMetadata[provider] = meta
	u.LastProviderUsed = provider
}

// Session is one login session of a user. Only the hash of the refresh
// token is ever stored.
type Session struct {
	UserID           string     `json:"user_id"`
	SessionID        string     `json:"session_id"`
	RefreshTokenHash string     `json:"refresh_token_hash"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	LastActiveAt     *time.Time `json:"last_active_at,omitempty"`
	UserAgent        string     `json:"user_agent,omitempty"`
	IP               string     `json:"ip,omitempty"`
}

// Expired reports whether the session lapsed at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// MagicLinkToken is a single use credential sent by email. It also backs
// email-link verification for already known identities.
type MagicLinkToken struct {
	ID        string     `json:"token_id"`
	Email     string     `json:"email"`
	UserID    string     `json:"user_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	UsedByIP  string     `json:"used_by_ip,omitempty"`
}

// Expired reports whether the token lapsed at now.
func (t *MagicLinkToken) Expired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

// OAuthState is the CSRF nonce bound to an authorization request.
type OAuthState struct {
	ID           string     `json:"state_id"`
	Provider     string     `json:"provider"`
	RedirectURI  string     `json:"redirect_uri"`
	UserID       string     `json:"user_id,omitempty"`
	CodeVerifier string     `json:"code_verifier,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Used         bool       `json:"used"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
}

// BlocklistEntry denies a refresh token hash regardless of session state.
type BlocklistEntry struct {
	TokenHash string    `json:"token_hash"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ProviderClaim binds a (provider, subject) pair to exactly one identity.
type ProviderClaim struct {
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
	UserID   string `json:"user_id"`
}

// BillingEventStatus tracks a recorded billing event.
type BillingEventStatus = string

const (
	BillingEventReceived BillingEventStatus = "received"
	BillingEventApplied  BillingEventStatus = "applied"
)

// BillingEvent is the idempotency record of an externally delivered event.
type BillingEvent struct {
	EventID        string             `json:"event_id"`
	EventType      string             `json:"event_type"`
	UserID         string             `json:"user_id"`
	PriceID        string             `json:"price_id,omitempty"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
	Status         BillingEventStatus `json:"status"`
	ReceivedAt     time.Time          `json:"received_at"`
	AppliedAt      *time.Time         `json:"applied_at,omitempty"`
}

// NormalizeEmail lower cases and trims an email for lookups and claims.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
