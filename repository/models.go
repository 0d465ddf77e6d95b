package repository

import (
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UserModel is the Bun model for identity records. Version guards every
// update.
type UserModel struct {
	bun.BaseModel `bun:"table:users"`

	ID                 string                               `bun:"id,pk"`
	Version            int64                                `bun:"version,notnull,default:0"`
	PrimaryEmail       string                               `bun:"primary_email"`
	AuthType           string                               `bun:"auth_type,notnull"`
	Role               string                               `bun:"role,notnull"`
	Verification       string                               `bun:"verification"`
	LinkedProviders    []string                             `bun:"linked_providers,type:jsonb"`
	ProviderMetadata   map[string]identity.ProviderMetadata `bun:"provider_metadata,type:jsonb"`
	LastProviderUsed   string                               `bun:"last_provider_used"`
	Revoked            bool                                 `bun:"revoked,notnull,default:false"`
	RevokedAt          *time.Time                           `bun:"revoked_at"`
	RevokedReason      string                               `bun:"revoked_reason"`
	SessionExpiresAt   time.Time                            `bun:"session_expires_at"`
	RevocationID       int64                                `bun:"revocation_id,notnull,default:0"`
	RoleAssignedAt     *time.Time                           `bun:"role_assigned_at"`
	RoleAssignedBy     string                               `bun:"role_assigned_by"`
	SubscriptionID     string                               `bun:"subscription_id"`
	SubscriptionStatus string                               `bun:"subscription_status"`
	MergedTo           string                               `bun:"merged_to"`
	MergedAt           *time.Time                           `bun:"merged_at"`
	MergeCounts        *identity.MergeCounts                `bun:"merge_counts,type:jsonb"`
	SchemaVersion      int                                  `bun:"schema_version,notnull,default:0"`
	LastActiveAt       *time.Time                           `bun:"last_active_at"`
	CreatedAt          time.Time                            `bun:"created_at,notnull"`
	UpdatedAt          time.Time                            `bun:"updated_at,notnull"`
}

// EmailClaimModel reserves a normalized email for exactly one identity.
type EmailClaimModel struct {
	bun.BaseModel `bun:"table:email_claims"`

	Key    string `bun:"claim_key,pk"`
	UserID string `bun:"user_id,notnull"`
}

// ProviderClaimModel binds a provider subject to exactly one identity.
type ProviderClaimModel struct {
	bun.BaseModel `bun:"table:provider_claims"`

	Provider string `bun:"provider,pk"`
	Subject  string `bun:"subject,pk"`
	UserID   string `bun:"user_id,notnull"`
}

// SessionModel stores one session. The unique refresh hash column is the
// refresh token index.
type SessionModel struct {
	bun.BaseModel `bun:"table:sessions"`

	UserID           string     `bun:"user_id,pk"`
	SessionID        string     `bun:"session_id,pk"`
	RefreshTokenHash string     `bun:"refresh_token_hash,notnull,unique"`
	CreatedAt        time.Time  `bun:"created_at,notnull"`
	ExpiresAt        time.Time  `bun:"expires_at,notnull"`
	LastActiveAt     *time.Time `bun:"last_active_at"`
	UserAgent        string     `bun:"user_agent"`
	IP               string     `bun:"ip"`
}

// MagicLinkTokenModel stores single use email tokens.
type MagicLinkTokenModel struct {
	bun.BaseModel `bun:"table:magic_link_tokens"`

	ID        string     `bun:"id,pk"`
	Email     string     `bun:"email,notnull"`
	UserID    string     `bun:"user_id"`
	CreatedAt time.Time  `bun:"created_at,notnull"`
	ExpiresAt time.Time  `bun:"expires_at,notnull"`
	Used      bool       `bun:"used,notnull,default:false"`
	UsedAt    *time.Time `bun:"used_at"`
	UsedByIP  string     `bun:"used_by_ip"`
}

// OAuthStateModel stores CSRF states of pending authorization requests.
type OAuthStateModel struct {
	bun.BaseModel `bun:"table:oauth_states"`

	ID           string     `bun:"id,pk"`
	Provider     string     `bun:"provider,notnull"`
	RedirectURI  string     `bun:"redirect_uri,notnull"`
	UserID       string     `bun:"user_id"`
	CodeVerifier string     `bun:"code_verifier"`
	CreatedAt    time.Time  `bun:"created_at,notnull"`
	ExpiresAt    time.Time  `bun:"expires_at,notnull"`
	Used         bool       `bun:"used,notnull,default:false"`
	UsedAt       *time.Time `bun:"used_at"`
}

// BlocklistModel denies refresh token hashes until ExpiresAt.
type BlocklistModel struct {
	bun.BaseModel `bun:"table:token_blocklist"`

	TokenHash string    `bun:"token_hash,pk"`
	Reason    string    `bun:"reason"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
}

// BillingEventModel is the idempotency record of billing webhooks.
type BillingEventModel struct {
	bun.BaseModel `bun:"table:billing_events"`

	EventID        string     `bun:"event_id,pk"`
	EventType      string     `bun:"event_type,notnull"`
	UserID         string     `bun:"user_id"`
	PriceID        string     `bun:"price_id"`
	SubscriptionID string     `bun:"subscription_id"`
	Status         string     `bun:"status,notnull"`
	ReceivedAt     time.Time  `bun:"received_at,notnull"`
	AppliedAt      *time.Time `bun:"applied_at"`
}

// tableModels lists every model in creation order.
var tableModels = []any{
	(*UserModel)(nil),
	(*EmailClaimModel)(nil),
	(*ProviderClaimModel)(nil),
	(*SessionModel)(nil),
	(*MagicLinkTokenModel)(nil),
	(*OAuthStateModel)(nil),
	(*BlocklistModel)(nil),
	(*BillingEventModel)(nil),
}

func userRecordID(m *UserModel) uuid.UUID {
	if m == nil {
		return uuid.Nil
	}
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func (m *UserModel) toUser() *identity.User {
	u := &identity.User{
		ID:                 m.ID,
		PrimaryEmail:       m.PrimaryEmail,
		AuthType:           m.AuthType,
		Role:               m.Role,
		Verification:       m.Verification,
		LinkedProviders:    m.LinkedProviders,
		ProviderMetadata:   m.ProviderMetadata,
		LastProviderUsed:   m.LastProviderUsed,
		Revoked:            m.Revoked,
		RevokedAt:          m.RevokedAt,
		RevokedReason:      m.RevokedReason,
		SessionExpiresAt:   m.SessionExpiresAt,
		RevocationID:       m.RevocationID,
		RoleAssignedAt:     m.RoleAssignedAt,
		RoleAssignedBy:     m.RoleAssignedBy,
		SubscriptionID:     m.SubscriptionID,
		SubscriptionStatus: m.SubscriptionStatus,
		MergedTo:           m.MergedTo,
		MergedAt:           m.MergedAt,
		MergeCounts:        m.MergeCounts,
		SchemaVersion:      m.SchemaVersion,
		LastActiveAt:       m.LastActiveAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
	return identity.UpgradeUser(u)
}

func fromUser(u *identity.User, version int64) *UserModel {
	return &UserModel{
		ID:                 u.ID,
		Version:            version,
		PrimaryEmail:       u.PrimaryEmail,
		AuthType:           u.AuthType,
		Role:               u.Role,
		Verification:       u.Verification,
		LinkedProviders:    u.LinkedProviders,
		ProviderMetadata:   u.ProviderMetadata,
		LastProviderUsed:   u.LastProviderUsed,
		Revoked:            u.Revoked,
		RevokedAt:          u.RevokedAt,
		RevokedReason:      u.RevokedReason,
		SessionExpiresAt:   u.SessionExpiresAt,
		RevocationID:       u.RevocationID,
		RoleAssignedAt:     u.RoleAssignedAt,
		RoleAssignedBy:     u.RoleAssignedBy,
		SubscriptionID:     u.SubscriptionID,
		SubscriptionStatus: u.SubscriptionStatus,
		MergedTo:           u.MergedTo,
		MergedAt:           u.MergedAt,
		MergeCounts:        u.MergeCounts,
		SchemaVersion:      u.SchemaVersion,
		LastActiveAt:       u.LastActiveAt,
		CreatedAt:          u.CreatedAt,
		UpdatedAt:          u.UpdatedAt,
	}
}

func (m *SessionModel) toSession() identity.Session {
	return identity.Session{
		UserID:           m.UserID,
		SessionID:        m.SessionID,
		RefreshTokenHash: m.RefreshTokenHash,
		CreatedAt:        m.CreatedAt,
		ExpiresAt:        m.ExpiresAt,
		LastActiveAt:     m.LastActiveAt,
		UserAgent:        m.UserAgent,
		IP:               m.IP,
	}
}

func fromSession(s identity.Session) *SessionModel {
	return &SessionModel{
		UserID:           s.UserID,
		SessionID:        s.SessionID,
		RefreshTokenHash: s.RefreshTokenHash,
		CreatedAt:        s.CreatedAt,
		ExpiresAt:        s.ExpiresAt,
		LastActiveAt:     s.LastActiveAt,
		UserAgent:        s.UserAgent,
		IP:               s.IP,
	}
}

func (m *MagicLinkTokenModel) toToken() *identity.MagicLinkToken {
	return &identity.MagicLinkToken{
		ID:        m.ID,
		Email:     m.Email,
		UserID:    m.UserID,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
		Used:      m.Used,
		UsedAt:    m.UsedAt,
		UsedByIP:  m.UsedByIP,
	}
}

func (m *OAuthStateModel) toState() *identity.OAuthState {
	return &identity.OAuthState{
		ID:           m.ID,
		Provider:     m.Provider,
		RedirectURI:  m.RedirectURI,
		UserID:       m.UserID,
		CodeVerifier: m.CodeVerifier,
		CreatedAt:    m.CreatedAt,
		ExpiresAt:    m.ExpiresAt,
		Used:         m.Used,
		UsedAt:       m.UsedAt,
	}
}

func (m *BillingEventModel) toEvent() *identity.BillingEvent {
	return &identity.BillingEvent{
		EventID:        m.EventID,
		EventType:      m.EventType,
		UserID:         m.UserID,
		PriceID:        m.PriceID,
		SubscriptionID: m.SubscriptionID,
		Status:         m.Status,
		ReceivedAt:     m.ReceivedAt,
		AppliedAt:      m.AppliedAt,
	}
}
