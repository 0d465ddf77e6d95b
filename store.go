package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// MaxTransactionItems bounds every multi-item transaction an adapter is asked
// to run.
const MaxTransactionItems = 25

// ErrItemNotFound is returned by adapters when a keyed item does not exist.
var ErrItemNotFound = goerrors.New("item not found", goerrors.CategoryNotFound).
	WithTextCode("STORE_ITEM_NOT_FOUND").
	WithCode(goerrors.CodeNotFound)

// ErrConditionFailed is returned by adapters when a guarded write or a
// transaction precondition did not hold. Nothing was written.
var ErrConditionFailed = goerrors.New("conditional write failed", goerrors.CategoryConflict).
	WithTextCode("STORE_CONDITION_FAILED").
	WithCode(goerrors.CodeConflict)

// ErrTransactionTooLarge is returned when a transaction would exceed
// MaxTransactionItems.
var ErrTransactionTooLarge = goerrors.New("transaction exceeds item limit", goerrors.CategoryInternal).
	WithTextCode("STORE_TRANSACTION_TOO_LARGE")

// ErrWriteContention is returned when concurrent writers kept moving an
// item for every attempt of a guarded write. The precondition was never
// found false; the caller may rerun the operation.
var ErrWriteContention = goerrors.New("item kept changing under concurrent writes", goerrors.CategoryConflict).
	WithTextCode("STORE_WRITE_CONTENTION").
	WithCode(goerrors.CodeConflict)

// ClaimKind names a uniqueness claim.
type ClaimKind string

const (
	ClaimEmail    ClaimKind = "email"
	ClaimProvider ClaimKind = "provider"
)

// ClaimConflictError reports the uniqueness claim that made a transaction
// fail. It matches ErrConditionFailed.
type ClaimConflictError struct {
	Kind    ClaimKind
	Key     string
	OwnerID string
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("%s claim %q held by %s", e.Kind, e.Key, e.OwnerID)
}

// Is lets errors.Is(err, ErrConditionFailed) hold for claim conflicts.
func (e *ClaimConflictError) Is(target error) bool {
	return target == ErrConditionFailed
}

// AsClaimConflict extracts a ClaimConflictError from err.
func AsClaimConflict(err error) (*ClaimConflictError, bool) {
	var cc *ClaimConflictError
	if errors.As(err, &cc) {
		return cc, true
	}
	return nil, false
}

// IsItemNotFound reports whether err means the item does not exist.
func IsItemNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound)
}

// IsConditionFailed reports whether err is a lost guarded write.
func IsConditionFailed(err error) bool {
	return errors.Is(err, ErrConditionFailed)
}

// UserUpdate describes one guarded identity write. Condition runs against
// the stored record inside the write; a false result fails the write with
// ErrConditionFailed and a nil Condition always holds. Mutate edits a copy.
// ClaimEmail and ClaimProvider add uniqueness claims in the same
// transaction.
type UserUpdate struct {
	Condition     func(current *User) bool
	Mutate        func(u *User)
	ClaimEmail    string
	ClaimProvider *ProviderClaim
}

// UserStore persists identity records and their uniqueness claims.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByProvider(ctx context.Context, provider, subject string) (*User, error)
	// CreateUser writes the identity item, the email claim when the user has
	// a primary email and a provider claim per ProviderMetadata entry, in one
	// transaction guarded on none of them existing.
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, userID string, update UserUpdate) (*User, error)
	ListProviderClaims(ctx context.Context, userID string) ([]ProviderClaim, error)
	// MoveProviderClaim rebinds a claim guarded on its current owner.
	MoveProviderClaim(ctx context.Context, provider, subject, fromUserID, toUserID string) error
}

// SessionStore persists sessions and the refresh index that points at them.
type SessionStore interface {
	// ListSessions returns the user's sessions ordered by CreatedAt.
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (*Session, error)
	GetSessionByRefreshHash(ctx context.Context, hash string) (*Session, error)
	// PutSession writes the session and its refresh index item guarded on
	// neither existing.
	PutSession(ctx context.Context, session Session) error
	// ReplaceOldestSessions deletes every session in oldest with its index
	// item and writes next and its index item in one transaction, guarded on
	// each of oldest still existing and next not existing.
	ReplaceOldestSessions(ctx context.Context, oldest []Session, next Session) error
	// RotateRefresh swaps the refresh hash guarded on oldHash being current.
	RotateRefresh(ctx context.Context, userID, sessionID, oldHash, newHash string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, userID, sessionID string) error
	TouchSession(ctx context.Context, userID, sessionID string, at time.Time) error
}

// TokenStore persists single use credential tokens.
type TokenStore interface {
	// PutToken is a guarded create.
	PutToken(ctx context.Context, token *MagicLinkToken) error
	GetToken(ctx context.Context, tokenID string) (*MagicLinkToken, error)
	// MarkTokenUsed flips used false to true, guarded on used being false.
	MarkTokenUsed(ctx context.Context, tokenID string, at time.Time, ip string) (*MagicLinkToken, error)
}

// StateStore persists OAuth CSRF states.
type StateStore interface {
	PutState(ctx context.Context, state *OAuthState) error
	GetState(ctx context.Context, stateID string) (*OAuthState, error)
	// MarkStateUsed flips used false to true, guarded on used being false.
	MarkStateUsed(ctx context.Context, stateID string, at time.Time) error
}

// Blocklist denies refresh token hashes until they expire.
type Blocklist interface {
	Block(ctx context.Context, entry BlocklistEntry) error
	IsBlocked(ctx context.Context, tokenHash string) (bool, error)
}

// BillingEventStore records billing events for idempotency.
type BillingEventStore interface {
	// RecordEvent is a guarded create keyed by EventID.
	RecordEvent(ctx context.Context, event *BillingEvent) error
	GetEvent(ctx context.Context, eventID string) (*BillingEvent, error)
	MarkApplied(ctx context.Context, eventID string, at time.Time) error
}

// Stores bundles the ports a Service needs.
type Stores struct {
	Users     UserStore
	Sessions  SessionStore
	Tokens    TokenStore
	States    StateStore
	Blocklist Blocklist
	Billing   BillingEventStore
}
