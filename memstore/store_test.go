package memstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-identity/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUser(t *testing.T, email string) *identity.User {
	t.Helper()
	u := identity.MustNewUser(identity.NewUserID(), identity.RoleFree, identity.VerificationVerified)
	u.PrimaryEmail = email
	u.AuthType = identity.AuthTypeEmail
	return u
}

func TestCreateUserClaimsEmailOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	first := newUser(t, "a@example.com")
	require.NoError(t, store.CreateUser(ctx, first))

	second := newUser(t, "A@Example.com ")
	err := store.CreateUser(ctx, second)
	require.Error(t, err)
	assert.True(t, identity.IsConditionFailed(err))

	cc, ok := identity.AsClaimConflict(err)
	require.True(t, ok)
	assert.Equal(t, identity.ClaimEmail, cc.Kind)
	assert.Equal(t, first.ID, cc.OwnerID)
	assert.Equal(t, 1, store.UserCount())

	got, err := store.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestCreateUserProviderConflictWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	first := newUser(t, "")
	first.ProviderMetadata = map[string]identity.ProviderMetadata{"github": {Subject: "42"}}
	require.NoError(t, store.CreateUser(ctx, first))

	second := newUser(t, "b@example.com")
	second.ProviderMetadata = map[string]identity.ProviderMetadata{"github": {Subject: "42"}}
	err := store.CreateUser(ctx, second)
	cc, ok := identity.AsClaimConflict(err)
	require.True(t, ok)
	assert.Equal(t, identity.ClaimProvider, cc.Kind)

	_, err = store.GetUserByEmail(ctx, "b@example.com")
	assert.True(t, identity.IsItemNotFound(err))
}

func TestUpdateUserCondition(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	u := newUser(t, "c@example.com")
	require.NoError(t, store.CreateUser(ctx, u))

	_, err := store.UpdateUser(ctx, u.ID, identity.UserUpdate{
		Condition: func(cur *identity.User) bool { return cur.Role == identity.RolePaid },
		Mutate:    func(cur *identity.User) { cur.Role = identity.RoleOperator },
	})
	assert.ErrorIs(t, err, identity.ErrConditionFailed)

	updated, err := store.UpdateUser(ctx, u.ID, identity.UserUpdate{
		Condition: func(cur *identity.User) bool { return cur.Role == identity.RoleFree },
		Mutate:    func(cur *identity.User) { cur.Role = identity.RolePaid },
	})
	require.NoError(t, err)
	assert.Equal(t, identity.RolePaid, updated.Role)
	assert.Equal(t, identity.CurrentSchemaVersion, updated.SchemaVersion)

	_, err = store.UpdateUser(ctx, "missing", identity.UserUpdate{})
	assert.True(t, identity.IsItemNotFound(err))
}

func TestGuardedUpdateHasOneWinner(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	u := newUser(t, "race@example.com")
	require.NoError(t, store.CreateUser(ctx, u))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateUser(ctx, u.ID, identity.UserUpdate{
				Condition: func(cur *identity.User) bool { return !cur.Revoked },
				Mutate:    func(cur *identity.User) { cur.Revoked = true },
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMoveProviderClaimGuardsOwner(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	u := newUser(t, "")
	u.ProviderMetadata = map[string]identity.ProviderMetadata{"google": {Subject: "g1"}}
	require.NoError(t, store.CreateUser(ctx, u))

	assert.ErrorIs(t, store.MoveProviderClaim(ctx, "google", "g1", "someone-else", "x"), identity.ErrConditionFailed)
	require.NoError(t, store.MoveProviderClaim(ctx, "google", "g1", u.ID, "x"))
	assert.True(t, identity.IsItemNotFound(store.MoveProviderClaim(ctx, "google", "nope", u.ID, "x")))

	claims, err := store.ListProviderClaims(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestReplaceOldestSessions(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	oldest := identity.Session{UserID: "u", SessionID: "s1", RefreshTokenHash: "h1", CreatedAt: base}
	newer := identity.Session{UserID: "u", SessionID: "s2", RefreshTokenHash: "h2", CreatedAt: base.Add(time.Minute)}
	require.NoError(t, store.PutSession(ctx, newer))
	require.NoError(t, store.PutSession(ctx, oldest))
	assert.ErrorIs(t, store.PutSession(ctx, oldest), identity.ErrConditionFailed)

	list, err := store.ListSessions(ctx, "u")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s1", list[0].SessionID)

	next := identity.Session{UserID: "u", SessionID: "s3", RefreshTokenHash: "h3", CreatedAt: base.Add(2 * time.Minute)}
	require.NoError(t, store.ReplaceOldestSessions(ctx, []identity.Session{oldest}, next))

	// the loser of a concurrent eviction sees the guard fail
	other := identity.Session{UserID: "u", SessionID: "s4", RefreshTokenHash: "h4"}
	assert.ErrorIs(t, store.ReplaceOldestSessions(ctx, []identity.Session{oldest}, other), identity.ErrConditionFailed)

	_, err = store.GetSessionByRefreshHash(ctx, "h1")
	assert.True(t, identity.IsItemNotFound(err))
	got, err := store.GetSessionByRefreshHash(ctx, "h3")
	require.NoError(t, err)
	assert.Equal(t, "s3", got.SessionID)
}

func TestRotateRefresh(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	sess := identity.Session{UserID: "u", SessionID: "s1", RefreshTokenHash: "h1"}
	require.NoError(t, store.PutSession(ctx, sess))

	exp := time.Now().Add(time.Hour)
	require.NoError(t, store.RotateRefresh(ctx, "u", "s1", "h1", "h2", exp))
	assert.ErrorIs(t, store.RotateRefresh(ctx, "u", "s1", "h1", "h3", exp), identity.ErrConditionFailed)

	_, err := store.GetSessionByRefreshHash(ctx, "h1")
	assert.True(t, identity.IsItemNotFound(err))
	got, err := store.GetSessionByRefreshHash(ctx, "h2")
	require.NoError(t, err)
	assert.NotNil(t, got.LastActiveAt)
}

func TestMarkTokenUsedOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.PutToken(ctx, &identity.MagicLinkToken{ID: "t1", Email: "a@example.com"}))
	assert.ErrorIs(t, store.PutToken(ctx, &identity.MagicLinkToken{ID: "t1"}), identity.ErrConditionFailed)

	tok, err := store.MarkTokenUsed(ctx, "t1", time.Now(), "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, tok.Used)
	assert.Equal(t, "10.0.0.1", tok.UsedByIP)

	_, err = store.MarkTokenUsed(ctx, "t1", time.Now(), "10.0.0.2")
	assert.ErrorIs(t, err, identity.ErrConditionFailed)
}

func TestBlocklistExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := memstore.New().WithClock(func() time.Time { return now })

	require.NoError(t, store.Block(ctx, identity.BlocklistEntry{TokenHash: "h", ExpiresAt: now.Add(time.Hour)}))
	blocked, err := store.IsBlocked(ctx, "h")
	require.NoError(t, err)
	assert.True(t, blocked)

	now = now.Add(2 * time.Hour)
	blocked, err = store.IsBlocked(ctx, "h")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestBillingEventsRecordOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	ev := &identity.BillingEvent{EventID: "evt_1", Status: identity.BillingEventReceived}
	require.NoError(t, store.RecordEvent(ctx, ev))
	assert.True(t, errors.Is(store.RecordEvent(ctx, ev), identity.ErrConditionFailed))

	require.NoError(t, store.MarkApplied(ctx, "evt_1", time.Now()))
	assert.ErrorIs(t, store.MarkApplied(ctx, "evt_1", time.Now()), identity.ErrConditionFailed)

	got, err := store.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, identity.BillingEventApplied, got.Status)
}
