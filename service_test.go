package identity_test

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-identity/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	svc    *identity.Service
	store  *memstore.Store
	clock  *testClock
	sink   *recordingSink
	mu     sync.Mutex
	mailed map[string]string
}

func newServiceFixture(t *testing.T, opts ...identity.ServiceOption) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:  memstore.New(),
		clock:  newTestClock(),
		sink:   &recordingSink{},
		mailed: map[string]string{},
	}
	f.store.WithClock(f.clock.Now)

	base := []identity.ServiceOption{
		identity.WithComponentOptions(identity.WithClock(f.clock.Now), identity.WithActivitySink(f.sink)),
		identity.WithMailer(identity.MailerFunc(func(_ context.Context, tokenID, email string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.mailed[email] = tokenID
			return nil
		})),
	}
	svc, err := identity.NewService(testConfig(), f.store.Stores(), append(base, opts...)...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *serviceFixture) mailedToken(email string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mailed[email]
}

var browser = identity.ClientInfo{IP: "203.0.113.7", UserAgent: "test-agent"}

func TestServiceRequiresStores(t *testing.T) {
	_, err := identity.NewService(testConfig(), identity.Stores{})
	assert.Error(t, err)

	bad := testConfig()
	bad.SigningKey = ""
	_, err = identity.NewService(bad, memstore.New().Stores())
	assert.Error(t, err)
}

func TestServiceAnonymousSession(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	auth, err := f.svc.CreateAnonymousSession(ctx, browser)
	require.NoError(t, err)
	assert.True(t, auth.IsNew)
	assert.Equal(t, identity.RoleAnonymous, auth.User.Role)
	assert.NotEmpty(t, auth.Tokens.RefreshToken)
	assert.Equal(t, "test-agent", auth.Session.UserAgent)

	info, err := f.svc.SessionInfo(ctx, auth.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, auth.User.ID, info.User.ID)
	assert.Equal(t, []identity.Role{identity.RoleAnonymous}, info.Roles)
	assert.Len(t, info.Sessions, 1)
}

func TestServiceMagicLinkFlow(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	anon, err := f.svc.CreateAnonymousSession(ctx, browser)
	require.NoError(t, err)

	require.NoError(t, f.svc.RequestMagicLink(ctx, "Reader@Example.com", anon.User.ID, browser))
	tokenID := f.mailedToken("reader@example.com")
	require.NotEmpty(t, tokenID)

	auth, err := f.svc.VerifyMagicLink(ctx, tokenID, browser)
	require.NoError(t, err)
	assert.Equal(t, anon.User.ID, auth.User.ID, "the anonymous identity is upgraded in place")
	assert.Equal(t, identity.RoleFree, auth.User.Role)
	assert.Equal(t, identity.VerificationVerified, auth.User.Verification)
	assert.Equal(t, "reader@example.com", auth.User.PrimaryEmail)
	assert.False(t, auth.IsNew)

	_, err = f.svc.VerifyMagicLink(ctx, tokenID, browser)
	assert.ErrorIs(t, err, identity.ErrMagicLinkInvalid)
	_, err = f.svc.VerifyMagicLink(ctx, "never-issued", browser)
	assert.ErrorIs(t, err, identity.ErrMagicLinkInvalid)
}

func TestServiceMagicLinkCreatesIdentity(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestMagicLink(ctx, "fresh@example.com", "", browser))
	auth, err := f.svc.VerifyMagicLink(ctx, f.mailedToken("fresh@example.com"), browser)
	require.NoError(t, err)
	assert.True(t, auth.IsNew)
	assert.Equal(t, identity.RoleFree, auth.User.Role)

	require.NoError(t, f.svc.RequestMagicLink(ctx, "fresh@example.com", "", browser))
	again, err := f.svc.VerifyMagicLink(ctx, f.mailedToken("fresh@example.com"), browser)
	require.NoError(t, err)
	assert.False(t, again.IsNew)
	assert.Equal(t, auth.User.ID, again.User.ID)
}

func TestServiceRefreshRotates(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	auth, err := f.svc.CreateAnonymousSession(ctx, browser)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	refreshed, err := f.svc.RefreshTokens(ctx, auth.Tokens.RefreshToken, browser)
	require.NoError(t, err)
	assert.NotEqual(t, auth.Tokens.RefreshToken, refreshed.Tokens.RefreshToken)
	assert.Equal(t, auth.Session.SessionID, refreshed.Session.SessionID)

	_, err = f.svc.RefreshTokens(ctx, auth.Tokens.RefreshToken, browser)
	assert.ErrorIs(t, err, identity.ErrSessionInvalid, "a rotated token is blocklisted")

	_, err = f.svc.ValidateSession(ctx, refreshed.Tokens.AccessToken)
	require.NoError(t, err)
}

func TestServiceSignOut(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	auth, err := f.svc.CreateAnonymousSession(ctx, browser)
	require.NoError(t, err)
	require.NoError(t, f.svc.SignOut(ctx, auth.Tokens.RefreshToken))
	require.NoError(t, f.svc.SignOut(ctx, auth.Tokens.RefreshToken), "signing out twice is fine")

	_, err = f.svc.ValidateSession(ctx, auth.Tokens.AccessToken)
	assert.ErrorIs(t, err, identity.ErrSessionInvalid)
	_, err = f.svc.RefreshTokens(ctx, auth.Tokens.RefreshToken, browser)
	assert.ErrorIs(t, err, identity.ErrSessionInvalid)
}

func TestServiceRevokeInvalidatesTokens(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	auth, err := f.svc.CreateAnonymousSession(ctx, browser)
	require.NoError(t, err)

	_, err = f.svc.Revoke(ctx, identity.ActorRef{ID: "op", Type: "operator"}, auth.User.ID, "fraud")
	require.NoError(t, err)

	_, err = f.svc.ValidateSession(ctx, auth.Tokens.AccessToken)
	assert.ErrorIs(t, err, identity.ErrSessionRevoked)
	_, err = f.svc.RefreshTokens(ctx, auth.Tokens.RefreshToken, browser)
	assert.ErrorIs(t, err, identity.ErrSessionInvalid)

	extended, err := f.svc.ExtendSession(ctx, auth.User.ID)
	require.NoError(t, err)
	assert.False(t, extended)
}

func TestServiceExpiredWindow(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	auth, err := f.svc.CreateAnonymousSession(ctx, browser)
	require.NoError(t, err)

	f.clock.Advance(identity.DefaultSessionTTL + time.Hour)
	_, err = f.svc.RefreshTokens(ctx, auth.Tokens.RefreshToken, browser)
	assert.ErrorIs(t, err, identity.ErrSessionExpired)
}

func TestServiceSessionCap(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateAnonymousSession(ctx, browser)
	require.NoError(t, err)
	user := first.User

	require.NoError(t, f.svc.RequestMagicLink(ctx, "cap@example.com", user.ID, browser))
	_, err = f.svc.VerifyMagicLink(ctx, f.mailedToken("cap@example.com"), browser)
	require.NoError(t, err)

	for i := 0; i < identity.DefaultMaxSessions; i++ {
		f.clock.Advance(time.Second)
		require.NoError(t, f.svc.RequestMagicLink(ctx, "cap@example.com", "", browser))
		_, err := f.svc.VerifyMagicLink(ctx, f.mailedToken("cap@example.com"), browser)
		require.NoError(t, err)
	}

	sessions, err := f.store.ListSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, identity.DefaultMaxSessions)

	_, err = f.svc.ValidateSession(ctx, first.Tokens.AccessToken)
	assert.ErrorIs(t, err, identity.ErrSessionInvalid, "the oldest session was evicted")
}

func TestServiceRateLimitsMagicLinks(t *testing.T) {
	limiter := memstore.NewLimiter(time.Hour, 2)
	f := newServiceFixture(t, identity.WithRequestLimiter(limiter))
	ctx := context.Background()

	require.NoError(t, f.svc.RequestMagicLink(ctx, "spam@example.com", "", browser))
	require.NoError(t, f.svc.RequestMagicLink(ctx, "spam@example.com", "", browser))
	err := f.svc.RequestMagicLink(ctx, "spam@example.com", "", browser)
	assert.ErrorIs(t, err, identity.ErrRateLimited)
}

func TestServiceLimiterFailsOpen(t *testing.T) {
	limiter := &MockLimiter{}
	limiter.On("Allow", mock.Anything, mock.Anything, mock.Anything).Return(false, time.Duration(0), assert.AnError)
	f := newServiceFixture(t, identity.WithRequestLimiter(limiter))

	require.NoError(t, f.svc.RequestMagicLink(context.Background(), "open@example.com", "", browser))
	limiter.AssertCalled(t, "Allow", mock.Anything, "magic_link:open@example.com", mock.Anything)
}

func stateFromURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestServiceOAuthLoginCreatesThenReuses(t *testing.T) {
	google := NewMockProvider("google")
	google.On("Exchange", mock.Anything, mock.MatchedBy(func(r identity.ExchangeRequest) bool {
		return r.CodeVerifier != "" && r.RedirectURI == callbackURI
	})).Return(identity.ProviderClaims{
		Subject:       "g-42",
		Email:         "oauth@gmail.com",
		EmailVerified: true,
	}, nil)

	f := newServiceFixture(t, identity.WithProviders(google))
	ctx := context.Background()

	login := func() *identity.OAuthResult {
		urls, err := f.svc.OAuthAuthorizeURLs(ctx, callbackURI, "")
		require.NoError(t, err)
		require.Len(t, urls, 1)
		res, err := f.svc.OAuthCallback(ctx, "google", "code", stateFromURL(t, urls[0].URL), callbackURI, browser)
		require.NoError(t, err)
		require.NotNil(t, res.Auth)
		return res
	}

	first := login()
	assert.True(t, first.Auth.IsNew)
	assert.Equal(t, identity.RoleFree, first.Auth.User.Role)
	assert.Equal(t, []string{"google"}, first.Auth.User.LinkedProviders)

	second := login()
	assert.False(t, second.Auth.IsNew)
	assert.Equal(t, first.Auth.User.ID, second.Auth.User.ID)
	assert.Len(t, f.sink.ofType(identity.ActivityEventOAuthLogin), 2)
}

func TestServiceOAuthEmailMatchNeedsConfirmation(t *testing.T) {
	github := NewMockProvider("github")
	github.On("Exchange", mock.Anything, mock.Anything).Return(identity.ProviderClaims{
		Subject:       "gh-7",
		Email:         "shared@gmail.com",
		EmailVerified: true,
	}, nil)

	f := newServiceFixture(t, identity.WithProviders(github))
	ctx := context.Background()

	require.NoError(t, f.svc.RequestMagicLink(ctx, "shared@gmail.com", "", browser))
	_, err := f.svc.VerifyMagicLink(ctx, f.mailedToken("shared@gmail.com"), browser)
	require.NoError(t, err)

	urls, err := f.svc.OAuthAuthorizeURLs(ctx, callbackURI, "")
	require.NoError(t, err)
	res, err := f.svc.OAuthCallback(ctx, "github", "code", stateFromURL(t, urls[0].URL), callbackURI, browser)
	require.NoError(t, err)
	assert.Nil(t, res.Auth)
	require.NotNil(t, res.Link)
	assert.Equal(t, identity.LinkConflict, res.Link.Outcome)
	assert.True(t, res.Link.RequiresConfirmation)

	conflict, err := f.svc.CheckEmailConflict(ctx, "someone-else", "shared@gmail.com")
	require.NoError(t, err)
	assert.True(t, conflict.Exists)
	assert.False(t, conflict.SameUser)
}

func TestServiceOAuthRejectsBadState(t *testing.T) {
	google := NewMockProvider("google")
	f := newServiceFixture(t, identity.WithProviders(google))
	ctx := context.Background()

	_, err := f.svc.OAuthCallback(ctx, "google", "code", "forged", callbackURI, browser)
	assert.ErrorIs(t, err, identity.ErrOAuthStateInvalid)

	_, err = f.svc.OAuthCallback(ctx, "facebook", "code", "forged", callbackURI, browser)
	assert.ErrorIs(t, err, identity.ErrProviderNotConfigured)
	google.AssertNotCalled(t, "Exchange", mock.Anything, mock.Anything)
}

func TestServiceBillingWebhook(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestMagicLink(ctx, "buyer@example.com", "", browser))
	auth, err := f.svc.VerifyMagicLink(ctx, f.mailedToken("buyer@example.com"), browser)
	require.NoError(t, err)

	payload, err := json.Marshal(identity.BillingWebhookEvent{
		ID:     "evt_svc",
		Type:   identity.BillingCheckoutCompleted,
		UserID: auth.User.ID,
		Status: "active",
	})
	require.NoError(t, err)
	header := identity.BillingSignatureHeader([]byte(billingSecret), f.clock.Now().Unix(), payload)

	res, err := f.svc.HandleBillingWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, identity.RolePaid, res.User.Role)

	res, err = f.svc.HandleBillingWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, identity.BillingAlreadyProcessed, res.Outcome)
}

func TestServiceMergeAndLoginFollowsPrimary(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestMagicLink(ctx, "primary@example.com", "", browser))
	primary, err := f.svc.VerifyMagicLink(ctx, f.mailedToken("primary@example.com"), browser)
	require.NoError(t, err)
	require.NoError(t, f.svc.RequestMagicLink(ctx, "secondary@example.com", "", browser))
	secondary, err := f.svc.VerifyMagicLink(ctx, f.mailedToken("secondary@example.com"), browser)
	require.NoError(t, err)

	counts, err := f.svc.MergeAccounts(ctx, identity.ActorRef{ID: primary.User.ID, Type: "user"}, primary.User.ID, secondary.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.SessionsClosed)

	status, err := f.svc.MergeStatus(ctx, secondary.User.ID)
	require.NoError(t, err)
	assert.True(t, status.Merged)

	_, err = f.svc.ValidateSession(ctx, secondary.Tokens.AccessToken)
	assert.ErrorIs(t, err, identity.ErrSessionInvalid)

	require.NoError(t, f.svc.RequestMagicLink(ctx, "secondary@example.com", "", browser))
	again, err := f.svc.VerifyMagicLink(ctx, f.mailedToken("secondary@example.com"), browser)
	require.NoError(t, err)
	assert.Equal(t, primary.User.ID, again.User.ID)
}

func TestServiceAdvanceRoleAndBulkRevoke(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	operator := identity.ActorRef{ID: "op-1", Type: "operator"}

	require.NoError(t, f.svc.RequestMagicLink(ctx, "staff@example.com", "", browser))
	auth, err := f.svc.VerifyMagicLink(ctx, f.mailedToken("staff@example.com"), browser)
	require.NoError(t, err)

	res, err := f.svc.AdvanceRole(ctx, operator, auth.User.ID, identity.RoleOperator)
	require.NoError(t, err)
	assert.Equal(t, identity.RoleOperator, res.User.Role)
	assert.Equal(t, "admin:op-1", res.User.RoleAssignedBy)

	bulk := f.svc.RevokeBulk(ctx, operator, []string{auth.User.ID, "ghost"}, "incident")
	assert.Equal(t, 1, bulk.RevokedCount)
	assert.Equal(t, []string{"ghost"}, bulk.FailedUserIDs)
}
