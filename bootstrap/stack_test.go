package bootstrap_test

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goerrors "github.com/goliatone/go-errors"
	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-identity/bootstrap"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func testConfig(t *testing.T) bootstrap.Config {
	cfg := bootstrap.Config{
		Identity:   identity.DefaultConfig(),
		RateLimit:  10,
		RateWindow: time.Hour,
	}
	cfg.Identity.SigningKey = "0123456789abcdef0123456789abcdef"
	cfg.Identity.RefreshPepper = "pepper-pepper-16"
	cfg.Identity.DatabaseURL = fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	return cfg
}

type capturingMailer struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (m *capturingMailer) SendMagicLink(_ context.Context, tokenID, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[email] = tokenID
	return nil
}

func (m *capturingMailer) token(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[email]
}

func TestStackWiresRepositoryAndRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := testConfig(t)
	cfg.GoogleClientID = "google-client"
	cfg.GoogleClientSecret = "google-secret"
	mailer := &capturingMailer{tokens: map[string]string{}}

	st, err := bootstrap.New(ctx, cfg,
		bootstrap.WithZap(zap.NewNop()),
		bootstrap.WithRedisClient(client),
		bootstrap.WithMailer(mailer),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	st.MustValidate()

	require.NoError(t, st.Service.RequestMagicLink(ctx, "ada@example.com", "", identity.ClientInfo{IP: "203.0.113.1"}))
	tokenID := mailer.token("ada@example.com")
	require.NotEmpty(t, tokenID)

	auth, err := st.Service.VerifyMagicLink(ctx, tokenID, identity.ClientInfo{IP: "203.0.113.1"})
	require.NoError(t, err)
	assert.Equal(t, identity.RoleFree, auth.User.Role)

	stored, err := st.Store.GetUserByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, auth.User.ID, stored.ID)

	urls, err := st.Service.OAuthAuthorizeURLs(ctx, "https://app.example.com/auth/callback", "")
	require.NoError(t, err)
	require.Len(t, urls, 1)
	assert.Equal(t, "google", urls[0].Provider)
	u, err := url.Parse(urls[0].URL)
	require.NoError(t, err)
	assert.True(t, mr.Exists("identity:state:"+u.Query().Get("state")), "oauth states live in redis")

	require.NoError(t, st.Service.SignOut(ctx, auth.Tokens.RefreshToken))
	assert.NotEmpty(t, mr.Keys())

	families, err := st.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestStackWithoutRedisUsesRepositoryForEverything(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.InfoLevel)
	st, err := bootstrap.New(ctx, testConfig(t), bootstrap.WithZap(zap.New(core)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	assert.Nil(t, st.Redis)

	auth, err := st.Service.CreateAnonymousSession(ctx, identity.ClientInfo{UserAgent: "test"})
	require.NoError(t, err)
	info, err := st.Service.ValidateSession(ctx, auth.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, auth.User.ID, info.User.ID)

	audit := logs.FilterMessage("identity activity").FilterField(zap.String("verb", string(identity.ActivityEventSessionCreated))).All()
	require.Len(t, audit, 1)
	assert.Equal(t, auth.User.ID, audit[0].ContextMap()["object_id"])
}

func TestStackRejectsUnreachableRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.Identity.RedisAddr = addr
	_, err = bootstrap.New(context.Background(), cfg, bootstrap.WithZap(zap.NewNop()))
	require.Error(t, err)
	assert.True(t, goerrors.IsCategory(err, goerrors.CategoryExternal))
}

func TestConfigValidation(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.Validate())

	cfg.GitHubClientID = "gh"
	assert.Error(t, cfg.Validate(), "a client id needs its secret")

	cfg = testConfig(t)
	cfg.RateLimit = 0
	assert.Error(t, cfg.Validate())

	cfg = testConfig(t)
	cfg.Identity.SigningKey = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("IDENTITY_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("IDENTITY_REFRESH_PEPPER", "pepper-pepper-16")
	t.Setenv("IDENTITY_MAX_SESSIONS", "2")
	t.Setenv("IDENTITY_GITHUB_CLIENT_ID", "gh-id")
	t.Setenv("IDENTITY_GITHUB_CLIENT_SECRET", "gh-secret")
	t.Setenv("IDENTITY_RATE_LIMIT", "3")

	cfg, err := bootstrap.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Identity.MaxSessions)
	assert.Equal(t, identity.DefaultSessionTTL, cfg.Identity.SessionTTL)
	assert.Equal(t, "gh-id", cfg.GitHubClientID)
	assert.Equal(t, 3, cfg.RateLimit)
	assert.Equal(t, time.Hour, cfg.RateWindow)
}
