package identity_test

import (
	"context"
	"sync"
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/stretchr/testify/mock"
)

// MockBlocklist implements identity.Blocklist
type MockBlocklist struct {
	mock.Mock
}

func (m *MockBlocklist) Block(ctx context.Context, entry identity.BlocklistEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockBlocklist) IsBlocked(ctx context.Context, tokenHash string) (bool, error) {
	args := m.Called(ctx, tokenHash)
	return args.Bool(0), args.Error(1)
}

// MockMailer implements identity.Mailer
type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) SendMagicLink(ctx context.Context, tokenID, email string) error {
	args := m.Called(ctx, tokenID, email)
	return args.Error(0)
}

// MockProvider implements identity.IdentityProvider
type MockProvider struct {
	mock.Mock
	name string
}

func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

func (m *MockProvider) Name() string {
	return m.name
}

func (m *MockProvider) AuthCodeURL(req identity.AuthorizeRequest) string {
	return "https://" + m.name + ".example.com/authorize?state=" + req.State + "&code_challenge=" + req.CodeChallenge
}

func (m *MockProvider) Exchange(ctx context.Context, req identity.ExchangeRequest) (identity.ProviderClaims, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(identity.ProviderClaims), args.Error(1)
}

func (m *MockProvider) Revoke(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

// MockLimiter implements identity.RequestLimiter
type MockLimiter struct {
	mock.Mock
}

func (m *MockLimiter) Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error) {
	args := m.Called(ctx, key, now)
	return args.Bool(0), args.Get(1).(time.Duration), args.Error(2)
}

// recordingSink keeps every activity event for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []identity.ActivityEvent
}

func (r *recordingSink) Record(_ context.Context, event identity.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) ofType(t identity.ActivityEventType) []identity.ActivityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []identity.ActivityEvent
	for _, e := range r.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// testClock is a settable clock shared by components under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
