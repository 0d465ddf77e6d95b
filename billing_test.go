package identity_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-identity/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const billingSecret = "whsec_test_secret"

type billingFixture struct {
	store *memstore.Store
	gate  *identity.BillingGate
	clock *testClock
	sink  *recordingSink
	user  *identity.User
}

func newBillingFixture(t *testing.T, prices map[string]identity.Role) *billingFixture {
	t.Helper()
	clock := newTestClock()
	store := memstore.New()
	sink := &recordingSink{}
	opts := []identity.Option{identity.WithClock(clock.Now), identity.WithActivitySink(sink)}
	roles := identity.NewRoleMachine(store, opts...)
	gate := identity.NewBillingGate(store, store, roles, billingSecret, 5*time.Minute, prices, opts...)

	user := identity.MustNewUser(identity.NewUserID(), identity.RoleFree, identity.VerificationVerified)
	user.PrimaryEmail = "payer@example.com"
	require.NoError(t, store.CreateUser(context.Background(), user))

	return &billingFixture{store: store, gate: gate, clock: clock, sink: sink, user: user}
}

func (f *billingFixture) deliver(t *testing.T, event identity.BillingWebhookEvent) (*identity.BillingResult, error) {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	header := identity.BillingSignatureHeader([]byte(billingSecret), f.clock.Now().Unix(), payload)
	return f.gate.Handle(context.Background(), payload, header)
}

func TestBillingAppliesOnceAndReportsReplay(t *testing.T) {
	f := newBillingFixture(t, map[string]identity.Role{"price_pro": identity.RolePaid})
	event := identity.BillingWebhookEvent{
		ID:             "evt_1",
		Type:           identity.BillingCheckoutCompleted,
		UserID:         f.user.ID,
		PriceID:        "price_pro",
		SubscriptionID: "sub_1",
		Status:         "active",
	}

	res, err := f.deliver(t, event)
	require.NoError(t, err)
	assert.Equal(t, identity.BillingApplied, res.Outcome)
	assert.Equal(t, identity.RolePaid, res.User.Role)
	assert.Equal(t, "billing:evt_1", res.User.RoleAssignedBy)
	assert.Equal(t, "sub_1", res.User.SubscriptionID)

	res, err = f.deliver(t, event)
	require.NoError(t, err)
	assert.Equal(t, identity.BillingAlreadyProcessed, res.Outcome)
	assert.Len(t, f.sink.ofType(identity.ActivityEventRoleAdvanced), 1)
	assert.Len(t, f.sink.ofType(identity.ActivityEventBillingDuplicate), 1)
}

func TestBillingUnknownPriceGrantsPaid(t *testing.T) {
	f := newBillingFixture(t, nil)
	assert.Equal(t, identity.RolePaid, f.gate.RoleForPrice("price_mystery"))

	res, err := f.deliver(t, identity.BillingWebhookEvent{
		ID:      "evt_2",
		Type:    identity.BillingInvoicePaid,
		UserID:  f.user.ID,
		PriceID: "price_mystery",
	})
	require.NoError(t, err)
	assert.Equal(t, identity.RolePaid, res.User.Role)
}

func TestBillingCancellationNeverDowngrades(t *testing.T) {
	f := newBillingFixture(t, nil)
	_, err := f.deliver(t, identity.BillingWebhookEvent{ID: "evt_3", Type: identity.BillingCheckoutCompleted, UserID: f.user.ID, Status: "active"})
	require.NoError(t, err)

	res, err := f.deliver(t, identity.BillingWebhookEvent{ID: "evt_4", Type: identity.BillingSubscriptionDeleted, UserID: f.user.ID})
	require.NoError(t, err)
	assert.Equal(t, identity.RolePaid, res.User.Role)
	assert.Equal(t, "canceled", res.User.SubscriptionStatus)
	assert.Len(t, f.sink.ofType(identity.ActivityEventSubscriptionChanged), 1)
}

func TestBillingSignature(t *testing.T) {
	f := newBillingFixture(t, nil)
	payload := []byte(`{"id":"evt_5","type":"invoice.paid","user_id":"u"}`)
	now := f.clock.Now().Unix()

	assert.NoError(t, f.gate.VerifySignature(payload, identity.BillingSignatureHeader([]byte(billingSecret), now, payload)))

	tests := map[string]string{
		"empty":      "",
		"wrong key":  identity.BillingSignatureHeader([]byte("other"), now, payload),
		"stale":      identity.BillingSignatureHeader([]byte(billingSecret), now-3600, payload),
		"no version": "t=" + time.Unix(now, 0).Format("20060102"),
		"garbage":    "t=abc,v1=def",
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, f.gate.VerifySignature(payload, header), identity.ErrBillingSignature)
		})
	}

	tampered := []byte(`{"id":"evt_5","type":"invoice.paid","user_id":"v"}`)
	_, err := f.gate.Handle(context.Background(), tampered, identity.BillingSignatureHeader([]byte(billingSecret), now, payload))
	assert.ErrorIs(t, err, identity.ErrBillingSignature)
}

func TestBillingUnknownUser(t *testing.T) {
	f := newBillingFixture(t, nil)
	_, err := f.deliver(t, identity.BillingWebhookEvent{ID: "evt_6", Type: identity.BillingInvoicePaid, UserID: "ghost"})
	assert.ErrorIs(t, err, identity.ErrUserNotFound)

	stored, err := f.store.GetEvent(context.Background(), "evt_6")
	require.NoError(t, err)
	assert.Equal(t, identity.BillingEventReceived, stored.Status, "a failed delivery is re-applied on redelivery")
}
