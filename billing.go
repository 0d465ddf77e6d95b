package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Billing event types handled by BillingGate.
const (
	BillingCheckoutCompleted   = "checkout.session.completed"
	BillingSubscriptionUpdated = "customer.subscription.updated"
	BillingSubscriptionDeleted = "customer.subscription.deleted"
	BillingInvoicePaid         = "invoice.paid"
)

// BillingWebhookEvent is the decoded webhook body.
type BillingWebhookEvent struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	UserID         string `json:"user_id"`
	PriceID        string `json:"price_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Created        int64  `json:"created,omitempty"`
}

// BillingOutcome tags the result of a webhook delivery.
type BillingOutcome string

const (
	BillingApplied          BillingOutcome = "applied"
	BillingAlreadyProcessed BillingOutcome = "already_processed"
)

// BillingResult is what Handle reports for one delivery.
type BillingResult struct {
	Outcome BillingOutcome
	EventID string
	User    *User
}

// BillingGate applies signed billing webhooks at most once per event id.
type BillingGate struct {
	events    BillingEventStore
	users     UserStore
	roles     *RoleMachine
	secret    []byte
	tolerance time.Duration
	prices    map[string]Role
	activityRecorder
}

// NewBillingGate returns a gate. prices maps price ids to roles; ids not in
// the table grant RolePaid.
func NewBillingGate(events BillingEventStore, users UserStore, roles *RoleMachine, secret string, tolerance time.Duration, prices map[string]Role, opts ...Option) *BillingGate {
	if tolerance <= 0 {
		tolerance = DefaultBillingTolerance
	}
	if prices == nil {
		prices = map[string]Role{}
	}
	return &BillingGate{
		events:           events,
		users:            users,
		roles:            roles,
		secret:           []byte(secret),
		tolerance:        tolerance,
		prices:           prices,
		activityRecorder: applyOptions(opts),
	}
}

// Handle verifies, records and applies one delivery. The event id is
// recorded with a guarded create before any role change; a replay of an
// applied event reports BillingAlreadyProcessed without writing.
func (g *BillingGate) Handle(ctx context.Context, payload []byte, signature string) (*BillingResult, error) {
	if err := g.VerifySignature(payload, signature); err != nil {
		return nil, err
	}

	var event BillingWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, invalidInput(err)
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	now := g.now()
	record := &BillingEvent{
		EventID:        event.ID,
		EventType:      event.Type,
		UserID:         event.UserID,
		PriceID:        event.PriceID,
		SubscriptionID: event.SubscriptionID,
		Status:         BillingEventReceived,
		ReceivedAt:     now,
	}
	if err := g.events.RecordEvent(ctx, record); err != nil {
		if !IsConditionFailed(err) {
			return nil, storeFailure(err, "failed to record billing event")
		}
		stored, gerr := g.events.GetEvent(ctx, event.ID)
		if gerr != nil {
			return nil, storeFailure(gerr, "failed to read billing event")
		}
		if stored.Status == BillingEventApplied {
			g.record(ctx, ActivityEvent{
				EventType: ActivityEventBillingDuplicate,
				UserID:    event.UserID,
				Metadata:  map[string]any{"event_id": event.ID},
			})
			return &BillingResult{Outcome: BillingAlreadyProcessed, EventID: event.ID}, nil
		}
		// recorded by an earlier delivery that failed before applying
	}

	user, err := g.apply(ctx, event)
	if err != nil {
		return nil, err
	}

	if err := g.events.MarkApplied(ctx, event.ID, g.now()); err != nil && !IsConditionFailed(err) {
		return nil, storeFailure(err, "failed to mark billing event applied")
	}

	g.record(ctx, ActivityEvent{
		EventType: ActivityEventBillingApplied,
		UserID:    event.UserID,
		ToRole:    user.Role,
		Metadata:  map[string]any{"event_id": event.ID, "event_type": event.Type},
	})
	return &BillingResult{Outcome: BillingApplied, EventID: event.ID, User: user}, nil
}

func (g *BillingGate) apply(ctx context.Context, event BillingWebhookEvent) (*User, error) {
	status := event.Status
	if event.Type == BillingSubscriptionDeleted {
		status = "canceled"
	}

	user, err := g.users.UpdateUser(ctx, event.UserID, UserUpdate{
		Mutate: func(u *User) {
			if event.SubscriptionID != "" {
				u.SubscriptionID = event.SubscriptionID
			}
			if status != "" {
				u.SubscriptionStatus = status
			}
			u.UpdatedAt = g.now()
		},
	})
	if err != nil {
		if IsItemNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, storeFailure(err, "failed to record subscription")
	}

	if event.Type == BillingSubscriptionDeleted || !grantsAccess(status) {
		// the ladder is monotonic, cancellations never downgrade
		g.record(ctx, ActivityEvent{
			EventType: ActivityEventSubscriptionChanged,
			UserID:    event.UserID,
			Metadata:  map[string]any{"status": status},
		})
		return user, nil
	}

	res, err := g.roles.Advance(ctx, SystemActor, AdvanceRequest{
		UserID: event.UserID,
		Target: g.RoleForPrice(event.PriceID),
		Source: "billing:" + event.ID,
	})
	if err != nil {
		return nil, err
	}
	return res.User, nil
}

// RoleForPrice maps a price id to a role. Unknown ids grant RolePaid.
func (g *BillingGate) RoleForPrice(priceID string) Role {
	if role, ok := g.prices[priceID]; ok && IsValidRole(role) {
		return role
	}
	if priceID != "" {
		g.logger.Warn("unknown billing price id %q, granting %s", priceID, RolePaid)
	}
	return RolePaid
}

func grantsAccess(status string) bool {
	switch status {
	case "", "active", "trialing", "paid", "complete":
		return true
	}
	return false
}

// VerifySignature checks a "t=<unix>,v1=<hex>" header: HMAC-SHA256 of
// "<t>.<payload>" under the webhook secret, within the tolerance window.
func (g *BillingGate) VerifySignature(payload []byte, header string) error {
	if len(g.secret) == 0 || header == "" {
		return ErrBillingSignature
	}

	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrBillingSignature
			}
			ts = n
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return ErrBillingSignature
	}

	age := g.now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > g.tolerance {
		return ErrBillingSignature
	}

	expected := SignBillingPayload(g.secret, ts, payload)
	for _, sig := range sigs {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrBillingSignature
}

// SignBillingPayload returns the hex v1 signature for payload at ts.
func SignBillingPayload(secret []byte, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// BillingSignatureHeader formats the header a sender attaches.
func BillingSignatureHeader(secret []byte, ts int64, payload []byte) string {
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + SignBillingPayload(secret, ts, payload)
}
