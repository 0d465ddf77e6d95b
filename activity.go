package identity

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventRoleAdvanced        ActivityEventType = "identity.role.advanced"
	ActivityEventIdentityCreated     ActivityEventType = "identity.created"
	ActivityEventIdentityRevoked     ActivityEventType = "identity.revoked"
	ActivityEventProviderLinked      ActivityEventType = "identity.provider.linked"
	ActivityEventIdentityMerged      ActivityEventType = "identity.merged"
	ActivityEventSessionCreated      ActivityEventType = "session.created"
	ActivityEventSessionEvicted      ActivityEventType = "session.evicted"
	ActivityEventSessionRotated      ActivityEventType = "session.rotated"
	ActivityEventSessionSignedOut    ActivityEventType = "session.signed_out"
	ActivityEventMagicLinkIssued     ActivityEventType = "auth.magic_link.issued"
	ActivityEventMagicLinkConsumed   ActivityEventType = "auth.magic_link.consumed"
	ActivityEventOAuthLogin          ActivityEventType = "auth.oauth.login"
	ActivityEventLoginFailure        ActivityEventType = "auth.login.failure"
	ActivityEventRaceLost            ActivityEventType = "store.race.lost"
	ActivityEventBillingApplied      ActivityEventType = "billing.event.applied"
	ActivityEventBillingDuplicate    ActivityEventType = "billing.event.duplicate"
	ActivityEventSubscriptionChanged ActivityEventType = "billing.subscription.changed"
)

// ActorRef identifies who/what triggered an action.
type ActorRef struct {
	ID   string
	Type string
}

// SystemActor is used when no user or operator triggered the action.
var SystemActor = ActorRef{Type: "system"}

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType  ActivityEventType
	Actor      ActorRef
	UserID     string
	FromRole   Role
	ToRole     Role
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// MultiActivitySink fans an event out to every sink, returning the first
// error after all of them ran.
type MultiActivitySink []ActivitySink

// Record implements ActivitySink.
func (m MultiActivitySink) Record(ctx context.Context, event ActivityEvent) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// activityRecorder is embedded by components that emit events. Sinks run
// best effort: failures are logged, never returned.
type activityRecorder struct {
	sink   ActivitySink
	logger Logger
	now    func() time.Time
}

func newActivityRecorder() activityRecorder {
	return activityRecorder{
		sink:   noopActivitySink{},
		logger: defLogger{},
		now:    time.Now,
	}
}

func (r activityRecorder) record(ctx context.Context, event ActivityEvent) {
	if event.Actor == (ActorRef{}) {
		event.Actor = SystemActor
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now()
	}
	sink := normalizeActivitySink(r.sink)
	if err := sink.Record(ctx, event); err != nil {
		normalizeLogger(r.logger).Warn("activity sink error: event=%s user=%s: %v", event.EventType, event.UserID, err)
	}
}

func (r activityRecorder) raceLost(ctx context.Context, operation, userID string) {
	r.record(ctx, ActivityEvent{
		EventType: ActivityEventRaceLost,
		UserID:    userID,
		Metadata:  map[string]any{"operation": operation},
	})
}
