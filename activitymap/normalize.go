// Package activitymap flattens identity activity events into audit records
// that downstream systems can store without importing the identity package.
package activitymap

import (
	"context"
	"strings"
	"time"

	identity "github.com/goliatone/go-identity"
	"go.uber.org/zap"
)

const (
	// MetadataKeyActorType stores identity.ActorRef.Type.
	MetadataKeyActorType = "actor_type"
	// MetadataKeyFromRole stores the role before a ladder transition.
	MetadataKeyFromRole = "from_role"
	// MetadataKeyToRole stores the role after a ladder transition.
	MetadataKeyToRole = "to_role"
)

const (
	defaultChannel    = "identity"
	defaultObjectType = "identity"
	defaultActorID    = "system"
)

// Record is the transport agnostic audit shape.
type Record struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes normalization.
type Option func(*options)

type options struct {
	channel       string
	objectType    string
	actorFallback string
	objectID      func(identity.ActivityEvent) string
	now           func() time.Time
}

// Normalize converts an identity.ActivityEvent into a Record. The event's
// metadata map is copied, never modified.
func Normalize(event identity.ActivityEvent, opts ...Option) Record {
	o := buildOptions(opts)

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = o.now().UTC()
	}

	objectID := strings.TrimSpace(event.UserID)
	if o.objectID != nil {
		objectID = strings.TrimSpace(o.objectID(event))
	}

	return Record{
		ActorID: firstNonEmpty(
			strings.TrimSpace(event.Actor.ID),
			strings.TrimSpace(event.UserID),
			o.actorFallback,
		),
		Verb:       string(event.EventType),
		ObjectType: o.objectType,
		ObjectID:   objectID,
		Channel:    o.channel,
		Metadata:   metadata(event),
		OccurredAt: occurredAt,
	}
}

// WithChannel sets the record channel.
func WithChannel(channel string) Option {
	return func(o *options) { o.channel = strings.TrimSpace(channel) }
}

// WithObjectType sets the record object type.
func WithObjectType(objectType string) Option {
	return func(o *options) { o.objectType = strings.TrimSpace(objectType) }
}

// WithObjectIDResolver overrides the object id, which is the event's
// UserID by default.
func WithObjectIDResolver(resolver func(identity.ActivityEvent) string) Option {
	return func(o *options) { o.objectID = resolver }
}

// WithActorFallback sets the actor id used when the event names none.
func WithActorFallback(actorID string) Option {
	return func(o *options) { o.actorFallback = strings.TrimSpace(actorID) }
}

// WithClock sets the time source for events without OccurredAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// ZapSink returns an ActivitySink writing every event as a structured
// audit log line.
func ZapSink(logger *zap.Logger, opts ...Option) identity.ActivitySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return identity.ActivitySinkFunc(func(_ context.Context, event identity.ActivityEvent) error {
		r := Normalize(event, opts...)
		logger.Info("identity activity",
			zap.String("verb", r.Verb),
			zap.String("actor_id", r.ActorID),
			zap.String("object_type", r.ObjectType),
			zap.String("object_id", r.ObjectID),
			zap.String("channel", r.Channel),
			zap.Any("metadata", r.Metadata),
			zap.Time("occurred_at", r.OccurredAt),
		)
		return nil
	})
}

func buildOptions(opts []Option) options {
	o := options{
		channel:       defaultChannel,
		objectType:    defaultObjectType,
		actorFallback: defaultActorID,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func metadata(event identity.ActivityEvent) map[string]any {
	out := make(map[string]any, len(event.Metadata)+3)
	for k, v := range event.Metadata {
		out[k] = v
	}
	if actorType := strings.TrimSpace(event.Actor.Type); actorType != "" {
		if _, exists := out[MetadataKeyActorType]; !exists {
			out[MetadataKeyActorType] = actorType
		}
	}
	if event.FromRole != "" {
		out[MetadataKeyFromRole] = event.FromRole
	}
	if event.ToRole != "" {
		out[MetadataKeyToRole] = event.ToRole
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
