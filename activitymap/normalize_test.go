package activitymap_test

import (
	"context"
	"testing"
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-identity/activitymap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC)
	event := identity.ActivityEvent{
		EventType:  identity.ActivityEventRoleAdvanced,
		Actor:      identity.ActorRef{ID: "op-42", Type: "operator"},
		UserID:     "user-100",
		FromRole:   identity.RoleFree,
		ToRole:     identity.RolePaid,
		Metadata:   map[string]any{"source": "billing"},
		OccurredAt: ts,
	}

	out := activitymap.Normalize(event)

	assert.Equal(t, "op-42", out.ActorID)
	assert.Equal(t, string(identity.ActivityEventRoleAdvanced), out.Verb)
	assert.Equal(t, "identity", out.ObjectType)
	assert.Equal(t, "user-100", out.ObjectID)
	assert.Equal(t, "identity", out.Channel)
	assert.True(t, out.OccurredAt.Equal(ts))
	assert.Equal(t, map[string]any{
		"source":                        "billing",
		activitymap.MetadataKeyActorType: "operator",
		activitymap.MetadataKeyFromRole:  identity.RoleFree,
		activitymap.MetadataKeyToRole:    identity.RolePaid,
	}, out.Metadata)
	assert.Len(t, event.Metadata, 1, "source metadata stays untouched")
}

func TestNormalizeOptionOverrides(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	event := identity.ActivityEvent{
		EventType: identity.ActivityEventSessionEvicted,
		Metadata:  map[string]any{"session_id": "sess-1"},
	}

	out := activitymap.Normalize(event,
		activitymap.WithChannel(" sessions "),
		activitymap.WithObjectType("session"),
		activitymap.WithObjectIDResolver(func(e identity.ActivityEvent) string {
			id, _ := e.Metadata["session_id"].(string)
			return id
		}),
		activitymap.WithActorFallback("sweeper"),
		activitymap.WithClock(func() time.Time { return fixed }),
	)

	assert.Equal(t, "sweeper", out.ActorID)
	assert.Equal(t, "sessions", out.Channel)
	assert.Equal(t, "session", out.ObjectType)
	assert.Equal(t, "sess-1", out.ObjectID)
	assert.Equal(t, fixed, out.OccurredAt)
}

func TestNormalizeActorFallsBackToUser(t *testing.T) {
	t.Parallel()

	out := activitymap.Normalize(identity.ActivityEvent{
		EventType: identity.ActivityEventMagicLinkConsumed,
		UserID:    "user-7",
	})
	assert.Equal(t, "user-7", out.ActorID)
	assert.Nil(t, out.Metadata)
}

func TestNormalizeKeepsExplicitActorType(t *testing.T) {
	t.Parallel()

	out := activitymap.Normalize(identity.ActivityEvent{
		EventType: identity.ActivityEventIdentityRevoked,
		Actor:     identity.ActorRef{ID: "op", Type: "operator"},
		Metadata:  map[string]any{activitymap.MetadataKeyActorType: "support"},
	})
	assert.Equal(t, "support", out.Metadata[activitymap.MetadataKeyActorType])
}

func TestZapSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := activitymap.ZapSink(zap.New(core))

	require.NoError(t, sink.Record(context.Background(), identity.ActivityEvent{
		EventType: identity.ActivityEventOAuthLogin,
		UserID:    "user-1",
		Metadata:  map[string]any{"provider": "google"},
	}))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, string(identity.ActivityEventOAuthLogin), fields["verb"])
	assert.Equal(t, "user-1", fields["object_id"])
	assert.Equal(t, "user-1", fields["actor_id"])
}
