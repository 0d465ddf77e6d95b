package identity_test

import (
	"context"
	"testing"
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-identity/memstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMetricsActivitySinkCounts(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	metrics := identity.NewMetrics(registry)
	sink := identity.MetricsActivitySink(metrics)

	store := memstore.New()
	rm := identity.NewRoleMachine(store, identity.WithActivitySink(sink))
	u := seedUser(t, store, identity.RoleFree, identity.VerificationVerified)

	_, err := rm.Advance(ctx, identity.SystemActor, identity.AdvanceRequest{UserID: u.ID, Target: identity.RolePaid})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RoleAdvanced.WithLabelValues(identity.RolePaid)))

	require.NoError(t, sink.Record(ctx, identity.ActivityEvent{
		EventType: identity.ActivityEventRaceLost,
		Metadata:  map[string]any{"operation": "session.evict"},
	}))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RaceLosses.WithLabelValues("session.evict")))

	require.NoError(t, sink.Record(ctx, identity.ActivityEvent{EventType: identity.ActivityEventOAuthLogin}))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuthEvents.WithLabelValues(string(identity.ActivityEventOAuthLogin))))

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMultiActivitySinkReachesEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	multi := identity.MultiActivitySink{a, nil, b}
	require.NoError(t, multi.Record(context.Background(), identity.ActivityEvent{EventType: identity.ActivityEventSessionCreated}))
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestZapLoggerReceivesBestEffortFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := identity.NewZapLogger(zap.New(core))

	failing := identity.ActivitySinkFunc(func(context.Context, identity.ActivityEvent) error {
		return assert.AnError
	})
	links := identity.NewMagicLinks(memstore.New(), time.Hour,
		identity.WithLogger(logger),
		identity.WithActivitySink(failing),
	)
	_, err := links.Issue(context.Background(), "log@example.com", "")
	require.NoError(t, err, "sink failures never fail the operation")

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "activity sink error")
}
