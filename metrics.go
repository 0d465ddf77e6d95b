package identity

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts identity and session outcomes. Register it once per
// registry and hand it to components through MetricsActivitySink.
type Metrics struct {
	AuthEvents      *prometheus.CounterVec
	RaceLosses      *prometheus.CounterVec
	SessionEvicted  prometheus.Counter
	RoleAdvanced    *prometheus.CounterVec
	Revocations     prometheus.Counter
	BillingOutcomes *prometheus.CounterVec
	Merges          prometheus.Counter
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_auth_events_total",
				Help: "Authentication events by type.",
			},
			[]string{"event"},
		),
		RaceLosses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_race_losses_total",
				Help: "Guarded writes that lost a race, by operation.",
			},
			[]string{"operation"},
		),
		SessionEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_sessions_evicted_total",
				Help: "Sessions evicted by the per-user session cap.",
			},
		),
		RoleAdvanced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_role_advanced_total",
				Help: "Role advancements by target role.",
			},
			[]string{"role"},
		),
		Revocations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_revocations_total",
				Help: "Identities revoked.",
			},
		),
		BillingOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_billing_events_total",
				Help: "Billing webhook outcomes.",
			},
			[]string{"outcome"},
		),
		Merges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_merges_total",
				Help: "Identities merged into another identity.",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.AuthEvents,
			m.RaceLosses,
			m.SessionEvicted,
			m.RoleAdvanced,
			m.Revocations,
			m.BillingOutcomes,
			m.Merges,
		)
	}
	return m
}

// MetricsActivitySink turns activity events into counter increments.
func MetricsActivitySink(m *Metrics) ActivitySink {
	return ActivitySinkFunc(func(_ context.Context, event ActivityEvent) error {
		if m == nil {
			return nil
		}
		switch event.EventType {
		case ActivityEventRaceLost:
			op, _ := event.Metadata["operation"].(string)
			m.RaceLosses.WithLabelValues(op).Inc()
		case ActivityEventSessionEvicted:
			m.SessionEvicted.Inc()
		case ActivityEventRoleAdvanced:
			m.RoleAdvanced.WithLabelValues(event.ToRole).Inc()
		case ActivityEventIdentityRevoked:
			m.Revocations.Inc()
		case ActivityEventIdentityMerged:
			m.Merges.Inc()
		case ActivityEventBillingApplied:
			m.BillingOutcomes.WithLabelValues("applied").Inc()
		case ActivityEventBillingDuplicate:
			m.BillingOutcomes.WithLabelValues("already_processed").Inc()
		case ActivityEventSubscriptionChanged:
			m.BillingOutcomes.WithLabelValues("subscription_changed").Inc()
		default:
			m.AuthEvents.WithLabelValues(string(event.EventType)).Inc()
		}
		return nil
	})
}
