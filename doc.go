// Package identity creates, validates, extends, revokes and merges user
// identities and their login sessions under concurrent access.
//
// Consistency model:
//   - Storage offers per-item conditional writes and small transactions of at
//     most MaxTransactionItems items. There are no locks: every exclusive
//     transition reads, decides, then writes guarded on the prior value of the
//     deciding field. A failed guard is the race signal and maps to a domain
//     error (ErrTokenAlreadyUsed, ErrEmailAlreadyExists, ErrSessionLimitRace,
//     ErrOAuthStateInvalid) that the caller resolves one level up.
//   - Adapters live in subpackages: memstore (in process), repository (Bun,
//     SQLite or Postgres) and redisstore (OAuth states, blocklist, limiter).
//     bootstrap wires them, the oidc providers and metrics into a Service.
//
// Roles:
//   - anonymous, free, paid and operator form a ladder that only moves up.
//     free and above require a verified email; anonymous plus verified is
//     stored as free. RoleMachine applies advancements and never rewrites
//     assignment metadata of a role already held.
//
// Activity sinks:
//   - ActivitySink receives audit events for logins, role advancements,
//     session evictions, revocations, merges and billing. Sinks run best
//     effort; MetricsActivitySink feeds Prometheus counters from the same
//     stream.
package identity
