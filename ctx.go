package identity

import "context"

var sessionCtxKey = &contextKey{"session"}

type contextKey struct {
	name string
}

// WithSessionContext stores a validated session in ctx.
func WithSessionContext(ctx context.Context, info *SessionInfo) context.Context {
	return context.WithValue(ctx, sessionCtxKey, info)
}

// SessionFromContext finds the session stored by WithSessionContext.
func SessionFromContext(ctx context.Context) (*SessionInfo, bool) {
	info, ok := ctx.Value(sessionCtxKey).(*SessionInfo)
	if !ok || info == nil || info.User == nil {
		return nil, false
	}
	return info, true
}

// ActorFromContext names the caller for audit events. Operators act as
// "operator", everyone else as "user"; without a session the system acts.
func ActorFromContext(ctx context.Context) ActorRef {
	info, ok := SessionFromContext(ctx)
	if !ok {
		return SystemActor
	}
	actorType := "user"
	if info.User.Role == RoleOperator {
		actorType = "operator"
	}
	return ActorRef{ID: info.User.ID, Type: actorType}
}

// HasRole reports whether the session in ctx sits at or above min.
func HasRole(ctx context.Context, min Role) bool {
	info, ok := SessionFromContext(ctx)
	if !ok {
		return false
	}
	return RoleAtLeast(info.User.Role, min)
}
