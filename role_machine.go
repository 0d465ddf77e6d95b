package identity

import (
	"context"
	"time"
)

// AdvanceRequest asks for a role of at least Target.
type AdvanceRequest struct {
	UserID string
	Target Role
	// Source names the event that justified the advancement, e.g.
	// "magic_link" or "billing:evt_123". Stored as RoleAssignedBy.
	Source string
	// MarkVerified sets verification=verified in the same write, for events
	// that prove email ownership.
	MarkVerified bool
}

// AdvanceResult reports what Advance did.
type AdvanceResult struct {
	User     *User
	From     Role
	Advanced bool
}

// RoleMachine moves identities up the role ladder. It never moves a role
// down and never rewrites assignment metadata of a role already reached.
type RoleMachine struct {
	users       UserStore
	transitions map[Role]map[Role]struct{}
	activityRecorder
}

// NewRoleMachine returns the ladder anonymous, free, paid, operator.
func NewRoleMachine(users UserStore, opts ...Option) *RoleMachine {
	return &RoleMachine{
		users: users,
		transitions: map[Role]map[Role]struct{}{
			RoleAnonymous: {
				RoleFree:     {},
				RolePaid:     {},
				RoleOperator: {},
			},
			RoleFree: {
				RolePaid:     {},
				RoleOperator: {},
			},
			RolePaid: {
				RoleOperator: {},
			},
		},
		activityRecorder: applyOptions(opts),
	}
}

// Advance raises the identity to req.Target. The write is guarded on the
// role read before it; if another writer got there first the call is a
// no-op, if the role moved but is still below target it is
// ErrRoleAdvanceRace.
func (rm *RoleMachine) Advance(ctx context.Context, actor ActorRef, req AdvanceRequest) (*AdvanceResult, error) {
	if !IsValidRole(req.Target) {
		return nil, ErrInvalidTransition
	}

	user, err := rm.users.GetUser(ctx, req.UserID)
	if err != nil {
		if IsItemNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, storeFailure(err, "failed to read identity")
	}

	from := user.Role
	if RoleAtLeast(from, req.Target) {
		return &AdvanceResult{User: user, From: from}, nil
	}
	if !rm.canTransition(from, req.Target) {
		return nil, ErrInvalidTransition
	}
	if user.Revoked || user.IsMerged() {
		return nil, ErrSessionRevoked
	}

	verification := user.Verification
	if req.MarkVerified {
		verification = VerificationVerified
	}
	if err := ValidateRoleState(req.Target, verification); err != nil {
		return nil, err
	}

	now := rm.now()
	updated, err := rm.users.UpdateUser(ctx, req.UserID, UserUpdate{
		Condition: func(u *User) bool {
			return u.Role == from && !u.Revoked && !u.IsMerged()
		},
		Mutate: func(u *User) {
			if req.MarkVerified {
				u.Verification = VerificationVerified
			}
			applyAdvance(u, req.Target, req.Source, now)
		},
	})
	if err != nil {
		if !IsConditionFailed(err) {
			return nil, storeFailure(err, "failed to advance role")
		}
		current, gerr := rm.users.GetUser(ctx, req.UserID)
		if gerr == nil && RoleAtLeast(current.Role, req.Target) {
			return &AdvanceResult{User: current, From: current.Role}, nil
		}
		rm.raceLost(ctx, "role.advance", req.UserID)
		return nil, ErrRoleAdvanceRace
	}

	rm.recordAdvance(ctx, actor, updated, from, req.Source)
	return &AdvanceResult{User: updated, From: from, Advanced: true}, nil
}

// advanceBestEffort runs Advance inside authentication flows. A failure is
// logged and the flow continues at the lower role; the next qualifying event
// retries.
func (rm *RoleMachine) advanceBestEffort(ctx context.Context, actor ActorRef, req AdvanceRequest) *User {
	res, err := rm.Advance(ctx, actor, req)
	if err != nil {
		rm.logger.Warn("role advancement to %s failed for user=%s source=%s: %v", req.Target, req.UserID, req.Source, err)
		return nil
	}
	return res.User
}

// CurrentRole returns the normalized role of user.
func (rm *RoleMachine) CurrentRole(user *User) Role {
	if user == nil {
		return ""
	}
	role, _ := NormalizeRoleState(user.Role, user.Verification)
	return role
}

func (rm *RoleMachine) canTransition(from, to Role) bool {
	if allowed, ok := rm.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

func (rm *RoleMachine) recordAdvance(ctx context.Context, actor ActorRef, user *User, from Role, source string) {
	rm.record(ctx, ActivityEvent{
		EventType: ActivityEventRoleAdvanced,
		Actor:     actor,
		UserID:    user.ID,
		FromRole:  from,
		ToRole:    user.Role,
		Metadata:  map[string]any{"source": source},
	})
}

// applyAdvance raises u to target in place and stamps assignment metadata.
// It does nothing when u already holds target or higher, or when the result
// would break the role/verification invariant. Reports whether u changed.
func applyAdvance(u *User, target Role, source string, now time.Time) bool {
	if RoleAtLeast(u.Role, target) {
		return false
	}
	if ValidateRoleState(target, u.Verification) != nil {
		return false
	}
	u.Role = target
	u.RoleAssignedAt = &now
	u.RoleAssignedBy = source
	return true
}
