package identity

import (
	"context"
	"time"
)

// MergeStatusResult reports whether an identity was merged and what moved.
type MergeStatusResult struct {
	UserID   string       `json:"user_id"`
	Merged   bool         `json:"merged"`
	MergedTo string       `json:"merged_to,omitempty"`
	MergedAt *time.Time   `json:"merged_at,omitempty"`
	Counts   *MergeCounts `json:"counts,omitempty"`
}

// Merger folds a secondary identity into a primary one after the user
// confirmed the link.
type Merger struct {
	users     UserStore
	sessions  *Sessions
	ownership RecordOwnership
	activityRecorder
}

// NewMerger returns a Merger. A nil ownership moves no records.
func NewMerger(users UserStore, sessions *Sessions, ownership RecordOwnership, opts ...Option) *Merger {
	if ownership == nil {
		ownership = noopRecordOwnership{}
	}
	return &Merger{
		users:            users,
		sessions:         sessions,
		ownership:        ownership,
		activityRecorder: applyOptions(opts),
	}
}

// Merge moves provider claims, owned records and linked providers from
// secondary to primary, closes the secondary's sessions and marks it merged.
// Calling it again for the same pair returns the recorded counts.
func (m *Merger) Merge(ctx context.Context, actor ActorRef, primaryID, secondaryID string) (*MergeCounts, error) {
	if err := validateID("primary_id", primaryID); err != nil {
		return nil, err
	}
	if err := validateID("secondary_id", secondaryID); err != nil {
		return nil, err
	}
	if primaryID == secondaryID {
		return nil, ErrInvalidMergeTarget
	}

	secondary, err := m.users.GetUser(ctx, secondaryID)
	if err != nil {
		if IsItemNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, storeFailure(err, "failed to read secondary identity")
	}
	if secondary.MergedTo == primaryID {
		return mergeCounts(secondary), nil
	}
	if secondary.IsMerged() {
		return nil, ErrMergeConflict
	}

	primary, err := m.users.GetUser(ctx, primaryID)
	if err != nil {
		if IsItemNotFound(err) {
			return nil, ErrInvalidMergeTarget
		}
		return nil, storeFailure(err, "failed to read primary identity")
	}
	if primary.Revoked || primary.IsMerged() {
		return nil, ErrInvalidMergeTarget
	}

	counts := MergeCounts{}

	claims, err := m.users.ListProviderClaims(ctx, secondaryID)
	if err != nil {
		return nil, storeFailure(err, "failed to list provider claims")
	}
	if providerClash(primary, claims) {
		// the primary holds a different account of one of these providers
		return nil, ErrMergeConflict
	}
	for _, claim := range claims {
		if err := m.moveClaim(ctx, claim, secondaryID, primaryID); err != nil {
			return nil, err
		}
		counts.ProvidersMoved++
	}

	moved, err := m.ownership.ReassignOwner(ctx, secondaryID, primaryID)
	if err != nil {
		return nil, storeFailure(err, "failed to reassign owned records")
	}
	counts.RecordsMoved = moved

	now := m.now()
	_, err = m.users.UpdateUser(ctx, primaryID, UserUpdate{
		Condition: func(u *User) bool {
			return !u.Revoked && !u.IsMerged() && !providerClash(u, claims)
		},
		Mutate: func(u *User) {
			for _, p := range secondary.LinkedProviders {
				if meta, ok := secondary.ProviderMetadata[p]; ok && !u.HasProvider(p) {
					u.linkProvider(p, meta)
				}
			}
			if secondary.Verification == VerificationVerified && secondary.PrimaryEmail == u.PrimaryEmail {
				u.Verification = VerificationVerified
			}
			applyAdvance(u, secondary.Role, "merge:"+secondaryID, now)
			u.UpdatedAt = now
		},
	})
	if err != nil {
		if IsConditionFailed(err) || IsItemNotFound(err) {
			return nil, ErrInvalidMergeTarget
		}
		return nil, storeFailure(err, "failed to update primary identity")
	}

	if m.sessions != nil {
		closed, err := m.sessions.DeleteAll(ctx, secondaryID)
		if err != nil {
			return nil, err
		}
		counts.SessionsClosed = closed
	}

	marked, err := m.users.UpdateUser(ctx, secondaryID, UserUpdate{
		Condition: func(u *User) bool {
			return u.MergedTo == ""
		},
		Mutate: func(u *User) {
			c := counts
			u.MergedTo = primaryID
			u.MergedAt = &now
			u.MergeCounts = &c
			u.LinkedProviders = nil
			u.ProviderMetadata = nil
			u.SessionExpiresAt = now
			u.UpdatedAt = now
		},
	})
	if err != nil {
		if !IsConditionFailed(err) {
			return nil, storeFailure(err, "failed to mark identity merged")
		}
		m.raceLost(ctx, "merge.mark", secondaryID)
		current, gerr := m.users.GetUser(ctx, secondaryID)
		if gerr != nil {
			return nil, storeFailure(gerr, "failed to read secondary identity")
		}
		if current.MergedTo == primaryID {
			return mergeCounts(current), nil
		}
		return nil, ErrMergeConflict
	}

	m.record(ctx, ActivityEvent{
		EventType: ActivityEventIdentityMerged,
		Actor:     actor,
		UserID:    secondaryID,
		Metadata: map[string]any{
			"merged_to":       primaryID,
			"providers_moved": counts.ProvidersMoved,
			"records_moved":   counts.RecordsMoved,
			"sessions_closed": counts.SessionsClosed,
		},
	})

	return mergeCounts(marked), nil
}

// providerClash reports whether u is linked to one of the claims'
// providers under another subject.
func providerClash(u *User, claims []ProviderClaim) bool {
	for _, c := range claims {
		if meta, ok := u.ProviderMetadata[c.Provider]; ok && meta.Subject != c.Subject {
			return true
		}
	}
	return false
}

func (m *Merger) moveClaim(ctx context.Context, claim ProviderClaim, from, to string) error {
	err := m.users.MoveProviderClaim(ctx, claim.Provider, claim.Subject, from, to)
	if err == nil {
		return nil
	}
	if !IsConditionFailed(err) && !IsItemNotFound(err) {
		return storeFailure(err, "failed to move provider claim")
	}
	owner, gerr := m.users.GetUserByProvider(ctx, claim.Provider, claim.Subject)
	if gerr == nil && owner.ID == to {
		return nil
	}
	return ErrMergeConflict
}

// Status returns the merge record of userID. It reads the stored counts so
// repeated queries return identical values.
func (m *Merger) Status(ctx context.Context, userID string) (*MergeStatusResult, error) {
	user, err := m.users.GetUser(ctx, userID)
	if err != nil {
		if IsItemNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, storeFailure(err, "failed to read identity")
	}
	return &MergeStatusResult{
		UserID:   user.ID,
		Merged:   user.IsMerged(),
		MergedTo: user.MergedTo,
		MergedAt: user.MergedAt,
		Counts:   mergeCounts(user),
	}, nil
}

func mergeCounts(u *User) *MergeCounts {
	if u.MergeCounts == nil {
		if u.IsMerged() {
			return &MergeCounts{}
		}
		return nil
	}
	c := *u.MergeCounts
	return &c
}
