package identity

import (
	"context"
	"errors"
	"time"
)

// BulkRevokeResult reports an operator bulk revocation.
type BulkRevokeResult struct {
	RevokedCount  int      `json:"revoked_count"`
	FailedCount   int      `json:"failed_count"`
	FailedUserIDs []string `json:"failed_user_ids,omitempty"`
}

// CreateSessionResult is the outcome of Sessions.Create. Evicted lists the
// sessions the cap forced out, oldest first.
type CreateSessionResult struct {
	Session Session
	Evicted []Session
}

// maxEvictions keeps an eviction transaction within MaxTransactionItems:
// every session is two items (record and refresh index) and the new
// session adds two more.
const maxEvictions = (MaxTransactionItems - 2) / 2

// Sessions enforces the per-user session cap and the revocation rules.
type Sessions struct {
	users       UserStore
	sessions    SessionStore
	blocklist   Blocklist
	maxSessions int
	ttl         time.Duration
	activityRecorder
}

// NewSessions returns a session lifecycle manager. Non positive limits fall
// back to DefaultMaxSessions and DefaultSessionTTL.
func NewSessions(users UserStore, sessions SessionStore, blocklist Blocklist, maxSessions int, ttl time.Duration, opts ...Option) *Sessions {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{
		users:            users,
		sessions:         sessions,
		blocklist:        blocklist,
		maxSessions:      maxSessions,
		ttl:              ttl,
		activityRecorder: applyOptions(opts),
	}
}

// TTL is the sliding session window.
func (s *Sessions) TTL() time.Duration {
	return s.ttl
}

// Create stores session for userID. Under the cap it is a guarded put; at
// or over the cap the oldest sessions are replaced in one transaction that
// brings the count back to the cap. A lost race returns ErrSessionLimitRace
// and the caller must rerun the whole sequence.
func (s *Sessions) Create(ctx context.Context, userID string, session Session) (*CreateSessionResult, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	if err := validateID("session_id", session.SessionID); err != nil {
		return nil, err
	}
	if session.RefreshTokenHash == "" {
		return nil, ErrInvalidInput
	}

	now := s.now()
	session.UserID = userID
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = session.CreatedAt.Add(s.ttl)
	}

	existing, err := s.sessions.ListSessions(ctx, userID)
	if err != nil {
		return nil, storeFailure(err, "failed to list sessions")
	}

	if len(existing) < s.maxSessions {
		if err := s.sessions.PutSession(ctx, session); err != nil {
			if IsConditionFailed(err) {
				// same session id already stored
				return &CreateSessionResult{Session: session}, nil
			}
			return nil, storeFailure(err, "failed to store session")
		}
		s.created(ctx, session, nil)
		return &CreateSessionResult{Session: session}, nil
	}

	// two racing under-cap puts can leave the user above the cap
	n := len(existing) - s.maxSessions + 1
	if n > maxEvictions {
		n = maxEvictions
	}
	evicted := append([]Session(nil), existing[:n]...)
	if err := s.evictOldestAtomic(ctx, evicted, session); err != nil {
		return nil, err
	}
	s.created(ctx, session, evicted)
	return &CreateSessionResult{Session: session, Evicted: evicted}, nil
}

func (s *Sessions) evictOldestAtomic(ctx context.Context, oldest []Session, next Session) error {
	err := s.sessions.ReplaceOldestSessions(ctx, oldest, next)
	if err == nil {
		return nil
	}
	if IsConditionFailed(err) || IsItemNotFound(err) {
		s.raceLost(ctx, "session.evict", next.UserID)
		return ErrSessionLimitRace
	}
	return storeFailure(err, "failed to replace oldest session")
}

func (s *Sessions) created(ctx context.Context, session Session, evicted []Session) {
	for _, e := range evicted {
		s.record(ctx, ActivityEvent{
			EventType: ActivityEventSessionEvicted,
			UserID:    session.UserID,
			Metadata:  map[string]any{"session_id": e.SessionID},
		})
	}
	s.record(ctx, ActivityEvent{
		EventType: ActivityEventSessionCreated,
		UserID:    session.UserID,
		Metadata:  map[string]any{"session_id": session.SessionID},
	})
}

// OpenWindow moves the identity's session window to at least until. It
// refuses revoked and merged identities.
func (s *Sessions) OpenWindow(ctx context.Context, userID string, until time.Time) (*User, error) {
	user, err := s.users.UpdateUser(ctx, userID, UserUpdate{
		Condition: func(u *User) bool {
			return !u.Revoked && !u.IsMerged()
		},
		Mutate: func(u *User) {
			if until.After(u.SessionExpiresAt) {
				u.SessionExpiresAt = until
			}
			now := s.now()
			u.LastActiveAt = &now
		},
	})
	if err != nil {
		switch {
		case IsItemNotFound(err):
			return nil, ErrUserNotFound
		case IsConditionFailed(err):
			return nil, ErrSessionRevoked
		}
		return nil, storeFailure(err, "failed to open session window")
	}
	return user, nil
}

// Extend slides the session window to now+TTL. It reports false without
// writing when the identity is missing, revoked or already expired.
func (s *Sessions) Extend(ctx context.Context, userID string) (bool, error) {
	now := s.now()
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if IsItemNotFound(err) {
			return false, nil
		}
		return false, storeFailure(err, "failed to read identity")
	}
	if !user.SessionActive(now) {
		return false, nil
	}

	_, err = s.users.UpdateUser(ctx, userID, UserUpdate{
		Condition: func(u *User) bool {
			return u.SessionActive(now)
		},
		Mutate: func(u *User) {
			u.SessionExpiresAt = now.Add(s.ttl)
			u.LastActiveAt = &now
		},
	})
	if err != nil {
		if IsConditionFailed(err) || IsItemNotFound(err) {
			return false, nil
		}
		return false, storeFailure(err, "failed to extend session")
	}
	return true, nil
}

// RevokeOne revokes the identity. Revoking twice is a successful no-op that
// keeps the first reason and time.
func (s *Sessions) RevokeOne(ctx context.Context, actor ActorRef, userID, reason string) (*User, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	now := s.now()
	user, err := s.users.UpdateUser(ctx, userID, UserUpdate{
		Condition: func(u *User) bool {
			return !u.Revoked
		},
		Mutate: func(u *User) {
			u.Revoked = true
			u.RevokedAt = &now
			u.RevokedReason = reason
			u.RevocationID++
			u.SessionExpiresAt = now
		},
	})
	if err != nil {
		switch {
		case IsItemNotFound(err):
			return nil, ErrUserNotFound
		case IsConditionFailed(err):
			current, gerr := s.users.GetUser(ctx, userID)
			if gerr != nil {
				return nil, storeFailure(gerr, "failed to read revoked identity")
			}
			return current, nil
		}
		return nil, storeFailure(err, "failed to revoke identity")
	}

	s.blockSessions(ctx, userID, "revoked: "+reason)
	s.record(ctx, ActivityEvent{
		EventType: ActivityEventIdentityRevoked,
		Actor:     actor,
		UserID:    userID,
		Metadata:  map[string]any{"reason": reason},
	})
	return user, nil
}

// RevokeBulk revokes each id independently. Failures are reported, never
// abort the batch.
func (s *Sessions) RevokeBulk(ctx context.Context, actor ActorRef, userIDs []string, reason string) BulkRevokeResult {
	result := BulkRevokeResult{}
	for _, id := range dedupe(userIDs) {
		if ctx.Err() != nil {
			result.FailedCount++
			result.FailedUserIDs = append(result.FailedUserIDs, id)
			continue
		}
		if _, err := s.RevokeOne(ctx, actor, id, reason); err != nil {
			s.logger.Warn("bulk revoke failed for user=%s: %v", id, err)
			result.FailedCount++
			result.FailedUserIDs = append(result.FailedUserIDs, id)
			continue
		}
		result.RevokedCount++
	}
	return result
}

// IsBlocklisted fails closed: a lookup error counts as blocklisted.
func (s *Sessions) IsBlocklisted(ctx context.Context, tokenHash string) bool {
	if s.blocklist == nil {
		return false
	}
	blocked, err := s.blocklist.IsBlocked(ctx, tokenHash)
	if err != nil {
		s.logger.Warn("blocklist lookup failed, denying token: %v", err)
		return true
	}
	return blocked
}

// Rotate swaps the refresh hash of a session. A stale oldHash means the
// token was already rotated and yields ErrSessionInvalid.
func (s *Sessions) Rotate(ctx context.Context, session Session, newHash string) (*Session, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	err := s.sessions.RotateRefresh(ctx, session.UserID, session.SessionID, session.RefreshTokenHash, newHash, expiresAt)
	if err != nil {
		if IsConditionFailed(err) || IsItemNotFound(err) {
			s.raceLost(ctx, "session.rotate", session.UserID)
			return nil, ErrSessionInvalid
		}
		return nil, storeFailure(err, "failed to rotate refresh token")
	}
	s.block(ctx, session.RefreshTokenHash, "rotated", session.ExpiresAt)

	rotated := session
	rotated.RefreshTokenHash = newHash
	rotated.ExpiresAt = expiresAt
	rotated.LastActiveAt = &now
	s.record(ctx, ActivityEvent{
		EventType: ActivityEventSessionRotated,
		UserID:    session.UserID,
		Metadata:  map[string]any{"session_id": session.SessionID},
	})
	return &rotated, nil
}

// Delete removes one session, e.g. on sign-out. Missing sessions are fine.
func (s *Sessions) Delete(ctx context.Context, session Session) error {
	if err := s.sessions.DeleteSession(ctx, session.UserID, session.SessionID); err != nil && !IsItemNotFound(err) {
		return storeFailure(err, "failed to delete session")
	}
	if session.RefreshTokenHash != "" {
		s.block(ctx, session.RefreshTokenHash, "signed_out", session.ExpiresAt)
	}
	s.record(ctx, ActivityEvent{
		EventType: ActivityEventSessionSignedOut,
		UserID:    session.UserID,
		Metadata:  map[string]any{"session_id": session.SessionID},
	})
	return nil
}

// DeleteAll removes every session of userID and returns how many went.
func (s *Sessions) DeleteAll(ctx context.Context, userID string) (int, error) {
	list, err := s.sessions.ListSessions(ctx, userID)
	if err != nil {
		return 0, storeFailure(err, "failed to list sessions")
	}
	closed := 0
	for _, sess := range list {
		if err := s.Delete(ctx, sess); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// List returns the sessions of userID, oldest first.
func (s *Sessions) List(ctx context.Context, userID string) ([]Session, error) {
	list, err := s.sessions.ListSessions(ctx, userID)
	if err != nil {
		return nil, storeFailure(err, "failed to list sessions")
	}
	return list, nil
}

// Lookup resolves a refresh hash to its session.
func (s *Sessions) Lookup(ctx context.Context, refreshHash string) (*Session, error) {
	sess, err := s.sessions.GetSessionByRefreshHash(ctx, refreshHash)
	if err != nil {
		if IsItemNotFound(err) {
			return nil, ErrSessionInvalid
		}
		return nil, storeFailure(err, "failed to look up session")
	}
	return sess, nil
}

// Get returns one session.
func (s *Sessions) Get(ctx context.Context, userID, sessionID string) (*Session, error) {
	sess, err := s.sessions.GetSession(ctx, userID, sessionID)
	if err != nil {
		if IsItemNotFound(err) {
			return nil, ErrSessionInvalid
		}
		return nil, storeFailure(err, "failed to read session")
	}
	return sess, nil
}

// Touch records activity on a session. Best effort.
func (s *Sessions) Touch(ctx context.Context, session Session) {
	if err := s.sessions.TouchSession(ctx, session.UserID, session.SessionID, s.now()); err != nil && !IsItemNotFound(err) {
		s.logger.Warn("session touch failed user=%s session=%s: %v", session.UserID, session.SessionID, err)
	}
}

func (s *Sessions) blockSessions(ctx context.Context, userID, reason string) {
	list, err := s.sessions.ListSessions(ctx, userID)
	if err != nil {
		s.logger.Warn("could not list sessions to blocklist user=%s: %v", userID, err)
		return
	}
	for _, sess := range list {
		s.block(ctx, sess.RefreshTokenHash, reason, sess.ExpiresAt)
	}
}

func (s *Sessions) block(ctx context.Context, hash, reason string, expiresAt time.Time) {
	if s.blocklist == nil || hash == "" {
		return
	}
	now := s.now()
	if !expiresAt.After(now) {
		expiresAt = now.Add(s.ttl)
	}
	err := s.blocklist.Block(ctx, BlocklistEntry{
		TokenHash: hash,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	})
	if err != nil && !errors.Is(err, ErrConditionFailed) {
		s.logger.Warn("blocklist write failed: %v", err)
	}
}
