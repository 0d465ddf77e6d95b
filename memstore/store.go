// Package memstore is an in-process implementation of the identity store
// ports. Every method runs under one mutex, which gives the guarded writes
// and transactions the same all-or-nothing behavior the durable adapters
// provide.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	identity "github.com/goliatone/go-identity"
)

type sessionKey struct {
	userID    string
	sessionID string
}

type providerKey struct {
	provider string
	subject  string
}

// Store keeps every identity item in memory.
type Store struct {
	mu        sync.Mutex
	users     map[string]*identity.User
	emails    map[string]string
	providers map[providerKey]string
	sessions  map[sessionKey]identity.Session
	refresh   map[string]sessionKey
	tokens    map[string]*identity.MagicLinkToken
	states    map[string]*identity.OAuthState
	blocked   map[string]identity.BlocklistEntry
	events    map[string]*identity.BillingEvent
	now       func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:     map[string]*identity.User{},
		emails:    map[string]string{},
		providers: map[providerKey]string{},
		sessions:  map[sessionKey]identity.Session{},
		refresh:   map[string]sessionKey{},
		tokens:    map[string]*identity.MagicLinkToken{},
		states:    map[string]*identity.OAuthState{},
		blocked:   map[string]identity.BlocklistEntry{},
		events:    map[string]*identity.BillingEvent{},
		now:       time.Now,
	}
}

// WithClock sets the clock used to expire blocklist entries.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// Stores returns s wired into every port.
func (s *Store) Stores() identity.Stores {
	return identity.Stores{
		Users:     s,
		Sessions:  s,
		Tokens:    s,
		States:    s,
		Blocklist: s,
		Billing:   s,
	}
}

func (s *Store) GetUser(_ context.Context, userID string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, identity.ErrItemNotFound
	}
	return identity.UpgradeUser(u.Clone()), nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*identity.User, error) {
	key, err := identity.EmailClaimKey(email)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[key]
	if !ok {
		return nil, identity.ErrItemNotFound
	}
	u, ok := s.users[id]
	if !ok {
		return nil, identity.ErrItemNotFound
	}
	return identity.UpgradeUser(u.Clone()), nil
}

func (s *Store) GetUserByProvider(_ context.Context, provider, subject string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.providers[providerKey{provider, subject}]
	if !ok {
		return nil, identity.ErrItemNotFound
	}
	u, ok := s.users[id]
	if !ok {
		return nil, identity.ErrItemNotFound
	}
	return identity.UpgradeUser(u.Clone()), nil
}

func (s *Store) CreateUser(_ context.Context, user *identity.User) error {
	var emailKey string
	if user.PrimaryEmail != "" {
		key, err := identity.EmailClaimKey(user.PrimaryEmail)
		if err != nil {
			return err
		}
		emailKey = key
	}
	if 2+len(user.ProviderMetadata) > identity.MaxTransactionItems {
		return identity.ErrTransactionTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return identity.ErrConditionFailed
	}
	if emailKey != "" {
		if owner, ok := s.emails[emailKey]; ok {
			return &identity.ClaimConflictError{Kind: identity.ClaimEmail, Key: emailKey, OwnerID: owner}
		}
	}
	for provider, meta := range user.ProviderMetadata {
		if owner, ok := s.providers[providerKey{provider, meta.Subject}]; ok {
			return &identity.ClaimConflictError{Kind: identity.ClaimProvider, Key: provider + ":" + meta.Subject, OwnerID: owner}
		}
	}

	s.users[user.ID] = user.Clone()
	if emailKey != "" {
		s.emails[emailKey] = user.ID
	}
	for provider, meta := range user.ProviderMetadata {
		s.providers[providerKey{provider, meta.Subject}] = user.ID
	}
	return nil
}

func (s *Store) UpdateUser(_ context.Context, userID string, update identity.UserUpdate) (*identity.User, error) {
	var emailKey string
	if update.ClaimEmail != "" {
		key, err := identity.EmailClaimKey(update.ClaimEmail)
		if err != nil {
			return nil, err
		}
		emailKey = key
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.users[userID]
	if !ok {
		return nil, identity.ErrItemNotFound
	}
	working := identity.UpgradeUser(current.Clone())
	if update.Condition != nil && !update.Condition(working) {
		return nil, identity.ErrConditionFailed
	}
	if emailKey != "" {
		if owner, ok := s.emails[emailKey]; ok && owner != userID {
			return nil, &identity.ClaimConflictError{Kind: identity.ClaimEmail, Key: emailKey, OwnerID: owner}
		}
	}
	var pk providerKey
	if c := update.ClaimProvider; c != nil {
		pk = providerKey{c.Provider, c.Subject}
		if owner, ok := s.providers[pk]; ok {
			return nil, &identity.ClaimConflictError{Kind: identity.ClaimProvider, Key: c.Provider + ":" + c.Subject, OwnerID: owner}
		}
	}

	if update.Mutate != nil {
		update.Mutate(working)
	}
	working.ID = userID
	working.SchemaVersion = identity.CurrentSchemaVersion

	s.users[userID] = working
	if emailKey != "" {
		s.emails[emailKey] = userID
	}
	if update.ClaimProvider != nil {
		s.providers[pk] = userID
	}
	return working.Clone(), nil
}

func (s *Store) ListProviderClaims(_ context.Context, userID string) ([]identity.ProviderClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []identity.ProviderClaim{}
	for k, owner := range s.providers {
		if owner == userID {
			out = append(out, identity.ProviderClaim{Provider: k.provider, Subject: k.subject, UserID: owner})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Subject < out[j].Subject
	})
	return out, nil
}

func (s *Store) MoveProviderClaim(_ context.Context, provider, subject, fromUserID, toUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := providerKey{provider, subject}
	owner, ok := s.providers[k]
	if !ok {
		return identity.ErrItemNotFound
	}
	if owner != fromUserID {
		return identity.ErrConditionFailed
	}
	s.providers[k] = toUserID
	return nil
}

func (s *Store) ListSessions(_ context.Context, userID string) ([]identity.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []identity.Session{}
	for k, sess := range s.sessions {
		if k.userID == userID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) GetSession(_ context.Context, userID, sessionID string) (*identity.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey{userID, sessionID}]
	if !ok {
		return nil, identity.ErrItemNotFound
	}
	return &sess, nil
}

func (s *Store) GetSessionByRefreshHash(_ context.Context, hash string) (*identity.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.refresh[hash]
	if !ok {
		return nil, identity.ErrItemNotFound
	}
	sess, ok := s.sessions[k]
	if !ok {
		return nil, identity.ErrItemNotFound
	}
	return &sess, nil
}

func (s *Store) PutSession(_ context.Context, session identity.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{session.UserID, session.SessionID}
	if _, ok := s.sessions[k]; ok {
		return identity.ErrConditionFailed
	}
	if _, ok := s.refresh[session.RefreshTokenHash]; ok {
		return identity.ErrConditionFailed
	}
	s.sessions[k] = session
	s.refresh[session.RefreshTokenHash] = k
	return nil
}

func (s *Store) ReplaceOldestSessions(_ context.Context, oldest []identity.Session, next identity.Session) error {
	if len(oldest) == 0 {
		return identity.ErrInvalidInput
	}
	if 2*len(oldest)+2 > identity.MaxTransactionItems {
		return identity.ErrTransactionTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	nk := sessionKey{next.UserID, next.SessionID}
	for _, o := range oldest {
		stored, exists := s.sessions[sessionKey{o.UserID, o.SessionID}]
		if !exists || stored.RefreshTokenHash != o.RefreshTokenHash {
			return identity.ErrConditionFailed
		}
	}
	if _, exists := s.sessions[nk]; exists {
		return identity.ErrConditionFailed
	}
	if _, exists := s.refresh[next.RefreshTokenHash]; exists {
		return identity.ErrConditionFailed
	}
	for _, o := range oldest {
		delete(s.sessions, sessionKey{o.UserID, o.SessionID})
		delete(s.refresh, o.RefreshTokenHash)
	}
	s.sessions[nk] = next
	s.refresh[next.RefreshTokenHash] = nk
	return nil
}

func (s *Store) RotateRefresh(_ context.Context, userID, sessionID, oldHash, newHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{userID, sessionID}
	sess, ok := s.sessions[k]
	if !ok {
		return identity.ErrItemNotFound
	}
	if sess.RefreshTokenHash != oldHash {
		return identity.ErrConditionFailed
	}
	if _, taken := s.refresh[newHash]; taken {
		return identity.ErrConditionFailed
	}
	delete(s.refresh, oldHash)
	now := s.now()
	sess.RefreshTokenHash = newHash
	sess.ExpiresAt = expiresAt
	sess.LastActiveAt = &now
	s.sessions[k] = sess
	s.refresh[newHash] = k
	return nil
}

func (s *Store) DeleteSession(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{userID, sessionID}
	sess, ok := s.sessions[k]
	if !ok {
		return identity.ErrItemNotFound
	}
	delete(s.sessions, k)
	delete(s.refresh, sess.RefreshTokenHash)
	return nil
}

func (s *Store) TouchSession(_ context.Context, userID, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{userID, sessionID}
	sess, ok := s.sessions[k]
	if !ok {
		return identity.ErrItemNotFound
	}
	sess.LastActiveAt = &at
	s.sessions[k] = sess
	return nil
}

func (s *Store) PutToken(_ context.Context, token *identity.MagicLinkToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[token.ID]; ok {
		return identity.ErrConditionFailed
	}
	t := *token
	s.tokens[token.ID] = &t
	return nil
}

func (s *Store) GetToken(_ context.Context, tokenID string) (*identity.MagicLinkToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return nil, identity.ErrItemNotFound
	}
	c := *t
	return &c, nil
}

func (s *Store) MarkTokenUsed(_ context.Context, tokenID string, at time.Time, ip string) (*identity.MagicLinkToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return nil, identity.ErrItemNotFound
	}
	if t.Used {
		return nil, identity.ErrConditionFailed
	}
	t.Used = true
	t.UsedAt = &at
	t.UsedByIP = ip
	c := *t
	return &c, nil
}

func (s *Store) PutState(_ context.Context, state *identity.OAuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[state.ID]; ok {
		return identity.ErrConditionFailed
	}
	c := *state
	s.states[state.ID] = &c
	return nil
}

func (s *Store) GetState(_ context.Context, stateID string) (*identity.OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateID]
	if !ok {
		return nil, identity.ErrItemNotFound
	}
	c := *st
	return &c, nil
}

func (s *Store) MarkStateUsed(_ context.Context, stateID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateID]
	if !ok {
		return identity.ErrItemNotFound
	}
	if st.Used {
		return identity.ErrConditionFailed
	}
	st.Used = true
	st.UsedAt = &at
	return nil
}

func (s *Store) Block(_ context.Context, entry identity.BlocklistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[entry.TokenHash] = entry
	return nil
}

func (s *Store) IsBlocked(_ context.Context, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.blocked[tokenHash]
	if !ok {
		return false, nil
	}
	if !entry.ExpiresAt.After(s.now()) {
		delete(s.blocked, tokenHash)
		return false, nil
	}
	return true, nil
}

func (s *Store) RecordEvent(_ context.Context, event *identity.BillingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.EventID]; ok {
		return identity.ErrConditionFailed
	}
	c := *event
	s.events[event.EventID] = &c
	return nil
}

func (s *Store) GetEvent(_ context.Context, eventID string) (*identity.BillingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return nil, identity.ErrItemNotFound
	}
	c := *e
	return &c, nil
}

func (s *Store) MarkApplied(_ context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return identity.ErrItemNotFound
	}
	if e.Status == identity.BillingEventApplied {
		return identity.ErrConditionFailed
	}
	e.Status = identity.BillingEventApplied
	e.AppliedAt = &at
	return nil
}

// UserCount is the number of identity items, for tests and diagnostics.
func (s *Store) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

var (
	_ identity.UserStore         = (*Store)(nil)
	_ identity.SessionStore      = (*Store)(nil)
	_ identity.TokenStore        = (*Store)(nil)
	_ identity.StateStore        = (*Store)(nil)
	_ identity.Blocklist         = (*Store)(nil)
	_ identity.BillingEventStore = (*Store)(nil)
)
