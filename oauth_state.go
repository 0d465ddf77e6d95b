package identity

import (
	"context"
	"crypto/subtle"
	"time"
)

// StateManager issues and validates OAuth CSRF states. Every validation
// failure is the same ErrOAuthStateInvalid so callers cannot learn which
// check failed.
type StateManager struct {
	states StateStore
	ttl    time.Duration
	activityRecorder
}

// NewStateManager returns a state manager. A non positive ttl uses
// DefaultOAuthStateTTL.
func NewStateManager(states StateStore, ttl time.Duration, opts ...Option) *StateManager {
	if ttl <= 0 {
		ttl = DefaultOAuthStateTTL
	}
	return &StateManager{
		states:           states,
		ttl:              ttl,
		activityRecorder: applyOptions(opts),
	}
}

// Generate returns a high entropy opaque state value.
func (m *StateManager) Generate() (string, error) {
	return RandomToken()
}

// Store persists state bound to provider and redirectURI. userID is set
// when an authenticated identity starts a link flow; codeVerifier carries
// the PKCE verifier to the callback.
func (m *StateManager) Store(ctx context.Context, state, provider, redirectURI, userID, codeVerifier string) (*OAuthState, error) {
	if state == "" || provider == "" {
		return nil, ErrInvalidInput
	}
	if err := validateRedirectURI(redirectURI); err != nil {
		return nil, err
	}

	now := m.now()
	item := &OAuthState{
		ID:           state,
		Provider:     provider,
		RedirectURI:  redirectURI,
		UserID:       userID,
		CodeVerifier: codeVerifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
	}
	if err := m.states.PutState(ctx, item); err != nil {
		return nil, storeFailure(err, "failed to store oauth state")
	}
	return item, nil
}

// Validate consumes state. Exactly one of any number of concurrent callers
// gets the stored state back.
func (m *StateManager) Validate(ctx context.Context, state, provider, redirectURI string) (*OAuthState, error) {
	if state == "" {
		return nil, ErrOAuthStateInvalid
	}

	item, err := m.states.GetState(ctx, state)
	if err != nil {
		if IsItemNotFound(err) {
			return nil, ErrOAuthStateInvalid
		}
		return nil, storeFailure(err, "failed to read oauth state")
	}

	now := m.now()
	if item.Used ||
		!item.ExpiresAt.After(now) ||
		!constantEqual(item.Provider, provider) ||
		!constantEqual(item.RedirectURI, redirectURI) {
		m.logger.Debug("oauth state rejected provider=%s", provider)
		return nil, ErrOAuthStateInvalid
	}

	if err := m.states.MarkStateUsed(ctx, state, now); err != nil {
		if IsConditionFailed(err) || IsItemNotFound(err) {
			m.raceLost(ctx, "oauth_state.validate", item.UserID)
			return nil, ErrOAuthStateInvalid
		}
		return nil, storeFailure(err, "failed to consume oauth state")
	}

	item.Used = true
	item.UsedAt = &now
	return item, nil
}

func constantEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
