package identity

import (
	"context"
	"time"
)

// MagicLinks issues and consumes single use email credentials.
type MagicLinks struct {
	tokens TokenStore
	ttl    time.Duration
	activityRecorder
}

// NewMagicLinks returns a token lifecycle over tokens. A non positive ttl
// uses DefaultMagicLinkTTL.
func NewMagicLinks(tokens TokenStore, ttl time.Duration, opts ...Option) *MagicLinks {
	if ttl <= 0 {
		ttl = DefaultMagicLinkTTL
	}
	return &MagicLinks{
		tokens:           tokens,
		ttl:              ttl,
		activityRecorder: applyOptions(opts),
	}
}

// Issue stores a fresh unused token for email. linkedUserID is set when the
// link verifies an identity that already exists (e.g. an anonymous one).
func (m *MagicLinks) Issue(ctx context.Context, email, linkedUserID string) (*MagicLinkToken, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	id, err := RandomToken()
	if err != nil {
		return nil, err
	}

	now := m.now()
	token := &MagicLinkToken{
		ID:        id,
		Email:     NormalizeEmail(email),
		UserID:    linkedUserID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	if err := m.tokens.PutToken(ctx, token); err != nil {
		return nil, storeFailure(err, "failed to store magic link token")
	}

	m.record(ctx, ActivityEvent{
		EventType: ActivityEventMagicLinkIssued,
		UserID:    linkedUserID,
		Metadata:  map[string]any{"expires_at": token.ExpiresAt},
	})

	return token, nil
}

// Consume marks the token used. Of any number of concurrent callers exactly
// one succeeds; the rest get ErrTokenAlreadyUsed.
func (m *MagicLinks) Consume(ctx context.Context, tokenID, clientIP string) (*MagicLinkToken, error) {
	if tokenID == "" {
		return nil, ErrTokenNotFound
	}

	token, err := m.tokens.GetToken(ctx, tokenID)
	if err != nil {
		if IsItemNotFound(err) {
			return nil, ErrTokenNotFound
		}
		return nil, storeFailure(err, "failed to read magic link token")
	}

	now := m.now()
	if token.Expired(now) {
		return nil, ErrTokenExpired
	}

	used, err := m.tokens.MarkTokenUsed(ctx, tokenID, now, clientIP)
	if err != nil {
		switch {
		case IsConditionFailed(err):
			m.raceLost(ctx, "magic_link.consume", token.UserID)
			return nil, ErrTokenAlreadyUsed
		case IsItemNotFound(err):
			return nil, ErrTokenNotFound
		}
		return nil, storeFailure(err, "failed to consume magic link token")
	}

	m.record(ctx, ActivityEvent{
		EventType: ActivityEventMagicLinkConsumed,
		UserID:    used.UserID,
	})

	return used, nil
}
