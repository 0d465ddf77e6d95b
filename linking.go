package identity

import (
	"context"
	"strings"
	"time"
)

// LinkOutcome tags the result of a link attempt.
type LinkOutcome string

const (
	// LinkLinked means the provider was added to the identity.
	LinkLinked LinkOutcome = "linked"
	// LinkRefreshed means the provider was already linked; metadata updated.
	LinkRefreshed LinkOutcome = "refreshed"
	// LinkConflict means nothing was written; the user must confirm first.
	LinkConflict LinkOutcome = "conflict"
)

// DefaultAuthoritativeDomains maps a provider to the one consumer mail
// domain it is the sole authority for.
var DefaultAuthoritativeDomains = map[string]string{
	"google": "gmail.com",
}

// LinkRequest presents a second login method for a resolved identity.
type LinkRequest struct {
	UserID        string
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	AvatarURL     string
	// Confirmed is set once the user explicitly approved a conflicting link.
	Confirmed bool
}

// LinkResult is the tagged outcome of Link.
type LinkResult struct {
	Outcome              LinkOutcome
	User                 *User
	ExistingProvider     string
	RequiresConfirmation bool
	AutoLinked           bool
}

// Linker attaches login providers to identities.
type Linker struct {
	users       UserStore
	authorities map[string]string
	activityRecorder
}

// NewLinker returns a linker using DefaultAuthoritativeDomains.
func NewLinker(users UserStore, opts ...Option) *Linker {
	return &Linker{
		users:            users,
		authorities:      DefaultAuthoritativeDomains,
		activityRecorder: applyOptions(opts),
	}
}

// WithAuthoritativeDomains replaces the provider to domain table.
func (l *Linker) WithAuthoritativeDomains(domains map[string]string) *Linker {
	if domains != nil {
		l.authorities = domains
	}
	return l
}

// CanAutoLink reports whether a provider login may be linked without
// confirmation, using DefaultAuthoritativeDomains.
func CanAutoLink(oauthEmail string, emailVerified bool, provider, existingPrimaryEmail string) bool {
	return canAutoLink(DefaultAuthoritativeDomains, oauthEmail, emailVerified, provider, existingPrimaryEmail)
}

// CanAutoLink reports whether a provider login may be linked without
// confirmation.
func (l *Linker) CanAutoLink(oauthEmail string, emailVerified bool, provider, existingPrimaryEmail string) bool {
	return canAutoLink(l.authorities, oauthEmail, emailVerified, provider, existingPrimaryEmail)
}

func canAutoLink(authorities map[string]string, oauthEmail string, emailVerified bool, provider, existingPrimaryEmail string) bool {
	if !emailVerified {
		return false
	}
	domain, ok := authorities[strings.ToLower(provider)]
	if !ok || domain == "" {
		return false
	}
	email := NormalizeEmail(oauthEmail)
	if email == "" || !strings.HasSuffix(email, "@"+domain) {
		return false
	}
	return email == NormalizeEmail(existingPrimaryEmail)
}

// Link attaches req.Provider to req.UserID. Provider list, metadata, last
// provider used, role advancement and the provider claim are written in one
// guarded write. A subject owned by another identity is rejected with
// ErrProviderLinkedElsewhere.
func (l *Linker) Link(ctx context.Context, actor ActorRef, req LinkRequest) (*LinkResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	user, err := l.users.GetUser(ctx, req.UserID)
	if err != nil {
		if IsItemNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, storeFailure(err, "failed to read identity")
	}
	if user.Revoked {
		return nil, ErrSessionRevoked
	}
	if user.IsMerged() {
		return nil, ErrMergeConflict
	}

	owner, err := l.users.GetUserByProvider(ctx, req.Provider, req.Subject)
	switch {
	case err == nil && owner.ID != user.ID:
		return nil, ErrProviderLinkedElsewhere
	case err == nil:
		return l.refresh(ctx, req)
	case !IsItemNotFound(err):
		return nil, storeFailure(err, "failed to look up provider claim")
	}

	if meta, ok := user.ProviderMetadata[req.Provider]; ok && meta.Subject != req.Subject {
		// a different account of a provider already linked
		return &LinkResult{
			Outcome:              LinkConflict,
			User:                 user,
			ExistingProvider:     req.Provider,
			RequiresConfirmation: true,
		}, nil
	}

	auto := l.CanAutoLink(req.Email, req.EmailVerified, req.Provider, user.PrimaryEmail)
	if !auto && !req.Confirmed {
		return &LinkResult{
			Outcome:              LinkConflict,
			User:                 user,
			ExistingProvider:     existingProvider(user),
			RequiresConfirmation: true,
		}, nil
	}

	now := l.now()
	var claimEmail string
	if user.PrimaryEmail == "" && req.EmailVerified && req.Email != "" {
		claimEmail = NormalizeEmail(req.Email)
	}
	update := UserUpdate{
		Condition: func(u *User) bool {
			if claimEmail != "" && u.PrimaryEmail != "" {
				return false
			}
			return !u.Revoked && !u.IsMerged() && !u.HasProvider(req.Provider)
		},
		Mutate: func(u *User) {
			l.applyLink(u, req, claimEmail, now)
		},
		ClaimProvider: &ProviderClaim{Provider: req.Provider, Subject: req.Subject, UserID: user.ID},
		ClaimEmail:    claimEmail,
	}

	updated, err := l.users.UpdateUser(ctx, user.ID, update)
	if err != nil {
		return l.resolveLinkFailure(ctx, req, err)
	}

	l.record(ctx, ActivityEvent{
		EventType: ActivityEventProviderLinked,
		Actor:     actor,
		UserID:    updated.ID,
		FromRole:  user.Role,
		ToRole:    updated.Role,
		Metadata: map[string]any{
			"provider":    req.Provider,
			"auto_linked": auto,
		},
	})

	return &LinkResult{Outcome: LinkLinked, User: updated, AutoLinked: auto}, nil
}

// refresh updates the metadata of a provider already linked to the
// identity. It never assigns a primary email: that needs the email claim
// only Link writes.
func (l *Linker) refresh(ctx context.Context, req LinkRequest) (*LinkResult, error) {
	now := l.now()
	updated, err := l.users.UpdateUser(ctx, req.UserID, UserUpdate{
		Condition: func(u *User) bool {
			meta, ok := u.ProviderMetadata[req.Provider]
			return !u.Revoked && ok && meta.Subject == req.Subject
		},
		Mutate: func(u *User) {
			l.applyLink(u, req, "", now)
		},
	})
	if err != nil {
		if IsConditionFailed(err) {
			l.raceLost(ctx, "link.refresh", req.UserID)
			return nil, ErrSessionRevoked
		}
		return nil, storeFailure(err, "failed to refresh provider metadata")
	}
	return &LinkResult{Outcome: LinkRefreshed, User: updated}, nil
}

// applyLink is the single mutation behind both link and refresh: provider
// list, metadata, last provider used and, for a verified matching email,
// verification plus role advancement. claimEmail becomes the primary email
// of an identity without one; it is set only when the same write claims it.
func (l *Linker) applyLink(u *User, req LinkRequest, claimEmail string, now time.Time) {
	meta := ProviderMetadata{
		Subject:   req.Subject,
		Email:     NormalizeEmail(req.Email),
		AvatarURL: req.AvatarURL,
		LinkedAt:  now,
	}
	if req.EmailVerified {
		meta.VerifiedAt = &now
	}
	u.linkProvider(req.Provider, meta)

	if u.PrimaryEmail == "" && claimEmail != "" {
		u.PrimaryEmail = claimEmail
	}
	if req.EmailVerified && meta.Email != "" && meta.Email == u.PrimaryEmail {
		u.Verification = VerificationVerified
		applyAdvance(u, RoleFree, "link:"+req.Provider, now)
	}
	if u.AuthType == AuthTypeAnonymous {
		u.AuthType = AuthTypeOAuth
	}
	u.UpdatedAt = now
}

func (l *Linker) resolveLinkFailure(ctx context.Context, req LinkRequest, err error) (*LinkResult, error) {
	if cc, ok := AsClaimConflict(err); ok {
		l.raceLost(ctx, "link.claim", req.UserID)
		switch {
		case cc.Kind == ClaimEmail:
			return nil, ErrEmailAlreadyExists
		case cc.OwnerID != req.UserID:
			return nil, ErrProviderLinkedElsewhere
		}
		return l.refresh(ctx, req)
	}
	if !IsConditionFailed(err) {
		if IsItemNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, storeFailure(err, "failed to link provider")
	}

	l.raceLost(ctx, "link.update", req.UserID)
	current, gerr := l.users.GetUser(ctx, req.UserID)
	if gerr != nil {
		return nil, storeFailure(gerr, "failed to read identity")
	}
	switch {
	case current.Revoked:
		return nil, ErrSessionRevoked
	case current.IsMerged():
		return nil, ErrMergeConflict
	}
	if meta, ok := current.ProviderMetadata[req.Provider]; ok && meta.Subject == req.Subject {
		return &LinkResult{Outcome: LinkRefreshed, User: current}, nil
	}
	return &LinkResult{
		Outcome:              LinkConflict,
		User:                 current,
		ExistingProvider:     req.Provider,
		RequiresConfirmation: true,
	}, nil
}

func existingProvider(u *User) string {
	if u.LastProviderUsed != "" {
		return u.LastProviderUsed
	}
	if len(u.LinkedProviders) > 0 {
		return u.LinkedProviders[0]
	}
	if u.PrimaryEmail != "" {
		return "email"
	}
	return ""
}
