package identity

import (
	"context"
	"errors"
	"sort"

	"golang.org/x/oauth2"
)

// AuthorizeURL is one provider's login URL.
type AuthorizeURL struct {
	Provider string `json:"provider"`
	URL      string `json:"url"`
}

// OAuthResult is the outcome of a callback. Auth is nil when the callback
// ended in a link conflict that needs confirmation.
type OAuthResult struct {
	Auth   *AuthResult
	Link   *LinkResult
	Claims ProviderClaims
}

// OAuthAuthorizeURLs issues one CSRF state per configured provider and
// returns their authorization URLs. userID is set when an authenticated
// identity starts a link flow.
func (s *Service) OAuthAuthorizeURLs(ctx context.Context, redirectURI, userID string) ([]AuthorizeURL, error) {
	if err := validateRedirectURI(redirectURI); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]AuthorizeURL, 0, len(names))
	for _, name := range names {
		state, err := s.states.Generate()
		if err != nil {
			return nil, err
		}
		verifier := oauth2.GenerateVerifier()
		if _, err := s.states.Store(ctx, state, name, redirectURI, userID, verifier); err != nil {
			return nil, err
		}
		out = append(out, AuthorizeURL{
			Provider: name,
			URL: s.providers[name].AuthCodeURL(AuthorizeRequest{
				State:         state,
				RedirectURI:   redirectURI,
				CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
			}),
		})
	}
	return out, nil
}

// OAuthCallback validates the state, exchanges the code and resolves the
// identity: a known provider subject logs in, a link flow links, a matching
// email links per the auto-link policy and anything else creates an
// identity.
func (s *Service) OAuthCallback(ctx context.Context, provider, code, state, redirectURI string, client ClientInfo) (*OAuthResult, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, ErrProviderNotConfigured
	}
	if client.IP != "" {
		if err := s.allow(ctx, "oauth_ip:"+client.IP); err != nil {
			return nil, err
		}
	}

	st, err := s.states.Validate(ctx, state, provider, redirectURI)
	if err != nil {
		return nil, err
	}

	claims, err := p.Exchange(ctx, ExchangeRequest{
		Code:         code,
		RedirectURI:  redirectURI,
		CodeVerifier: st.CodeVerifier,
	})
	if err != nil {
		s.record(ctx, ActivityEvent{
			EventType: ActivityEventLoginFailure,
			Metadata:  map[string]any{"method": "oauth", "provider": provider},
		})
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrInvalidInput
	}

	req := LinkRequest{
		Provider:      provider,
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		AvatarURL:     claims.AvatarURL,
	}

	var user *User
	var isNew bool
	var link *LinkResult

	switch {
	case st.UserID != "":
		req.UserID = st.UserID
		link, err = s.linker.Link(ctx, ActorRef{ID: st.UserID, Type: "user"}, req)
		if err != nil {
			return nil, err
		}
		if link.Outcome == LinkConflict {
			return &OAuthResult{Link: link, Claims: claims}, nil
		}
		user = link.User
	default:
		user, isNew, link, err = s.resolveOAuthUser(ctx, req)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return &OAuthResult{Link: link, Claims: claims}, nil
		}
	}

	s.record(ctx, ActivityEvent{
		EventType: ActivityEventOAuthLogin,
		Actor:     ActorRef{ID: user.ID, Type: "user"},
		UserID:    user.ID,
		Metadata:  map[string]any{"provider": provider, "new": isNew},
	})

	auth, err := s.startSession(ctx, user, client)
	if err != nil {
		return nil, err
	}
	auth.IsNew = isNew
	return &OAuthResult{Auth: auth, Link: link, Claims: claims}, nil
}

// resolveOAuthUser returns a nil user with a conflict result when linking
// needs confirmation.
func (s *Service) resolveOAuthUser(ctx context.Context, req LinkRequest) (*User, bool, *LinkResult, error) {
	owner, err := s.resolver.GetByProvider(ctx, req.Provider, req.Subject)
	switch {
	case err == nil:
		owner, err = s.followMerge(ctx, owner)
		if err != nil {
			return nil, false, nil, err
		}
		req.UserID = owner.ID
		link, lerr := s.linker.Link(ctx, ActorRef{ID: owner.ID, Type: "user"}, req)
		if lerr != nil {
			// metadata refresh is auxiliary to the login
			s.logger.Warn("provider metadata refresh failed for user=%s: %v", owner.ID, lerr)
			return owner, false, nil, nil
		}
		return link.User, false, link, nil
	case !errors.Is(err, ErrUserNotFound):
		return nil, false, nil, err
	}

	if req.Email != "" {
		existing, err := s.resolver.GetByEmail(ctx, req.Email)
		switch {
		case err == nil:
			existing, err = s.followMerge(ctx, existing)
			if err != nil {
				return nil, false, nil, err
			}
			req.UserID = existing.ID
			link, err := s.linker.Link(ctx, SystemActor, req)
			if err != nil {
				return nil, false, nil, err
			}
			if link.Outcome == LinkConflict {
				return nil, false, link, nil
			}
			return link.User, false, link, nil
		case !errors.Is(err, ErrUserNotFound):
			return nil, false, nil, err
		}
	}

	user, err := s.createOAuthUser(ctx, req)
	switch {
	case err == nil:
		return user, true, nil, nil
	case errors.Is(err, ErrEmailAlreadyExists), errors.Is(err, ErrProviderLinkedElsewhere):
		// a concurrent callback created the identity first; resolve again
		return s.resolveOAuthUserOnce(ctx, req)
	}
	return nil, false, nil, err
}

func (s *Service) resolveOAuthUserOnce(ctx context.Context, req LinkRequest) (*User, bool, *LinkResult, error) {
	owner, err := s.resolver.GetByProvider(ctx, req.Provider, req.Subject)
	if err == nil {
		owner, err = s.followMerge(ctx, owner)
		return owner, false, nil, err
	}
	if !errors.Is(err, ErrUserNotFound) || req.Email == "" {
		return nil, false, nil, err
	}
	existing, err := s.resolver.GetByEmail(ctx, req.Email)
	if err != nil {
		return nil, false, nil, err
	}
	req.UserID = existing.ID
	link, err := s.linker.Link(ctx, SystemActor, req)
	if err != nil {
		return nil, false, nil, err
	}
	if link.Outcome == LinkConflict {
		return nil, false, link, nil
	}
	return link.User, false, link, nil
}

func (s *Service) createOAuthUser(ctx context.Context, req LinkRequest) (*User, error) {
	now := s.now()
	user := &User{
		AuthType:     AuthTypeOAuth,
		Role:         RoleAnonymous,
		Verification: VerificationNone,
	}
	if req.EmailVerified && req.Email != "" {
		user.PrimaryEmail = NormalizeEmail(req.Email)
	}

	meta := ProviderMetadata{
		Subject:   req.Subject,
		Email:     NormalizeEmail(req.Email),
		AvatarURL: req.AvatarURL,
		LinkedAt:  now,
	}
	if req.EmailVerified {
		meta.VerifiedAt = &now
	}
	user.linkProvider(req.Provider, meta)

	if user.PrimaryEmail != "" {
		user.Verification = VerificationVerified
		applyAdvance(user, RoleFree, "oauth:"+req.Provider, now)
	}
	return s.resolver.CreateWithProvider(ctx, user)
}
