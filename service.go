package identity

import (
	"context"
	"errors"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// maxMergeHops bounds how far a lookup follows merged_to pointers.
const maxMergeHops = 3

// ClientInfo describes the caller of an entry point.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// AuthResult is what every successful login hands back.
type AuthResult struct {
	User    *User
	Session Session
	Tokens  TokenPair
	IsNew   bool
}

// SessionInfo describes a validated session.
type SessionInfo struct {
	User     *User
	Session  *Session
	Claims   *SessionClaims
	Roles    []Role
	Sessions []Session
}

// EmailConflict reports whether an email already belongs to an identity.
type EmailConflict struct {
	Exists           bool   `json:"exists"`
	SameUser         bool   `json:"same_user"`
	ExistingProvider string `json:"existing_provider,omitempty"`
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithProviders registers OAuth identity providers by name.
func WithProviders(providers ...IdentityProvider) ServiceOption {
	return func(s *Service) {
		for _, p := range providers {
			if p != nil {
				s.providers[p.Name()] = p
			}
		}
	}
}

// WithMailer sets the magic link mailer.
func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.mailer = m
		}
	}
}

// WithRequestLimiter throttles magic link requests and callbacks.
func WithRequestLimiter(l RequestLimiter) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.limiter = l
		}
	}
}

// WithRecordOwnership sets the collaborator that moves records on merge.
func WithRecordOwnership(o RecordOwnership) ServiceOption {
	return func(s *Service) {
		if o != nil {
			s.ownership = o
		}
	}
}

// WithComponentOptions passes clock, logger and activity sink options to
// every component the Service builds.
func WithComponentOptions(opts ...Option) ServiceOption {
	return func(s *Service) {
		s.componentOpts = append(s.componentOpts, opts...)
	}
}

// Service is the set of entry points exposed to the routing layer. It holds
// no per-request state; all coordination happens in the stores.
type Service struct {
	cfg           Config
	stores        Stores
	providers     map[string]IdentityProvider
	mailer        Mailer
	limiter       RequestLimiter
	ownership     RecordOwnership
	componentOpts []Option

	tokens     *TokenService
	resolver   *Resolver
	magicLinks *MagicLinks
	sessions   *Sessions
	roles      *RoleMachine
	states     *StateManager
	linker     *Linker
	merger     *Merger
	billing    *BillingGate
	activityRecorder
}

// NewService validates cfg and wires the components over stores.
func NewService(cfg Config, stores Stores, opts ...ServiceOption) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stores.Users == nil || stores.Sessions == nil || stores.Tokens == nil || stores.States == nil {
		return nil, goerrors.New("identity service requires user, session, token and state stores", goerrors.CategoryInternal)
	}

	s := &Service{
		cfg:       cfg,
		stores:    stores,
		providers: map[string]IdentityProvider{},
		mailer:    MailerFunc(nil),
		limiter:   noopLimiter{},
		ownership: noopRecordOwnership{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	co := s.componentOpts
	s.activityRecorder = applyOptions(co)
	s.tokens = NewTokenService([]byte(cfg.SigningKey), []byte(cfg.RefreshPepper), cfg.Issuer, cfg.AccessTokenTTL, s.logger).WithNow(s.now)
	s.resolver = NewResolver(stores.Users, co...)
	s.magicLinks = NewMagicLinks(stores.Tokens, cfg.MagicLinkTTL, co...)
	s.sessions = NewSessions(stores.Users, stores.Sessions, stores.Blocklist, cfg.MaxSessions, cfg.SessionTTL, co...)
	s.roles = NewRoleMachine(stores.Users, co...)
	s.states = NewStateManager(stores.States, cfg.OAuthStateTTL, co...)
	s.linker = NewLinker(stores.Users, co...)
	s.merger = NewMerger(stores.Users, s.sessions, s.ownership, co...)
	if stores.Billing != nil {
		prices := make(map[string]Role, len(cfg.PricePlans))
		for price, role := range cfg.PricePlans {
			prices[price] = role
		}
		s.billing = NewBillingGate(stores.Billing, stores.Users, s.roles, cfg.BillingSecret, cfg.BillingTolerance, prices, co...)
	}
	return s, nil
}

// Tokens exposes the token service, e.g. for middleware.
func (s *Service) Tokens() *TokenService {
	return s.tokens
}

// CreateAnonymousSession creates an anonymous identity and its first
// session.
func (s *Service) CreateAnonymousSession(ctx context.Context, client ClientInfo) (*AuthResult, error) {
	user, err := s.resolver.CreateAnonymous(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.startSession(ctx, user, client)
	if err != nil {
		return nil, err
	}
	res.IsNew = true
	return res, nil
}

// ValidateSession checks an access token against the identity record, its
// revocation id and the session it names.
func (s *Service) ValidateSession(ctx context.Context, accessToken string) (*SessionInfo, error) {
	claims, err := s.tokens.ParseAccess(accessToken)
	if err != nil {
		return nil, err
	}

	user, err := s.stores.Users.GetUser(ctx, claims.Subject)
	if err != nil {
		if IsItemNotFound(err) {
			return nil, ErrSessionInvalid
		}
		return nil, storeFailure(err, "failed to read identity")
	}
	if err := s.checkUsable(user, claims.Rev, true); err != nil {
		return nil, err
	}

	session, err := s.sessions.Get(ctx, user.ID, claims.SID)
	if err != nil {
		return nil, err
	}
	if session.Expired(s.now()) {
		return nil, ErrSessionExpired
	}

	s.sessions.Touch(ctx, *session)
	return &SessionInfo{
		User:    user,
		Session: session,
		Claims:  claims,
		Roles:   ApplicableRoles(user),
	}, nil
}

// SessionInfo returns the validated session plus every live session of the
// identity.
func (s *Service) SessionInfo(ctx context.Context, accessToken string) (*SessionInfo, error) {
	info, err := s.ValidateSession(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	list, err := s.sessions.List(ctx, info.User.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, sess := range list {
		if !sess.Expired(now) {
			info.Sessions = append(info.Sessions, sess)
		}
	}
	return info, nil
}

// RequestMagicLink issues a token and mails it. linkedUserID ties the link
// to an existing (e.g. anonymous) identity.
func (s *Service) RequestMagicLink(ctx context.Context, email, linkedUserID string, client ClientInfo) error {
	if err := validateEmail(email); err != nil {
		return err
	}
	if err := s.allow(ctx, "magic_link:"+NormalizeEmail(email)); err != nil {
		return err
	}
	if client.IP != "" {
		if err := s.allow(ctx, "magic_link_ip:"+client.IP); err != nil {
			return err
		}
	}

	token, err := s.magicLinks.Issue(ctx, email, linkedUserID)
	if err != nil {
		return err
	}
	if err := s.mailer.SendMagicLink(ctx, token.ID, token.Email); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to send magic link")
	}
	return nil
}

// VerifyMagicLink consumes the token, resolves or verifies the identity and
// starts a session. Unknown and used tokens share ErrMagicLinkInvalid.
func (s *Service) VerifyMagicLink(ctx context.Context, tokenID string, client ClientInfo) (*AuthResult, error) {
	token, err := s.magicLinks.Consume(ctx, tokenID, client.IP)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrTokenAlreadyUsed) {
			s.record(ctx, ActivityEvent{
				EventType: ActivityEventLoginFailure,
				Metadata:  map[string]any{"method": "magic_link"},
			})
			return nil, ErrMagicLinkInvalid
		}
		return nil, err
	}

	user, isNew, err := s.emailOwner(ctx, token)
	if err != nil {
		return nil, err
	}

	if advanced := s.roles.advanceBestEffort(ctx, ActorRef{ID: user.ID, Type: "user"}, AdvanceRequest{
		UserID:       user.ID,
		Target:       RoleFree,
		Source:       "magic_link",
		MarkVerified: true,
	}); advanced != nil {
		user = advanced
	}

	res, err := s.startSession(ctx, user, client)
	if err != nil {
		return nil, err
	}
	res.IsNew = isNew
	return res, nil
}

// emailOwner attaches the token's email to the linked identity when it has
// none yet; otherwise it resolves (or creates) the identity owning it.
func (s *Service) emailOwner(ctx context.Context, token *MagicLinkToken) (*User, bool, error) {
	if token.UserID != "" {
		if user, ok := s.attachEmail(ctx, token.UserID, token.Email); ok {
			return user, false, nil
		}
	}

	res, err := s.resolver.GetOrCreate(ctx, token.Email, AuthTypeEmail)
	if err != nil {
		return nil, false, err
	}
	user, err := s.followMerge(ctx, res.User)
	if err != nil {
		return nil, false, err
	}
	return user, res.IsNew, nil
}

func (s *Service) attachEmail(ctx context.Context, userID, email string) (*User, bool) {
	linked, err := s.stores.Users.GetUser(ctx, userID)
	if err != nil || linked.Revoked || linked.IsMerged() {
		return nil, false
	}
	if linked.PrimaryEmail == email {
		return linked, true
	}
	if linked.PrimaryEmail != "" {
		return nil, false
	}

	updated, err := s.stores.Users.UpdateUser(ctx, userID, UserUpdate{
		Condition: func(u *User) bool {
			return u.PrimaryEmail == "" && !u.Revoked && !u.IsMerged()
		},
		Mutate: func(u *User) {
			u.PrimaryEmail = email
			if u.AuthType == AuthTypeAnonymous {
				u.AuthType = AuthTypeEmail
			}
			u.UpdatedAt = s.now()
		},
		ClaimEmail: email,
	})
	if err != nil {
		// email owned elsewhere or identity changed: resolve by email
		s.logger.Debug("could not attach email to user=%s: %v", userID, err)
		return nil, false
	}
	return updated, true
}

// RefreshTokens rotates the refresh token and slides the session window.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string, client ClientInfo) (*AuthResult, error) {
	hash, err := s.tokens.HashRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrSessionInvalid
	}
	if s.sessions.IsBlocklisted(ctx, hash) {
		return nil, ErrSessionInvalid
	}

	session, err := s.sessions.Lookup(ctx, hash)
	if err != nil {
		return nil, err
	}
	if session.Expired(s.now()) {
		return nil, ErrSessionExpired
	}

	user, err := s.stores.Users.GetUser(ctx, session.UserID)
	if err != nil {
		if IsItemNotFound(err) {
			return nil, ErrSessionInvalid
		}
		return nil, storeFailure(err, "failed to read identity")
	}
	if err := s.checkUsable(user, user.RevocationID, true); err != nil {
		return nil, err
	}

	raw, newHash, err := s.tokens.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	rotated, err := s.sessions.Rotate(ctx, *session, newHash)
	if err != nil {
		return nil, err
	}

	if extended, err := s.sessions.Extend(ctx, user.ID); err != nil {
		s.logger.Warn("session extend failed for user=%s: %v", user.ID, err)
	} else if extended {
		user.SessionExpiresAt = s.now().Add(s.sessions.TTL())
	}

	access, accessExp, err := s.tokens.IssueAccess(user, rotated.SessionID)
	if err != nil {
		return nil, err
	}
	return &AuthResult{
		User:    user,
		Session: *rotated,
		Tokens: TokenPair{
			AccessToken:      access,
			RefreshToken:     raw,
			AccessExpiresAt:  accessExp,
			SessionExpiresAt: rotated.ExpiresAt,
		},
	}, nil
}

// SignOut ends the session the refresh token belongs to. Unknown tokens
// succeed silently.
func (s *Service) SignOut(ctx context.Context, refreshToken string) error {
	hash, err := s.tokens.HashRefreshToken(refreshToken)
	if err != nil {
		return nil
	}
	session, err := s.sessions.Lookup(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrSessionInvalid) {
			return nil
		}
		return err
	}
	return s.sessions.Delete(ctx, *session)
}

// ExtendSession slides the identity's session window. It reports false for
// missing, expired or revoked identities.
func (s *Service) ExtendSession(ctx context.Context, userID string) (bool, error) {
	return s.sessions.Extend(ctx, userID)
}

// CheckEmailConflict reports whether email is held by an identity other
// than userID.
func (s *Service) CheckEmailConflict(ctx context.Context, userID, email string) (*EmailConflict, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	owner, err := s.resolver.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return &EmailConflict{}, nil
		}
		return nil, err
	}
	owner, err = s.followMerge(ctx, owner)
	if err != nil {
		return nil, err
	}
	return &EmailConflict{
		Exists:           true,
		SameUser:         owner.ID == userID,
		ExistingProvider: existingProvider(owner),
	}, nil
}

// LinkAccounts links a provider to an identity, honoring confirmation.
func (s *Service) LinkAccounts(ctx context.Context, actor ActorRef, req LinkRequest) (*LinkResult, error) {
	return s.linker.Link(ctx, actor, req)
}

// MergeAccounts folds secondaryID into primaryID.
func (s *Service) MergeAccounts(ctx context.Context, actor ActorRef, primaryID, secondaryID string) (*MergeCounts, error) {
	return s.merger.Merge(ctx, actor, primaryID, secondaryID)
}

// MergeStatus returns the stored merge record of userID.
func (s *Service) MergeStatus(ctx context.Context, userID string) (*MergeStatusResult, error) {
	return s.merger.Status(ctx, userID)
}

// Revoke revokes one identity.
func (s *Service) Revoke(ctx context.Context, actor ActorRef, userID, reason string) (*User, error) {
	return s.sessions.RevokeOne(ctx, actor, userID, reason)
}

// RevokeBulk is the operator emergency revocation.
func (s *Service) RevokeBulk(ctx context.Context, actor ActorRef, userIDs []string, reason string) BulkRevokeResult {
	return s.sessions.RevokeBulk(ctx, actor, userIDs, reason)
}

// AdvanceRole is the admin trigger for paid and operator roles.
func (s *Service) AdvanceRole(ctx context.Context, actor ActorRef, userID string, target Role) (*AdvanceResult, error) {
	return s.roles.Advance(ctx, actor, AdvanceRequest{
		UserID: userID,
		Target: target,
		Source: "admin:" + actor.ID,
	})
}

// HandleBillingWebhook applies a signed billing event at most once.
func (s *Service) HandleBillingWebhook(ctx context.Context, payload []byte, signature string) (*BillingResult, error) {
	if s.billing == nil {
		return nil, goerrors.New("billing is not configured", goerrors.CategoryOperation)
	}
	return s.billing.Handle(ctx, payload, signature)
}

// startSession creates a session, rerunning the whole decide-then-write
// sequence when the eviction transaction loses a race.
func (s *Service) startSession(ctx context.Context, user *User, client ClientInfo) (*AuthResult, error) {
	if user.Revoked {
		return nil, ErrSessionRevoked
	}
	if user.IsMerged() {
		return nil, ErrSessionInvalid
	}

	var (
		created *CreateSessionResult
		raw     string
		err     error
	)
	for attempt := 0; attempt <= s.cfg.SessionRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var hash string
		raw, hash, err = s.tokens.NewRefreshToken()
		if err != nil {
			return nil, err
		}
		now := s.now()
		created, err = s.sessions.Create(ctx, user.ID, Session{
			SessionID:        NewUserID(),
			RefreshTokenHash: hash,
			CreatedAt:        now,
			ExpiresAt:        now.Add(s.sessions.TTL()),
			UserAgent:        client.UserAgent,
			IP:               client.IP,
		})
		if err == nil || !errors.Is(err, ErrSessionLimitRace) {
			break
		}
		s.logger.Debug("session limit race for user=%s, attempt %d", user.ID, attempt+1)
	}
	if err != nil {
		return nil, err
	}

	opened, err := s.sessions.OpenWindow(ctx, user.ID, created.Session.ExpiresAt)
	if err != nil {
		return nil, err
	}

	access, accessExp, err := s.tokens.IssueAccess(opened, created.Session.SessionID)
	if err != nil {
		return nil, err
	}

	return &AuthResult{
		User:    opened,
		Session: created.Session,
		Tokens: TokenPair{
			AccessToken:      access,
			RefreshToken:     raw,
			AccessExpiresAt:  accessExp,
			SessionExpiresAt: created.Session.ExpiresAt,
		},
	}, nil
}

func (s *Service) checkUsable(user *User, rev int64, requireWindow bool) error {
	switch {
	case user.IsMerged():
		return ErrSessionInvalid
	case user.Revoked, rev != user.RevocationID:
		return ErrSessionRevoked
	case requireWindow && !user.SessionActive(s.now()):
		return ErrSessionExpired
	}
	return nil
}

func (s *Service) followMerge(ctx context.Context, user *User) (*User, error) {
	for hop := 0; user.IsMerged() && hop < maxMergeHops; hop++ {
		next, err := s.stores.Users.GetUser(ctx, user.MergedTo)
		if err != nil {
			return nil, storeFailure(err, "failed to follow merged identity")
		}
		user = next
	}
	if user.IsMerged() {
		return nil, ErrMergeConflict
	}
	if user.Revoked {
		return nil, ErrSessionRevoked
	}
	return user, nil
}

func (s *Service) allow(ctx context.Context, key string) error {
	ok, retryAfter, err := s.limiter.Allow(ctx, key, s.now())
	if err != nil {
		s.logger.Warn("rate limiter unavailable for key=%s: %v", key, err)
		return nil
	}
	if !ok {
		s.logger.Debug("rate limited key=%s retry_after=%s", key, retryAfter.Round(time.Second))
		return ErrRateLimited
	}
	return nil
}
