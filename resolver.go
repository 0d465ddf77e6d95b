package identity

import (
	"context"
	"errors"
)

// ResolveResult is the outcome of GetOrCreate.
type ResolveResult struct {
	User  *User
	IsNew bool
}

// Resolver maps emails and provider subjects to identity records.
type Resolver struct {
	users UserStore
	activityRecorder
}

// NewResolver returns a resolver over users.
func NewResolver(users UserStore, opts ...Option) *Resolver {
	return &Resolver{
		users:            users,
		activityRecorder: applyOptions(opts),
	}
}

// GetByEmail returns the identity owning email, matched case-insensitively.
// It returns ErrUserNotFound when no identity holds the address.
func (r *Resolver) GetByEmail(ctx context.Context, email string) (*User, error) {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return nil, ErrInvalidInput
	}
	user, err := r.users.GetUserByEmail(ctx, normalized)
	if err != nil {
		if IsItemNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, storeFailure(err, "failed to look up identity by email")
	}
	return user, nil
}

// GetByProvider returns the identity bound to (provider, subject).
func (r *Resolver) GetByProvider(ctx context.Context, provider, subject string) (*User, error) {
	if provider == "" || subject == "" {
		return nil, ErrInvalidInput
	}
	user, err := r.users.GetUserByProvider(ctx, provider, subject)
	if err != nil {
		if IsItemNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, storeFailure(err, "failed to look up identity by provider")
	}
	return user, nil
}

// GetOrCreate returns the identity holding email, creating it when absent.
// Concurrent callers for one email converge on a single identity: the
// loser of the guarded create re-reads the winner's record.
func (r *Resolver) GetOrCreate(ctx context.Context, email string, authType AuthType) (*ResolveResult, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	normalized := NormalizeEmail(email)

	existing, err := r.GetByEmail(ctx, normalized)
	if err == nil {
		return &ResolveResult{User: existing}, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	now := r.now()
	user := &User{
		ID:            NewUserID(),
		PrimaryEmail:  normalized,
		AuthType:      authType,
		Role:          RoleAnonymous,
		Verification:  VerificationPending,
		SchemaVersion: CurrentSchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = r.create(ctx, user)
	if err == nil {
		return &ResolveResult{User: user, IsNew: true}, nil
	}
	if !errors.Is(err, ErrEmailAlreadyExists) {
		return nil, err
	}

	r.raceLost(ctx, "resolver.create", "")
	winner, err := r.GetByEmail(ctx, normalized)
	if err != nil {
		return nil, err
	}
	return &ResolveResult{User: winner}, nil
}

// CreateAnonymous creates an identity with no email claim.
func (r *Resolver) CreateAnonymous(ctx context.Context) (*User, error) {
	now := r.now()
	user := &User{
		ID:            NewUserID(),
		AuthType:      AuthTypeAnonymous,
		Role:          RoleAnonymous,
		Verification:  VerificationNone,
		SchemaVersion: CurrentSchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// CreateWithProvider creates an identity bound to a provider subject, with
// its email claim when the provider supplied one.
func (r *Resolver) CreateWithProvider(ctx context.Context, user *User) (*User, error) {
	if user.ID == "" {
		user.ID = NewUserID()
	}
	now := r.now()
	user.CreatedAt, user.UpdatedAt = now, now
	user.SchemaVersion = CurrentSchemaVersion
	user.PrimaryEmail = NormalizeEmail(user.PrimaryEmail)
	if err := ValidateRoleState(user.Role, user.Verification); err != nil {
		return nil, err
	}
	if err := r.create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (r *Resolver) create(ctx context.Context, user *User) error {
	err := r.users.CreateUser(ctx, user)
	if err == nil {
		r.record(ctx, ActivityEvent{
			EventType: ActivityEventIdentityCreated,
			UserID:    user.ID,
			ToRole:    user.Role,
			Metadata:  map[string]any{"auth_type": user.AuthType},
		})
		return nil
	}
	if cc, ok := AsClaimConflict(err); ok {
		if cc.Kind == ClaimProvider {
			return ErrProviderLinkedElsewhere
		}
		return ErrEmailAlreadyExists
	}
	if IsConditionFailed(err) {
		return ErrEmailAlreadyExists
	}
	return storeFailure(err, "failed to create identity")
}
