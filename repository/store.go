// Package repository persists the identity store ports in a SQL database
// through Bun. Guarded writes map to conditional statements checked by
// RowsAffected, and multi-item writes run in one transaction.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	goerrors "github.com/goliatone/go-errors"
	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// updateAttempts bounds how often UpdateUser re-reads a record whose version
// moved underneath it before reporting the lost write.
const updateAttempts = 3

// Store implements every identity port on a *bun.DB.
type Store struct {
	db    *bun.DB
	users repository.Repository[*UserModel]
	now   func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the clock used for blocklist expiry and session activity.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps db. Call Migrate before first use on an empty database.
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db: db,
		users: repository.NewRepository[*UserModel](db, repository.ModelHandlers[*UserModel]{
			NewRecord: func() *UserModel { return &UserModel{} },
			GetID:     userRecordID,
			SetID: func(m *UserModel, id uuid.UUID) {
				if m != nil && m.ID == "" {
					m.ID = id.String()
				}
			},
		}),
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
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

// Migrate creates every table and index when missing.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, model := range tableModels {
			if _, err := tx.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
				return dbFailure(err, "failed to create table")
			}
		}
		indexes := []struct {
			model   any
			name    string
			columns []string
		}{
			{(*ProviderClaimModel)(nil), "idx_provider_claims_user", []string{"user_id"}},
			{(*EmailClaimModel)(nil), "idx_email_claims_user", []string{"user_id"}},
			{(*SessionModel)(nil), "idx_sessions_created", []string{"user_id", "created_at"}},
			{(*BlocklistModel)(nil), "idx_token_blocklist_expires", []string{"expires_at"}},
		}
		for _, idx := range indexes {
			_, err := tx.NewCreateIndex().
				Model(idx.model).
				Index(idx.name).
				Column(idx.columns...).
				IfNotExists().
				Exec(ctx)
			if err != nil {
				return dbFailure(err, "failed to create index")
			}
		}
		return nil
	})
}

func (s *Store) GetUser(ctx context.Context, userID string) (*identity.User, error) {
	record, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, notFoundOr(err, "failed to load identity")
	}
	return record.toUser(), nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	key, err := identity.EmailClaimKey(email)
	if err != nil {
		return nil, err
	}
	claim := &EmailClaimModel{}
	err = s.db.NewSelect().Model(claim).Where("claim_key = ?", key).Limit(1).Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, "failed to load email claim")
	}
	return s.GetUser(ctx, claim.UserID)
}

func (s *Store) GetUserByProvider(ctx context.Context, provider, subject string) (*identity.User, error) {
	claim := &ProviderClaimModel{}
	err := s.db.NewSelect().
		Model(claim).
		Where("provider = ? AND subject = ?", provider, subject).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, "failed to load provider claim")
	}
	return s.GetUser(ctx, claim.UserID)
}

func (s *Store) CreateUser(ctx context.Context, user *identity.User) error {
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

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewInsert().Model(fromUser(user, 1)).On("CONFLICT DO NOTHING").Exec(ctx)
		if err != nil {
			return dbFailure(err, "failed to insert identity")
		}
		if !affected(res) {
			return identity.ErrConditionFailed
		}
		if emailKey != "" {
			if err := claimEmail(ctx, tx, emailKey, user.ID); err != nil {
				return err
			}
		}
		for provider, meta := range user.ProviderMetadata {
			if err := claimProvider(ctx, tx, provider, meta.Subject, user.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateUser evaluates the condition against the stored record inside a
// transaction and writes guarded on the version it read. A version moved by
// a concurrent writer re-runs the whole attempt so the condition always sees
// the latest committed record; when every attempt loses, the result is
// identity.ErrWriteContention, never ErrConditionFailed.
func (s *Store) UpdateUser(ctx context.Context, userID string, update identity.UserUpdate) (*identity.User, error) {
	var emailKey string
	if update.ClaimEmail != "" {
		key, err := identity.EmailClaimKey(update.ClaimEmail)
		if err != nil {
			return nil, err
		}
		emailKey = key
	}

	return retryVersionMoves(func() (*identity.User, error) {
		return s.updateUserOnce(ctx, userID, emailKey, update)
	})
}

var errVersionMoved = errors.New("identity version moved")

func retryVersionMoves(attempt func() (*identity.User, error)) (*identity.User, error) {
	for i := 0; i < updateAttempts; i++ {
		updated, err := attempt()
		if errors.Is(err, errVersionMoved) {
			continue
		}
		return updated, err
	}
	return nil, identity.ErrWriteContention
}

func (s *Store) updateUserOnce(ctx context.Context, userID, emailKey string, update identity.UserUpdate) (*identity.User, error) {
	var out *identity.User
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current := &UserModel{}
		if err := tx.NewSelect().Model(current).Where("id = ?", userID).Limit(1).Scan(ctx); err != nil {
			return notFoundOr(err, "failed to load identity")
		}
		working := current.toUser()
		if update.Condition != nil && !update.Condition(working) {
			return identity.ErrConditionFailed
		}
		if update.Mutate != nil {
			update.Mutate(working)
		}
		working.ID = userID
		working.SchemaVersion = identity.CurrentSchemaVersion

		res, err := tx.NewUpdate().
			Model(fromUser(working, current.Version+1)).
			WherePK().
			Where("version = ?", current.Version).
			Exec(ctx)
		if err != nil {
			return dbFailure(err, "failed to update identity")
		}
		if !affected(res) {
			return errVersionMoved
		}
		if emailKey != "" {
			if err := claimEmail(ctx, tx, emailKey, userID); err != nil {
				return err
			}
		}
		if c := update.ClaimProvider; c != nil {
			if err := claimProvider(ctx, tx, c.Provider, c.Subject, userID); err != nil {
				return err
			}
		}
		out = working
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListProviderClaims(ctx context.Context, userID string) ([]identity.ProviderClaim, error) {
	var models []ProviderClaimModel
	err := s.db.NewSelect().
		Model(&models).
		Where("user_id = ?", userID).
		Order("provider ASC", "subject ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, dbFailure(err, "failed to list provider claims")
	}
	out := make([]identity.ProviderClaim, 0, len(models))
	for _, m := range models {
		out = append(out, identity.ProviderClaim{Provider: m.Provider, Subject: m.Subject, UserID: m.UserID})
	}
	return out, nil
}

func (s *Store) MoveProviderClaim(ctx context.Context, provider, subject, fromUserID, toUserID string) error {
	res, err := s.db.NewUpdate().
		Model((*ProviderClaimModel)(nil)).
		Set("user_id = ?", toUserID).
		Where("provider = ? AND subject = ? AND user_id = ?", provider, subject, fromUserID).
		Exec(ctx)
	if err != nil {
		return dbFailure(err, "failed to move provider claim")
	}
	if affected(res) {
		return nil
	}
	exists, err := s.db.NewSelect().
		Model((*ProviderClaimModel)(nil)).
		Where("provider = ? AND subject = ?", provider, subject).
		Exists(ctx)
	if err != nil {
		return dbFailure(err, "failed to load provider claim")
	}
	if !exists {
		return identity.ErrItemNotFound
	}
	return identity.ErrConditionFailed
}

// claimEmail inserts the claim or confirms userID already holds it.
func claimEmail(ctx context.Context, tx bun.IDB, key, userID string) error {
	res, err := tx.NewInsert().
		Model(&EmailClaimModel{Key: key, UserID: userID}).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return dbFailure(err, "failed to claim email")
	}
	if affected(res) {
		return nil
	}
	owner := &EmailClaimModel{}
	if err := tx.NewSelect().Model(owner).Where("claim_key = ?", key).Limit(1).Scan(ctx); err != nil {
		return dbFailure(err, "failed to load email claim")
	}
	if owner.UserID == userID {
		return nil
	}
	return &identity.ClaimConflictError{Kind: identity.ClaimEmail, Key: key, OwnerID: owner.UserID}
}

func claimProvider(ctx context.Context, tx bun.IDB, provider, subject, userID string) error {
	res, err := tx.NewInsert().
		Model(&ProviderClaimModel{Provider: provider, Subject: subject, UserID: userID}).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return dbFailure(err, "failed to claim provider")
	}
	if affected(res) {
		return nil
	}
	owner := &ProviderClaimModel{}
	err = tx.NewSelect().
		Model(owner).
		Where("provider = ? AND subject = ?", provider, subject).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return dbFailure(err, "failed to load provider claim")
	}
	return &identity.ClaimConflictError{Kind: identity.ClaimProvider, Key: provider + ":" + subject, OwnerID: owner.UserID}
}

func affected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

func dbFailure(err error, msg string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg).
		WithTextCode("STORE_FAILURE")
}

func notFoundOr(err error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
		return identity.ErrItemNotFound
	}
	return dbFailure(err, msg)
}

var (
	_ identity.UserStore         = (*Store)(nil)
	_ identity.SessionStore      = (*Store)(nil)
	_ identity.TokenStore        = (*Store)(nil)
	_ identity.StateStore        = (*Store)(nil)
	_ identity.Blocklist         = (*Store)(nil)
	_ identity.BillingEventStore = (*Store)(nil)
)
