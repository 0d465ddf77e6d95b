package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/uptrace/bun"
)

func (s *Store) ListSessions(ctx context.Context, userID string) ([]identity.Session, error) {
	var models []SessionModel
	err := s.db.NewSelect().
		Model(&models).
		Where("user_id = ?", userID).
		Order("created_at ASC", "session_id ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, dbFailure(err, "failed to list sessions")
	}
	out := make([]identity.Session, 0, len(models))
	for i := range models {
		out = append(out, models[i].toSession())
	}
	return out, nil
}

func (s *Store) GetSession(ctx context.Context, userID, sessionID string) (*identity.Session, error) {
	model := &SessionModel{}
	err := s.db.NewSelect().
		Model(model).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, "failed to load session")
	}
	sess := model.toSession()
	return &sess, nil
}

func (s *Store) GetSessionByRefreshHash(ctx context.Context, hash string) (*identity.Session, error) {
	model := &SessionModel{}
	err := s.db.NewSelect().
		Model(model).
		Where("refresh_token_hash = ?", hash).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, "failed to load session")
	}
	sess := model.toSession()
	return &sess, nil
}

func (s *Store) PutSession(ctx context.Context, session identity.Session) error {
	return insertSession(ctx, s.db, session)
}

func (s *Store) ReplaceOldestSessions(ctx context.Context, oldest []identity.Session, next identity.Session) error {
	if len(oldest) == 0 {
		return identity.ErrInvalidInput
	}
	if 2*len(oldest)+2 > identity.MaxTransactionItems {
		return identity.ErrTransactionTooLarge
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, o := range oldest {
			res, err := tx.NewDelete().
				Model((*SessionModel)(nil)).
				Where("user_id = ? AND session_id = ? AND refresh_token_hash = ?",
					o.UserID, o.SessionID, o.RefreshTokenHash).
				Exec(ctx)
			if err != nil {
				return dbFailure(err, "failed to evict session")
			}
			if !affected(res) {
				return identity.ErrConditionFailed
			}
		}
		return insertSession(ctx, tx, next)
	})
}

func (s *Store) RotateRefresh(ctx context.Context, userID, sessionID, oldHash, newHash string, expiresAt time.Time) error {
	now := s.now()
	res, err := s.db.NewUpdate().
		Model((*SessionModel)(nil)).
		Set("refresh_token_hash = ?", newHash).
		Set("expires_at = ?", expiresAt).
		Set("last_active_at = ?", now).
		Where("user_id = ? AND session_id = ? AND refresh_token_hash = ?", userID, sessionID, oldHash).
		Exec(ctx)
	if err != nil {
		return dbFailure(err, "failed to rotate refresh token")
	}
	if affected(res) {
		return nil
	}
	return s.missingOr(ctx, (*SessionModel)(nil), "user_id = ? AND session_id = ?", userID, sessionID)
}

func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) error {
	res, err := s.db.NewDelete().
		Model((*SessionModel)(nil)).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Exec(ctx)
	if err != nil {
		return dbFailure(err, "failed to delete session")
	}
	if !affected(res) {
		return identity.ErrItemNotFound
	}
	return nil
}

func (s *Store) TouchSession(ctx context.Context, userID, sessionID string, at time.Time) error {
	res, err := s.db.NewUpdate().
		Model((*SessionModel)(nil)).
		Set("last_active_at = ?", at).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Exec(ctx)
	if err != nil {
		return dbFailure(err, "failed to touch session")
	}
	if !affected(res) {
		return identity.ErrItemNotFound
	}
	return nil
}

func insertSession(ctx context.Context, db bun.IDB, session identity.Session) error {
	res, err := db.NewInsert().
		Model(fromSession(session)).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return dbFailure(err, "failed to insert session")
	}
	if !affected(res) {
		return identity.ErrConditionFailed
	}
	return nil
}

func (s *Store) PutToken(ctx context.Context, token *identity.MagicLinkToken) error {
	res, err := s.db.NewInsert().
		Model(&MagicLinkTokenModel{
			ID:        token.ID,
			Email:     token.Email,
			UserID:    token.UserID,
			CreatedAt: token.CreatedAt,
			ExpiresAt: token.ExpiresAt,
			Used:      token.Used,
			UsedAt:    token.UsedAt,
			UsedByIP:  token.UsedByIP,
		}).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return dbFailure(err, "failed to insert magic link token")
	}
	if !affected(res) {
		return identity.ErrConditionFailed
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (*identity.MagicLinkToken, error) {
	model := &MagicLinkTokenModel{}
	if err := s.db.NewSelect().Model(model).Where("id = ?", tokenID).Limit(1).Scan(ctx); err != nil {
		return nil, notFoundOr(err, "failed to load magic link token")
	}
	return model.toToken(), nil
}

func (s *Store) MarkTokenUsed(ctx context.Context, tokenID string, at time.Time, ip string) (*identity.MagicLinkToken, error) {
	res, err := s.db.NewUpdate().
		Model((*MagicLinkTokenModel)(nil)).
		Set("used = ?", true).
		Set("used_at = ?", at).
		Set("used_by_ip = ?", ip).
		Where("id = ? AND used = ?", tokenID, false).
		Exec(ctx)
	if err != nil {
		return nil, dbFailure(err, "failed to consume magic link token")
	}
	if !affected(res) {
		return nil, s.missingOr(ctx, (*MagicLinkTokenModel)(nil), "id = ?", tokenID)
	}
	return s.GetToken(ctx, tokenID)
}

func (s *Store) PutState(ctx context.Context, state *identity.OAuthState) error {
	res, err := s.db.NewInsert().
		Model(&OAuthStateModel{
			ID:           state.ID,
			Provider:     state.Provider,
			RedirectURI:  state.RedirectURI,
			UserID:       state.UserID,
			CodeVerifier: state.CodeVerifier,
			CreatedAt:    state.CreatedAt,
			ExpiresAt:    state.ExpiresAt,
			Used:         state.Used,
			UsedAt:       state.UsedAt,
		}).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return dbFailure(err, "failed to insert oauth state")
	}
	if !affected(res) {
		return identity.ErrConditionFailed
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, stateID string) (*identity.OAuthState, error) {
	model := &OAuthStateModel{}
	if err := s.db.NewSelect().Model(model).Where("id = ?", stateID).Limit(1).Scan(ctx); err != nil {
		return nil, notFoundOr(err, "failed to load oauth state")
	}
	return model.toState(), nil
}

func (s *Store) MarkStateUsed(ctx context.Context, stateID string, at time.Time) error {
	res, err := s.db.NewUpdate().
		Model((*OAuthStateModel)(nil)).
		Set("used = ?", true).
		Set("used_at = ?", at).
		Where("id = ? AND used = ?", stateID, false).
		Exec(ctx)
	if err != nil {
		return dbFailure(err, "failed to consume oauth state")
	}
	if !affected(res) {
		return s.missingOr(ctx, (*OAuthStateModel)(nil), "id = ?", stateID)
	}
	return nil
}

func (s *Store) Block(ctx context.Context, entry identity.BlocklistEntry) error {
	_, err := s.db.NewInsert().
		Model(&BlocklistModel{
			TokenHash: entry.TokenHash,
			Reason:    entry.Reason,
			CreatedAt: entry.CreatedAt,
			ExpiresAt: entry.ExpiresAt,
		}).
		On("CONFLICT (token_hash) DO UPDATE").
		Set("reason = EXCLUDED.reason").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	if err != nil {
		return dbFailure(err, "failed to block token")
	}
	return nil
}

func (s *Store) IsBlocked(ctx context.Context, tokenHash string) (bool, error) {
	exists, err := s.db.NewSelect().
		Model((*BlocklistModel)(nil)).
		Where("token_hash = ? AND expires_at > ?", tokenHash, s.now()).
		Exists(ctx)
	if err != nil {
		return false, dbFailure(err, "failed to check blocklist")
	}
	return exists, nil
}

// PurgeExpiredBlocks deletes blocklist rows that no longer deny anything.
func (s *Store) PurgeExpiredBlocks(ctx context.Context) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*BlocklistModel)(nil)).
		Where("expires_at <= ?", s.now()).
		Exec(ctx)
	if err != nil {
		return 0, dbFailure(err, "failed to purge blocklist")
	}
	return res.RowsAffected()
}

func (s *Store) RecordEvent(ctx context.Context, event *identity.BillingEvent) error {
	res, err := s.db.NewInsert().
		Model(&BillingEventModel{
			EventID:        event.EventID,
			EventType:      event.EventType,
			UserID:         event.UserID,
			PriceID:        event.PriceID,
			SubscriptionID: event.SubscriptionID,
			Status:         event.Status,
			ReceivedAt:     event.ReceivedAt,
			AppliedAt:      event.AppliedAt,
		}).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return dbFailure(err, "failed to record billing event")
	}
	if !affected(res) {
		return identity.ErrConditionFailed
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (*identity.BillingEvent, error) {
	model := &BillingEventModel{}
	if err := s.db.NewSelect().Model(model).Where("event_id = ?", eventID).Limit(1).Scan(ctx); err != nil {
		return nil, notFoundOr(err, "failed to load billing event")
	}
	return model.toEvent(), nil
}

func (s *Store) MarkApplied(ctx context.Context, eventID string, at time.Time) error {
	res, err := s.db.NewUpdate().
		Model((*BillingEventModel)(nil)).
		Set("status = ?", identity.BillingEventApplied).
		Set("applied_at = ?", at).
		Where("event_id = ? AND status = ?", eventID, identity.BillingEventReceived).
		Exec(ctx)
	if err != nil {
		return dbFailure(err, "failed to mark billing event applied")
	}
	if !affected(res) {
		return s.missingOr(ctx, (*BillingEventModel)(nil), "event_id = ?", eventID)
	}
	return nil
}

// missingOr tells a missing row from a failed guard after a conditional
// statement touched nothing.
func (s *Store) missingOr(ctx context.Context, model any, where string, args ...any) error {
	exists, err := s.db.NewSelect().Model(model).Where(where, args...).Exists(ctx)
	if err != nil {
		return dbFailure(err, "failed to check item")
	}
	if !exists {
		return identity.ErrItemNotFound
	}
	return identity.ErrConditionFailed
}
