package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"electionportal/internal/models"
)

func (s *Store) GetTwoFactorCredential(ctx context.Context, userID string) (models.TwoFactorCredential, error) {
	var c models.TwoFactorCredential
	var enabled int
	var verifiedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id,secret_enc,enabled,created_at,verified_at FROM two_factor_credentials WHERE user_id=?`,
		userID,
	).Scan(&c.UserID, &c.SecretEnc, &enabled, &c.CreatedAt, &verifiedAt)
	if err == sql.ErrNoRows {
		return models.TwoFactorCredential{}, ErrNotFound
	}
	if err != nil {
		return models.TwoFactorCredential{}, err
	}
	c.Enabled = enabled == 1
	if verifiedAt.Valid {
		t := verifiedAt.Time
		c.VerifiedAt = &t
	}
	return c, nil
}

// EnableTwoFactor persists the credential and its backup codes atomically.
// Re-enabling replaces any previous credential and unconsumed codes.
func (s *Store) EnableTwoFactor(ctx context.Context, userID, secretEnc string, codeHashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id=?`, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO two_factor_credentials(user_id,secret_enc,enabled,created_at,verified_at) VALUES(?,?,1,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET secret_enc=excluded.secret_enc, enabled=1, verified_at=excluded.verified_at`,
		userID, secretEnc, now, now,
	); err != nil {
		return err
	}
	for _, h := range codeHashes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO backup_codes(id,user_id,code_hash,created_at) VALUES(?,?,?,?)`,
			uuid.NewString(), userID, h, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DisableTwoFactor destroys the credential and every backup code.
func (s *Store) DisableTwoFactor(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id=?`, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM two_factor_credentials WHERE user_id=?`, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// ConsumeBackupCode marks the matching unused code as used. The guarded
// UPDATE makes concurrent uses of the same code settle as one success.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID, codeHash string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE backup_codes SET used_at=? WHERE user_id=? AND code_hash=? AND used_at IS NULL`,
		now, userID, codeHash,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *Store) CountUnusedBackupCodes(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM backup_codes WHERE user_id=? AND used_at IS NULL`, userID,
	).Scan(&n)
	return n, err
}

func (s *Store) CreateStepUpGrant(ctx context.Context, g models.StepUpGrant) (models.StepUpGrant, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_up_grants(id,user_id,action_type,token_hash,created_at,expires_at) VALUES(?,?,?,?,?,?)`,
		g.ID, g.UserID, g.ActionType, g.TokenHash, g.CreatedAt, g.ExpiresAt,
	)
	return g, err
}

// GetLiveStepUpGrant returns the freshest non-expired grant for the exact
// (user, action type) pair. Grants for other action types never match.
func (s *Store) GetLiveStepUpGrant(ctx context.Context, userID, actionType string) (models.StepUpGrant, error) {
	var g models.StepUpGrant
	err := s.db.QueryRowContext(ctx,
		`SELECT id,user_id,action_type,token_hash,created_at,expires_at FROM step_up_grants
		 WHERE user_id=? AND action_type=? AND expires_at > ?
		 ORDER BY expires_at DESC LIMIT 1`,
		userID, actionType, time.Now().UTC(),
	).Scan(&g.ID, &g.UserID, &g.ActionType, &g.TokenHash, &g.CreatedAt, &g.ExpiresAt)
	if err == sql.ErrNoRows {
		return models.StepUpGrant{}, ErrNotFound
	}
	if err != nil {
		return models.StepUpGrant{}, err
	}
	return g, nil
}

// PurgeExpiredStepUpGrants is housekeeping only; expired grants are already
// inert on read.
func (s *Store) PurgeExpiredStepUpGrants(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM step_up_grants WHERE expires_at <= ?`, time.Now().UTC())
	return err
}
