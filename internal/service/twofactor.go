package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"electionportal/internal/auth"
	"electionportal/internal/models"
	"electionportal/internal/store"
	"electionportal/internal/util"
)

type TwoFactorSetup struct {
	Secret      string   `json:"secret"`
	QRPayload   string   `json:"qr_payload"`
	BackupCodes []string `json:"backup_codes"`
}

// GenerateTwoFactorSetup produces a fresh secret and backup codes for the
// enrollment screen. Nothing is persisted until EnableTwoFactor confirms
// the voter's authenticator actually holds the secret.
func (s *Service) GenerateTwoFactorSetup(ctx context.Context, u models.User) (TwoFactorSetup, error) {
	secret, err := auth.NewTOTPSecret()
	if err != nil {
		return TwoFactorSetup{}, err
	}
	codes, err := auth.NewBackupCodes(s.cfg.BackupCodeCount)
	if err != nil {
		return TwoFactorSetup{}, err
	}
	return TwoFactorSetup{
		Secret:      secret,
		QRPayload:   auth.QRPayload(s.cfg.TOTPIssuer, u.StudentNumber, secret),
		BackupCodes: codes,
	}, nil
}

// EnableTwoFactor verifies one live code against the submitted secret and
// only then stores it, encrypted, alongside the hashed backup codes. The
// raw codes from setup are never seen again.
func (s *Service) EnableTwoFactor(ctx context.Context, u models.User, secret, code string, backupCodes []string) error {
	if !auth.VerifyTOTP(secret, code, time.Now()) {
		return ErrInvalidCode
	}
	if len(backupCodes) != s.cfg.BackupCodeCount {
		return ErrInvalidCode
	}
	secretEnc, err := util.EncryptString(s.encryptKey, secret)
	if err != nil {
		return err
	}
	hashes := make([]string, 0, len(backupCodes))
	for _, c := range backupCodes {
		if !auth.LooksLikeBackupCode(c) {
			return ErrInvalidCode
		}
		hashes = append(hashes, hashBackupCode(c))
	}
	if err := s.st.EnableTwoFactor(ctx, u.ID, secretEnc, hashes); err != nil {
		return err
	}
	return s.st.InsertAudit(ctx, u.ID, "2fa.enable", u.ID, "{}")
}

// DisableTwoFactor requires a live code so a hijacked session cannot strip
// the account's second factor unchallenged.
func (s *Service) DisableTwoFactor(ctx context.Context, u models.User, code string) error {
	ok, err := s.VerifyTwoFactorCode(ctx, u, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCode
	}
	if err := s.st.DisableTwoFactor(ctx, u.ID); err != nil {
		return err
	}
	return s.st.InsertAudit(ctx, u.ID, "2fa.disable", u.ID, "{}")
}

func (s *Service) TwoFactorEnabled(ctx context.Context, userID string) (bool, error) {
	cred, err := s.st.GetTwoFactorCredential(ctx, userID)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cred.Enabled, nil
}

// VerifyTwoFactorCode accepts either a TOTP code or a one-time backup code.
// A backup code is consumed permanently on first use and triggers a mail
// alert with the remaining count.
func (s *Service) VerifyTwoFactorCode(ctx context.Context, u models.User, code string) (bool, error) {
	cred, err := s.st.GetTwoFactorCredential(ctx, u.ID)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !cred.Enabled {
		return false, nil
	}

	if auth.LooksLikeBackupCode(code) {
		used, err := s.st.ConsumeBackupCode(ctx, u.ID, hashBackupCode(code))
		if err != nil {
			return false, err
		}
		if !used {
			return false, nil
		}
		remaining, _ := s.st.CountUnusedBackupCodes(ctx, u.ID)
		_ = s.sender.SendBackupCodeAlert(ctx, u.Email, remaining)
		meta, _ := json.Marshal(map[string]int{"remaining": remaining})
		_ = s.st.InsertAudit(ctx, u.ID, "2fa.backup_code_used", u.ID, string(meta))
		return true, nil
	}

	secret, err := util.DecryptString(s.encryptKey, cred.SecretEnc)
	if err != nil {
		return false, err
	}
	return auth.VerifyTOTP(secret, code, time.Now()), nil
}

// VerifyStepUp gates a sensitive action on a fresh second-factor proof.
// A passing code mints a short-lived grant scoped to this user, this login
// session, and this one action type. Users without an enrolled second
// factor pass immediately. needsCode reports whether the caller must still
// supply a code.
func (s *Service) VerifyStepUp(ctx context.Context, u models.User, sess models.Session, actionType, code string) (ok bool, needsCode bool, err error) {
	enabled, err := s.TwoFactorEnabled(ctx, u.ID)
	if err != nil {
		return false, false, err
	}
	if !enabled {
		// No enrolled second factor means no step-up to satisfy; the
		// action proceeds on the login session alone.
		return true, false, nil
	}

	g, err := s.st.GetLiveStepUpGrant(ctx, u.ID, actionType)
	if err == nil && g.TokenHash == sess.TokenHash {
		return true, false, nil
	}
	if err != nil && err != store.ErrNotFound {
		return false, false, err
	}

	if code == "" {
		return false, true, nil
	}
	passed, err := s.VerifyTwoFactorCode(ctx, u, code)
	if err != nil {
		return false, false, err
	}
	if !passed {
		return false, true, ErrInvalidCode
	}

	_, err = s.st.CreateStepUpGrant(ctx, models.StepUpGrant{
		UserID:     u.ID,
		ActionType: actionType,
		TokenHash:  sess.TokenHash,
		ExpiresAt:  time.Now().UTC().Add(s.cfg.StepUpGrantTTL()),
	})
	if err != nil {
		return false, false, err
	}
	meta, _ := json.Marshal(map[string]string{"action_type": actionType})
	_ = s.st.InsertAudit(ctx, u.ID, "stepup.grant", u.ID, string(meta))
	return true, false, nil
}

func (s *Service) PurgeExpiredStepUpGrants(ctx context.Context) error {
	return s.st.PurgeExpiredStepUpGrants(ctx)
}

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(auth.NormalizeBackupCode(code)))
	return hex.EncodeToString(sum[:])
}
