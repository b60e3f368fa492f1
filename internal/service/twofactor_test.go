package service

import (
	"context"
	"testing"
	"time"

	"electionportal/internal/auth"
	"electionportal/internal/models"
	"electionportal/internal/store"
)

func enrollTwoFactor(t *testing.T, svc *Service, u models.User) TwoFactorSetup {
	t.Helper()
	ctx := context.Background()
	setup, err := svc.GenerateTwoFactorSetup(ctx, u)
	if err != nil {
		t.Fatalf("generate setup: %v", err)
	}
	code, err := auth.TOTPCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	if err := svc.EnableTwoFactor(ctx, u, setup.Secret, code, setup.BackupCodes); err != nil {
		t.Fatalf("enable two-factor: %v", err)
	}
	return setup
}

func TestEnableTwoFactorRequiresMatchingCode(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := seedApprovedVoter(t, st, "2024-20001", "tfa1@example.edu", "BSIT")

	setup, err := svc.GenerateTwoFactorSetup(ctx, u)
	if err != nil {
		t.Fatalf("generate setup: %v", err)
	}
	if len(setup.BackupCodes) != 10 {
		t.Fatalf("expected 10 backup codes, got %d", len(setup.BackupCodes))
	}
	if err := svc.EnableTwoFactor(ctx, u, setup.Secret, "000000", setup.BackupCodes); err != ErrInvalidCode {
		t.Fatalf("expected ErrInvalidCode for a wrong code, got %v", err)
	}
	if enabled, _ := svc.TwoFactorEnabled(ctx, u.ID); enabled {
		t.Fatal("two-factor must stay disabled after a failed enrollment")
	}

	enrollTwoFactor(t, svc, u)
	if enabled, _ := svc.TwoFactorEnabled(ctx, u.ID); !enabled {
		t.Fatal("two-factor should be enabled after enrollment")
	}
}

func TestVerifyTwoFactorCodeAcceptsTOTPAndRejectsGarbage(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := seedApprovedVoter(t, st, "2024-20002", "tfa2@example.edu", "BSIT")
	setup := enrollTwoFactor(t, svc, u)

	code, err := auth.TOTPCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	ok, err := svc.VerifyTwoFactorCode(ctx, u, code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected a live TOTP code to verify")
	}
	ok, err = svc.VerifyTwoFactorCode(ctx, u, "000000")
	if err != nil {
		t.Fatalf("verify wrong code: %v", err)
	}
	if ok {
		t.Fatal("expected a wrong code to fail")
	}
}

func TestBackupCodeIsConsumedOnce(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := seedApprovedVoter(t, st, "2024-20003", "tfa3@example.edu", "BSIT")
	setup := enrollTwoFactor(t, svc, u)

	backup := setup.BackupCodes[0]
	ok, err := svc.VerifyTwoFactorCode(ctx, u, backup)
	if err != nil {
		t.Fatalf("verify backup code: %v", err)
	}
	if !ok {
		t.Fatal("expected an unused backup code to verify")
	}
	ok, err = svc.VerifyTwoFactorCode(ctx, u, backup)
	if err != nil {
		t.Fatalf("verify consumed backup code: %v", err)
	}
	if ok {
		t.Fatal("a backup code must not verify twice")
	}

	remaining, err := svc.Store().CountUnusedBackupCodes(ctx, u.ID)
	if err != nil {
		t.Fatalf("count unused: %v", err)
	}
	if remaining != len(setup.BackupCodes)-1 {
		t.Fatalf("expected %d unused codes, got %d", len(setup.BackupCodes)-1, remaining)
	}
}

func TestDisableTwoFactorRequiresLiveCode(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := seedApprovedVoter(t, st, "2024-20004", "tfa4@example.edu", "BSIT")
	setup := enrollTwoFactor(t, svc, u)

	if err := svc.DisableTwoFactor(ctx, u, "000000"); err != ErrInvalidCode {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	code, err := auth.TOTPCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	if err := svc.DisableTwoFactor(ctx, u, code); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if enabled, _ := svc.TwoFactorEnabled(ctx, u.ID); enabled {
		t.Fatal("two-factor should be disabled")
	}
	if remaining, _ := svc.Store().CountUnusedBackupCodes(ctx, u.ID); remaining != 0 {
		t.Fatalf("expected backup codes to be purged, found %d", remaining)
	}
}

func TestVerifyStepUpScopesGrantToActionAndSession(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := seedApprovedVoter(t, st, "2024-20005", "stepup@example.edu", "BSIT")
	setup := enrollTwoFactor(t, svc, u)
	sess := models.Session{TokenHash: "session-a"}

	// No code yet: the broker reports that one is needed.
	ok, needsCode, err := svc.VerifyStepUp(ctx, u, sess, models.ActionApproveUser, "")
	if err != nil || ok || !needsCode {
		t.Fatalf("expected (false, true, nil) without a code, got (%v, %v, %v)", ok, needsCode, err)
	}

	code, err := auth.TOTPCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	ok, _, err = svc.VerifyStepUp(ctx, u, sess, models.ActionApproveUser, code)
	if err != nil || !ok {
		t.Fatalf("expected a valid code to mint a grant, got (%v, %v)", ok, err)
	}

	// The live grant lets a repeat call through with no code.
	ok, needsCode, err = svc.VerifyStepUp(ctx, u, sess, models.ActionApproveUser, "")
	if err != nil || !ok || needsCode {
		t.Fatalf("expected the live grant to satisfy the repeat call, got (%v, %v, %v)", ok, needsCode, err)
	}

	// The grant covers exactly one action type.
	ok, needsCode, err = svc.VerifyStepUp(ctx, u, sess, models.ActionDeleteElection, "")
	if err != nil || ok || !needsCode {
		t.Fatalf("expected the grant not to cover another action, got (%v, %v, %v)", ok, needsCode, err)
	}

	// And exactly one login session.
	otherSess := models.Session{TokenHash: "session-b"}
	ok, needsCode, err = svc.VerifyStepUp(ctx, u, otherSess, models.ActionApproveUser, "")
	if err != nil || ok || !needsCode {
		t.Fatalf("expected the grant not to cover another session, got (%v, %v, %v)", ok, needsCode, err)
	}

	// A wrong code is an explicit failure, not a silent prompt.
	if _, _, err := svc.VerifyStepUp(ctx, u, sess, models.ActionDeleteElection, "000000"); err != ErrInvalidCode {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
}

func TestVerifyStepUpExemptsUnenrolledUsers(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := seedApprovedVoter(t, st, "2024-20006", "noenroll@example.edu", "BSIT")
	sess := models.Session{TokenHash: "session-x"}

	// Without an enrolled second factor there is nothing to step up to;
	// the action proceeds and no grant is minted.
	ok, needsCode, err := svc.VerifyStepUp(ctx, u, sess, models.ActionApproveUser, "")
	if err != nil || !ok || needsCode {
		t.Fatalf("expected (true, false, nil) without enrollment, got (%v, %v, %v)", ok, needsCode, err)
	}
	if _, err := svc.Store().GetLiveStepUpGrant(ctx, u.ID, models.ActionApproveUser); err != store.ErrNotFound {
		t.Fatalf("expected no grant for an exempt user, got %v", err)
	}
}

func TestExpiredStepUpGrantIsInert(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := seedApprovedVoter(t, st, "2024-20007", "expiry@example.edu", "BSIT")
	enrollTwoFactor(t, svc, u)
	sess := models.Session{TokenHash: "session-e"}

	if _, err := svc.Store().CreateStepUpGrant(ctx, models.StepUpGrant{
		UserID:     u.ID,
		ActionType: models.ActionApproveUser,
		TokenHash:  sess.TokenHash,
		ExpiresAt:  time.Now().UTC().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("create expired grant: %v", err)
	}

	ok, needsCode, err := svc.VerifyStepUp(ctx, u, sess, models.ActionApproveUser, "")
	if err != nil || ok || !needsCode {
		t.Fatalf("expected an expired grant to be inert, got (%v, %v, %v)", ok, needsCode, err)
	}

	if err := svc.PurgeExpiredStepUpGrants(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := svc.Store().GetLiveStepUpGrant(ctx, u.ID, models.ActionApproveUser); err != store.ErrNotFound {
		t.Fatalf("expected no live grant after purge, got %v", err)
	}
}
