package config

import "testing"

func TestLoadRejectsDefaultSecretKey(t *testing.T) {
	t.Setenv("SECRET_ENCRYPT_KEY", "CHANGE_ME_PRODUCTION_SECRET_KEY")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected Load to fail with default secret key")
	}
}

func TestLoadPasswordBounds(t *testing.T) {
	t.Setenv("SECRET_ENCRYPT_KEY", "this_is_a_valid_long_secret_encrypt_key_123456")
	t.Setenv("PASSWORD_MIN_LENGTH", "16")
	t.Setenv("PASSWORD_MAX_LENGTH", "12")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected Load to fail for invalid password bounds")
	}
}

func TestLoadRejectsInvalidRegistryDriver(t *testing.T) {
	t.Setenv("SECRET_ENCRYPT_KEY", "this_is_a_valid_long_secret_encrypt_key_123456")
	t.Setenv("REGISTRY_DB_DRIVER", "oracle")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected Load to fail for invalid REGISTRY_DB_DRIVER")
	}
}

func TestLoadBackupCodeBounds(t *testing.T) {
	t.Setenv("SECRET_ENCRYPT_KEY", "this_is_a_valid_long_secret_encrypt_key_123456")
	t.Setenv("BACKUP_CODE_COUNT", "3")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected Load to fail for out-of-range BACKUP_CODE_COUNT")
	}
}

func TestTTLHelpers(t *testing.T) {
	t.Setenv("SECRET_ENCRYPT_KEY", "this_is_a_valid_long_secret_encrypt_key_123456")
	t.Setenv("VOTING_SESSION_MINUTES", "45")
	t.Setenv("STEP_UP_GRANT_MINUTES", "5")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VotingSessionTTL().Minutes() != 45 {
		t.Fatalf("voting session TTL mismatch: %v", cfg.VotingSessionTTL())
	}
	if cfg.StepUpGrantTTL().Minutes() != 5 {
		t.Fatalf("step-up TTL mismatch: %v", cfg.StepUpGrantTTL())
	}
}
