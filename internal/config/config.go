package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string

	DBPath            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	SessionCookieName   string
	SessionIdleMinutes  int
	SessionAbsoluteHour int
	CSRFCookieName      string
	CookieSecure        bool
	TrustProxy          bool
	CORSAllowedOrigins  []string

	SecretEncryptKey string

	VotingSessionMinutes int
	StepUpGrantMinutes   int

	TOTPIssuer      string
	BackupCodeCount int

	PasswordMinLength int
	PasswordMaxLength int

	RegistryDBDriver     string
	RegistryDBDSN        string
	RegistryTable        string
	RegistryStudentCol   string
	RegistryCourseCol    string
	RegistryEnrolledCol  string

	SMTPHost string
	SMTPPort int

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int

	BootstrapAdminEmail    string
	BootstrapAdminPassword string

	NotifySender string
	NotifyFrom   string
}

func Load() (Config, error) {
	// A missing .env is fine; env vars win either way.
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		DBPath:                   env("APP_DB_PATH", "./data/portal.db"),
		DBMaxOpenConns:           envInt("APP_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("APP_DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("APP_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		SessionCookieName:        env("SESSION_COOKIE_NAME", "portal_session"),
		SessionIdleMinutes:       envInt("SESSION_IDLE_MINUTES", 30),
		SessionAbsoluteHour:      envInt("SESSION_ABSOLUTE_HOURS", 12),
		CSRFCookieName:           env("CSRF_COOKIE_NAME", "portal_csrf"),
		CookieSecure:             envBool("COOKIE_SECURE", false),
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		SecretEncryptKey:         env("SECRET_ENCRYPT_KEY", "CHANGE_ME_PRODUCTION_SECRET_KEY"),
		VotingSessionMinutes:     envInt("VOTING_SESSION_MINUTES", 30),
		StepUpGrantMinutes:       envInt("STEP_UP_GRANT_MINUTES", 10),
		TOTPIssuer:               env("TOTP_ISSUER", "Student Election Portal"),
		BackupCodeCount:          envInt("BACKUP_CODE_COUNT", 10),
		PasswordMinLength:        envInt("PASSWORD_MIN_LENGTH", 12),
		PasswordMaxLength:        envInt("PASSWORD_MAX_LENGTH", 128),
		RegistryDBDriver:         env("REGISTRY_DB_DRIVER", ""),
		RegistryDBDSN:            env("REGISTRY_DB_DSN", ""),
		RegistryTable:            env("REGISTRY_TABLE", "students"),
		RegistryStudentCol:       env("REGISTRY_STUDENT_COL", "student_number"),
		RegistryCourseCol:        env("REGISTRY_COURSE_COL", "course"),
		RegistryEnrolledCol:      env("REGISTRY_ENROLLED_COL", "enrolled"),
		SMTPHost:                 env("SMTP_HOST", "127.0.0.1"),
		SMTPPort:                 envInt("SMTP_PORT", 587),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
		BootstrapAdminEmail:      env("BOOTSTRAP_ADMIN_EMAIL", ""),
		BootstrapAdminPassword:   env("BOOTSTRAP_ADMIN_PASSWORD", ""),
		NotifySender:             strings.ToLower(env("NOTIFY_SENDER", "log")),
		NotifyFrom:               env("NOTIFY_FROM", "elections@example.edu"),
	}

	if cfg.SessionIdleMinutes <= 0 || cfg.SessionAbsoluteHour <= 0 {
		return Config{}, fmt.Errorf("session timeouts must be positive")
	}
	if cfg.VotingSessionMinutes <= 0 || cfg.StepUpGrantMinutes <= 0 {
		return Config{}, fmt.Errorf("voting session and step-up TTLs must be positive")
	}
	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	if cfg.PasswordMinLength < 8 {
		return Config{}, fmt.Errorf("password min length must be >= 8")
	}
	if cfg.PasswordMaxLength < cfg.PasswordMinLength {
		return Config{}, fmt.Errorf("password max length must be >= min length")
	}
	if cfg.BackupCodeCount < 8 || cfg.BackupCodeCount > 10 {
		return Config{}, fmt.Errorf("BACKUP_CODE_COUNT must be between 8 and 10")
	}
	if strings.TrimSpace(cfg.SecretEncryptKey) == "" ||
		cfg.SecretEncryptKey == "CHANGE_ME_PRODUCTION_SECRET_KEY" ||
		len(cfg.SecretEncryptKey) < 24 {
		return Config{}, fmt.Errorf("SECRET_ENCRYPT_KEY must be set to a strong non-default value (>=24 chars)")
	}
	if !cfg.CookieSecure && !isLocalListen(cfg.ListenAddr) {
		return Config{}, fmt.Errorf("COOKIE_SECURE=false is allowed only for local listen addresses")
	}
	switch cfg.RegistryDBDriver {
	case "", "mysql", "pgx":
	default:
		return Config{}, fmt.Errorf("REGISTRY_DB_DRIVER must be one of: mysql, pgx")
	}
	return cfg, nil
}

func (c Config) SessionIdleDuration() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

func (c Config) SessionAbsoluteDuration() time.Duration {
	return time.Duration(c.SessionAbsoluteHour) * time.Hour
}

func (c Config) VotingSessionTTL() time.Duration {
	return time.Duration(c.VotingSessionMinutes) * time.Minute
}

func (c Config) StepUpGrantTTL() time.Duration {
	return time.Duration(c.StepUpGrantMinutes) * time.Minute
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isLocalListen(addr string) bool {
	a := strings.ToLower(strings.TrimSpace(addr))
	return strings.Contains(a, "127.0.0.1") || strings.Contains(a, "localhost") || strings.Contains(a, "[::1]") || strings.HasPrefix(a, ":")
}
