package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	netmail "net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"electionportal/internal/auth"
	"electionportal/internal/config"
	"electionportal/internal/models"
	"electionportal/internal/notify"
	"electionportal/internal/registry"
	"electionportal/internal/store"
	"electionportal/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPendingApproval    = errors.New("pending approval")
	ErrSuspended          = errors.New("account suspended")
	ErrForbidden          = errors.New("forbidden")

	// Voting taxonomy. Eligibility errors are surfaced verbatim,
	// integrity errors map to a generic "restart voting" message.
	ErrAlreadyVoted      = errors.New("already voted")
	ErrNotEligible       = errors.New("not eligible")
	ErrElectionNotActive = errors.New("election not active")
	ErrInvalidSession    = errors.New("invalid voting session")
	ErrInvalidSelection  = errors.New("invalid selection")
	ErrBallotFrozen      = errors.New("ballot frozen")

	ErrTwoFactorRequired = errors.New("two-factor code required")
	ErrInvalidCode       = errors.New("invalid two-factor code")
)

var studentNumberRx = regexp.MustCompile(`^[0-9]{4}-[0-9]{4,6}$`)

type Service struct {
	cfg        config.Config
	st         *store.Store
	dir        registry.Directory
	sender     notify.Sender
	encryptKey []byte
}

func New(cfg config.Config, st *store.Store, dir registry.Directory, sender notify.Sender) *Service {
	if dir == nil {
		dir = registry.NoopDirectory{}
	}
	if sender == nil {
		sender = notify.LogSender{}
	}
	return &Service{cfg: cfg, st: st, dir: dir, sender: sender, encryptKey: util.Derive32ByteKey(cfg.SecretEncryptKey)}
}

func (s *Service) Store() *store.Store { return s.st }

func (s *Service) Registry() registry.Directory { return s.dir }

func hashUA(ua string) string {
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:])
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type RegisterRequest struct {
	StudentNumber string
	Email         string
	Password      string
	FullName      string
	Course        string
	YearLevel     int
}

func (s *Service) Register(ctx context.Context, req RegisterRequest, ip, userAgent string) error {
	req.StudentNumber = strings.ToUpper(strings.TrimSpace(req.StudentNumber))
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Course = strings.TrimSpace(req.Course)

	if !studentNumberRx.MatchString(req.StudentNumber) {
		return errors.New("student number must look like 2021-00123")
	}
	if _, err := netmail.ParseAddress(req.Email); err != nil {
		return errors.New("invalid email address")
	}
	if strings.TrimSpace(req.FullName) == "" || req.Course == "" {
		return errors.New("full name and course are required")
	}
	if req.YearLevel < 1 || req.YearLevel > 6 {
		return errors.New("year level must be between 1 and 6")
	}
	if err := s.ValidatePassword(req.Password); err != nil {
		return err
	}

	registryOK := false
	if rec, found, err := s.dir.Lookup(ctx, req.StudentNumber); err == nil && found {
		registryOK = rec.Enrolled && strings.EqualFold(rec.Course, req.Course)
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return err
	}
	u, err := s.st.CreateUser(ctx, models.User{
		StudentNumber: req.StudentNumber,
		Email:         req.Email,
		PasswordHash:  hash,
		FullName:      strings.TrimSpace(req.FullName),
		Course:        req.Course,
		YearLevel:     req.YearLevel,
		Role:          models.RoleVoter,
		Status:        models.UserPending,
	})
	if err == store.ErrConflict {
		return fmt.Errorf("student number or email already registered: %w", err)
	}
	if err != nil {
		return err
	}
	_, err = s.st.CreateRegistration(ctx, models.Registration{
		UserID:        u.ID,
		StudentNumber: u.StudentNumber,
		Email:         u.Email,
		Course:        u.Course,
		YearLevel:     u.YearLevel,
		SourceIP:      ip,
		UserAgentHash: hashUA(userAgent),
		RegistryOK:    registryOK,
	})
	return err
}

// Login authenticates by student number or email. When the account has
// two-factor enabled the code is mandatory: a missing code yields
// ErrTwoFactorRequired so the client can re-prompt.
func (s *Service) Login(ctx context.Context, login, password, twoFactorCode, ip, userAgent string) (rawToken string, user models.User, err error) {
	login = strings.TrimSpace(login)
	u, lookupErr := s.st.GetUserByStudentNumber(ctx, strings.ToUpper(login))
	if lookupErr != nil {
		u, lookupErr = s.st.GetUserByEmail(ctx, strings.ToLower(login))
	}
	if lookupErr != nil {
		return "", models.User{}, ErrInvalidCredentials
	}
	if !auth.VerifyPassword(u.PasswordHash, password) {
		return "", models.User{}, ErrInvalidCredentials
	}
	switch u.Status {
	case models.UserPending:
		return "", models.User{}, ErrPendingApproval
	case models.UserSuspended:
		return "", models.User{}, ErrSuspended
	case models.UserRejected:
		return "", models.User{}, ErrForbidden
	}
	if u.Status != models.UserApproved {
		return "", models.User{}, ErrForbidden
	}

	enabled, err := s.TwoFactorEnabled(ctx, u.ID)
	if err != nil {
		return "", models.User{}, err
	}
	if enabled {
		if strings.TrimSpace(twoFactorCode) == "" {
			return "", models.User{}, ErrTwoFactorRequired
		}
		ok, err := s.VerifyTwoFactorCode(ctx, u, twoFactorCode)
		if err != nil {
			return "", models.User{}, err
		}
		if !ok {
			return "", models.User{}, ErrInvalidCode
		}
	}

	raw, tokenHash, err := auth.NewOpaqueToken()
	if err != nil {
		return "", models.User{}, err
	}
	now := time.Now().UTC()
	sess := models.Session{
		ID:            uuid.NewString(),
		UserID:        u.ID,
		TokenHash:     tokenHash,
		IPHint:        ip,
		UserAgentHash: hashUA(userAgent),
		ExpiresAt:     now.Add(s.cfg.SessionAbsoluteDuration()),
		IdleExpiresAt: now.Add(s.cfg.SessionIdleDuration()),
		CreatedAt:     now,
		LastSeenAt:    now,
	}
	if err := s.st.CreateSession(ctx, sess); err != nil {
		return "", models.User{}, err
	}
	_ = s.st.TouchUserLastLogin(ctx, u.ID, now)
	_ = s.st.InsertAudit(ctx, u.ID, "auth.login", u.ID, `{}`)
	return raw, u, nil
}

func (s *Service) ValidateSession(ctx context.Context, rawToken string) (models.User, models.Session, error) {
	sess, err := s.st.GetSessionByTokenHash(ctx, hashToken(rawToken))
	if err != nil {
		return models.User{}, models.Session{}, ErrInvalidCredentials
	}
	now := time.Now().UTC()
	if sess.RevokedAt != nil || now.After(sess.ExpiresAt) || now.After(sess.IdleExpiresAt) {
		return models.User{}, models.Session{}, ErrInvalidCredentials
	}
	_ = s.st.TouchSession(ctx, sess.ID, now.Add(s.cfg.SessionIdleDuration()))

	u, err := s.st.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return models.User{}, models.Session{}, ErrInvalidCredentials
	}
	if u.Status != models.UserApproved {
		return models.User{}, models.Session{}, ErrForbidden
	}
	return u, sess, nil
}

func (s *Service) Logout(ctx context.Context, rawToken string) error {
	sess, err := s.st.GetSessionByTokenHash(ctx, hashToken(rawToken))
	if err != nil {
		return nil
	}
	return s.st.RevokeSession(ctx, sess.ID)
}

func (s *Service) ListRegistrations(ctx context.Context, q models.RegistrationQuery) ([]models.Registration, error) {
	return s.st.ListRegistrations(ctx, q)
}

func (s *Service) ApproveRegistration(ctx context.Context, actorID, regID string) error {
	r, err := s.st.GetRegistrationByID(ctx, regID)
	if err != nil {
		return err
	}
	if r.Status != "pending" {
		return store.ErrConflict
	}
	if err := s.st.SetRegistrationDecision(ctx, regID, "approved", actorID, ""); err != nil {
		return err
	}
	if err := s.st.UpdateUserStatus(ctx, r.UserID, models.UserApproved, &actorID); err != nil {
		return err
	}
	_ = s.sender.SendRegistrationDecision(ctx, r.Email, "approved", "")
	meta, _ := json.Marshal(map[string]string{"registration_id": regID, "user_id": r.UserID})
	return s.st.InsertAudit(ctx, actorID, "registration.approve", r.UserID, string(meta))
}

func (s *Service) RejectRegistration(ctx context.Context, actorID, regID, reason string) error {
	r, err := s.st.GetRegistrationByID(ctx, regID)
	if err != nil {
		return err
	}
	if err := s.st.SetRegistrationDecision(ctx, regID, "rejected", actorID, reason); err != nil {
		return err
	}
	if err := s.st.UpdateUserStatus(ctx, r.UserID, models.UserRejected, nil); err != nil {
		return err
	}
	_ = s.sender.SendRegistrationDecision(ctx, r.Email, "rejected", reason)
	meta, _ := json.Marshal(map[string]string{"registration_id": regID, "user_id": r.UserID, "reason": reason})
	return s.st.InsertAudit(ctx, actorID, "registration.reject", r.UserID, string(meta))
}

func (s *Service) SuspendUser(ctx context.Context, actorID, userID string) error {
	if _, err := s.st.GetUserByID(ctx, userID); err != nil {
		return err
	}
	if err := s.st.UpdateUserStatus(ctx, userID, models.UserSuspended, nil); err != nil {
		return err
	}
	if err := s.st.RevokeUserSessions(ctx, userID); err != nil {
		return err
	}
	return s.st.InsertAudit(ctx, actorID, "user.suspend", userID, `{}`)
}

func (s *Service) UnsuspendUser(ctx context.Context, actorID, userID string) error {
	if _, err := s.st.GetUserByID(ctx, userID); err != nil {
		return err
	}
	if err := s.st.UpdateUserStatus(ctx, userID, models.UserApproved, &actorID); err != nil {
		return err
	}
	return s.st.InsertAudit(ctx, actorID, "user.unsuspend", userID, `{}`)
}

func (s *Service) UpdateUserRole(ctx context.Context, actorID, userID, role string) error {
	switch role {
	case models.RoleVoter, models.RoleStaff, models.RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	if actorID == userID {
		return errors.New("cannot change your own role")
	}
	u, err := s.st.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.st.UpdateUserRole(ctx, userID, role); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]string{"from": u.Role, "to": role})
	return s.st.InsertAudit(ctx, actorID, "user.role_change", userID, string(meta))
}

func (s *Service) ListUsers(ctx context.Context, q models.UserQuery) ([]models.User, error) {
	return s.st.ListUsers(ctx, q)
}

func (s *Service) ListAudit(ctx context.Context, q models.AuditQuery) ([]models.AuditEntry, error) {
	return s.st.ListAudit(ctx, q)
}

func (s *Service) ValidatePassword(pw string) error {
	pw = strings.TrimSpace(pw)
	if pw == "" {
		return errors.New("password is required")
	}
	if len(pw) < s.cfg.PasswordMinLength {
		return fmt.Errorf("password must be at least %d characters", s.cfg.PasswordMinLength)
	}
	if len(pw) > s.cfg.PasswordMaxLength {
		return fmt.Errorf("password must be at most %d characters", s.cfg.PasswordMaxLength)
	}
	classes := 0
	if strings.IndexFunc(pw, func(r rune) bool { return r >= 'a' && r <= 'z' }) >= 0 {
		classes++
	}
	if strings.IndexFunc(pw, func(r rune) bool { return r >= 'A' && r <= 'Z' }) >= 0 {
		classes++
	}
	if strings.IndexFunc(pw, func(r rune) bool { return r >= '0' && r <= '9' }) >= 0 {
		classes++
	}
	if strings.IndexFunc(pw, func(r rune) bool {
		return (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126)
	}) >= 0 {
		classes++
	}
	if classes < 3 {
		return errors.New("password must include at least 3 character classes (lower/upper/number/symbol)")
	}
	return nil
}
