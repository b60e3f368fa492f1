package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"electionportal/internal/models"
)

var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("conflict")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateUser(ctx context.Context, u models.User) (models.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id,student_number,email,password_hash,full_name,course,year_level,role,status,created_at) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.StudentNumber, u.Email, u.PasswordHash, u.FullName, u.Course, u.YearLevel, u.Role, u.Status, u.CreatedAt,
	)
	if err != nil && isUniqueErr(err) {
		return models.User{}, ErrConflict
	}
	return u, err
}

func (s *Store) EnsureAdmin(ctx context.Context, email, passwordHash string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || passwordHash == "" {
		return nil
	}
	u, err := s.GetUserByEmail(ctx, email)
	if err == ErrNotFound {
		now := time.Now().UTC()
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO users(id,student_number,email,password_hash,full_name,course,year_level,role,status,created_at,approved_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
			uuid.NewString(), "ADMIN-"+uuid.NewString()[:8], email, passwordHash, "Portal Administrator", "", 0, models.RoleAdmin, models.UserApproved, now, now,
		)
		return err
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET role='admin', status='approved', password_hash=? WHERE id=?`,
		passwordHash, u.ID,
	)
	return err
}

func (s *Store) CountAdmins(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE role='admin'`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

const userCols = `id,student_number,email,password_hash,full_name,course,year_level,role,status,created_at,approved_at,approved_by,last_login_at`

func (s *Store) scanUser(row *sql.Row) (models.User, error) {
	var u models.User
	var approvedAt, lastLogin sql.NullTime
	var approvedBy sql.NullString
	err := row.Scan(&u.ID, &u.StudentNumber, &u.Email, &u.PasswordHash, &u.FullName, &u.Course, &u.YearLevel, &u.Role, &u.Status, &u.CreatedAt, &approvedAt, &approvedBy, &lastLogin)
	if err == sql.ErrNoRows {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		u.ApprovedAt = &t
	}
	if approvedBy.Valid {
		v := approvedBy.String
		u.ApprovedBy = &v
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email=?`, email))
}

func (s *Store) GetUserByStudentNumber(ctx context.Context, studentNumber string) (models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE student_number=?`, studentNumber))
}

func (s *Store) GetUserByID(ctx context.Context, id string) (models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id))
}

func (s *Store) UpdateUserStatus(ctx context.Context, userID string, status models.UserStatus, approver *string) error {
	now := time.Now().UTC()
	if status == models.UserApproved && approver != nil {
		_, err := s.db.ExecContext(ctx,
			`UPDATE users SET status=?, approved_at=?, approved_by=? WHERE id=?`,
			status, now, *approver, userID,
		)
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE users SET status=? WHERE id=?`, status, userID)
	return err
}

func (s *Store) UpdateUserRole(ctx context.Context, userID, role string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET role=? WHERE id=?`, role, userID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) TouchUserLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at=? WHERE id=?`, at, userID)
	return err
}

func (s *Store) ListUsers(ctx context.Context, q models.UserQuery) ([]models.User, error) {
	query := `SELECT ` + userCols + ` FROM users WHERE 1=1`
	args := []any{}
	if q.Status != "" {
		query += ` AND status=?`
		args = append(args, q.Status)
	}
	if q.Role != "" {
		query += ` AND role=?`
		args = append(args, q.Role)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var u models.User
		var approvedAt, lastLogin sql.NullTime
		var approvedBy sql.NullString
		if err := rows.Scan(&u.ID, &u.StudentNumber, &u.Email, &u.PasswordHash, &u.FullName, &u.Course, &u.YearLevel, &u.Role, &u.Status, &u.CreatedAt, &approvedAt, &approvedBy, &lastLogin); err != nil {
			return nil, err
		}
		if approvedAt.Valid {
			t := approvedAt.Time
			u.ApprovedAt = &t
		}
		if approvedBy.Valid {
			v := approvedBy.String
			u.ApprovedBy = &v
		}
		if lastLogin.Valid {
			t := lastLogin.Time
			u.LastLoginAt = &t
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) CreateRegistration(ctx context.Context, r models.Registration) (models.Registration, error) {
	r.ID = uuid.NewString()
	r.Status = "pending"
	r.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO registrations(id,user_id,student_number,email,course,year_level,source_ip,user_agent_hash,registry_ok,status,created_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.UserID, r.StudentNumber, r.Email, r.Course, r.YearLevel, r.SourceIP, r.UserAgentHash, boolToInt(r.RegistryOK), r.Status, r.CreatedAt,
	)
	return r, err
}

func (s *Store) GetRegistrationByID(ctx context.Context, id string) (models.Registration, error) {
	var r models.Registration
	var regOK int
	var decidedAt sql.NullTime
	var decidedBy, reason sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id,user_id,student_number,email,course,year_level,source_ip,user_agent_hash,registry_ok,status,created_at,decided_at,decided_by,reason FROM registrations WHERE id=?`,
		id,
	).Scan(&r.ID, &r.UserID, &r.StudentNumber, &r.Email, &r.Course, &r.YearLevel, &r.SourceIP, &r.UserAgentHash, &regOK, &r.Status, &r.CreatedAt, &decidedAt, &decidedBy, &reason)
	if err == sql.ErrNoRows {
		return models.Registration{}, ErrNotFound
	}
	if err != nil {
		return models.Registration{}, err
	}
	r.RegistryOK = regOK == 1
	if decidedAt.Valid {
		t := decidedAt.Time
		r.DecidedAt = &t
	}
	if decidedBy.Valid {
		v := decidedBy.String
		r.DecidedBy = &v
	}
	if reason.Valid {
		v := reason.String
		r.Reason = &v
	}
	return r, nil
}

func (s *Store) ListRegistrations(ctx context.Context, q models.RegistrationQuery) ([]models.Registration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,user_id,student_number,email,course,year_level,source_ip,user_agent_hash,registry_ok,status,created_at,decided_at,decided_by,reason FROM registrations WHERE status=? ORDER BY created_at ASC LIMIT ? OFFSET ?`,
		q.Status, q.Limit, q.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Registration
	for rows.Next() {
		var r models.Registration
		var regOK int
		var decidedAt sql.NullTime
		var decidedBy, reason sql.NullString
		if err := rows.Scan(&r.ID, &r.UserID, &r.StudentNumber, &r.Email, &r.Course, &r.YearLevel, &r.SourceIP, &r.UserAgentHash, &regOK, &r.Status, &r.CreatedAt, &decidedAt, &decidedBy, &reason); err != nil {
			return nil, err
		}
		r.RegistryOK = regOK == 1
		if decidedAt.Valid {
			t := decidedAt.Time
			r.DecidedAt = &t
		}
		if decidedBy.Valid {
			v := decidedBy.String
			r.DecidedBy = &v
		}
		if reason.Valid {
			v := reason.String
			r.Reason = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRegistrationDecision flips a pending registration exactly once; a
// second decision observes zero affected rows and reports ErrConflict.
func (s *Store) SetRegistrationDecision(ctx context.Context, regID, status, decidedBy, reason string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE registrations SET status=?,decided_at=?,decided_by=?,reason=? WHERE id=? AND status='pending'`,
		status, now, decidedBy, reason, regID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id,user_id,token_hash,ip_hint,user_agent_hash,expires_at,idle_expires_at,created_at,last_seen_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.IPHint, sess.UserAgentHash, sess.ExpiresAt, sess.IdleExpiresAt, sess.CreatedAt, sess.LastSeenAt,
	)
	return err
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (models.Session, error) {
	var sess models.Session
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id,user_id,token_hash,ip_hint,user_agent_hash,expires_at,idle_expires_at,created_at,last_seen_at,revoked_at FROM sessions WHERE token_hash=?`,
		tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.IPHint, &sess.UserAgentHash, &sess.ExpiresAt, &sess.IdleExpiresAt, &sess.CreatedAt, &sess.LastSeenAt, &revoked)
	if err == sql.ErrNoRows {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	if revoked.Valid {
		t := revoked.Time
		sess.RevokedAt = &t
	}
	return sess, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, idleExpiry time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at=?, idle_expires_at=? WHERE id=?`, now, idleExpiry, id)
	return err
}

func (s *Store) RevokeSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at=? WHERE id=?`, now, id)
	return err
}

func (s *Store) RevokeUserSessions(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at=? WHERE user_id=? AND revoked_at IS NULL`, now, userID)
	return err
}

func (s *Store) InsertAudit(ctx context.Context, actorID, action, target, metadata string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(id,actor_user_id,action,target,metadata_json,created_at) VALUES(?,?,?,?,?,?)`,
		uuid.NewString(), actorID, action, target, metadata, time.Now().UTC(),
	)
	return err
}

func (s *Store) ListAudit(ctx context.Context, q models.AuditQuery) ([]models.AuditEntry, error) {
	query := `SELECT id,actor_user_id,action,target,metadata_json,created_at FROM audit_log WHERE 1=1`
	args := []any{}
	if q.Action != "" {
		query += ` AND action=?`
		args = append(args, q.Action)
	}
	if q.Actor != "" {
		query += ` AND actor_user_id=?`
		args = append(args, q.Actor)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.AuditEntry, 0, q.Limit)
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.ActorUserID, &e.Action, &e.Target, &e.MetadataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func isUniqueErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
