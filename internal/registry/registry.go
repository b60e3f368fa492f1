package registry

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"electionportal/internal/config"
)

var identRx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Record is what the registrar knows about a student number.
type Record struct {
	StudentNumber string
	Course        string
	Enrolled      bool
}

// Directory answers "is this a real, enrolled student of that course".
// Registrations are flagged, not blocked, when the answer is no: the
// admin reviewing the registration makes the final call.
type Directory interface {
	Lookup(ctx context.Context, studentNumber string) (Record, bool, error)
	Ping(ctx context.Context) error
}

// NoopDirectory is used when no registrar database is configured; every
// lookup reports "unknown" and registrations rely on admin review alone.
type NoopDirectory struct{}

func (NoopDirectory) Lookup(ctx context.Context, studentNumber string) (Record, bool, error) {
	return Record{}, false, nil
}

func (NoopDirectory) Ping(ctx context.Context) error { return nil }

type SQLDirectory struct {
	db          *sql.DB
	driver      string
	table       string
	studentCol  string
	courseCol   string
	enrolledCol string
}

func NewDirectory(cfg config.Config) (Directory, error) {
	if strings.TrimSpace(cfg.RegistryDBDriver) == "" || strings.TrimSpace(cfg.RegistryDBDSN) == "" {
		return NoopDirectory{}, nil
	}
	for _, ident := range []string{cfg.RegistryTable, cfg.RegistryStudentCol, cfg.RegistryCourseCol, cfg.RegistryEnrolledCol} {
		if ident != "" && !identRx.MatchString(ident) {
			return nil, fmt.Errorf("invalid SQL identifier %q", ident)
		}
	}
	db, err := sql.Open(cfg.RegistryDBDriver, cfg.RegistryDBDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &SQLDirectory{
		db:          db,
		driver:      cfg.RegistryDBDriver,
		table:       cfg.RegistryTable,
		studentCol:  cfg.RegistryStudentCol,
		courseCol:   cfg.RegistryCourseCol,
		enrolledCol: cfg.RegistryEnrolledCol,
	}, nil
}

func (d *SQLDirectory) Lookup(ctx context.Context, studentNumber string) (Record, bool, error) {
	cols := []string{d.studentCol, d.courseCol}
	if d.enrolledCol != "" {
		cols = append(cols, d.enrolledCol)
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s=%s",
		strings.Join(cols, ","), d.table, d.studentCol, d.ph(1))

	rec := Record{Enrolled: true}
	var err error
	if d.enrolledCol != "" {
		var enrolled int
		err = d.db.QueryRowContext(ctx, q, studentNumber).Scan(&rec.StudentNumber, &rec.Course, &enrolled)
		rec.Enrolled = enrolled != 0
	} else {
		err = d.db.QueryRowContext(ctx, q, studentNumber).Scan(&rec.StudentNumber, &rec.Course)
	}
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (d *SQLDirectory) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// ph renders the n-th placeholder for the configured driver.
func (d *SQLDirectory) ph(n int) string {
	if d.driver == "pgx" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
