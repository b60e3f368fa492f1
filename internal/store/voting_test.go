package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"electionportal/internal/db"
	"electionportal/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 4, 2, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	for _, migration := range []string{
		filepath.Join("..", "..", "migrations", "001_init.sql"),
		filepath.Join("..", "..", "migrations", "002_two_factor.sql"),
	} {
		if err := db.ApplyMigrationFile(sqdb, migration); err != nil {
			t.Fatalf("apply migration %s: %v", migration, err)
		}
	}
	return New(sqdb)
}

func seedVoter(t *testing.T, st *Store, studentNumber, email string) models.User {
	t.Helper()
	u, err := st.CreateUser(context.Background(), models.User{
		StudentNumber: studentNumber,
		Email:         email,
		PasswordHash:  "x",
		FullName:      "Test Voter",
		Course:        "BSIT",
		YearLevel:     3,
		Role:          models.RoleVoter,
		Status:        models.UserApproved,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func seedElection(t *testing.T, st *Store) (models.Election, models.Position, []models.Candidate) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	e, err := st.CreateElection(ctx, models.Election{
		Title:          "SSC General Election",
		EligibleCourse: models.AllCourses,
		StartsAt:       now.Add(-time.Hour),
		EndsAt:         now.Add(time.Hour),
		CreatedBy:      "seed",
	})
	if err != nil {
		t.Fatalf("create election: %v", err)
	}
	p, err := st.CreatePosition(ctx, models.Position{ElectionID: e.ID, Title: "President", DisplayOrder: 0})
	if err != nil {
		t.Fatalf("create position: %v", err)
	}
	var cands []models.Candidate
	for _, name := range []string{"Alice Reyes", "Ben Santos"} {
		c, err := st.CreateCandidate(ctx, models.Candidate{PositionID: p.ID, FullName: name})
		if err != nil {
			t.Fatalf("create candidate: %v", err)
		}
		cands = append(cands, c)
	}
	return e, p, cands
}

func TestSaveVotingSessionRotatesSingleRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	voter := seedVoter(t, st, "2024-00001", "v1@example.edu")
	e, _, _ := seedElection(t, st)

	first, err := st.SaveVotingSession(ctx, models.VotingSession{
		VoterID:    voter.ID,
		ElectionID: e.ID,
		TokenHash:  "hash-one",
		ExpiresAt:  time.Now().UTC().Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	second, err := st.SaveVotingSession(ctx, models.VotingSession{
		VoterID:    voter.ID,
		ElectionID: e.ID,
		TokenHash:  "hash-two",
		ExpiresAt:  time.Now().UTC().Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same session row to be reused, got %s and %s", first.ID, second.ID)
	}
	if second.TokenHash != "hash-two" {
		t.Fatalf("expected rotated token hash, got %q", second.TokenHash)
	}
	if _, err := st.GetVotingSessionByTokenHash(ctx, "hash-one"); err != ErrNotFound {
		t.Fatalf("expected the old token to be dead, got %v", err)
	}
}

func TestCastBallotConcurrentCastsSettleAsOneSuccess(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	voter := seedVoter(t, st, "2024-00002", "v2@example.edu")
	e, p, cands := seedElection(t, st)

	sess, err := st.SaveVotingSession(ctx, models.VotingSession{
		VoterID:    voter.ID,
		ElectionID: e.ID,
		TokenHash:  "concurrent-hash",
		ExpiresAt:  time.Now().UTC().Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("save session: %v", err)
	}

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			now := time.Now().UTC()
			errs[i] = st.CastBallot(ctx, sess.ID,
				[]models.Vote{{
					ID:          uuid.NewString(),
					ElectionID:  e.ID,
					PositionID:  p.ID,
					CandidateID: cands[0].ID,
					CastAt:      now,
				}},
				models.VoteReceipt{
					ID:             uuid.NewString(),
					ElectionID:     e.ID,
					ElectionTitle:  e.Title,
					SelectionsJSON: `[]`,
					ContentHash:    "h",
					TokenHash:      uuid.NewString(),
					CreatedAt:      now,
				})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		switch err {
		case nil:
			successes++
		case ErrConflict:
		default:
			t.Fatalf("unexpected cast error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one winning cast, got %d", successes)
	}

	tally, err := st.ResultsTally(ctx, e.ID)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	total := 0
	for _, row := range tally {
		total += row.Votes
	}
	if total != 1 {
		t.Fatalf("expected exactly one recorded vote, got %d", total)
	}
}

func TestCastBallotRejectsExpiredSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	voter := seedVoter(t, st, "2024-00003", "v3@example.edu")
	e, p, cands := seedElection(t, st)

	sess, err := st.SaveVotingSession(ctx, models.VotingSession{
		VoterID:    voter.ID,
		ElectionID: e.ID,
		TokenHash:  "expired-hash",
		ExpiresAt:  time.Now().UTC().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("save session: %v", err)
	}
	now := time.Now().UTC()
	err = st.CastBallot(ctx, sess.ID,
		[]models.Vote{{ID: uuid.NewString(), ElectionID: e.ID, PositionID: p.ID, CandidateID: cands[0].ID, CastAt: now}},
		models.VoteReceipt{ID: uuid.NewString(), ElectionID: e.ID, ElectionTitle: e.Title, SelectionsJSON: `[]`, ContentHash: "h", TokenHash: "t", CreatedAt: now})
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict for expired session, got %v", err)
	}
}

func TestVotesCarryNoVoterReference(t *testing.T) {
	st := newTestStore(t)
	rows, err := st.db.Query(`PRAGMA table_info(votes)`)
	if err != nil {
		t.Fatalf("table_info votes: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid, notNull, pk int
		var name, ctype string
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			t.Fatalf("scan: %v", err)
		}
		switch name {
		case "voter_id", "user_id", "session_id", "voting_session_id":
			t.Fatalf("votes table must not carry column %q", name)
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
}

func TestDeleteElectionCascades(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	voter := seedVoter(t, st, "2024-00004", "v4@example.edu")
	e, p, cands := seedElection(t, st)

	sess, err := st.SaveVotingSession(ctx, models.VotingSession{
		VoterID:    voter.ID,
		ElectionID: e.ID,
		TokenHash:  "cascade-hash",
		ExpiresAt:  time.Now().UTC().Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("save session: %v", err)
	}
	now := time.Now().UTC()
	if err := st.CastBallot(ctx, sess.ID,
		[]models.Vote{{ID: uuid.NewString(), ElectionID: e.ID, PositionID: p.ID, CandidateID: cands[0].ID, CastAt: now}},
		models.VoteReceipt{ID: uuid.NewString(), ElectionID: e.ID, ElectionTitle: e.Title, SelectionsJSON: `[]`, ContentHash: "h", TokenHash: "t", CreatedAt: now}); err != nil {
		t.Fatalf("cast: %v", err)
	}

	if err := st.DeleteElection(ctx, e.ID); err != nil {
		t.Fatalf("delete election: %v", err)
	}
	for _, q := range []string{
		`SELECT COUNT(1) FROM positions`,
		`SELECT COUNT(1) FROM candidates`,
		`SELECT COUNT(1) FROM votes`,
		`SELECT COUNT(1) FROM voting_sessions`,
	} {
		var n int
		if err := st.db.QueryRow(q).Scan(&n); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
		if n != 0 {
			t.Fatalf("expected cascade to empty table for %q, found %d rows", q, n)
		}
	}
}
