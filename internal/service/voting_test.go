package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"electionportal/internal/auth"
	"electionportal/internal/config"
	"electionportal/internal/db"
	"electionportal/internal/models"
	"electionportal/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
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
	st := store.New(sqdb)
	cfg := config.Config{
		SessionCookieName:    "portal_session",
		CSRFCookieName:       "portal_csrf",
		SessionIdleMinutes:   30,
		SessionAbsoluteHour:  12,
		SecretEncryptKey:     "test_secret_encrypt_key_which_is_long",
		VotingSessionMinutes: 30,
		StepUpGrantMinutes:   10,
		TOTPIssuer:           "Student Election Portal",
		BackupCodeCount:      10,
		PasswordMinLength:    12,
		PasswordMaxLength:    128,
	}
	return New(cfg, st, nil, nil), st
}

func seedApprovedVoter(t *testing.T, st *store.Store, studentNumber, email, course string) models.User {
	t.Helper()
	hash, err := auth.HashPassword("CorrectHorse9!x")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u, err := st.CreateUser(context.Background(), models.User{
		StudentNumber: studentNumber,
		Email:         email,
		PasswordHash:  hash,
		FullName:      "Test Voter",
		Course:        course,
		YearLevel:     2,
		Role:          models.RoleVoter,
		Status:        models.UserApproved,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func seedOpenElection(t *testing.T, svc *Service, eligibleCourse string) models.Election {
	t.Helper()
	now := time.Now().UTC()
	e, err := svc.CreateElection(context.Background(), "seed-admin", ElectionInput{
		Title:          "SSC General Election",
		EligibleCourse: eligibleCourse,
		StartsAt:       now.Add(-time.Hour),
		EndsAt:         now.Add(time.Hour),
		Positions: []PositionInput{
			{Title: "President", Candidates: []CandidateInput{{FullName: "Alice Reyes"}, {FullName: "Ben Santos"}}},
			{Title: "Secretary", Candidates: []CandidateInput{{FullName: "Carla Dizon"}}},
		},
	})
	if err != nil {
		t.Fatalf("create election: %v", err)
	}
	return e
}

func firstBallotSelections(t *testing.T, svc *Service, electionID string) []models.Selection {
	t.Helper()
	ballot, err := svc.BallotContent(context.Background(), electionID)
	if err != nil {
		t.Fatalf("ballot content: %v", err)
	}
	var sels []models.Selection
	for _, bp := range ballot {
		sels = append(sels, models.Selection{PositionID: bp.Position.ID, CandidateID: bp.Candidates[0].ID})
	}
	return sels
}

func TestVotingFlowEndToEnd(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	voter := seedApprovedVoter(t, st, "2024-10001", "flow@example.edu", "BSIT")
	e := seedOpenElection(t, svc, models.AllCourses)

	grant, err := svc.CreateVotingSession(ctx, voter, e.ID)
	if err != nil {
		t.Fatalf("create voting session: %v", err)
	}
	if grant.SessionToken == "" {
		t.Fatal("expected a session token")
	}

	sels := firstBallotSelections(t, svc, e.ID)
	receipt, err := svc.CastVotes(ctx, grant.SessionToken, sels)
	if err != nil {
		t.Fatalf("cast votes: %v", err)
	}
	if receipt.VerificationToken == "" || receipt.ReceiptID == "" {
		t.Fatal("expected receipt id and verification token")
	}
	if len(receipt.Selections) != len(sels) {
		t.Fatalf("expected %d selections on receipt, got %d", len(sels), len(receipt.Selections))
	}

	// The receipt round-trips through public verification.
	check, err := svc.VerifyReceipt(ctx, receipt.ReceiptID, receipt.VerificationToken)
	if err != nil {
		t.Fatalf("verify receipt: %v", err)
	}
	if !check.IsValid {
		t.Fatal("expected receipt to verify")
	}
	if check.ElectionTitle != e.Title {
		t.Fatalf("expected election title %q, got %q", e.Title, check.ElectionTitle)
	}

	// A wrong token yields a bare invalid with no detail.
	check, err = svc.VerifyReceipt(ctx, receipt.ReceiptID, "not-the-token")
	if err != nil {
		t.Fatalf("verify receipt with wrong token: %v", err)
	}
	if check.IsValid || check.ElectionTitle != "" || check.Selections != nil {
		t.Fatalf("expected bare invalid result, got %+v", check)
	}

	// The consumed session is dead and a new one is refused.
	if _, err := svc.CastVotes(ctx, grant.SessionToken, sels); err != ErrAlreadyVoted {
		t.Fatalf("expected ErrAlreadyVoted on reuse, got %v", err)
	}
	if _, err := svc.CreateVotingSession(ctx, voter, e.ID); err != ErrAlreadyVoted {
		t.Fatalf("expected ErrAlreadyVoted on new session after casting, got %v", err)
	}

	tally, err := svc.Results(ctx, e.ID, &models.User{Role: models.RoleAdmin})
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	total := 0
	for _, row := range tally {
		total += row.Votes
	}
	if total != len(sels) {
		t.Fatalf("expected %d votes in tally, got %d", len(sels), total)
	}
}

func TestCreateVotingSessionRotatesToken(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	voter := seedApprovedVoter(t, st, "2024-10002", "rotate@example.edu", "BSIT")
	e := seedOpenElection(t, svc, models.AllCourses)

	first, err := svc.CreateVotingSession(ctx, voter, e.ID)
	if err != nil {
		t.Fatalf("first session: %v", err)
	}
	second, err := svc.CreateVotingSession(ctx, voter, e.ID)
	if err != nil {
		t.Fatalf("second session: %v", err)
	}
	if first.SessionToken == second.SessionToken {
		t.Fatal("expected the token to rotate on re-issue")
	}

	// Only the latest token may cast.
	sels := firstBallotSelections(t, svc, e.ID)
	if _, err := svc.CastVotes(ctx, first.SessionToken, sels); err != ErrInvalidSession {
		t.Fatalf("expected the stale token to be rejected, got %v", err)
	}
	if _, err := svc.CastVotes(ctx, second.SessionToken, sels); err != nil {
		t.Fatalf("expected the live token to cast, got %v", err)
	}
}

func TestCreateVotingSessionConcurrentFirstIssue(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	voter := seedApprovedVoter(t, st, "2024-10008", "race@example.edu", "BSIT")
	e := seedOpenElection(t, svc, models.AllCourses)

	// A double-click fires several first issues before any row exists.
	// Every caller must come back with a grant; the loser of the insert
	// race rotates onto the surviving row instead of erroring.
	const callers = 6
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateVotingSession(ctx, voter, e.ID)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}

	row, err := st.GetVotingSessionForVoter(ctx, voter.ID, e.ID)
	if err != nil {
		t.Fatalf("surviving row: %v", err)
	}
	if row.HasVoted {
		t.Fatal("expected the surviving session to be unvoted")
	}

	// The most recent rotation still casts normally.
	grant, err := svc.CreateVotingSession(ctx, voter, e.ID)
	if err != nil {
		t.Fatalf("re-issue: %v", err)
	}
	if _, err := svc.CastVotes(ctx, grant.SessionToken, firstBallotSelections(t, svc, e.ID)); err != nil {
		t.Fatalf("cast after race: %v", err)
	}
}

func TestCreateVotingSessionEligibility(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	e := seedOpenElection(t, svc, "BSIT")

	otherCourse := seedApprovedVoter(t, st, "2024-10003", "nursing@example.edu", "BSN")
	if _, err := svc.CreateVotingSession(ctx, otherCourse, e.ID); err != ErrNotEligible {
		t.Fatalf("expected ErrNotEligible for a different course, got %v", err)
	}

	pending := otherCourse
	pending.Course = "BSIT"
	pending.Status = models.UserPending
	if _, err := svc.CreateVotingSession(ctx, pending, e.ID); err != ErrNotEligible {
		t.Fatalf("expected ErrNotEligible for an unapproved voter, got %v", err)
	}

	matching := seedApprovedVoter(t, st, "2024-10004", "bsit@example.edu", "BSIT")
	if _, err := svc.CreateVotingSession(ctx, matching, e.ID); err != nil {
		t.Fatalf("expected matching course to be admitted, got %v", err)
	}
}

func TestCreateVotingSessionRequiresActiveWindow(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	voter := seedApprovedVoter(t, st, "2024-10005", "window@example.edu", "BSIT")

	now := time.Now().UTC()
	upcoming, err := svc.CreateElection(ctx, "seed-admin", ElectionInput{
		Title:    "Next Year Election",
		StartsAt: now.Add(time.Hour),
		EndsAt:   now.Add(2 * time.Hour),
		Positions: []PositionInput{
			{Title: "President", Candidates: []CandidateInput{{FullName: "Alice Reyes"}}},
		},
	})
	if err != nil {
		t.Fatalf("create upcoming election: %v", err)
	}
	if _, err := svc.CreateVotingSession(ctx, voter, upcoming.ID); err != ErrElectionNotActive {
		t.Fatalf("expected ErrElectionNotActive before the window opens, got %v", err)
	}
	if _, err := svc.CreateVotingSession(ctx, voter, "no-such-election"); err != ErrElectionNotActive {
		t.Fatalf("expected ErrElectionNotActive for an unknown election, got %v", err)
	}
}

func TestCastVotesRejectsMalformedSelections(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	voter := seedApprovedVoter(t, st, "2024-10006", "shape@example.edu", "BSIT")
	e := seedOpenElection(t, svc, models.AllCourses)
	other := seedOpenElection(t, svc, models.AllCourses)

	grant, err := svc.CreateVotingSession(ctx, voter, e.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	good := firstBallotSelections(t, svc, e.ID)
	foreign := firstBallotSelections(t, svc, other.ID)

	cases := map[string][]models.Selection{
		"empty ballot":              nil,
		"position of another vote":  foreign,
		"duplicate position":        {good[0], good[0]},
		"candidate of another post": {{PositionID: good[0].PositionID, CandidateID: good[1].CandidateID}},
	}
	for name, sels := range cases {
		if _, err := svc.CastVotes(ctx, grant.SessionToken, sels); err != ErrInvalidSelection {
			t.Fatalf("%s: expected ErrInvalidSelection, got %v", name, err)
		}
	}

	// The session survives rejected attempts.
	if _, err := svc.CastVotes(ctx, grant.SessionToken, good); err != nil {
		t.Fatalf("expected a valid ballot to still cast, got %v", err)
	}
}

func TestResultsVisibilityGate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	e := seedOpenElection(t, svc, models.AllCourses)

	if _, err := svc.Results(ctx, e.ID, nil); err != ErrForbidden {
		t.Fatalf("expected hidden results for anonymous viewers, got %v", err)
	}
	voter := models.User{Role: models.RoleVoter}
	if _, err := svc.Results(ctx, e.ID, &voter); err != ErrForbidden {
		t.Fatalf("expected hidden results for voters, got %v", err)
	}
	admin := models.User{Role: models.RoleAdmin}
	if _, err := svc.Results(ctx, e.ID, &admin); err != nil {
		t.Fatalf("expected admins to see unpublished results, got %v", err)
	}

	if err := svc.SetResultsVisibility(ctx, "seed-admin", e.ID, true); err != nil {
		t.Fatalf("publish results: %v", err)
	}
	if _, err := svc.Results(ctx, e.ID, nil); err != nil {
		t.Fatalf("expected published results to be public, got %v", err)
	}
}
