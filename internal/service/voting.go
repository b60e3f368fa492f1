package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"electionportal/internal/auth"
	"electionportal/internal/models"
	"electionportal/internal/store"
)

type VotingSessionGrant struct {
	SessionToken string    `json:"session_token"`
	ElectionID   string    `json:"election_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CreateVotingSession checks eligibility and hands out the voter's single
// live session token for the election. Calling it again before the ballot
// is cast rotates the token on the same row instead of creating a second
// session, so a double-click cannot orphan one.
func (s *Service) CreateVotingSession(ctx context.Context, voter models.User, electionID string) (VotingSessionGrant, error) {
	e, err := s.st.GetElection(ctx, electionID)
	if err == store.ErrNotFound {
		return VotingSessionGrant{}, ErrElectionNotActive
	}
	if err != nil {
		return VotingSessionGrant{}, err
	}

	now := time.Now().UTC()
	if e.EffectiveStatus(now) != models.ElectionActive {
		return VotingSessionGrant{}, ErrElectionNotActive
	}
	if voter.Status != models.UserApproved {
		return VotingSessionGrant{}, ErrNotEligible
	}
	if e.EligibleCourse != models.AllCourses && !strings.EqualFold(e.EligibleCourse, voter.Course) {
		return VotingSessionGrant{}, ErrNotEligible
	}

	existing, err := s.st.GetVotingSessionForVoter(ctx, voter.ID, electionID)
	if err != nil && err != store.ErrNotFound {
		return VotingSessionGrant{}, err
	}
	if err == nil && existing.HasVoted {
		return VotingSessionGrant{}, ErrAlreadyVoted
	}

	raw, tokenHash, err := auth.NewOpaqueToken()
	if err != nil {
		return VotingSessionGrant{}, err
	}
	vs := models.VotingSession{
		VoterID:    voter.ID,
		ElectionID: electionID,
		TokenHash:  tokenHash,
		ExpiresAt:  now.Add(s.cfg.VotingSessionTTL()),
	}
	saved, err := s.st.SaveVotingSession(ctx, vs)
	if err == store.ErrConflict {
		// Lost a first-issue insert race. The surviving row is unvoted, so
		// one retry rotates our token onto it; a second conflict means the
		// ballot landed in between.
		saved, err = s.st.SaveVotingSession(ctx, vs)
		if err == store.ErrConflict {
			return VotingSessionGrant{}, ErrAlreadyVoted
		}
	}
	if err != nil {
		return VotingSessionGrant{}, err
	}
	return VotingSessionGrant{SessionToken: raw, ElectionID: electionID, ExpiresAt: saved.ExpiresAt}, nil
}

type ReceiptIssued struct {
	ReceiptID         string                  `json:"receipt_id"`
	VerificationToken string                  `json:"verification_token"`
	ElectionTitle     string                  `json:"election_title"`
	Selections        []models.NamedSelection `json:"selections"`
	ContentHash       string                  `json:"content_hash"`
	VotingDate        time.Time               `json:"voting_date"`
}

// CastVotes consumes the voting session exactly once and persists one
// anonymous vote per selection. It returns the receipt the voter keeps;
// nothing else ties the ballot to them.
func (s *Service) CastVotes(ctx context.Context, rawToken string, selections []models.Selection) (ReceiptIssued, error) {
	sess, err := s.st.GetVotingSessionByTokenHash(ctx, hashToken(rawToken))
	if err != nil {
		return ReceiptIssued{}, ErrInvalidSession
	}
	now := time.Now().UTC()
	if sess.Expired(now) {
		return ReceiptIssued{}, ErrInvalidSession
	}
	if sess.HasVoted {
		return ReceiptIssued{}, ErrAlreadyVoted
	}

	named, err := s.validateSelections(ctx, sess.ElectionID, selections)
	if err != nil {
		return ReceiptIssued{}, err
	}

	e, err := s.st.GetElection(ctx, sess.ElectionID)
	if err != nil {
		return ReceiptIssued{}, ErrInvalidSession
	}

	votes := make([]models.Vote, 0, len(selections))
	for _, sel := range selections {
		votes = append(votes, models.Vote{
			ID:          uuid.NewString(),
			ElectionID:  sess.ElectionID,
			PositionID:  sel.PositionID,
			CandidateID: sel.CandidateID,
			CastAt:      now,
		})
	}

	rawVerify, verifyHash, err := auth.NewOpaqueToken()
	if err != nil {
		return ReceiptIssued{}, err
	}
	selJSON, err := json.Marshal(named)
	if err != nil {
		return ReceiptIssued{}, err
	}
	receipt := models.VoteReceipt{
		ID:             uuid.NewString(),
		ElectionID:     sess.ElectionID,
		ElectionTitle:  e.Title,
		SelectionsJSON: string(selJSON),
		ContentHash:    receiptContentHash(sess.ElectionID, named, now),
		TokenHash:      verifyHash,
		CreatedAt:      now,
	}

	if err := s.st.CastBallot(ctx, sess.ID, votes, receipt); err != nil {
		if err == store.ErrConflict {
			return ReceiptIssued{}, ErrAlreadyVoted
		}
		return ReceiptIssued{}, err
	}

	return ReceiptIssued{
		ReceiptID:         receipt.ID,
		VerificationToken: rawVerify,
		ElectionTitle:     e.Title,
		Selections:        named,
		ContentHash:       receipt.ContentHash,
		VotingDate:        now,
	}, nil
}

// validateSelections enforces ballot shape: every position belongs to the
// election, appears at most once, and names one of its own candidates.
func (s *Service) validateSelections(ctx context.Context, electionID string, selections []models.Selection) ([]models.NamedSelection, error) {
	if len(selections) == 0 {
		return nil, ErrInvalidSelection
	}
	positions, err := s.st.ListPositions(ctx, electionID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.st.ListCandidates(ctx, electionID)
	if err != nil {
		return nil, err
	}

	posByID := make(map[string]models.Position, len(positions))
	for _, p := range positions {
		posByID[p.ID] = p
	}

	seen := make(map[string]bool, len(selections))
	named := make([]models.NamedSelection, 0, len(selections))
	for _, sel := range selections {
		p, ok := posByID[sel.PositionID]
		if !ok || seen[sel.PositionID] {
			return nil, ErrInvalidSelection
		}
		seen[sel.PositionID] = true

		var candName string
		for _, c := range candidates[sel.PositionID] {
			if c.ID == sel.CandidateID {
				candName = c.FullName
				break
			}
		}
		if candName == "" {
			return nil, ErrInvalidSelection
		}
		named = append(named, models.NamedSelection{Position: p.Title, Candidate: candName})
	}
	return named, nil
}

type ReceiptVerification struct {
	IsValid       bool                    `json:"is_valid"`
	ElectionTitle string                  `json:"election_title,omitempty"`
	Selections    []models.NamedSelection `json:"selections,omitempty"`
	VotingDate    *time.Time              `json:"voting_date,omitempty"`
}

// VerifyReceipt is deliberately unauthenticated: possession of both opaque
// identifiers is the whole access control. Any mismatch reports a plain
// "invalid" with no detail.
func (s *Service) VerifyReceipt(ctx context.Context, receiptID, rawToken string) (ReceiptVerification, error) {
	r, err := s.st.GetReceiptByID(ctx, strings.TrimSpace(receiptID))
	if err == store.ErrNotFound {
		return ReceiptVerification{IsValid: false}, nil
	}
	if err != nil {
		return ReceiptVerification{}, err
	}
	if subtle.ConstantTimeCompare([]byte(hashToken(rawToken)), []byte(r.TokenHash)) != 1 {
		return ReceiptVerification{IsValid: false}, nil
	}

	var named []models.NamedSelection
	if err := json.Unmarshal([]byte(r.SelectionsJSON), &named); err != nil {
		return ReceiptVerification{IsValid: false}, nil
	}
	if receiptContentHash(r.ElectionID, named, r.CreatedAt) != r.ContentHash {
		return ReceiptVerification{IsValid: false}, nil
	}

	at := r.CreatedAt
	return ReceiptVerification{
		IsValid:       true,
		ElectionTitle: r.ElectionTitle,
		Selections:    named,
		VotingDate:    &at,
	}, nil
}

func receiptContentHash(electionID string, selections []models.NamedSelection, at time.Time) string {
	var sb strings.Builder
	sb.WriteString(electionID)
	sb.WriteByte('\n')
	for _, sel := range selections {
		sb.WriteString(sel.Position)
		sb.WriteByte('=')
		sb.WriteString(sel.Candidate)
		sb.WriteByte('\n')
	}
	sb.WriteString(at.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

type BallotPosition struct {
	Position   models.Position    `json:"position"`
	Candidates []models.Candidate `json:"candidates"`
}

// BallotContent returns the election's positions with their candidates in
// display order.
func (s *Service) BallotContent(ctx context.Context, electionID string) ([]BallotPosition, error) {
	positions, err := s.st.ListPositions(ctx, electionID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.st.ListCandidates(ctx, electionID)
	if err != nil {
		return nil, err
	}
	out := make([]BallotPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, BallotPosition{Position: p, Candidates: candidates[p.ID]})
	}
	return out, nil
}

// Results enforces the visibility flag for non-admin callers.
func (s *Service) Results(ctx context.Context, electionID string, viewer *models.User) ([]models.CandidateTally, error) {
	e, err := s.st.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if !e.ResultsVisible {
		if viewer == nil || viewer.Role != models.RoleAdmin {
			return nil, ErrForbidden
		}
	}
	return s.st.ResultsTally(ctx, electionID)
}
