package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"electionportal/internal/models"
)

func (s *Store) CreateElection(ctx context.Context, e models.Election) (models.Election, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO elections(id,title,description,eligible_course,starts_at,ends_at,results_visible,created_by,created_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Title, e.Description, e.EligibleCourse, e.StartsAt, e.EndsAt, boolToInt(e.ResultsVisible), e.CreatedBy, e.CreatedAt,
	)
	return e, err
}

func (s *Store) GetElection(ctx context.Context, id string) (models.Election, error) {
	var e models.Election
	var visible int
	err := s.db.QueryRowContext(ctx,
		`SELECT id,title,description,eligible_course,starts_at,ends_at,results_visible,created_by,created_at FROM elections WHERE id=?`,
		id,
	).Scan(&e.ID, &e.Title, &e.Description, &e.EligibleCourse, &e.StartsAt, &e.EndsAt, &visible, &e.CreatedBy, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return models.Election{}, ErrNotFound
	}
	if err != nil {
		return models.Election{}, err
	}
	e.ResultsVisible = visible == 1
	return e, nil
}

func (s *Store) ListElections(ctx context.Context) ([]models.Election, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,title,description,eligible_course,starts_at,ends_at,results_visible,created_by,created_at FROM elections ORDER BY starts_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Election
	for rows.Next() {
		var e models.Election
		var visible int
		if err := rows.Scan(&e.ID, &e.Title, &e.Description, &e.EligibleCourse, &e.StartsAt, &e.EndsAt, &visible, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ResultsVisible = visible == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) SetResultsVisibility(ctx context.Context, electionID string, visible bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE elections SET results_visible=? WHERE id=?`, boolToInt(visible), electionID)
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

// DeleteElection removes the election and, through FK cascades, its
// positions, candidates, votes, receipts and voting sessions.
func (s *Store) DeleteElection(ctx context.Context, electionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM elections WHERE id=?`, electionID)
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

func (s *Store) CreatePosition(ctx context.Context, p models.Position) (models.Position, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions(id,election_id,title,display_order) VALUES(?,?,?,?)`,
		p.ID, p.ElectionID, p.Title, p.DisplayOrder,
	)
	return p, err
}

func (s *Store) ListPositions(ctx context.Context, electionID string) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,election_id,title,display_order FROM positions WHERE election_id=? ORDER BY display_order, title`,
		electionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.ID, &p.ElectionID, &p.Title, &p.DisplayOrder); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CreateCandidate(ctx context.Context, c models.Candidate) (models.Candidate, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidates(id,position_id,full_name,platform) VALUES(?,?,?,?)`,
		c.ID, c.PositionID, c.FullName, c.Platform,
	)
	return c, err
}

// ListCandidates returns all candidates of an election keyed by position.
func (s *Store) ListCandidates(ctx context.Context, electionID string) (map[string][]models.Candidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id,c.position_id,c.full_name,c.platform FROM candidates c
		 JOIN positions p ON p.id = c.position_id
		 WHERE p.election_id=? ORDER BY c.full_name`,
		electionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]models.Candidate{}
	for rows.Next() {
		var c models.Candidate
		if err := rows.Scan(&c.ID, &c.PositionID, &c.FullName, &c.Platform); err != nil {
			return nil, err
		}
		out[c.PositionID] = append(out[c.PositionID], c)
	}
	return out, rows.Err()
}

func (s *Store) GetVotingSessionForVoter(ctx context.Context, voterID, electionID string) (models.VotingSession, error) {
	return s.scanVotingSession(s.db.QueryRowContext(ctx,
		`SELECT id,voter_id,election_id,token_hash,has_voted,created_at,expires_at FROM voting_sessions WHERE voter_id=? AND election_id=?`,
		voterID, electionID,
	))
}

func (s *Store) GetVotingSessionByTokenHash(ctx context.Context, tokenHash string) (models.VotingSession, error) {
	return s.scanVotingSession(s.db.QueryRowContext(ctx,
		`SELECT id,voter_id,election_id,token_hash,has_voted,created_at,expires_at FROM voting_sessions WHERE token_hash=?`,
		tokenHash,
	))
}

func (s *Store) scanVotingSession(row *sql.Row) (models.VotingSession, error) {
	var vs models.VotingSession
	var voted int
	err := row.Scan(&vs.ID, &vs.VoterID, &vs.ElectionID, &vs.TokenHash, &voted, &vs.CreatedAt, &vs.ExpiresAt)
	if err == sql.ErrNoRows {
		return models.VotingSession{}, ErrNotFound
	}
	if err != nil {
		return models.VotingSession{}, err
	}
	vs.HasVoted = voted == 1
	return vs, nil
}

// SaveVotingSession rotates the token of the voter's not-yet-voted session,
// or inserts the pair's single row. The guarded UPDATE plus the UNIQUE
// (voter_id, election_id) index make concurrent calls collapse onto one row:
// the loser of an insert race sees ErrConflict and re-reads.
func (s *Store) SaveVotingSession(ctx context.Context, vs models.VotingSession) (models.VotingSession, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE voting_sessions SET token_hash=?, created_at=?, expires_at=? WHERE voter_id=? AND election_id=? AND has_voted=0`,
		vs.TokenHash, now, vs.ExpiresAt, vs.VoterID, vs.ElectionID,
	)
	if err != nil {
		return models.VotingSession{}, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return models.VotingSession{}, err
	}
	if rows > 0 {
		return s.GetVotingSessionForVoter(ctx, vs.VoterID, vs.ElectionID)
	}

	vs.ID = uuid.NewString()
	vs.CreatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO voting_sessions(id,voter_id,election_id,token_hash,has_voted,created_at,expires_at) VALUES(?,?,?,?,0,?,?)`,
		vs.ID, vs.VoterID, vs.ElectionID, vs.TokenHash, vs.CreatedAt, vs.ExpiresAt,
	)
	if err != nil {
		if isUniqueErr(err) {
			return models.VotingSession{}, ErrConflict
		}
		return models.VotingSession{}, err
	}
	return vs, nil
}

// CastBallot is the whole commit: flag-check-and-set on the session, the
// anonymous vote rows, and the receipt, in one transaction. Concurrent
// casts with the same session settle as one success and one ErrConflict.
func (s *Store) CastBallot(ctx context.Context, sessionID string, votes []models.Vote, receipt models.VoteReceipt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE voting_sessions SET has_voted=1 WHERE id=? AND has_voted=0 AND expires_at > ?`,
		sessionID, now,
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

	for _, v := range votes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO votes(id,election_id,position_id,candidate_id,cast_at) VALUES(?,?,?,?,?)`,
			v.ID, v.ElectionID, v.PositionID, v.CandidateID, v.CastAt,
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vote_receipts(id,election_id,election_title,selections_json,content_hash,token_hash,created_at) VALUES(?,?,?,?,?,?,?)`,
		receipt.ID, receipt.ElectionID, receipt.ElectionTitle, receipt.SelectionsJSON, receipt.ContentHash, receipt.TokenHash, receipt.CreatedAt,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) GetReceiptByID(ctx context.Context, id string) (models.VoteReceipt, error) {
	var r models.VoteReceipt
	err := s.db.QueryRowContext(ctx,
		`SELECT id,election_id,election_title,selections_json,content_hash,token_hash,created_at FROM vote_receipts WHERE id=?`,
		id,
	).Scan(&r.ID, &r.ElectionID, &r.ElectionTitle, &r.SelectionsJSON, &r.ContentHash, &r.TokenHash, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return models.VoteReceipt{}, ErrNotFound
	}
	if err != nil {
		return models.VoteReceipt{}, err
	}
	return r, nil
}

func (s *Store) ResultsTally(ctx context.Context, electionID string) ([]models.CandidateTally, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.title, c.id, c.full_name, COUNT(v.id)
		 FROM positions p
		 JOIN candidates c ON c.position_id = p.id
		 LEFT JOIN votes v ON v.candidate_id = c.id
		 WHERE p.election_id = ?
		 GROUP BY p.id, p.title, c.id, c.full_name
		 ORDER BY p.display_order, p.title, COUNT(v.id) DESC, c.full_name`,
		electionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CandidateTally
	for rows.Next() {
		var t models.CandidateTally
		if err := rows.Scan(&t.PositionID, &t.PositionTitle, &t.CandidateID, &t.CandidateName, &t.Votes); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
