package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"electionportal/internal/models"
	"electionportal/internal/store"
)

type CandidateInput struct {
	FullName string `json:"full_name"`
	Platform string `json:"platform"`
}

type PositionInput struct {
	Title      string           `json:"title"`
	Candidates []CandidateInput `json:"candidates"`
}

type ElectionInput struct {
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	EligibleCourse string          `json:"eligible_course"`
	StartsAt       time.Time       `json:"starts_at"`
	EndsAt         time.Time       `json:"ends_at"`
	Positions      []PositionInput `json:"positions"`
}

func (in ElectionInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if !in.EndsAt.After(in.StartsAt) {
		return fmt.Errorf("end time must be after start time")
	}
	if len(in.Positions) == 0 {
		return fmt.Errorf("at least one position is required")
	}
	for _, p := range in.Positions {
		if strings.TrimSpace(p.Title) == "" {
			return fmt.Errorf("position title is required")
		}
		if len(p.Candidates) == 0 {
			return fmt.Errorf("position %q has no candidates", p.Title)
		}
		for _, c := range p.Candidates {
			if strings.TrimSpace(c.FullName) == "" {
				return fmt.Errorf("candidate name is required")
			}
		}
	}
	return nil
}

// CreateElection writes the election and its whole ballot catalog. Position
// order on the ballot follows the order submitted here.
func (s *Service) CreateElection(ctx context.Context, actorID string, in ElectionInput) (models.Election, error) {
	if err := in.validate(); err != nil {
		return models.Election{}, err
	}
	course := strings.TrimSpace(in.EligibleCourse)
	if course == "" {
		course = models.AllCourses
	}
	e, err := s.st.CreateElection(ctx, models.Election{
		Title:          strings.TrimSpace(in.Title),
		Description:    strings.TrimSpace(in.Description),
		EligibleCourse: course,
		StartsAt:       in.StartsAt.UTC(),
		EndsAt:         in.EndsAt.UTC(),
		CreatedBy:      actorID,
	})
	if err != nil {
		return models.Election{}, err
	}
	for i, pin := range in.Positions {
		p, err := s.st.CreatePosition(ctx, models.Position{
			ElectionID:   e.ID,
			Title:        strings.TrimSpace(pin.Title),
			DisplayOrder: i,
		})
		if err != nil {
			return models.Election{}, err
		}
		for _, cin := range pin.Candidates {
			if _, err := s.st.CreateCandidate(ctx, models.Candidate{
				PositionID: p.ID,
				FullName:   strings.TrimSpace(cin.FullName),
				Platform:   strings.TrimSpace(cin.Platform),
			}); err != nil {
				return models.Election{}, err
			}
		}
	}
	meta, _ := json.Marshal(map[string]string{"title": e.Title})
	_ = s.st.InsertAudit(ctx, actorID, "election.create", e.ID, string(meta))
	return e, nil
}

// AddPosition appends a position to an election that has not opened yet. The
// ballot is frozen once voting starts, so active and closed elections reject
// catalog changes.
func (s *Service) AddPosition(ctx context.Context, actorID, electionID string, in PositionInput) (models.Position, error) {
	if strings.TrimSpace(in.Title) == "" {
		return models.Position{}, fmt.Errorf("position title is required")
	}
	if len(in.Candidates) == 0 {
		return models.Position{}, fmt.Errorf("position %q has no candidates", in.Title)
	}
	for _, c := range in.Candidates {
		if strings.TrimSpace(c.FullName) == "" {
			return models.Position{}, fmt.Errorf("candidate name is required")
		}
	}
	e, err := s.st.GetElection(ctx, electionID)
	if err != nil {
		return models.Position{}, err
	}
	if e.EffectiveStatus(time.Now()) != models.ElectionUpcoming {
		return models.Position{}, ErrBallotFrozen
	}
	existing, err := s.st.ListPositions(ctx, electionID)
	if err != nil {
		return models.Position{}, err
	}
	p, err := s.st.CreatePosition(ctx, models.Position{
		ElectionID:   electionID,
		Title:        strings.TrimSpace(in.Title),
		DisplayOrder: len(existing),
	})
	if err != nil {
		return models.Position{}, err
	}
	for _, cin := range in.Candidates {
		if _, err := s.st.CreateCandidate(ctx, models.Candidate{
			PositionID: p.ID,
			FullName:   strings.TrimSpace(cin.FullName),
			Platform:   strings.TrimSpace(cin.Platform),
		}); err != nil {
			return models.Position{}, err
		}
	}
	meta, _ := json.Marshal(map[string]string{"position": p.Title})
	_ = s.st.InsertAudit(ctx, actorID, "election.add_position", electionID, string(meta))
	return p, nil
}

// AddCandidate appends a candidate to a position of an election that has not
// opened yet.
func (s *Service) AddCandidate(ctx context.Context, actorID, electionID, positionID string, in CandidateInput) (models.Candidate, error) {
	if strings.TrimSpace(in.FullName) == "" {
		return models.Candidate{}, fmt.Errorf("candidate name is required")
	}
	e, err := s.st.GetElection(ctx, electionID)
	if err != nil {
		return models.Candidate{}, err
	}
	if e.EffectiveStatus(time.Now()) != models.ElectionUpcoming {
		return models.Candidate{}, ErrBallotFrozen
	}
	positions, err := s.st.ListPositions(ctx, electionID)
	if err != nil {
		return models.Candidate{}, err
	}
	found := false
	for _, p := range positions {
		if p.ID == positionID {
			found = true
			break
		}
	}
	if !found {
		return models.Candidate{}, store.ErrNotFound
	}
	c, err := s.st.CreateCandidate(ctx, models.Candidate{
		PositionID: positionID,
		FullName:   strings.TrimSpace(in.FullName),
		Platform:   strings.TrimSpace(in.Platform),
	})
	if err != nil {
		return models.Candidate{}, err
	}
	meta, _ := json.Marshal(map[string]string{"candidate": c.FullName})
	_ = s.st.InsertAudit(ctx, actorID, "election.add_candidate", electionID, string(meta))
	return c, nil
}

func (s *Service) SetResultsVisibility(ctx context.Context, actorID, electionID string, visible bool) error {
	if err := s.st.SetResultsVisibility(ctx, electionID, visible); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]bool{"visible": visible})
	return s.st.InsertAudit(ctx, actorID, "election.results_visibility", electionID, string(meta))
}

func (s *Service) DeleteElection(ctx context.Context, actorID, electionID string) error {
	if err := s.st.DeleteElection(ctx, electionID); err != nil {
		return err
	}
	return s.st.InsertAudit(ctx, actorID, "election.delete", electionID, "{}")
}

func (s *Service) ListElections(ctx context.Context) ([]models.Election, error) {
	return s.st.ListElections(ctx)
}

func (s *Service) GetElection(ctx context.Context, id string) (models.Election, error) {
	return s.st.GetElection(ctx, id)
}
