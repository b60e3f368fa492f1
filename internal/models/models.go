package models

import "time"

type UserStatus string

const (
	UserPending   UserStatus = "pending"
	UserApproved  UserStatus = "approved"
	UserSuspended UserStatus = "suspended"
	UserRejected  UserStatus = "rejected"
)

const (
	RoleVoter = "voter"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// AllCourses is the election scope that admits every approved voter.
const AllCourses = "All Courses"

type User struct {
	ID            string
	StudentNumber string
	Email         string
	PasswordHash  string
	FullName      string
	Course        string
	YearLevel     int
	Role          string
	Status        UserStatus
	CreatedAt     time.Time
	ApprovedAt    *time.Time
	ApprovedBy    *string
	LastLoginAt   *time.Time
}

type Registration struct {
	ID            string
	UserID        string
	StudentNumber string
	Email         string
	Course        string
	YearLevel     int
	SourceIP      string
	UserAgentHash string
	RegistryOK    bool
	Status        string
	CreatedAt     time.Time
	DecidedAt     *time.Time
	DecidedBy     *string
	Reason        *string
}

type Session struct {
	ID            string
	UserID        string
	TokenHash     string
	IPHint        string
	UserAgentHash string
	ExpiresAt     time.Time
	IdleExpiresAt time.Time
	CreatedAt     time.Time
	LastSeenAt    time.Time
	RevokedAt     *time.Time
}

type ElectionStatus string

const (
	ElectionUpcoming  ElectionStatus = "upcoming"
	ElectionActive    ElectionStatus = "active"
	ElectionCompleted ElectionStatus = "completed"
)

type Election struct {
	ID             string
	Title          string
	Description    string
	EligibleCourse string
	StartsAt       time.Time
	EndsAt         time.Time
	ResultsVisible bool
	CreatedBy      string
	CreatedAt      time.Time
}

// EffectiveStatus derives the status from the voting window alone; nothing
// else opens or closes an election.
func (e Election) EffectiveStatus(now time.Time) ElectionStatus {
	if now.Before(e.StartsAt) {
		return ElectionUpcoming
	}
	if !now.Before(e.EndsAt) {
		return ElectionCompleted
	}
	return ElectionActive
}

type Position struct {
	ID           string
	ElectionID   string
	Title        string
	DisplayOrder int
}

type Candidate struct {
	ID         string
	PositionID string
	FullName   string
	Platform   string
}

type VotingSession struct {
	ID         string
	VoterID    string
	ElectionID string
	TokenHash  string
	HasVoted   bool
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

func (s VotingSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Selection is one (position, candidate) pair of a ballot.
type Selection struct {
	PositionID  string `json:"position_id"`
	CandidateID string `json:"candidate_id"`
}

// NamedSelection is what a receipt records: display names, not catalog ids.
type NamedSelection struct {
	Position  string `json:"position"`
	Candidate string `json:"candidate"`
}

type Vote struct {
	ID          string
	ElectionID  string
	PositionID  string
	CandidateID string
	CastAt      time.Time
}

type VoteReceipt struct {
	ID             string
	ElectionID     string
	ElectionTitle  string
	SelectionsJSON string
	ContentHash    string
	TokenHash      string
	CreatedAt      time.Time
}

type TwoFactorCredential struct {
	UserID     string
	SecretEnc  string
	Enabled    bool
	CreatedAt  time.Time
	VerifiedAt *time.Time
}

type StepUpGrant struct {
	ID         string
	UserID     string
	ActionType string
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Action types that demand step-up verification.
const (
	ActionApproveUser    = "approve_user"
	ActionUpdateUserRole = "update_user_role"
	ActionDeleteElection = "delete_election"
	ActionToggleResults  = "toggle_results"
	ActionSuspendUser    = "suspend_user"
)

type AuditEntry struct {
	ID           string    `json:"id"`
	ActorUserID  string    `json:"actor_user_id"`
	Action       string    `json:"action"`
	Target       string    `json:"target"`
	MetadataJSON string    `json:"metadata_json"`
	CreatedAt    time.Time `json:"created_at"`
}

type CandidateTally struct {
	PositionID    string `json:"position_id"`
	PositionTitle string `json:"position_title"`
	CandidateID   string `json:"candidate_id"`
	CandidateName string `json:"candidate_name"`
	Votes         int    `json:"votes"`
}

type RegistrationQuery struct {
	Status string
	Limit  int
	Offset int
}

type UserQuery struct {
	Status string
	Role   string
	Limit  int
	Offset int
}

type AuditQuery struct {
	Action string
	Actor  string
	Limit  int
	Offset int
}
