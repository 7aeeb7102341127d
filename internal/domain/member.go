package domain

import "time"

// MemberSource records how an address entered a repository.
type MemberSource string

const (
	SourceManual   MemberSource = "manual"
	SourceCSV      MemberSource = "csv"
	SourceSnowball MemberSource = "snowball"
	SourceAPI      MemberSource = "api"
)

// VerificationStatus enumerates the review states of a member.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
)

// Member is one email address inside one repository. (RepositoryID, Address)
// is unique among active members.
type Member struct {
	ID                 string             `json:"id" db:"id"`
	RepositoryID       string             `json:"repository_id" db:"repository_id"`
	Address            string             `json:"address" db:"address"`
	Name               string             `json:"name,omitempty" db:"name"`
	Company            string             `json:"company,omitempty" db:"company"`
	Tags               []string           `json:"tags,omitempty" db:"tags"`
	AddedBy            string             `json:"added_by" db:"added_by"`
	AddedAt            time.Time          `json:"added_at" db:"added_at"`
	Source             MemberSource       `json:"source" db:"source"`
	VerificationStatus VerificationStatus `json:"verification_status" db:"verification_status"`
	OptIn              bool               `json:"opt_in" db:"opt_in"`
	EngagementScore    float64            `json:"engagement_score" db:"engagement_score"`
	SnowballGeneration int                `json:"snowball_generation" db:"snowball_generation"`
	ParentEmail        *string            `json:"parent_email,omitempty" db:"parent_email"`
	EventID            string             `json:"event_id,omitempty" db:"event_id"`
	RemovedAt          *time.Time         `json:"removed_at,omitempty" db:"removed_at"`
}

// Active reports whether the member has not been removed.
func (m *Member) Active() bool { return m.RemovedAt == nil }
