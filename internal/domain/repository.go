package domain

import "time"

// QualityWeights blends the three quality signals of a repository.
type QualityWeights struct {
	Verification float64 `json:"verification" yaml:"verification"`
	Active       float64 `json:"active" yaml:"active"`
	Engagement   float64 `json:"engagement" yaml:"engagement"`
}

// DefaultQualityWeights is the 0.4/0.3/0.3 blend used when a repository sets none.
var DefaultQualityWeights = QualityWeights{Verification: 0.4, Active: 0.3, Engagement: 0.3}

// IsZero reports whether no weight has been set.
func (w QualityWeights) IsZero() bool {
	return w.Verification == 0 && w.Active == 0 && w.Engagement == 0
}

// RepositorySettings are the owner-controlled knobs of a repository. Zero
// values mean "use the engine default"; the two flags are pointers so that an
// explicit false can be told apart from unset.
type RepositorySettings struct {
	AutoApprove        *bool          `json:"auto_approve,omitempty"`
	MaxGenerationDepth int            `json:"max_generation_depth,omitempty"`
	QualityThreshold   float64        `json:"quality_threshold,omitempty"`
	DailyAddLimit      int            `json:"daily_add_limit,omitempty"`
	DoubleOptIn        *bool          `json:"double_opt_in,omitempty"`
	QualityWeights     QualityWeights `json:"quality_weights,omitempty"`
}

// Merge fills every unset field from defaults.
func (s RepositorySettings) Merge(defaults RepositorySettings) RepositorySettings {
	out := s
	if out.AutoApprove == nil {
		out.AutoApprove = defaults.AutoApprove
	}
	if out.MaxGenerationDepth <= 0 {
		out.MaxGenerationDepth = defaults.MaxGenerationDepth
	}
	if out.QualityThreshold <= 0 {
		out.QualityThreshold = defaults.QualityThreshold
	}
	if out.DailyAddLimit <= 0 {
		out.DailyAddLimit = defaults.DailyAddLimit
	}
	if out.DoubleOptIn == nil {
		out.DoubleOptIn = defaults.DoubleOptIn
	}
	if out.QualityWeights.IsZero() {
		out.QualityWeights = defaults.QualityWeights
	}
	if out.QualityWeights.IsZero() {
		out.QualityWeights = DefaultQualityWeights
	}
	return out
}

// AutoApproveEnabled dereferences AutoApprove.
func (s RepositorySettings) AutoApproveEnabled() bool {
	return s.AutoApprove != nil && *s.AutoApprove
}

// DoubleOptInEnabled dereferences DoubleOptIn.
func (s RepositorySettings) DoubleOptInEnabled() bool {
	return s.DoubleOptIn != nil && *s.DoubleOptIn
}

// RepositoryStats are derived counters, recomputed from Member rows on every
// batch commit.
type RepositoryStats struct {
	TotalEmails     int       `json:"total_emails"`
	VerifiedEmails  int       `json:"verified_emails"`
	ActiveEmails    int       `json:"active_emails"`
	GrowthRate      float64   `json:"growth_rate"`
	EngagementRate  float64   `json:"engagement_rate"`
	ViralMultiplier float64   `json:"viral_multiplier"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Repository is a named, owned collection of email addresses around a topic.
type Repository struct {
	ID        string             `json:"id" db:"id"`
	Name      string             `json:"name" db:"name"`
	Topic     string             `json:"topic" db:"topic"`
	Hashtags  []string           `json:"hashtags" db:"hashtags"`
	OwnerID   string             `json:"owner_id" db:"owner_id"`
	Settings  RepositorySettings `json:"settings" db:"settings"`
	Stats     RepositoryStats    `json:"stats" db:"stats"`
	DeletedAt *time.Time         `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" db:"updated_at"`
}

// Deleted reports whether the repository has been soft-deleted.
func (r *Repository) Deleted() bool { return r.DeletedAt != nil }
