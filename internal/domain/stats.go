package domain

import "time"

// GrowthWindow is the look-back used for RepositoryStats.GrowthRate.
const GrowthWindow = 30 * 24 * time.Hour

// MemberCounts are the raw aggregates RepositoryStats is derived from.
// Only non-removed members are counted, except AddedSince which counts the
// non-removed members added inside GrowthWindow.
type MemberCounts struct {
	Total         int
	Verified      int
	Active        int
	Generation0   int
	AddedSince    int
	EngagementSum float64
}

// Stats derives repository statistics from counts.
func (c MemberCounts) Stats(now time.Time) RepositoryStats {
	s := RepositoryStats{
		TotalEmails:    c.Total,
		VerifiedEmails: c.Verified,
		ActiveEmails:   c.Active,
		LastUpdated:    now,
	}
	if c.Total > 0 {
		s.EngagementRate = c.EngagementSum / float64(c.Total)
	}
	if base := c.Total - c.AddedSince; base > 0 {
		s.GrowthRate = float64(c.AddedSince) / float64(base)
	} else if c.AddedSince > 0 {
		s.GrowthRate = 1
	}
	if c.Generation0 > 0 {
		s.ViralMultiplier = float64(c.Total) / float64(c.Generation0)
	}
	return s
}

// GenerationCount is the number of active members in one generation.
type GenerationCount struct {
	Generation int `json:"generation"`
	Members    int `json:"members"`
}

// Contributor is an uploader and how many members their uploads added.
type Contributor struct {
	UploaderID string `json:"uploader_id"`
	Added      int    `json:"added"`
}
