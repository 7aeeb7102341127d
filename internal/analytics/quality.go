package analytics

import "github.com/ignite/snowball-engine/internal/domain"

// QualityScore blends the verification ratio, the active/total ratio and
// the engagement rate with the given weights, normalized to sum to 1. An
// empty repository scores 1 so that a new repository can auto-approve its
// first members.
func QualityScore(stats domain.RepositoryStats, weights domain.QualityWeights) float64 {
	if stats.TotalEmails <= 0 {
		return 1
	}
	if weights.IsZero() {
		weights = domain.DefaultQualityWeights
	}
	sum := weights.Verification + weights.Active + weights.Engagement
	if sum <= 0 {
		return 0
	}

	total := float64(stats.TotalEmails)
	score := weights.Verification*clamp01(float64(stats.VerifiedEmails)/total) +
		weights.Active*clamp01(float64(stats.ActiveEmails)/total) +
		weights.Engagement*clamp01(stats.EngagementRate)
	return score / sum
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
