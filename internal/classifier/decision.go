package classifier

import (
	"netguard/internal/config"
	"netguard/internal/domain"
)

const (
	minScore = 0
	maxScore = 100
)

// Decide maps a score to its threat level and action using bands sorted by descending
// MinScore. The score is clamped first.
func Decide(score int, bands []config.DecisionBand) (domain.ThreatLevel, domain.Action) {
	score = clampScore(score)
	for _, band := range bands {
		if score >= band.MinScore {
			return band.ThreatLevel, band.Action
		}
	}
	return domain.ThreatLow, domain.ActionAllow
}

func clampScore(score int) int {
	return min(max(score, minScore), maxScore)
}
