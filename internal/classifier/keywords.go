package classifier

import (
	"strings"

	"netguard/internal/config"
	"netguard/internal/domain"
)

// scanKeywords runs every taxonomy category against the hostname and the path
// independently. Hostname hits carry the full category weight, path hits a fraction of
// it, and repeated hits add a capped increment.
func scanKeywords(t Target, rules *config.Rules, card *scorecard) {
	scoring := rules.KeywordScoring

	for _, category := range rules.Taxonomy {
		hostHits := MatchWords(t.Hostname, category.Words)
		pathHits := MatchWords(t.PathAndQuery, category.Words)
		if len(hostHits) == 0 && len(pathHits) == 0 {
			continue
		}

		card.tag(category.Name)
		card.recordKeywords(mergeDistinct(hostHits, pathHits)...)

		weight := float64(category.Weight)
		if len(hostHits) > 0 {
			card.add(weight + repeatBonus(len(hostHits), scoring.RepeatIncrement, scoring.RepeatCap))
		}
		if len(pathHits) > 0 {
			card.add(weight/float64(scoring.PathDivisor) + repeatBonus(len(pathHits), scoring.RepeatIncrement, scoring.RepeatCap))
		}
	}
}

// scanTracking tags telemetry-looking targets. The score only moves for background
// requests or when the volume of tracking words passes the threshold.
func scanTracking(t Target, background bool, rules *config.Rules, card *scorecard) {
	tracking := rules.Tracking

	var hits []string
	for _, word := range tracking.Words {
		if strings.Contains(t.Hostname, word) || strings.Contains(t.PathAndQuery, word) {
			hits = append(hits, word)
		}
	}
	if len(hits) == 0 {
		return
	}

	card.tag(domain.CategoryDataCollection)
	card.recordKeywords(hits...)

	if background || len(hits) >= tracking.VolumeThreshold {
		card.add(float64(tracking.BaseWeight + len(hits)*tracking.PerMatch))
	}
}

// MatchWords returns the distinct words found in text, in word-list order.
func MatchWords(text string, words []string) []string {
	if text == "" {
		return nil
	}
	var hits []string
	for _, word := range words {
		if strings.Contains(text, word) {
			hits = append(hits, word)
		}
	}
	return hits
}

func repeatBonus(hits, increment, capCount int) float64 {
	return float64(min(hits-1, capCount) * increment)
}

func mergeDistinct(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, w := range list {
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			out = append(out, w)
		}
	}
	return out
}
