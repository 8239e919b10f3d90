package classifier

import (
	"math"

	"netguard/internal/domain"
)

// scorecard accumulates score and evidence for one target. Weights divided for path hits
// are fractional, so the running score is kept as a float and rounded once.
type scorecard struct {
	score      float64
	categories domain.CategorySet
	features   domain.FeatureSet
}

func (s *scorecard) add(points float64) {
	s.score += points
}

func (s *scorecard) tag(c domain.Category) {
	s.categories = s.categories.With(c)
}

func (s *scorecard) recordKeywords(words ...string) {
	s.features.MatchedKeywords = append(s.features.MatchedKeywords, words...)
}

// hasRiskFlags reports whether any independent risk signal has fired so far.
func (s *scorecard) hasRiskFlags() bool {
	return s.categories.Len() > 0 || s.features.SuspiciousTLD || s.features.IsTyposquat
}

func (s *scorecard) finalScore() int {
	return clampScore(int(math.Round(s.score)))
}
