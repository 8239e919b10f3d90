package classifier

import (
	"netguard/internal/config"
	"netguard/internal/domain"
)

// Options tunes a single static classification.
type Options struct {
	// Background marks requests not initiated by user navigation (beacons, telemetry).
	Background bool
}

// Classify normalizes raw and runs the static pipeline. It is pure: the same input and
// rules always give an identical verdict.
func Classify(raw string, opts Options, rules *config.Rules) domain.Verdict {
	return ClassifyTarget(Normalize(raw), opts, rules)
}

// ClassifyTarget runs overrides first, then typosquat detection, the TLD check, keyword
// and tracking scans and the heuristics, and finally the decision bands.
func ClassifyTarget(t Target, opts Options, rules *config.Rules) domain.Verdict {
	if rules == nil {
		rules = config.GetRules()
	}

	if v, ok := ResolveOverride(t, rules); ok {
		return v
	}

	card := &scorecard{
		features: domain.FeatureSet{
			Entropy:           Entropy(t.Hostname),
			MatchedKeywords:   []string{},
			RegistrableDomain: t.Registrable,
		},
	}

	if brands := DetectTyposquat(t, rules); len(brands) > 0 {
		card.features.IsTyposquat = true
		card.features.TyposquatTargets = brands
		card.tag(domain.CategoryPhishingImpersonation)
		card.add(float64(rules.Typosquat.Weight))
	}

	scoreTLD(t, rules, card)
	scanKeywords(t, rules, card)
	scanTracking(t, opts.Background, rules, card)
	applyHeuristics(t, rules, card)

	score := card.finalScore()
	level, action := Decide(score, rules.Decision)

	return domain.Verdict{
		Domain:      t.Hostname,
		FullTarget:  t.FullTarget,
		RiskScore:   score,
		ThreatLevel: level,
		Action:      action,
		Categories:  card.categories,
		Features:    card.features,
	}
}
