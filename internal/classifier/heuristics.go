package classifier

import (
	"strings"

	"netguard/internal/config"
)

// scoreTLD penalizes suspicious TLDs and rewards established ones. It runs regardless
// of other signals.
func scoreTLD(t Target, rules *config.Rules, card *scorecard) {
	for _, tld := range rules.TLD.Suspicious {
		if strings.HasSuffix(t.Hostname, "."+tld) {
			card.features.SuspiciousTLD = true
			card.add(float64(rules.TLD.SuspiciousPenalty))
			return
		}
	}
	for _, tld := range rules.TLD.Trusted {
		if strings.HasSuffix(t.Hostname, "."+tld) {
			card.add(-float64(rules.TLD.TrustedBonus))
			return
		}
	}
}

// applyHeuristics adds the entropy and length amplifiers (only when another risk signal
// fired) and the unconditional subdomain depth penalty.
func applyHeuristics(t Target, rules *config.Rules, card *scorecard) {
	h := rules.Heuristics

	if card.hasRiskFlags() {
		if card.features.Entropy > h.EntropyThreshold {
			card.add(float64(h.EntropyPenalty))
		}
		if len(t.Hostname) > h.LengthThreshold {
			card.add(float64(h.LengthPenalty))
		}
	}

	if strings.Count(t.Hostname, ".") > h.MaxDots {
		card.add(float64(h.DepthPenalty))
	}
}
