package classifier

import (
	"strings"

	"netguard/internal/config"
	"netguard/internal/domain"
)

const (
	violationCommercialTLD = "commercial_tld_mismatch"
	complianceAuthorized   = "authorized_entity"
)

// ResolveOverride applies the policy overrides in precedence order: internal systems,
// trusted domains, the banking policy, then authority suffixes. The returned verdict
// short-circuits scoring when ok is true.
func ResolveOverride(t Target, rules *config.Rules) (domain.Verdict, bool) {
	if rules.InternalSet().Match(t.Hostname) {
		return overrideVerdict(t, 0, domain.ThreatSafe, domain.ActionAllow, domain.CategoryInternalSystem,
			domain.FeatureSet{IsInternal: true}), true
	}

	if rules.WhitelistSet().Match(t.Hostname) {
		return overrideVerdict(t, 0, domain.ThreatSafe, domain.ActionAllow, domain.CategoryTrusted,
			domain.FeatureSet{IsWhitelisted: true}), true
	}

	if v, ok := resolveBanking(t, rules); ok {
		return v, true
	}

	for _, suffix := range rules.Authority.Suffixes {
		if strings.HasSuffix(t.Hostname, "."+suffix) {
			return overrideVerdict(t, rules.Authority.Score, domain.ThreatSafe, domain.ActionAllow,
				domain.CategoryEducationalGovernment, domain.FeatureSet{IsAuthority: true}), true
		}
	}

	return domain.Verdict{}, false
}

// resolveBanking is the banking-brand policy. Only the main name is inspected, so
// subdomains and paths never trigger it. Loose substring hits on a commercial TLD fall
// through to normal scoring.
func resolveBanking(t Target, rules *config.Rules) (domain.Verdict, bool) {
	for _, keyword := range rules.Banking.Keywords {
		if !strings.Contains(t.MainName, keyword) {
			continue
		}

		if isLicensedBank(t, rules) {
			return overrideVerdict(t, 0, domain.ThreatSafe, domain.ActionAllow, domain.CategoryVerifiedAuthority,
				domain.FeatureSet{IsWhitelisted: true, Compliance: complianceAuthorized}), true
		}

		if isWholeToken(t.MainName, keyword) {
			return overrideVerdict(t, clampScore(rules.Banking.BlockScore), domain.ThreatCritical, domain.ActionHardBlock,
				domain.CategoryUnauthorizedBanking,
				domain.FeatureSet{MatchedBankKeyword: keyword, Violation: violationCommercialTLD}), true
		}
	}
	return domain.Verdict{}, false
}

func isLicensedBank(t Target, rules *config.Rules) bool {
	for _, suffix := range rules.Banking.BankSuffixes {
		if strings.HasSuffix(t.Hostname, "."+suffix) {
			return true
		}
	}
	for _, suffix := range rules.Banking.HighTrustSuffixes {
		if t.HasSuffix(suffix) {
			return true
		}
	}
	return false
}

// isWholeToken reports whether keyword is the whole name or a hyphen-bounded prefix or
// suffix of it ("sbi", "sbi-login", "login-sbi").
func isWholeToken(name, keyword string) bool {
	return name == keyword ||
		strings.HasPrefix(name, keyword+"-") ||
		strings.HasSuffix(name, "-"+keyword)
}

func overrideVerdict(t Target, score int, level domain.ThreatLevel, action domain.Action, category domain.Category, features domain.FeatureSet) domain.Verdict {
	features.Entropy = Entropy(t.Hostname)
	features.RegistrableDomain = t.Registrable
	return domain.Verdict{
		Domain:      t.Hostname,
		FullTarget:  t.FullTarget,
		RiskScore:   score,
		ThreatLevel: level,
		Action:      action,
		Categories:  domain.NewCategorySet(category),
		Features:    features,
	}
}
