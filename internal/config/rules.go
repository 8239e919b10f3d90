package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"netguard/internal/domain"
)

//go:embed default_rules.json
var defaultRules []byte

const defaultScriptDivisor = 2

// ErrInvalidRules wraps every validation failure of a rule table.
var ErrInvalidRules = errors.New("invalid rule tables")

// Rules is the full classification rule table. A *Rules handed out by the store is
// compiled and must be treated as read-only; reloads replace the pointer.
type Rules struct {
	Version string `json:"version"`
	// Generation increases with every applied table, even when Version does not change.
	// Zero for tables that never went through the store.
	Generation uint64 `json:"-"`

	InternalDomains []string `json:"internal_domains"`
	Whitelist       []string `json:"whitelist_domains"`

	Authority struct {
		Suffixes []string `json:"suffixes"`
		Score    int      `json:"score"`
	} `json:"authority"`

	Banking struct {
		Keywords          []string `json:"keywords"`
		BankSuffixes      []string `json:"bank_suffixes"`
		HighTrustSuffixes []string `json:"high_trust_suffixes"`
		BlockScore        int      `json:"block_score"`
	} `json:"banking"`

	Typosquat struct {
		Brands            []string `json:"brands"`
		Weight            int      `json:"weight"`
		MaxDistance       int      `json:"max_distance"`
		ExtendedDistance  int      `json:"extended_distance"`
		ExtendedMinLength int      `json:"extended_min_length"`
	} `json:"typosquat"`

	Taxonomy []KeywordCategory `json:"taxonomy"`

	KeywordScoring struct {
		PathDivisor     int `json:"path_divisor"`
		RepeatIncrement int `json:"repeat_increment"`
		RepeatCap       int `json:"repeat_cap"`
	} `json:"keyword_scoring"`

	TLD struct {
		Suspicious        []string `json:"suspicious"`
		Trusted           []string `json:"trusted"`
		SuspiciousPenalty int      `json:"suspicious_penalty"`
		TrustedBonus      int      `json:"trusted_bonus"`
	} `json:"tld"`

	Tracking struct {
		Words           []string `json:"words"`
		VolumeThreshold int      `json:"volume_threshold"`
		BaseWeight      int      `json:"base_weight"`
		PerMatch        int      `json:"per_match"`
	} `json:"tracking"`

	Heuristics struct {
		EntropyThreshold float64 `json:"entropy_threshold"`
		EntropyPenalty   int     `json:"entropy_penalty"`
		LengthThreshold  int     `json:"length_threshold"`
		LengthPenalty    int     `json:"length_penalty"`
		MaxDots          int     `json:"max_dots"`
		DepthPenalty     int     `json:"depth_penalty"`
	} `json:"heuristics"`

	Decision []DecisionBand `json:"decision"`

	Content struct {
		MinHits            int `json:"min_hits"`
		TrapStaticBelow    int `json:"trap_static_below"`
		TrapContentAtLeast int `json:"trap_content_at_least"`
		TrapBoost          int `json:"trap_boost"`
		MaxMatches         int `json:"max_matches"`
		ScriptDivisor      int `json:"script_divisor"`
	} `json:"content"`

	internal  HostSet
	whitelist HostSet
}

// KeywordCategory is one taxonomy entry. ContentWeight of zero keeps the category out of
// the page-content pass.
type KeywordCategory struct {
	Name          domain.Category `json:"name"`
	Words         []string        `json:"words"`
	Weight        int             `json:"weight"`
	ContentWeight int             `json:"content_weight,omitempty"`
}

// DecisionBand maps every score >= MinScore (down to the next band) to a level and action.
type DecisionBand struct {
	MinScore    int                `json:"min_score"`
	ThreatLevel domain.ThreatLevel `json:"threat_level"`
	Action      domain.Action      `json:"action"`
}

// DefaultRules returns a freshly compiled copy of the embedded rule table.
func DefaultRules() *Rules {
	rules, err := ParseRules(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("config: embedded default rules are invalid: %v", err))
	}
	return rules
}

// LoadRulesFile reads and compiles a rule table from disk.
func LoadRulesFile(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and compiles a rule table.
func ParseRules(data []byte) (*Rules, error) {
	var rules Rules
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if err := rules.compile(); err != nil {
		return nil, err
	}
	return &rules, nil
}

// InternalSet is the compiled internal-system host set.
func (r *Rules) InternalSet() HostSet {
	return r.internal
}

// WhitelistSet is the compiled trusted-domain host set.
func (r *Rules) WhitelistSet() HostSet {
	return r.whitelist
}

// HardBlockThreshold is the lowest score mapped to HARD-BLOCK, or 101 when no band blocks.
func (r *Rules) HardBlockThreshold() int {
	for _, band := range r.Decision {
		if band.Action == domain.ActionHardBlock {
			return band.MinScore
		}
	}
	return 101
}

func (r *Rules) compile() error {
	var errs []error

	r.Version = strings.TrimSpace(r.Version)
	r.InternalDomains = NormalizeHostEntries(r.InternalDomains)
	r.Whitelist = NormalizeHostEntries(r.Whitelist)
	r.Authority.Suffixes = normalizeSuffixes(r.Authority.Suffixes)
	r.Banking.Keywords = normalizeWords(r.Banking.Keywords)
	r.Banking.BankSuffixes = normalizeSuffixes(r.Banking.BankSuffixes)
	r.Banking.HighTrustSuffixes = normalizeSuffixes(r.Banking.HighTrustSuffixes)
	r.Typosquat.Brands = normalizeWords(r.Typosquat.Brands)
	r.TLD.Suspicious = normalizeSuffixes(r.TLD.Suspicious)
	r.TLD.Trusted = normalizeSuffixes(r.TLD.Trusted)
	r.Tracking.Words = normalizeWords(r.Tracking.Words)

	seen := make(map[domain.Category]struct{}, len(r.Taxonomy))
	for i := range r.Taxonomy {
		cat := &r.Taxonomy[i]
		cat.Name = domain.Category(strings.ToLower(strings.TrimSpace(string(cat.Name))))
		cat.Words = normalizeWords(cat.Words)
		if cat.Name == "" {
			errs = append(errs, fmt.Errorf("taxonomy[%d]: empty name", i))
			continue
		}
		if _, dup := seen[cat.Name]; dup {
			errs = append(errs, fmt.Errorf("taxonomy[%d]: duplicate category %q", i, cat.Name))
		}
		seen[cat.Name] = struct{}{}
		if len(cat.Words) == 0 {
			errs = append(errs, fmt.Errorf("taxonomy %q: no words", cat.Name))
		}
		if cat.Weight < 0 || cat.ContentWeight < 0 {
			errs = append(errs, fmt.Errorf("taxonomy %q: negative weight", cat.Name))
		}
	}

	if r.KeywordScoring.PathDivisor <= 0 {
		errs = append(errs, errors.New("keyword_scoring.path_divisor must be positive"))
	}
	if r.Typosquat.MaxDistance < 0 || r.Typosquat.ExtendedDistance < 0 {
		errs = append(errs, errors.New("typosquat distances must not be negative"))
	}
	if r.Content.MinHits <= 0 {
		errs = append(errs, errors.New("content.min_hits must be positive"))
	}
	if r.Content.ScriptDivisor == 0 {
		r.Content.ScriptDivisor = defaultScriptDivisor
	} else if r.Content.ScriptDivisor < 0 {
		errs = append(errs, errors.New("content.script_divisor must be positive"))
	}

	errs = append(errs, r.compileDecision()...)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRules, errors.Join(errs...))
	}

	r.internal = NewHostSet(r.InternalDomains)
	r.whitelist = NewHostSet(r.Whitelist)
	return nil
}

func (r *Rules) compileDecision() []error {
	if len(r.Decision) == 0 {
		return []error{errors.New("decision: at least one band is required")}
	}

	slices.SortStableFunc(r.Decision, func(a, b DecisionBand) int {
		return b.MinScore - a.MinScore
	})

	var errs []error
	for i, band := range r.Decision {
		if i > 0 && band.MinScore == r.Decision[i-1].MinScore {
			errs = append(errs, fmt.Errorf("decision: duplicate min_score %d", band.MinScore))
		}
		switch band.Action {
		case domain.ActionAllow, domain.ActionSoftBlock, domain.ActionHardBlock:
		default:
			errs = append(errs, fmt.Errorf("decision: unknown action %q", band.Action))
		}
		if band.ThreatLevel == "" {
			errs = append(errs, fmt.Errorf("decision: band %d has no threat level", band.MinScore))
		}
	}
	if last := r.Decision[len(r.Decision)-1]; last.MinScore > 0 {
		errs = append(errs, fmt.Errorf("decision: lowest band starts at %d, must cover 0", last.MinScore))
	}
	return errs
}

func normalizeWords(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" || slices.Contains(out, w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func normalizeSuffixes(suffixes []string) []string {
	words := normalizeWords(suffixes)
	for i, w := range words {
		words[i] = strings.Trim(w, ".")
	}
	return normalizeWords(words)
}
