package domain

import (
	"encoding/json"
	"slices"
	"strings"
)

// Action is the enforcement decision attached to a verdict.
type Action string

const (
	ActionAllow     Action = "ALLOW"
	ActionSoftBlock Action = "SOFT-BLOCK"
	ActionHardBlock Action = "HARD-BLOCK"
)

// ThreatLevel is the coarse bucket derived from a risk score.
type ThreatLevel string

const (
	ThreatSafe       ThreatLevel = "safe"
	ThreatLow        ThreatLevel = "low"
	ThreatSuspicious ThreatLevel = "suspicious"
	ThreatMedium     ThreatLevel = "medium"
	ThreatHigh       ThreatLevel = "high"
	ThreatCritical   ThreatLevel = "critical"
)

// Category tags a verdict. Override categories are fixed; taxonomy categories come from
// the rule tables and are plain Category values as well.
type Category string

const (
	CategoryGeneral               Category = "general"
	CategoryTrusted               Category = "trusted"
	CategoryInternalSystem        Category = "internal_system"
	CategoryVerifiedAuthority     Category = "verified_authority"
	CategoryUnauthorizedBanking   Category = "unauthorized_banking"
	CategoryEducationalGovernment Category = "educational_government"
	CategoryPhishingImpersonation Category = "phishing_impersonation"
	CategoryDataCollection        Category = "data_collection"
)

// ContentCategory returns the tag used for a category detected in fetched page content.
func ContentCategory(c Category) Category {
	return c + "_content"
}

// CategorySet is an ordered set of category tags. Use String only at serialization time.
type CategorySet struct {
	items []Category
}

// NewCategorySet builds a set from the given tags, ignoring duplicates and empty values.
func NewCategorySet(tags ...Category) CategorySet {
	var s CategorySet
	for _, t := range tags {
		s = s.With(t)
	}
	return s
}

// With returns a copy of the set that also contains tag.
func (s CategorySet) With(tag Category) CategorySet {
	if tag == "" || s.Has(tag) {
		return s
	}
	items := make([]Category, len(s.items), len(s.items)+1)
	copy(items, s.items)
	return CategorySet{items: append(items, tag)}
}

// Union returns a set containing the tags of both sets.
func (s CategorySet) Union(other CategorySet) CategorySet {
	out := s
	for _, t := range other.items {
		out = out.With(t)
	}
	return out
}

func (s CategorySet) Has(tag Category) bool {
	return slices.Contains(s.items, tag)
}

func (s CategorySet) Len() int {
	return len(s.items)
}

// Sorted returns the tags in lexical order.
func (s CategorySet) Sorted() []Category {
	out := slices.Clone(s.items)
	slices.Sort(out)
	return out
}

// String renders the joined label: sorted tags separated by ", ", or "general" when empty.
func (s CategorySet) String() string {
	if len(s.items) == 0 {
		return string(CategoryGeneral)
	}
	sorted := s.Sorted()
	parts := make([]string, len(sorted))
	for i, c := range sorted {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}

// FeatureSet is the evidence collected while scoring a target. Optional fields are only
// populated by the stage that owns them.
type FeatureSet struct {
	Entropy         float64  `json:"entropy"`
	MatchedKeywords []string `json:"matchedKeywords"`
	IsTyposquat     bool     `json:"isTyposquat"`
	SuspiciousTLD   bool     `json:"suspiciousTLD"`

	TyposquatTargets  []string `json:"typosquatTargets,omitempty"`
	RegistrableDomain string   `json:"registrableDomain,omitempty"`

	IsWhitelisted      bool   `json:"isWhitelisted,omitempty"`
	IsAuthority        bool   `json:"isAuthority,omitempty"`
	IsInternal         bool   `json:"isInternal,omitempty"`
	MatchedBankKeyword string `json:"matchedBankKeyword,omitempty"`
	Violation          string `json:"violation,omitempty"`
	Compliance         string `json:"compliance,omitempty"`

	DeepScan       bool     `json:"deepScan,omitempty"`
	ContentScore   int      `json:"contentScore,omitempty"`
	ContentMatches []string `json:"contentMatches,omitempty"`
	FetchError     bool     `json:"fetchError,omitempty"`
	DomainAgeDays  *int     `json:"domainAgeDays,omitempty"`
}

// Overridden reports whether a policy override (internal, trusted, authority or banking)
// decided the verdict.
func (f FeatureSet) Overridden() bool {
	return f.IsInternal || f.IsWhitelisted || f.IsAuthority || f.MatchedBankKeyword != ""
}

// Clone returns a deep copy so derived verdicts never share slices with their parent.
func (f FeatureSet) Clone() FeatureSet {
	out := f
	out.MatchedKeywords = slices.Clone(f.MatchedKeywords)
	out.TyposquatTargets = slices.Clone(f.TyposquatTargets)
	out.ContentMatches = slices.Clone(f.ContentMatches)
	if f.DomainAgeDays != nil {
		days := *f.DomainAgeDays
		out.DomainAgeDays = &days
	}
	return out
}

// Verdict is the immutable result of one analysis.
type Verdict struct {
	Domain      string
	FullTarget  string
	RiskScore   int
	ThreatLevel ThreatLevel
	Action      Action
	Categories  CategorySet
	Features    FeatureSet
}

// Category renders the joined category label.
func (v Verdict) Category() string {
	return v.Categories.String()
}

// Clone returns a deep copy of the verdict.
func (v Verdict) Clone() Verdict {
	out := v
	out.Features = v.Features.Clone()
	return out
}

type verdictJSON struct {
	Domain      string      `json:"domain"`
	FullURL     string      `json:"fullUrl"`
	RiskScore   int         `json:"riskScore"`
	ThreatLevel ThreatLevel `json:"threatLevel"`
	Action      Action      `json:"action"`
	Category    string      `json:"category"`
	Categories  []Category  `json:"categories"`
	Features    FeatureSet  `json:"features"`
}

func (v Verdict) MarshalJSON() ([]byte, error) {
	cats := v.Categories.Sorted()
	if cats == nil {
		cats = []Category{}
	}
	features := v.Features
	if features.MatchedKeywords == nil {
		features.MatchedKeywords = []string{}
	}
	return json.Marshal(verdictJSON{
		Domain:      v.Domain,
		FullURL:     v.FullTarget,
		RiskScore:   v.RiskScore,
		ThreatLevel: v.ThreatLevel,
		Action:      v.Action,
		Category:    v.Category(),
		Categories:  cats,
		Features:    features,
	})
}

func (v *Verdict) UnmarshalJSON(data []byte) error {
	var raw verdictJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = Verdict{
		Domain:      raw.Domain,
		FullTarget:  raw.FullURL,
		RiskScore:   raw.RiskScore,
		ThreatLevel: raw.ThreatLevel,
		Action:      raw.Action,
		Categories:  NewCategorySet(raw.Categories...),
		Features:    raw.Features,
	}
	return nil
}
