package classifier

import (
	"unicode/utf8"

	"netguard/internal/config"
)

// DetectTyposquat returns the watchlisted brands the target's name imitates. A name
// equal to a brand is never a typosquat of it.
func DetectTyposquat(t Target, rules *config.Rules) []string {
	candidates := typosquatCandidates(t)

	var matched []string
	for _, brand := range rules.Typosquat.Brands {
		for _, name := range candidates {
			if name == brand {
				continue
			}
			if imitates(name, brand, rules) {
				matched = append(matched, brand)
				break
			}
		}
	}
	return matched
}

// typosquatCandidates are the main name, the label before the public suffix when it
// differs ("paypa1" in "paypa1.co.uk"), and the Unicode forms of punycode labels.
func typosquatCandidates(t Target) []string {
	out := make([]string, 0, 4)
	add := func(name string) {
		if name == "" {
			return
		}
		for _, existing := range out {
			if existing == name {
				return
			}
		}
		out = append(out, name)
	}

	add(t.MainName)
	add(displayLabel(t.MainName))
	add(t.RegistrableLabel())
	add(displayLabel(t.RegistrableLabel()))
	return out
}

func imitates(name, brand string, rules *config.Rules) bool {
	limit := max(rules.Typosquat.MaxDistance, rules.Typosquat.ExtendedDistance)
	nameLen := utf8.RuneCountInString(name)
	if diff := nameLen - utf8.RuneCountInString(brand); diff > limit || -diff > limit {
		return false
	}

	dist := editDistance(name, brand)
	switch {
	case dist == 0:
		return false
	case dist <= rules.Typosquat.MaxDistance:
		return true
	case dist <= rules.Typosquat.ExtendedDistance:
		return nameLen >= rules.Typosquat.ExtendedMinLength
	default:
		return false
	}
}

// editDistance is the Levenshtein distance over runes, using two rolling rows.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}
