package config

import (
	"net/url"
	"strings"
)

// HostSet matches hostnames against a list of domains, either exactly or as a
// dot-bounded suffix ("a.example.com" matches "example.com", "badexample.com" does not).
type HostSet struct {
	entries map[string]struct{}
}

// NewHostSet builds a lookup set from the provided entries.
func NewHostSet(entries []string) HostSet {
	normalized := NormalizeHostEntries(entries)
	set := make(map[string]struct{}, len(normalized))
	for _, host := range normalized {
		set[host] = struct{}{}
	}
	return HostSet{entries: set}
}

// NormalizeHostEntries trims, lowercases, and deduplicates host entries. Entries may be
// bare hostnames, suffixes ("gov.in") or full URLs.
func NormalizeHostEntries(entries []string) []string {
	unique := make(map[string]struct{}, len(entries))
	normalized := make([]string, 0, len(entries))

	for _, raw := range entries {
		host := normalizeHostname(raw)
		if host == "" {
			continue
		}
		if _, exists := unique[host]; exists {
			continue
		}
		unique[host] = struct{}{}
		normalized = append(normalized, host)
	}

	return normalized
}

// Match reports whether host equals an entry or ends with "."+entry.
func (s HostSet) Match(host string) bool {
	_, ok := s.MatchEntry(host)
	return ok
}

// MatchEntry is Match that also returns the entry that matched.
func (s HostSet) MatchEntry(host string) (string, bool) {
	if host == "" || len(s.entries) == 0 {
		return "", false
	}

	candidate := host
	for {
		if _, ok := s.entries[candidate]; ok {
			return candidate, true
		}
		dot := strings.IndexByte(candidate, '.')
		if dot < 0 {
			return "", false
		}
		candidate = candidate[dot+1:]
	}
}

func (s HostSet) Len() int {
	return len(s.entries)
}

// Entries returns the set contents in no particular order.
func (s HostSet) Entries() []string {
	out := make([]string, 0, len(s.entries))
	for host := range s.entries {
		out = append(out, host)
	}
	return out
}

func normalizeHostname(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	// Allow bare hostnames by prefixing a scheme for URL parsing.
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	return strings.Trim(host, ".")
}
