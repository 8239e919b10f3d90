package classifier

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

const defaultScheme = "https://"

// schemePrefix matches a URL scheme at the start of the input only, so a URL carried in a
// query string ("host/login?next=http://x") does not count as one.
var schemePrefix = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// Target is a normalized analysis target. All fields are lowercase.
type Target struct {
	// FullTarget is the input with a scheme prepended when it had none.
	FullTarget   string
	Hostname     string
	PathAndQuery string
	// MainName is the second-to-last hostname label, or the whole hostname when it has a
	// single label.
	MainName string
	TLD      string
	// Registrable is the eTLD+1 of Hostname, empty for IPs and bare suffixes.
	Registrable string
}

// Normalize parses raw (a bare hostname or a URL). It never fails: input that does not
// parse is treated as a lowercase hostname with no path.
func Normalize(raw string) Target {
	raw = strings.TrimSpace(raw)

	full := raw
	if !schemePrefix.MatchString(full) {
		full = defaultScheme + full
	}

	target := Target{FullTarget: full}

	parsed, err := url.Parse(full)
	if err != nil || parsed.Hostname() == "" {
		target.Hostname = strings.ToLower(raw)
	} else {
		target.Hostname = strings.ToLower(strings.TrimSuffix(parsed.Hostname(), "."))
		target.PathAndQuery = strings.ToLower(pathAndQuery(parsed))
	}

	target.Hostname = toASCII(target.Hostname)

	labels := strings.Split(target.Hostname, ".")
	target.TLD = labels[len(labels)-1]
	if len(labels) > 1 {
		target.MainName = labels[len(labels)-2]
	} else {
		target.MainName = target.Hostname
	}

	if net.ParseIP(target.Hostname) == nil {
		if etld1, err := publicsuffix.EffectiveTLDPlusOne(target.Hostname); err == nil {
			target.Registrable = etld1
		}
	}

	return target
}

// RegistrableLabel is the label directly before the public suffix ("paypa1" for
// "paypa1.co.uk"), or MainName when no registrable domain is known.
func (t Target) RegistrableLabel() string {
	if t.Registrable == "" {
		return t.MainName
	}
	label, _, _ := strings.Cut(t.Registrable, ".")
	return label
}

// HasSuffix reports whether the hostname is suffix or ends with "."+suffix.
func (t Target) HasSuffix(suffix string) bool {
	return t.Hostname == suffix || strings.HasSuffix(t.Hostname, "."+suffix)
}

func pathAndQuery(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

func toASCII(host string) string {
	for i := 0; i < len(host); i++ {
		if host[i] >= 0x80 {
			if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
				return ascii
			}
			return host
		}
	}
	return host
}

// displayLabel returns the Unicode form of a punycode label so homoglyph names can be
// compared against brands character by character.
func displayLabel(label string) string {
	if !strings.HasPrefix(label, "xn--") {
		return label
	}
	if uni, err := idna.Display.ToUnicode(label); err == nil {
		return uni
	}
	return label
}
