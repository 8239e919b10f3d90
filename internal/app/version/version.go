package version

// Overridden at build time with -ldflags "-X netguard/internal/app/version.buildVersion=...".
var (
	buildVersion = "dev"
	builtAt      = ""
)

// Info describes the running binary and the rule tables it serves.
type Info struct {
	Version      string `json:"version"`
	BuiltAt      string `json:"built_at,omitempty"`
	RulesVersion string `json:"rules_version,omitempty"`
}

func BuildVersion() string {
	return buildVersion
}

func GetInfo(rulesVersion string) Info {
	return Info{
		Version:      buildVersion,
		BuiltAt:      builtAt,
		RulesVersion: rulesVersion,
	}
}
