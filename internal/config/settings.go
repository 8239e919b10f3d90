package config

import (
	_ "embed"
	"encoding/json"
	"os"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"netguard/internal/support"
)

// Settings holds process-level configuration. Classification rules live in Rules.
type Settings struct {
	Server struct {
		Port         int      `json:"port"`
		ReadTimeout  Duration `json:"read_timeout"`
		WriteTimeout Duration `json:"write_timeout"`
	} `json:"server"`

	Cache struct {
		Capacity int      `json:"capacity"`
		TTL      Duration `json:"ttl"`
	} `json:"cache"`

	Content struct {
		Fetcher      string   `json:"fetcher"`
		Timeout      Duration `json:"timeout"`
		MaxBodyBytes int64    `json:"max_body_bytes"`
		UserAgent    string   `json:"user_agent"`
		BrowserPages int      `json:"browser_pages"`

		RegistrationLookup bool `json:"registration_lookup"`
	} `json:"content"`

	Protection struct {
		ActiveOnStart  bool `json:"active_on_start"`
		AlertThreshold int  `json:"alert_threshold"`
	} `json:"protection"`

	Analysis struct {
		BatchConcurrency int `json:"batch_concurrency"`
		BatchMaxItems    int `json:"batch_max_items"`
	} `json:"analysis"`

	Audit struct {
		Enabled       bool     `json:"enabled"`
		FlushInterval Duration `json:"flush_interval"`
		BatchSize     int      `json:"batch_size"`
		QueueSize     int      `json:"queue_size"`
		Retention     Duration `json:"retention"`
		CleanupEvery  Duration `json:"cleanup_interval"`
	} `json:"audit"`

	GeoLite struct {
		CountryDBPath  string   `json:"country_db_path"`
		LicenseKey     string   `json:"license_key"`
		AutoUpdate     bool     `json:"auto_update"`
		UpdateInterval Duration `json:"update_interval"`
	} `json:"geolite"`
}

const (
	FetcherHTTP    = "http"
	FetcherBrowser = "browser"
)

var (
	//go:embed default_settings.json
	defaultSettings []byte

	settingsValue atomic.Value

	InProductionMode bool
)

func init() {
	settingsValue.Store(DefaultSettings())
}

// DefaultSettings decodes the embedded defaults.
func DefaultSettings() Settings {
	var s Settings
	if err := json.Unmarshal(defaultSettings, &s); err != nil {
		panic("config: embedded default settings are invalid: " + err.Error())
	}
	return s
}

// ReadSettings layers the settings file at path (optional) and environment overrides on
// top of the embedded defaults, then stores the result.
func ReadSettings(path string) Settings {
	settings := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &settings); err != nil {
				log.Error("Error unmarshalling settings file, using defaults", "path", path, "error", err)
				settings = DefaultSettings()
			} else {
				log.Debug("Settings file loaded successfully", "path", path)
			}
		case os.IsNotExist(err):
			log.Warn("Settings file not found, using embedded defaults", "path", path)
		default:
			log.Error("Error reading settings file", "path", path, "error", err)
		}
	}

	applyEnvOverrides(&settings)
	sanitizeSettings(&settings)
	SetSettings(settings)
	return settings
}

func SetSettings(s Settings) {
	settingsValue.Store(s)
}

func GetSettings() Settings {
	return settingsValue.Load().(Settings)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}

func applyEnvOverrides(s *Settings) {
	s.Server.Port = support.GetEnvInt("PORT", s.Server.Port)
	s.Cache.Capacity = support.GetEnvInt("CACHE_CAPACITY", s.Cache.Capacity)
	s.Cache.TTL = Duration(support.GetEnvDuration("CACHE_TTL", s.Cache.TTL.Std()))
	s.Content.Fetcher = support.GetEnv("CONTENT_FETCHER", s.Content.Fetcher)
	s.Content.Timeout = Duration(support.GetEnvDuration("CONTENT_TIMEOUT", s.Content.Timeout.Std()))
	s.Content.MaxBodyBytes = int64(support.GetEnvInt("CONTENT_MAX_BODY_BYTES", int(s.Content.MaxBodyBytes)))
	s.Content.RegistrationLookup = support.GetEnvBool("CONTENT_REGISTRATION_LOOKUP", s.Content.RegistrationLookup)
	s.Protection.AlertThreshold = support.GetEnvInt("ALERT_THRESHOLD", s.Protection.AlertThreshold)
	s.Audit.Retention = Duration(support.GetEnvDuration("AUDIT_RETENTION", s.Audit.Retention.Std()))
	s.GeoLite.CountryDBPath = support.GetEnv("GEOLITE_COUNTRY_DB", s.GeoLite.CountryDBPath)
	s.GeoLite.LicenseKey = support.GetEnv("GEOLITE_LICENSE_KEY", s.GeoLite.LicenseKey)
	s.GeoLite.AutoUpdate = support.GetEnvBool("GEOLITE_AUTO_UPDATE", s.GeoLite.AutoUpdate)
	s.Protection.ActiveOnStart = support.GetEnvBool("PROTECTION_ACTIVE_ON_START", s.Protection.ActiveOnStart)
}

func sanitizeSettings(s *Settings) {
	defaults := DefaultSettings()

	if s.Server.Port <= 0 {
		s.Server.Port = defaults.Server.Port
	}
	if s.Cache.Capacity <= 0 {
		log.Warn("invalid cache capacity, using default", "value", s.Cache.Capacity)
		s.Cache.Capacity = defaults.Cache.Capacity
	}
	if s.Content.Timeout <= 0 {
		s.Content.Timeout = defaults.Content.Timeout
	}
	if s.Content.MaxBodyBytes <= 0 {
		s.Content.MaxBodyBytes = defaults.Content.MaxBodyBytes
	}
	if s.Content.Fetcher != FetcherHTTP && s.Content.Fetcher != FetcherBrowser {
		log.Warn("unknown content fetcher, falling back to http", "value", s.Content.Fetcher)
		s.Content.Fetcher = FetcherHTTP
	}
	if s.Analysis.BatchConcurrency <= 0 {
		s.Analysis.BatchConcurrency = defaults.Analysis.BatchConcurrency
	}
	if s.Analysis.BatchMaxItems <= 0 {
		s.Analysis.BatchMaxItems = defaults.Analysis.BatchMaxItems
	}
	if s.Audit.BatchSize <= 0 {
		s.Audit.BatchSize = defaults.Audit.BatchSize
	}
	if s.Audit.QueueSize <= 0 {
		s.Audit.QueueSize = defaults.Audit.QueueSize
	}
	if s.Audit.FlushInterval <= 0 {
		s.Audit.FlushInterval = defaults.Audit.FlushInterval
	}
	if s.Audit.CleanupEvery <= 0 {
		s.Audit.CleanupEvery = defaults.Audit.CleanupEvery
	}
	if s.GeoLite.UpdateInterval <= 0 {
		s.GeoLite.UpdateInterval = defaults.GeoLite.UpdateInterval
	}
}
