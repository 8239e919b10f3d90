package bootstrap

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"netguard/internal/broadcast"
	"netguard/internal/classifier/content"
	"netguard/internal/config"
	"netguard/internal/database"
	"netguard/internal/geolite"
	"netguard/internal/guard"
	jobruntime "netguard/internal/jobs/runtime"
	"netguard/internal/support"
	"netguard/internal/verdictcache"
)

type Options struct {
	SettingsPath string
	RulesPath    string
}

// Runtime holds the wired services of one netguard process.
type Runtime struct {
	Settings    config.Settings
	Guard       *guard.Service
	Broadcaster *broadcast.Broadcaster
	Hub         *broadcast.Hub
	Redis       *redis.Client

	closers []func()
}

// Instances counts live instances through the redis heartbeat; nil without redis.
func (r *Runtime) Instances() func(context.Context) (int, error) {
	if r.Redis == nil {
		return nil
	}
	client := r.Redis
	return func(ctx context.Context) (int, error) {
		return jobruntime.CountActiveInstances(ctx, client)
	}
}

// Close releases the resources Setup opened, newest first.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Setup loads configuration, wires every component and starts the background routines.
// The routines stop when ctx is cancelled.
func Setup(ctx context.Context, opts Options) (*Runtime, error) {
	settings := config.ReadSettings(opts.SettingsPath)
	config.ReadRules(opts.RulesPath)

	rt := &Runtime{Settings: settings}

	protection := guard.NewProtection(settings.Protection.ActiveOnStart)

	client, err := support.GetRedisClient()
	switch {
	case errors.Is(err, support.ErrRedisNotConfigured):
		log.Info("Redis not configured, running as a single instance")
	case err != nil:
		log.Warn("Redis unavailable, running as a single instance", "error", err)
	default:
		rt.Redis = client
		config.EnableRedisSynchronization(ctx, client)
		protection.EnableRedisSynchronization(ctx, client)
		rt.closers = append(rt.closers, jobruntime.LaunchInstanceHeartbeat(ctx, client))
		rt.closers = append(rt.closers, func() {
			config.DisableRedisSynchronization()
			protection.DisableRedisSynchronization()
			if err := support.CloseRedisClient(); err != nil {
				log.Warn("Error closing redis client", "error", err)
			}
		})
	}

	auditEnabled := settings.Audit.Enabled
	if auditEnabled {
		if _, err := database.SetupDB(); err != nil {
			log.Warn("Audit store unavailable, audit logging disabled", "error", err)
			auditEnabled = false
		}
	}

	escalator := content.NewEscalator(newFetcher(rt, settings), settings.Content.Timeout.Std())
	if settings.Content.RegistrationLookup {
		escalator.WithRegistration(content.NewWhoisLookup(settings.Content.Timeout.Std()))
	}

	rt.Guard = guard.NewService(guard.Config{
		Cache:            verdictcache.New(settings.Cache.Capacity, settings.Cache.TTL.Std()),
		Escalator:        escalator,
		Protection:       protection,
		AlertThreshold:   settings.Protection.AlertThreshold,
		BatchConcurrency: settings.Analysis.BatchConcurrency,
	})
	go rt.Guard.Run(ctx)

	rt.Hub = broadcast.NewHub()
	if rt.Redis != nil {
		rt.Broadcaster = broadcast.NewRedis(rt.Redis, rt.Hub, 0)
	} else {
		rt.Broadcaster = broadcast.New(nil, rt.Hub, 0)
	}
	rt.Guard.Subscribe(rt.Broadcaster)
	go rt.Broadcaster.Run(ctx)

	var countries jobruntime.CountryLocator
	if locator := setupGeoLite(ctx, rt, settings); locator != nil {
		countries = locator
	}

	if auditEnabled {
		writer := jobruntime.NewAuditWriter(jobruntime.AuditWriterConfig{
			Countries:     countries,
			FlushInterval: settings.Audit.FlushInterval.Std(),
			BatchSize:     settings.Audit.BatchSize,
			QueueSize:     settings.Audit.QueueSize,
		})
		rt.Guard.Subscribe(writer)
		go writer.Run(ctx)
		go jobruntime.StartAuditRetentionRoutine(ctx, settings.Audit.Retention.Std(), settings.Audit.CleanupEvery.Std())
	}

	log.Info("netguard initialized",
		"rules_version", config.GetRules().Version,
		"protection_active", protection.Active(),
		"fetcher", settings.Content.Fetcher,
		"audit", auditEnabled,
		"redis", rt.Redis != nil,
	)
	return rt, nil
}

func newFetcher(rt *Runtime, settings config.Settings) content.Fetcher {
	if settings.Content.Fetcher == config.FetcherBrowser {
		fetcher := content.NewBrowserFetcher(content.BrowserOptions{
			Pages:        settings.Content.BrowserPages,
			MaxBodyBytes: settings.Content.MaxBodyBytes,
		})
		rt.closers = append(rt.closers, fetcher.Close)
		return fetcher
	}

	return content.NewHTTPFetcher(content.HTTPOptions{
		MaxBodyBytes: settings.Content.MaxBodyBytes,
		UserAgent:    settings.Content.UserAgent,
	})
}

// setupGeoLite loads the country database when present and schedules refreshes. It
// returns nil when no database path is configured.
func setupGeoLite(ctx context.Context, rt *Runtime, settings config.Settings) *geolite.Locator {
	path := settings.GeoLite.CountryDBPath
	if path == "" {
		return nil
	}

	locator := geolite.NewLocator(path, net.DefaultResolver)
	loaded := false
	switch err := locator.Load(); {
	case err == nil:
		loaded = true
	case errors.Is(err, os.ErrNotExist):
		log.Info("GeoLite country database not found", "path", path)
	default:
		log.Warn("Failed to load GeoLite country database", "path", path, "error", err)
	}
	rt.closers = append(rt.closers, func() { _ = locator.Close() })

	if settings.GeoLite.AutoUpdate && settings.GeoLite.LicenseKey != "" {
		updater := geolite.NewUpdater(locator, settings.GeoLite.LicenseKey)
		go jobruntime.StartGeoLiteUpdateRoutine(ctx, updater, loaded, settings.GeoLite.UpdateInterval.Std())
	}

	return locator
}
