package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"netguard/internal/geolite"
)

const geoLiteUpdateFallbackEvery = 24 * time.Hour

// GeoLiteUpdater refreshes the country database.
type GeoLiteUpdater interface {
	Update(ctx context.Context) error
}

// StartGeoLiteUpdateRoutine refreshes the country database on every interval. The first
// download happens immediately when no database is loaded yet. Every instance keeps its
// own copy on disk, so the routine runs on all of them.
func StartGeoLiteUpdateRoutine(ctx context.Context, updater GeoLiteUpdater, loaded bool, interval time.Duration) {
	if interval <= 0 {
		interval = geoLiteUpdateFallbackEvery
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if !loaded {
		triggerGeoLiteUpdate(ctx, updater, "startup")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			triggerGeoLiteUpdate(ctx, updater, "scheduled")
		}
	}
}

func triggerGeoLiteUpdate(ctx context.Context, updater GeoLiteUpdater, reason string) bool {
	start := time.Now()

	err := updater.Update(ctx)
	switch {
	case errors.Is(err, geolite.ErrNoLicenseKey):
		log.Debug("GeoLite update skipped: license key missing", "reason", reason)
		return false
	case err != nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
		return false
	}

	log.Info("GeoLite country database updated", "reason", reason, "duration", time.Since(start))
	return true
}
