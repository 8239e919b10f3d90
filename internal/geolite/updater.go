package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	countryEdition   = "GeoLite2-Country"
	countryFileName  = "GeoLite2-Country.mmdb"
	defaultUserAgent = "netguard-geolite-updater/1.0"
)

// ErrNoLicenseKey indicates that no MaxMind license key was configured.
var ErrNoLicenseKey = errors.New("geolite: license key is not configured")

// Updater downloads the GeoLite2 Country database and reloads a Locator from it.
type Updater struct {
	locator     *Locator
	licenseKey  string
	downloadURL string
	client      *http.Client
	group       singleflight.Group
}

func NewUpdater(locator *Locator, licenseKey string) *Updater {
	return &Updater{
		locator:     locator,
		licenseKey:  strings.TrimSpace(licenseKey),
		downloadURL: "https://download.maxmind.com/app/geoip_download",
		client:      &http.Client{Timeout: 2 * time.Minute},
	}
}

// Update downloads the current edition into the locator's path and reloads it. Concurrent
// calls share one download.
func (u *Updater) Update(ctx context.Context) error {
	_, err, _ := u.group.Do("update", func() (interface{}, error) {
		if u.licenseKey == "" {
			return nil, ErrNoLicenseKey
		}
		if u.locator.Path() == "" {
			return nil, errors.New("geolite: no database path configured")
		}

		if err := u.download(ctx, u.locator.Path()); err != nil {
			return nil, err
		}
		if err := u.locator.Load(); err != nil {
			return nil, fmt.Errorf("geolite: reload: %w", err)
		}
		return nil, nil
	})
	return err
}

func (u *Updater) download(ctx context.Context, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.buildURL(), nil)
	if err != nil {
		return fmt.Errorf("geolite: create request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("geolite: download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("geolite: download: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("geolite: open gzip: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("geolite: read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != countryFileName {
			continue
		}
		if err := writeToFile(destPath, tarReader); err != nil {
			return fmt.Errorf("geolite: write file: %w", err)
		}
		return nil
	}

	return fmt.Errorf("geolite: %s not found in archive", countryFileName)
}

func (u *Updater) buildURL() string {
	q := url.Values{}
	q.Set("edition_id", countryEdition)
	q.Set("license_key", u.licenseKey)
	q.Set("suffix", "tar.gz")
	return u.downloadURL + "?" + q.Encode()
}

func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmpFile.Name(), destPath)
}
