package geolite

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
	"golang.org/x/sync/singleflight"
)

var ErrUnavailable = errors.New("geolite: country database is not loaded")

const (
	dnsCacheTTL      = 12 * time.Hour
	dnsLookupTimeout = 2 * time.Second
)

// Resolver resolves hostnames to addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type dnsCacheEntry struct {
	ip      net.IP
	expires time.Time
}

// Locator maps hosts to ISO country codes using a GeoLite2 Country database. A Locator
// without a database answers "" for every host.
type Locator struct {
	path string

	mu     sync.RWMutex
	reader *geoip2.Reader

	resolver Resolver
	dnsCache sync.Map
	dnsGroup singleflight.Group
	now      func() time.Time
}

func NewLocator(path string, resolver Resolver) *Locator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Locator{path: path, resolver: resolver, now: time.Now}
}

func (l *Locator) Path() string {
	return l.path
}

// Load reads the database at the configured path and swaps it in.
func (l *Locator) Load() error {
	if l.path == "" {
		return ErrUnavailable
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	return l.LoadBytes(data)
}

// LoadBytes swaps in a database held in memory.
func (l *Locator) LoadBytes(data []byte) error {
	reader, err := geoip2.FromBytes(data)
	if err != nil {
		return err
	}

	l.mu.Lock()
	old := l.reader
	l.reader = reader
	l.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (l *Locator) Available() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reader != nil
}

func (l *Locator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reader == nil {
		return nil
	}
	err := l.reader.Close()
	l.reader = nil
	return err
}

// CountryForIP returns the upper-case ISO code for ip, or "".
func (l *Locator) CountryForIP(ip net.IP) string {
	if ip == nil {
		return ""
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.reader == nil {
		return ""
	}

	record, err := l.reader.Country(ip)
	if err != nil {
		return ""
	}
	return strings.ToUpper(record.Country.IsoCode)
}

// CountryForHost resolves host (cached) and looks up its country. Resolution failures
// yield "".
func (l *Locator) CountryForHost(ctx context.Context, host string) string {
	if !l.Available() {
		return ""
	}
	if ip := net.ParseIP(host); ip != nil {
		return l.CountryForIP(ip)
	}
	return l.CountryForIP(l.resolve(ctx, host))
}

func (l *Locator) resolve(ctx context.Context, host string) net.IP {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return nil
	}

	now := l.now()
	if entry, ok := l.dnsCache.Load(host); ok {
		cached := entry.(dnsCacheEntry)
		if now.Before(cached.expires) {
			return cached.ip
		}
	}

	result, _, _ := l.dnsGroup.Do(host, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(ctx, dnsLookupTimeout)
		defer cancel()

		addrs, err := l.resolver.LookupIPAddr(lookupCtx, host)
		if err != nil || len(addrs) == 0 {
			return net.IP(nil), nil
		}
		return addrs[0].IP, nil
	})

	ip, _ := result.(net.IP)
	l.dnsCache.Store(host, dnsCacheEntry{ip: ip, expires: now.Add(dnsCacheTTL)})
	return ip
}
