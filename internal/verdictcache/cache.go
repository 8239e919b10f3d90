package verdictcache

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"netguard/internal/domain"
)

const (
	DefaultCapacity = 2000
	DefaultTTL      = time.Hour
)

// Key identifies a cached verdict. Path is empty for hostname-only lookups. Generation
// is the rule table generation the verdict was computed with, so verdicts from replaced
// tables never match again.
type Key struct {
	Host       string
	Path       string
	Deep       bool
	Background bool
	Generation uint64
}

func (k Key) String() string {
	var sb strings.Builder
	sb.Grow(len(k.Host) + len(k.Path) + 32)
	sb.WriteString(k.Host)
	sb.WriteByte('|')
	sb.WriteString(k.Path)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatBool(k.Deep))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatBool(k.Background))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatUint(k.Generation, 10))
	return sb.String()
}

type Stats struct {
	Entries  int    `json:"entries"`
	Capacity int    `json:"capacity"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

// Cache is a bounded LRU of verdicts with per-entry TTL. Concurrent misses on the same
// key share one computation.
type Cache struct {
	entries  *expirable.LRU[Key, domain.Verdict]
	group    singleflight.Group
	capacity int

	hits   atomic.Uint64
	misses atomic.Uint64
}

func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries:  expirable.NewLRU[Key, domain.Verdict](capacity, nil, ttl),
		capacity: capacity,
	}
}

// Get returns a copy of the cached verdict so callers can never alias cached slices.
func (c *Cache) Get(key Key) (domain.Verdict, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		return domain.Verdict{}, false
	}
	c.hits.Add(1)
	return v.Clone(), true
}

func (c *Cache) Add(key Key, v domain.Verdict) {
	c.entries.Add(key, v.Clone())
}

// GetOrCompute returns the cached verdict for key or runs compute once for all concurrent
// callers. The shared computation is detached from any single caller's cancellation and
// its result is cached. A caller whose ctx ends first stops waiting and gets compute run
// under its own ctx instead, which is never cached. cached reports a cache hit.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, compute func(context.Context) domain.Verdict) (v domain.Verdict, cached bool) {
	if v, ok := c.Get(key); ok {
		return v, true
	}
	if ctx.Err() != nil {
		return compute(ctx), false
	}

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		if v, ok := c.entries.Peek(key); ok {
			return v, nil
		}
		v := compute(shared)
		c.Add(key, v)
		return v, nil
	})

	select {
	case res := <-ch:
		return res.Val.(domain.Verdict).Clone(), false
	case <-ctx.Done():
		return compute(ctx), false
	}
}

// Purge drops every entry, used when the rule tables change.
func (c *Cache) Purge() {
	c.entries.Purge()
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries:  c.entries.Len(),
		Capacity: c.capacity,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
	}
}
