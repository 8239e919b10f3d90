package guard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"netguard/internal/classifier"
	"netguard/internal/classifier/content"
	"netguard/internal/config"
	"netguard/internal/domain"
	"netguard/internal/support"
	"netguard/internal/verdictcache"
)

var ErrMissingTarget = errors.New("guard: target is required")

const (
	SourceUnknown = "unknown"
	SourceDNS     = "dns"

	defaultAlertThreshold   = 50
	defaultBatchConcurrency = 8
	defaultQueueSize        = 1024
)

// Options describes one Analyze call.
type Options struct {
	DeepScan   bool
	Background bool
	Source     string
	// DeviceID is the caller's raw device identifier. Only its hash leaves the service.
	DeviceID string
}

// Observer receives every produced verdict. Observe is called from the dispatch loop
// and must not block.
type Observer interface {
	Observe(evt domain.VerdictEvent)
}

type ObserverFunc func(evt domain.VerdictEvent)

func (f ObserverFunc) Observe(evt domain.VerdictEvent) {
	f(evt)
}

type Config struct {
	Cache      *verdictcache.Cache
	Escalator  *content.Escalator
	Protection *Protection

	// Rules returns the active rule tables; config.GetRules when nil.
	Rules func() *config.Rules

	AlertThreshold   int
	BatchConcurrency int
	QueueSize        int

	Now func() time.Time
}

// Service exposes the analysis operations on top of the classifier, the content escalator
// and the verdict cache, and fans produced verdicts out to observers.
type Service struct {
	cache      *verdictcache.Cache
	escalator  *content.Escalator
	protection *Protection
	rules      func() *config.Rules

	alertThreshold   int
	batchConcurrency int
	now              func() time.Time

	events       chan domain.VerdictEvent
	rulesUpdates <-chan *config.Rules

	mu        sync.RWMutex
	observers []Observer
}

func NewService(cfg Config) *Service {
	s := &Service{
		cache:            cfg.Cache,
		escalator:        cfg.Escalator,
		protection:       cfg.Protection,
		rules:            cfg.Rules,
		alertThreshold:   cfg.AlertThreshold,
		batchConcurrency: cfg.BatchConcurrency,
		now:              cfg.Now,
	}

	if s.cache == nil {
		s.cache = verdictcache.New(verdictcache.DefaultCapacity, verdictcache.DefaultTTL)
	}
	if s.protection == nil {
		s.protection = NewProtection(true)
	}
	if s.rules == nil {
		s.rules = config.GetRules
		s.rulesUpdates = config.RulesUpdates()
	}
	if s.alertThreshold <= 0 {
		s.alertThreshold = defaultAlertThreshold
	}
	if s.batchConcurrency <= 0 {
		s.batchConcurrency = defaultBatchConcurrency
	}
	if s.now == nil {
		s.now = time.Now
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	s.events = make(chan domain.VerdictEvent, queueSize)

	return s
}

// Subscribe registers an observer for all verdicts produced after the call.
func (s *Service) Subscribe(o Observer) {
	if o == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

func (s *Service) Protection() *Protection {
	return s.protection
}

func (s *Service) CacheStats() verdictcache.Stats {
	return s.cache.Stats()
}

// PurgeCache drops all cached verdicts.
func (s *Service) PurgeCache() {
	s.cache.Purge()
}

// Analyze classifies target and, when requested, escalates to a content scan. Only a
// missing target is an error; every other failure degrades inside the verdict.
func (s *Service) Analyze(ctx context.Context, target string, opts Options) (domain.Verdict, error) {
	if strings.TrimSpace(target) == "" {
		return domain.Verdict{}, ErrMissingTarget
	}

	t := classifier.Normalize(target)
	deep := opts.DeepScan && s.escalator != nil
	rules := s.rules()
	key := verdictcache.Key{
		Host:       t.Hostname,
		Path:       t.PathAndQuery,
		Deep:       deep,
		Background: opts.Background,
		Generation: rules.Generation,
	}

	verdict, cached := s.cache.GetOrCompute(ctx, key, func(ctx context.Context) domain.Verdict {
		v := classifier.ClassifyTarget(t, classifier.Options{Background: opts.Background}, rules)
		if deep {
			v = s.escalator.Escalate(ctx, v, rules)
		}
		return v
	})

	log.Debug("Analyzed target", "domain", verdict.Domain, "score", verdict.RiskScore, "action", verdict.Action, "cached", cached)

	s.publish(verdict, opts)
	return verdict, nil
}

// FastLookup answers the enforcement question for a hostname: static pipeline only,
// served from the cache when possible. A paused switch allows everything without
// running the pipeline.
func (s *Service) FastLookup(ctx context.Context, host string, opts Options) (domain.Action, error) {
	if strings.TrimSpace(host) == "" {
		return domain.ActionAllow, ErrMissingTarget
	}
	if !s.protection.Active() {
		return domain.ActionAllow, nil
	}

	t := classifier.Normalize(host)
	t.PathAndQuery = "/"
	rules := s.rules()
	key := verdictcache.Key{Host: t.Hostname, Generation: rules.Generation}

	verdict, _ := s.cache.GetOrCompute(ctx, key, func(context.Context) domain.Verdict {
		return classifier.ClassifyTarget(t, classifier.Options{}, rules)
	})

	if opts.Source == "" {
		opts.Source = SourceDNS
	}
	s.publish(verdict, Options{Source: opts.Source, DeviceID: opts.DeviceID})
	return verdict.Action, nil
}

// BatchItem is one entry of a batch request.
type BatchItem struct {
	Target   string
	DeviceID string
}

// BatchResult pairs a batch entry with its verdict. Err is ErrMissingTarget for empty
// entries and the verdict is zero.
type BatchResult struct {
	Verdict domain.Verdict
	Err     error
}

// AnalyzeBatch runs static analysis for every item with bounded concurrency. Results
// keep the order of items.
func (s *Service) AnalyzeBatch(ctx context.Context, items []BatchItem, source string) []BatchResult {
	results := make([]BatchResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchConcurrency)

	for i, item := range items {
		g.Go(func() error {
			v, err := s.Analyze(gctx, item.Target, Options{Source: source, DeviceID: item.DeviceID})
			results[i] = BatchResult{Verdict: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Run dispatches verdict events to observers and purges the cache whenever the rule
// tables change. Keys carry the rule generation, so a verdict stored by a computation
// that straddled the purge is never served. It returns when ctx is done.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rules := <-s.rulesUpdates:
			s.cache.Purge()
			log.Info("Verdict cache purged after rules update", "version", rules.Version)
		case evt := <-s.events:
			s.dispatch(evt)
		}
	}
}

func (s *Service) publish(v domain.Verdict, opts Options) {
	source := opts.Source
	if source == "" {
		source = SourceUnknown
	}

	evt := domain.VerdictEvent{
		Verdict:    v,
		Source:     source,
		DeviceHash: support.HashDevice(opts.DeviceID),
		Timestamp:  s.now().UTC(),
		Alert:      v.RiskScore >= s.alertThreshold || v.Action != domain.ActionAllow,
	}

	select {
	case s.events <- evt:
	default:
		log.Warn("Verdict event queue is full, dropping event", "domain", v.Domain)
	}
}

func (s *Service) dispatch(evt domain.VerdictEvent) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()

	for _, o := range observers {
		o.Observe(evt)
	}
}
