package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"netguard/internal/classifier/content"
	"netguard/internal/config"
	"netguard/internal/domain"
	"netguard/internal/support"
	"netguard/internal/verdictcache"
)

type pageFetcher struct {
	body  string
	calls atomic.Int32
}

func (f *pageFetcher) Fetch(_ context.Context, target string) (content.Page, error) {
	f.calls.Add(1)
	return content.Page{URL: target, StatusCode: 200, ContentType: "text/html", Body: []byte(f.body)}, nil
}

// gatedFetcher holds every live fetch until release is closed. Fetches under an already
// cancelled context fail immediately.
type gatedFetcher struct {
	body    string
	started chan struct{}
	release chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func newGatedFetcher(body string) *gatedFetcher {
	return &gatedFetcher{body: body, started: make(chan struct{}), release: make(chan struct{})}
}

func (f *gatedFetcher) Fetch(ctx context.Context, target string) (content.Page, error) {
	if err := ctx.Err(); err != nil {
		return content.Page{}, err
	}
	f.calls.Add(1)
	f.once.Do(func() { close(f.started) })
	select {
	case <-f.release:
		return content.Page{URL: target, StatusCode: 200, ContentType: "text/html", Body: []byte(f.body)}, nil
	case <-ctx.Done():
		return content.Page{}, ctx.Err()
	}
}

func staticRules() func() *config.Rules {
	rules := config.DefaultRules()
	return func() *config.Rules { return rules }
}

func newTestService(t *testing.T, cfg Config) (*Service, <-chan domain.VerdictEvent) {
	t.Helper()

	if cfg.Rules == nil {
		cfg.Rules = staticRules()
	}
	svc := NewService(cfg)

	events := make(chan domain.VerdictEvent, 64)
	svc.Subscribe(ObserverFunc(func(evt domain.VerdictEvent) {
		events <- evt
	}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Run(ctx)

	return svc, events
}

func nextEvent(t *testing.T, events <-chan domain.VerdictEvent) domain.VerdictEvent {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for verdict event")
		return domain.VerdictEvent{}
	}
}

func TestAnalyzeRejectsMissingTarget(t *testing.T) {
	svc, _ := newTestService(t, Config{})

	for _, target := range []string{"", "   "} {
		if _, err := svc.Analyze(context.Background(), target, Options{}); !errors.Is(err, ErrMissingTarget) {
			t.Fatalf("Analyze(%q) error = %v, want ErrMissingTarget", target, err)
		}
	}
}

func TestAnalyzePublishesEvent(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, events := newTestService(t, Config{Now: func() time.Time { return fixed }})

	v, err := svc.Analyze(context.Background(), "google.com", Options{Source: "extension", DeviceID: "device-123"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if v.RiskScore != 0 || v.Action != domain.ActionAllow || v.Category() != "trusted" {
		t.Fatalf("verdict = %d/%s/%s, want 0/ALLOW/trusted", v.RiskScore, v.Action, v.Category())
	}

	evt := nextEvent(t, events)
	if evt.Source != "extension" || !evt.Timestamp.Equal(fixed) {
		t.Fatalf("event = %+v, want source extension at %s", evt, fixed)
	}
	if evt.DeviceHash != support.HashDevice("device-123") || evt.DeviceHash == "device-123" {
		t.Fatalf("device hash = %q, want hashed id", evt.DeviceHash)
	}
	if evt.Alert {
		t.Fatal("trusted verdict raised an alert")
	}
}

func TestAnalyzeAlertsOnBlockedVerdicts(t *testing.T) {
	svc, events := newTestService(t, Config{})

	if _, err := svc.Analyze(context.Background(), "sbi.com", Options{}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	evt := nextEvent(t, events)
	if !evt.Alert || evt.Source != SourceUnknown {
		t.Fatalf("event alert=%v source=%q, want alert from unknown source", evt.Alert, evt.Source)
	}
	if evt.DeviceHash != "" {
		t.Fatalf("device hash = %q, want empty without device id", evt.DeviceHash)
	}
}

func TestAnalyzeServesFromCache(t *testing.T) {
	cache := verdictcache.New(10, time.Hour)
	svc, _ := newTestService(t, Config{Cache: cache})

	first, _ := svc.Analyze(context.Background(), "amaz0n.com", Options{})
	second, _ := svc.Analyze(context.Background(), "AMAZ0N.com", Options{})

	if first.RiskScore != second.RiskScore || first.Category() != second.Category() {
		t.Fatalf("cached verdict differs: %d/%s vs %d/%s", first.RiskScore, first.Category(), second.RiskScore, second.Category())
	}
	if stats := cache.Stats(); stats.Hits != 1 || stats.Entries != 1 {
		t.Fatalf("stats = %+v, want one entry and one hit", stats)
	}
}

func TestAnalyzeDeepScanEscalates(t *testing.T) {
	fetcher := &pageFetcher{body: "<p>online casino with poker and a jackpot</p>"}
	svc, _ := newTestService(t, Config{Escalator: content.NewEscalator(fetcher, time.Second)})

	static, _ := svc.Analyze(context.Background(), "example.com", Options{})
	deep, _ := svc.Analyze(context.Background(), "example.com", Options{DeepScan: true})
	again, _ := svc.Analyze(context.Background(), "example.com", Options{DeepScan: true})

	if static.Features.DeepScan || static.RiskScore != 0 {
		t.Fatalf("static verdict = %d deep=%v, want untouched", static.RiskScore, static.Features.DeepScan)
	}
	if deep.RiskScore < static.RiskScore || deep.Action != domain.ActionHardBlock {
		t.Fatalf("deep verdict = %d/%s, want escalated hard block", deep.RiskScore, deep.Action)
	}
	if again.RiskScore != deep.RiskScore {
		t.Fatalf("cached deep verdict = %d, want %d", again.RiskScore, deep.RiskScore)
	}
	if n := fetcher.calls.Load(); n != 1 {
		t.Fatalf("fetcher called %d times, want 1", n)
	}
}

func TestAnalyzeDeepScanSurvivesCancelledPeer(t *testing.T) {
	fetcher := newGatedFetcher("<p>online casino with poker and a jackpot</p>")
	svc, _ := newTestService(t, Config{Escalator: content.NewEscalator(fetcher, 5*time.Second)})

	peerCtx, cancelPeer := context.WithCancel(context.Background())
	peerDone := make(chan domain.Verdict, 1)
	go func() {
		v, _ := svc.Analyze(peerCtx, "example.com", Options{DeepScan: true})
		peerDone <- v
	}()
	<-fetcher.started

	liveDone := make(chan domain.Verdict, 1)
	go func() {
		v, _ := svc.Analyze(context.Background(), "example.com", Options{DeepScan: true})
		liveDone <- v
	}()

	cancelPeer()
	select {
	case v := <-peerDone:
		if !v.Features.FetchError {
			t.Fatalf("cancelled caller verdict = %+v, want fail-open fetch error", v.Features)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(fetcher.release)
	select {
	case v := <-liveDone:
		if v.Features.FetchError || v.Features.ContentScore == 0 || v.Action != domain.ActionHardBlock {
			t.Fatalf("live caller verdict = %d/%s fetchError=%v, want escalated HARD-BLOCK", v.RiskScore, v.Action, v.Features.FetchError)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live caller did not return")
	}
}

func TestAnalyzeIgnoresVerdictsFromReplacedRules(t *testing.T) {
	var current atomic.Pointer[config.Rules]
	first := config.DefaultRules()
	first.Generation = 1
	current.Store(first)

	cache := verdictcache.New(10, time.Hour)
	fetcher := newGatedFetcher("<p>online casino with poker and a jackpot</p>")
	svc, _ := newTestService(t, Config{
		Cache:     cache,
		Escalator: content.NewEscalator(fetcher, 5*time.Second),
		Rules:     current.Load,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Analyze(context.Background(), "example.com", Options{DeepScan: true})
	}()
	<-fetcher.started

	// The table changes and the cache is purged while the scan is still in flight.
	second := config.DefaultRules()
	second.Generation = 2
	current.Store(second)
	svc.PurgeCache()

	close(fetcher.release)
	<-done

	if _, err := svc.Analyze(context.Background(), "example.com", Options{DeepScan: true}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if n := fetcher.calls.Load(); n != 2 {
		t.Fatalf("fetcher called %d times, want 2: verdict from the replaced table was served", n)
	}
}

func TestFastLookup(t *testing.T) {
	svc, events := newTestService(t, Config{})

	action, err := svc.FastLookup(context.Background(), "sbi.com", Options{DeviceID: "router-1"})
	if err != nil || action != domain.ActionHardBlock {
		t.Fatalf("FastLookup = %s, %v; want HARD-BLOCK", action, err)
	}
	if evt := nextEvent(t, events); evt.Source != SourceDNS {
		t.Fatalf("source = %q, want dns", evt.Source)
	}

	action, err = svc.FastLookup(context.Background(), "", Options{})
	if !errors.Is(err, ErrMissingTarget) || action != domain.ActionAllow {
		t.Fatalf("empty host = %s, %v; want ALLOW with ErrMissingTarget", action, err)
	}
}

func TestFastLookupFailsOpenWhenPaused(t *testing.T) {
	cache := verdictcache.New(10, time.Hour)
	svc, events := newTestService(t, Config{Cache: cache, Protection: NewProtection(false)})

	action, err := svc.FastLookup(context.Background(), "sbi.com", Options{})
	if err != nil || action != domain.ActionAllow {
		t.Fatalf("paused FastLookup = %s, %v; want ALLOW", action, err)
	}
	if cache.Len() != 0 {
		t.Fatal("paused lookup ran the pipeline")
	}

	select {
	case evt := <-events:
		t.Fatalf("paused lookup published %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFastLookupNeverFetchesContent(t *testing.T) {
	fetcher := &pageFetcher{body: "<p>casino poker jackpot</p>"}
	svc, _ := newTestService(t, Config{Escalator: content.NewEscalator(fetcher, time.Second)})

	if _, err := svc.FastLookup(context.Background(), "example.com", Options{}); err != nil {
		t.Fatalf("FastLookup: %v", err)
	}
	if n := fetcher.calls.Load(); n != 0 {
		t.Fatalf("fetcher called %d times, want 0", n)
	}
}

func TestAnalyzeBatchKeepsOrder(t *testing.T) {
	svc, _ := newTestService(t, Config{BatchConcurrency: 2})

	items := []BatchItem{
		{Target: "google.com"},
		{Target: "sbi.com", DeviceID: "d1"},
		{Target: ""},
		{Target: "amaz0n.com"},
	}
	results := svc.AnalyzeBatch(context.Background(), items, "batch")

	if len(results) != len(items) {
		t.Fatalf("got %d results, want %d", len(results), len(items))
	}
	wantDomains := []string{"google.com", "sbi.com", "", "amaz0n.com"}
	for i, want := range wantDomains {
		if results[i].Verdict.Domain != want {
			t.Fatalf("results[%d] domain = %q, want %q", i, results[i].Verdict.Domain, want)
		}
	}
	if !errors.Is(results[2].Err, ErrMissingTarget) {
		t.Fatalf("results[2] error = %v, want ErrMissingTarget", results[2].Err)
	}
	if results[1].Verdict.Action != domain.ActionHardBlock {
		t.Fatalf("results[1] action = %s, want HARD-BLOCK", results[1].Verdict.Action)
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	svc := NewService(Config{Rules: staticRules(), QueueSize: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, target := range []string{"a.com", "b.com", "c.com"} {
			if _, err := svc.Analyze(context.Background(), target, Options{}); err != nil {
				t.Errorf("Analyze(%s): %v", target, err)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Analyze blocked on a full event queue")
	}
	if n := len(svc.events); n != 1 {
		t.Fatalf("queued events = %d, want 1", n)
	}
}

func TestRunPurgesCacheOnRulesUpdate(t *testing.T) {
	previous := config.GetRules()
	t.Cleanup(func() {
		_ = config.SetRules(previous)
	})

	cache := verdictcache.New(10, time.Hour)
	svc := NewService(Config{Cache: cache})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Run(ctx)

	if _, err := svc.Analyze(context.Background(), "example.com", Options{}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("cache entries = %d, want 1", cache.Len())
	}

	if err := config.SetRules(config.DefaultRules()); err != nil {
		t.Fatalf("SetRules: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for cache.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("cache was not purged after rules update")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
