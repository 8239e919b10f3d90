package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"

	"netguard/internal/broadcast"
	"netguard/internal/config"
	"netguard/internal/database"
	"netguard/internal/domain"
	"netguard/internal/guard"
)

func newTestServer(t *testing.T, deps Deps) (*Server, http.Handler) {
	t.Helper()

	if deps.Guard == nil {
		rules := config.DefaultRules()
		deps.Guard = guard.NewService(guard.Config{
			Rules: func() *config.Rules { return rules },
		})
	}
	srv := New(deps)
	return srv, srv.Routes()
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestAnalyzeHandler(t *testing.T) {
	_, handler := newTestServer(t, Deps{})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantAction string
	}{
		{name: "blocked bank lookalike", body: `{"domain":"sbi.com","source":"extension"}`, wantStatus: http.StatusOK, wantAction: "HARD-BLOCK"},
		{name: "trusted", body: `{"domain":"google.com"}`, wantStatus: http.StatusOK, wantAction: "ALLOW"},
		{name: "url only", body: `{"url":"https://sbi.com/login"}`, wantStatus: http.StatusOK, wantAction: "HARD-BLOCK"},
		{name: "missing domain", body: `{"source":"extension"}`, wantStatus: http.StatusBadRequest},
		{name: "malformed", body: `{"domain":`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, handler, http.MethodPost, "/api/analyze", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}

			out := decodeBody(t, rec)
			if tt.wantAction == "" {
				if _, ok := out["error"]; !ok {
					t.Fatalf("response %v has no error", out)
				}
				return
			}
			if out["action"] != tt.wantAction {
				t.Fatalf("action = %v, want %s", out["action"], tt.wantAction)
			}
		})
	}
}

func TestAnalyzeBatchHandler(t *testing.T) {
	_, handler := newTestServer(t, Deps{BatchMaxItems: 3})

	rec := doRequest(t, handler, http.MethodPost, "/api/analyze/batch",
		`{"batch":[{"domain":"google.com"},{"domain":""},{"domain":"sbi.com","deviceId":"d1"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var out struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(out.Results))
	}
	if out.Results[0]["domain"] != "google.com" || out.Results[0]["action"] != "ALLOW" {
		t.Fatalf("result[0] = %v", out.Results[0])
	}
	if _, ok := out.Results[1]["error"]; !ok {
		t.Fatalf("result[1] = %v, want error entry", out.Results[1])
	}
	if out.Results[2]["action"] != "HARD-BLOCK" {
		t.Fatalf("result[2] = %v, want HARD-BLOCK", out.Results[2])
	}

	tooMany := `{"batch":[{"domain":"a.com"},{"domain":"b.com"},{"domain":"c.com"},{"domain":"d.com"}]}`
	if rec := doRequest(t, handler, http.MethodPost, "/api/analyze/batch", tooMany); rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized batch status = %d, want 400", rec.Code)
	}
	if rec := doRequest(t, handler, http.MethodPost, "/api/analyze/batch", `{"batch":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty batch status = %d, want 400", rec.Code)
	}
}

func TestDNSQueryHandler(t *testing.T) {
	_, handler := newTestServer(t, Deps{})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantAction string
	}{
		{name: "blocked", body: `{"domain":"sbi.com","deviceHash":"router"}`, wantStatus: http.StatusOK, wantAction: "HARD-BLOCK"},
		{name: "allowed", body: `{"domain":"example.com"}`, wantStatus: http.StatusOK, wantAction: "ALLOW"},
		{name: "missing domain", body: `{}`, wantStatus: http.StatusBadRequest, wantAction: "ALLOW"},
		{name: "malformed", body: `not json`, wantStatus: http.StatusBadRequest, wantAction: "ALLOW"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, handler, http.MethodPost, "/api/dns-query", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if out := decodeBody(t, rec); out["action"] != tt.wantAction {
				t.Fatalf("action = %v, want %s", out["action"], tt.wantAction)
			}
		})
	}
}

type recordingPublisher struct {
	channels chan string
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, _ []byte) error {
	p.channels <- channel
	return nil
}

func TestToggleProtectionHandler(t *testing.T) {
	pub := &recordingPublisher{channels: make(chan string, 4)}
	b := broadcast.New(pub, nil, 4)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)

	_, handler := newTestServer(t, Deps{Broadcaster: b})

	if rec := doRequest(t, handler, http.MethodPost, "/api/toggle-protection", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing active status = %d, want 400", rec.Code)
	}

	rec := doRequest(t, handler, http.MethodPost, "/api/toggle-protection", `{"active":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out := decodeBody(t, rec); out["active"] != false {
		t.Fatalf("active = %v, want false", out["active"])
	}

	select {
	case ch := <-pub.channels:
		if ch != broadcast.ChannelStatus {
			t.Fatalf("published on %q, want %q", ch, broadcast.ChannelStatus)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("status change was not published")
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/dns-query", `{"domain":"sbi.com"}`)
	if out := decodeBody(t, rec); out["action"] != "ALLOW" {
		t.Fatalf("paused dns-query action = %v, want ALLOW", out["action"])
	}

	status := decodeBody(t, doRequest(t, handler, http.MethodGet, "/api/status", ""))
	if status["active"] != false {
		t.Fatalf("status active = %v, want false", status["active"])
	}
	if _, ok := status["cache"]; !ok {
		t.Fatalf("status %v has no cache stats", status)
	}
}

func TestPurgeCacheHandler(t *testing.T) {
	srv, handler := newTestServer(t, Deps{})

	doRequest(t, handler, http.MethodPost, "/api/analyze", `{"domain":"amaz0n.com"}`)
	if srv.guard.CacheStats().Entries != 1 {
		t.Fatalf("cache entries = %d, want 1", srv.guard.CacheStats().Entries)
	}

	if rec := doRequest(t, handler, http.MethodDelete, "/api/cache", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if n := srv.guard.CacheStats().Entries; n != 0 {
		t.Fatalf("cache entries after purge = %d, want 0", n)
	}
}

func TestRulesHandlers(t *testing.T) {
	t.Cleanup(func() {
		_ = config.SetRules(config.DefaultRules())
	})

	fixed := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	_, handler := newTestServer(t, Deps{Now: func() time.Time { return fixed }})

	rec := doRequest(t, handler, http.MethodGet, "/api/rules", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET rules status = %d", rec.Code)
	}
	current := rec.Body.String()

	if rec := doRequest(t, handler, http.MethodPost, "/api/rules", `{"version":"x","taxonomy":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid rules status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/rules", current)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST rules status = %d, body %s", rec.Code, rec.Body.String())
	}
	out := decodeBody(t, rec)
	want := "local-" + fixed.Format("20060102T150405.000Z")
	if out["version"] != want {
		t.Fatalf("version = %v, want %s", out["version"], want)
	}
	if got := config.GetRules().Version; got != want {
		t.Fatalf("active rules version = %q, want %q", got, want)
	}

	info := decodeBody(t, doRequest(t, handler, http.MethodGet, "/api/version", ""))
	if info["rules_version"] != want {
		t.Fatalf("version info = %v, want rules_version %s", info, want)
	}
}

func TestAuditHandlersWithoutDatabase(t *testing.T) {
	database.DB = nil
	_, handler := newTestServer(t, Deps{})

	for _, path := range []string{"/api/stats", "/api/logs", "/api/alerts"} {
		if rec := doRequest(t, handler, http.MethodGet, path, ""); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("GET %s status = %d, want 503", path, rec.Code)
		}
	}
}

func TestAuditHandlers(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	if _, err := database.SetupDB(database.WithDialector(sqlite.Open(dsn))); err != nil {
		t.Fatalf("setup database: %v", err)
	}
	t.Cleanup(func() { database.DB = nil })

	now := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	logs := []domain.DomainLog{
		{Domain: "one.com", Action: "ALLOW", ThreatLevel: "low", Source: "extension", CreatedAt: now.Add(-2 * time.Minute)},
		{Domain: "two.com", Action: "HARD-BLOCK", ThreatLevel: "critical", Source: "dns", CreatedAt: now.Add(-time.Minute)},
	}
	if err := database.InsertDomainLogs(ctx, logs); err != nil {
		t.Fatalf("insert logs: %v", err)
	}
	if err := database.InsertAlerts(ctx, []domain.Alert{{Domain: "two.com", Action: "HARD-BLOCK", ThreatLevel: "critical", CreatedAt: now}}); err != nil {
		t.Fatalf("insert alerts: %v", err)
	}
	delta := database.TrafficDelta{}
	delta.Add(domain.ActionHardBlock)
	if err := database.IncrementTrafficStats(ctx, map[string]database.TrafficDelta{database.StatDate(now): delta}); err != nil {
		t.Fatalf("increment stats: %v", err)
	}

	_, handler := newTestServer(t, Deps{Now: func() time.Time { return now }})

	var logsResp struct {
		Logs []domain.DomainLog `json:"logs"`
	}
	rec := doRequest(t, handler, http.MethodGet, "/api/logs?limit=1", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &logsResp); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logsResp.Logs) != 1 || logsResp.Logs[0].Domain != "two.com" {
		t.Fatalf("logs = %+v, want newest row two.com", logsResp.Logs)
	}

	var alertsResp struct {
		Alerts []domain.Alert `json:"alerts"`
	}
	rec = doRequest(t, handler, http.MethodGet, "/api/alerts", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &alertsResp); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(alertsResp.Alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alertsResp.Alerts))
	}

	var statsResp struct {
		Days  int                  `json:"days"`
		Stats []domain.TrafficStat `json:"stats"`
	}
	rec = doRequest(t, handler, http.MethodGet, "/api/stats?days=500", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &statsResp); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if statsResp.Days != maxStatsDays {
		t.Fatalf("days = %d, want clamp to %d", statsResp.Days, maxStatsDays)
	}
	if len(statsResp.Stats) != 1 || statsResp.Stats[0].TotalBlocked != 1 || statsResp.Stats[0].TotalAnalyzed != 1 {
		t.Fatalf("stats = %+v, want one blocked analysis", statsResp.Stats)
	}
}

func TestStreamEvents(t *testing.T) {
	hub := broadcast.NewHub()
	_, handler := newTestServer(t, Deps{Hub: hub})

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Send(broadcast.Message{Event: broadcast.EventStatus, Channel: broadcast.ChannelStatus, Payload: []byte(`{"active":true}`)})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		lines = append(lines, strings.TrimRight(line, "\n"))
	}

	if lines[0] != "event: status" || lines[1] != `data: {"active":true}` {
		t.Fatalf("stream lines = %q", lines)
	}
}

func TestStreamEventsDisabled(t *testing.T) {
	_, handler := newTestServer(t, Deps{})
	if rec := doRequest(t, handler, http.MethodGet, "/api/events", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestStatusReportsInstances(t *testing.T) {
	_, handler := newTestServer(t, Deps{
		Instances: func(context.Context) (int, error) { return 3, nil },
	})

	status := decodeBody(t, doRequest(t, handler, http.MethodGet, "/api/status", ""))
	if status["instances"] != float64(3) || status["active"] != true {
		t.Fatalf("status = %v, want 3 active instances", status)
	}
}
