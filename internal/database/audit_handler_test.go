package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"netguard/internal/domain"
)

func setupAuditTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := SetupDB(WithDialector(sqlite.Open(dsn)))
	if err != nil {
		t.Fatalf("setup database: %v", err)
	}
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}

	t.Cleanup(func() {
		DB = nil
	})
	return db
}

func sampleEvent(domainName string, score int, action domain.Action, at time.Time) domain.VerdictEvent {
	return domain.VerdictEvent{
		Verdict: domain.Verdict{
			Domain:      domainName,
			FullTarget:  "https://" + domainName + "/",
			RiskScore:   score,
			ThreatLevel: domain.ThreatMedium,
			Action:      action,
			Categories:  domain.NewCategorySet("gambling", domain.CategoryPhishingImpersonation),
			Features: domain.FeatureSet{
				Entropy:         3.1,
				MatchedKeywords: []string{"casino"},
				IsTyposquat:     true,
			},
		},
		Source:     "extension",
		DeviceHash: "abcd1234abcd1234",
		Timestamp:  at,
	}
}

func TestInsertAndListDomainLogs(t *testing.T) {
	setupAuditTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	logs := []domain.DomainLog{
		domain.NewDomainLog(sampleEvent("old.example", 10, domain.ActionAllow, base)),
		domain.NewDomainLog(sampleEvent("new.example", 70, domain.ActionSoftBlock, base.Add(time.Minute))),
	}
	if err := InsertDomainLogs(ctx, logs); err != nil {
		t.Fatalf("InsertDomainLogs: %v", err)
	}

	got, err := ListRecentLogs(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecentLogs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d logs, want 2", len(got))
	}
	if got[0].Domain != "new.example" {
		t.Fatalf("first log = %s, want newest first", got[0].Domain)
	}
	if got[0].Category != "gambling, phishing_impersonation" {
		t.Fatalf("category = %q", got[0].Category)
	}
	if len(got[0].Categories) != 2 || !got[0].Features.IsTyposquat || got[0].Features.MatchedKeywords[0] != "casino" {
		t.Fatalf("json columns did not round-trip: %+v", got[0])
	}

	limited, err := ListRecentLogs(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("ListRecentLogs(1) = %d rows, %v", len(limited), err)
	}
}

func TestInsertAlerts(t *testing.T) {
	setupAuditTestDB(t)
	ctx := context.Background()
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	alerts := []domain.Alert{domain.NewAlert(sampleEvent("sbi.com", 95, domain.ActionHardBlock, at))}
	if err := InsertAlerts(ctx, alerts); err != nil {
		t.Fatalf("InsertAlerts: %v", err)
	}

	got, err := ListRecentAlerts(ctx, 0)
	if err != nil {
		t.Fatalf("ListRecentAlerts: %v", err)
	}
	if len(got) != 1 || got[0].Domain != "sbi.com" || got[0].RiskScore != 95 {
		t.Fatalf("alerts = %+v", got)
	}
}

func TestIncrementTrafficStatsAccumulates(t *testing.T) {
	setupAuditTestDB(t)
	ctx := context.Background()
	now := time.Date(2025, 5, 3, 12, 0, 0, 0, time.UTC)
	today := StatDate(now)
	yesterday := StatDate(now.AddDate(0, 0, -1))

	var first TrafficDelta
	first.Add(domain.ActionAllow)
	first.Add(domain.ActionHardBlock)

	var second TrafficDelta
	second.Add(domain.ActionSoftBlock)

	var older TrafficDelta
	older.Add(domain.ActionAllow)

	if err := IncrementTrafficStats(ctx, map[string]TrafficDelta{today: first, yesterday: older}); err != nil {
		t.Fatalf("IncrementTrafficStats: %v", err)
	}
	if err := IncrementTrafficStats(ctx, map[string]TrafficDelta{today: second}); err != nil {
		t.Fatalf("IncrementTrafficStats (second): %v", err)
	}

	stats, err := GetTrafficStats(ctx, 7, now)
	if err != nil {
		t.Fatalf("GetTrafficStats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("got %d days, want 2", len(stats))
	}

	day := stats[0]
	if day.Date != today {
		t.Fatalf("first row = %s, want %s", day.Date, today)
	}
	if day.TotalAnalyzed != 3 || day.TotalAllowed != 1 || day.SoftBlocked != 1 || day.TotalBlocked != 1 {
		t.Fatalf("today = %+v, want 3 analyzed / 1 allowed / 1 soft / 1 hard", day)
	}

	onlyToday, err := GetTrafficStats(ctx, 1, now)
	if err != nil || len(onlyToday) != 1 {
		t.Fatalf("GetTrafficStats(1) = %d rows, %v", len(onlyToday), err)
	}
}

func TestDeleteAuditOlderThan(t *testing.T) {
	setupAuditTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	logs := []domain.DomainLog{
		domain.NewDomainLog(sampleEvent("stale.example", 0, domain.ActionAllow, base)),
		domain.NewDomainLog(sampleEvent("fresh.example", 0, domain.ActionAllow, base.Add(48*time.Hour))),
	}
	if err := InsertDomainLogs(ctx, logs); err != nil {
		t.Fatalf("InsertDomainLogs: %v", err)
	}
	if err := InsertAlerts(ctx, []domain.Alert{domain.NewAlert(sampleEvent("stale.example", 90, domain.ActionHardBlock, base))}); err != nil {
		t.Fatalf("InsertAlerts: %v", err)
	}

	deleted, err := DeleteAuditOlderThan(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteAuditOlderThan: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2", deleted)
	}

	remaining, _ := ListRecentLogs(ctx, 10)
	if len(remaining) != 1 || remaining[0].Domain != "fresh.example" {
		t.Fatalf("remaining = %+v", remaining)
	}
}

func TestAuditQueriesWithoutDatabase(t *testing.T) {
	DB = nil

	if err := InsertDomainLogs(context.Background(), []domain.DomainLog{{Domain: "x"}}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("InsertDomainLogs error = %v, want ErrNotConfigured", err)
	}
	if _, err := ListRecentLogs(context.Background(), 5); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("ListRecentLogs error = %v, want ErrNotConfigured", err)
	}
	if err := InsertDomainLogs(context.Background(), nil); err != nil {
		t.Fatalf("empty insert error = %v, want nil", err)
	}
}

func TestTrafficDeltaAdd(t *testing.T) {
	var d TrafficDelta
	for _, a := range []domain.Action{domain.ActionAllow, domain.ActionAllow, domain.ActionSoftBlock, domain.ActionHardBlock} {
		d.Add(a)
	}
	want := TrafficDelta{Analyzed: 4, Allowed: 2, SoftBlocked: 1, Blocked: 1}
	if d != want {
		t.Fatalf("delta = %+v, want %+v", d, want)
	}
}
