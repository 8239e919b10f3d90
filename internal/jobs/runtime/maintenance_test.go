package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"

	"netguard/internal/database"
	"netguard/internal/domain"
	"netguard/internal/geolite"
)

func TestRunAuditCleanupRemovesExpiredRows(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	if _, err := database.SetupDB(database.WithDialector(sqlite.Open(dsn))); err != nil {
		t.Fatalf("setup database: %v", err)
	}
	t.Cleanup(func() { database.DB = nil })

	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	logs := []domain.DomainLog{
		domain.NewDomainLog(verdictEvent("old.example", 0, domain.ActionAllow, false, now.Add(-72*time.Hour))),
		domain.NewDomainLog(verdictEvent("new.example", 0, domain.ActionAllow, false, now.Add(-time.Hour))),
	}
	if err := database.InsertDomainLogs(context.Background(), logs); err != nil {
		t.Fatalf("insert logs: %v", err)
	}

	if removed := runAuditCleanup(context.Background(), 48*time.Hour, now); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}

func TestRunAuditCleanupWithoutDatabase(t *testing.T) {
	database.DB = nil
	if removed := runAuditCleanup(context.Background(), time.Hour, time.Now()); removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
}

type fakeUpdater struct {
	calls int
	err   error
}

func (u *fakeUpdater) Update(context.Context) error {
	u.calls++
	return u.err
}

func TestTriggerGeoLiteUpdate(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "updated", want: true},
		{name: "no license", err: geolite.ErrNoLicenseKey},
		{name: "failure", err: errors.New("status 500")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := &fakeUpdater{err: tc.err}
			if got := triggerGeoLiteUpdate(context.Background(), u, "test"); got != tc.want {
				t.Fatalf("triggerGeoLiteUpdate = %v, want %v", got, tc.want)
			}
			if u.calls != 1 {
				t.Fatalf("calls = %d, want 1", u.calls)
			}
		})
	}
}

func TestGeoLiteRoutineSkipsStartupWhenLoaded(t *testing.T) {
	u := &fakeUpdater{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	StartGeoLiteUpdateRoutine(ctx, u, true, time.Hour)
	if u.calls != 0 {
		t.Fatalf("calls = %d, want 0", u.calls)
	}

	StartGeoLiteUpdateRoutine(ctx, u, false, time.Hour)
	if u.calls != 1 {
		t.Fatalf("calls = %d, want 1 startup update", u.calls)
	}
}
