package database

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"netguard/internal/domain"
)

const (
	maxParamsPerBatch = 65534 // PostgreSQL's bind parameter limit - 1
	minBatchSize      = 100

	DefaultLogLimit = 100
	MaxLogLimit     = 1000

	statDateLayout = "2006-01-02"
)

var ErrNotConfigured = errors.New("database: audit store is not configured")

// TrafficDelta is the set of counter increments for one day.
type TrafficDelta struct {
	Analyzed    int64
	Allowed     int64
	SoftBlocked int64
	Blocked     int64
}

// Add counts one verdict with the given action.
func (d *TrafficDelta) Add(action domain.Action) {
	d.Analyzed++
	switch action {
	case domain.ActionHardBlock:
		d.Blocked++
	case domain.ActionSoftBlock:
		d.SoftBlocked++
	default:
		d.Allowed++
	}
}

// StatDate is the traffic_stats key for t.
func StatDate(t time.Time) string {
	return t.UTC().Format(statDateLayout)
}

func InsertDomainLogs(ctx context.Context, logs []domain.DomainLog) error {
	if len(logs) == 0 {
		return nil
	}
	if DB == nil {
		return ErrNotConfigured
	}
	return insertInBatches(ctx, logs, determineBatchSize(domain.DomainLog{}, len(logs)))
}

func InsertAlerts(ctx context.Context, alerts []domain.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	if DB == nil {
		return ErrNotConfigured
	}
	return insertInBatches(ctx, alerts, determineBatchSize(domain.Alert{}, len(alerts)))
}

func insertInBatches[T any](ctx context.Context, rows []T, batchSize int) error {
	return DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, batchSize).Error
	})
}

func determineBatchSize(model any, rowCount int) int {
	numFields, err := getNumDatabaseFields(model, DB)
	if err != nil || numFields == 0 {
		log.Error("Failed to determine batch size", "error", err)
		return minBatchSize
	}

	batchSize := max(maxParamsPerBatch/numFields, minBatchSize)
	return max(min(batchSize, rowCount), 1)
}

func getNumDatabaseFields(model any, db *gorm.DB) (int, error) {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil {
		return 0, err
	}
	return len(stmt.Schema.DBNames), nil
}

// IncrementTrafficStats adds the per-day deltas to traffic_stats, creating missing days.
func IncrementTrafficStats(ctx context.Context, deltas map[string]TrafficDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	if DB == nil {
		return ErrNotConfigured
	}

	now := time.Now().UTC()
	rows := make([]domain.TrafficStat, 0, len(deltas))
	for date, d := range deltas {
		rows = append(rows, domain.TrafficStat{
			Date:          date,
			TotalAnalyzed: d.Analyzed,
			TotalAllowed:  d.Allowed,
			SoftBlocked:   d.SoftBlocked,
			TotalBlocked:  d.Blocked,
			UpdatedAt:     now,
		})
	}

	return DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(map[string]any{
			"total_analyzed": gorm.Expr("traffic_stats.total_analyzed + excluded.total_analyzed"),
			"total_allowed":  gorm.Expr("traffic_stats.total_allowed + excluded.total_allowed"),
			"soft_blocked":   gorm.Expr("traffic_stats.soft_blocked + excluded.soft_blocked"),
			"total_blocked":  gorm.Expr("traffic_stats.total_blocked + excluded.total_blocked"),
			"updated_at":     gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&rows).Error
}

// GetTrafficStats returns the counters of the last days (today included), newest first.
func GetTrafficStats(ctx context.Context, days int, now time.Time) ([]domain.TrafficStat, error) {
	if DB == nil {
		return nil, ErrNotConfigured
	}
	if days <= 0 {
		days = 7
	}

	since := StatDate(now.AddDate(0, 0, -(days - 1)))

	var stats []domain.TrafficStat
	err := DB.WithContext(ctx).
		Where("date >= ?", since).
		Order("date DESC").
		Find(&stats).Error
	return stats, err
}

// ListRecentLogs returns the newest audit rows.
func ListRecentLogs(ctx context.Context, limit int) ([]domain.DomainLog, error) {
	if DB == nil {
		return nil, ErrNotConfigured
	}

	var logs []domain.DomainLog
	err := DB.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(clampLimit(limit)).
		Find(&logs).Error
	return logs, err
}

// ListRecentAlerts returns the newest alert rows.
func ListRecentAlerts(ctx context.Context, limit int) ([]domain.Alert, error) {
	if DB == nil {
		return nil, ErrNotConfigured
	}

	var alerts []domain.Alert
	err := DB.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(clampLimit(limit)).
		Find(&alerts).Error
	return alerts, err
}

// DeleteAuditOlderThan removes domain logs and alerts created before cutoff and returns
// the number of deleted rows.
func DeleteAuditOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if DB == nil {
		return 0, ErrNotConfigured
	}

	var deleted int64
	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", cutoff).Delete(&domain.DomainLog{})
		if res.Error != nil {
			return res.Error
		}
		deleted += res.RowsAffected

		res = tx.Where("created_at < ?", cutoff).Delete(&domain.Alert{})
		if res.Error != nil {
			return res.Error
		}
		deleted += res.RowsAffected
		return nil
	})
	return deleted, err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLogLimit
	}
	return min(limit, MaxLogLimit)
}
