package services

import (
	"context"
	"fmt"
	"time"

	"calendar-sync-server/models"

	"gorm.io/gorm"
)

// Diagnostics is the metrics snapshot of the operator surface.
type Diagnostics struct {
	GeneratedAt       time.Time                  `json:"generatedAt"`
	Outbox            OutboxStats                `json:"outbox"`
	Breakers          map[string]string          `json:"breakers"`
	ConnectionHealth  map[string]int64           `json:"connectionHealth"`
	OpenConflicts     int64                      `json:"openConflicts"`
	CommandResults24h map[string]int64           `json:"commandResults24h"`
	LastRuns          []models.ReconciliationRun `json:"lastRuns"`
}

func CollectDiagnostics(ctx context.Context, db *gorm.DB, dispatcher *Dispatcher, registry *ChannelRegistry) (Diagnostics, error) {
	diag := Diagnostics{
		GeneratedAt:       time.Now().UTC(),
		Breakers:          registry.BreakerStates(),
		ConnectionHealth:  map[string]int64{},
		CommandResults24h: map[string]int64{},
	}

	stats, err := dispatcher.Stats(ctx)
	if err != nil {
		return diag, err
	}
	diag.Outbox = stats

	var health []struct {
		Health string
		Count  int64
	}
	if err := db.WithContext(ctx).Model(&models.ChannelConnection{}).Where("active = ?", true).
		Select("health, count(*) as count").Group("health").Scan(&health).Error; err != nil {
		return diag, fmt.Errorf("count connection health: %w", err)
	}
	for _, row := range health {
		diag.ConnectionHealth[row.Health] = row.Count
	}

	if err := db.WithContext(ctx).Model(&models.CalendarConflict{}).
		Where("status = ?", models.ConflictOpen).Count(&diag.OpenConflicts).Error; err != nil {
		return diag, fmt.Errorf("count open conflicts: %w", err)
	}

	var results []struct {
		Result string
		Count  int64
	}
	if err := db.WithContext(ctx).Model(&models.CalendarCommand{}).
		Where("created_at >= ?", diag.GeneratedAt.Add(-24*time.Hour)).
		Select("result, count(*) as count").Group("result").Scan(&results).Error; err != nil {
		return diag, fmt.Errorf("count command results: %w", err)
	}
	for _, row := range results {
		diag.CommandResults24h[row.Result] = row.Count
	}

	if err := db.WithContext(ctx).Order("started_at desc").Limit(5).Find(&diag.LastRuns).Error; err != nil {
		return diag, fmt.Errorf("load recent runs: %w", err)
	}
	return diag, nil
}
