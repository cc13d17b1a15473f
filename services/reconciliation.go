package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"calendar-sync-server/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Run triggers
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

type ReconcilerOptions struct {
	LookaheadDays int
	AutoHeal      bool
	Interval      time.Duration
	Now           func() time.Time
}

// Reconciler compares the calendar with what every healthy channel reports
// and re-sends internal state where they disagree. Comparison only reads
// the calendar; healing goes through the engine and its property lock.
type Reconciler struct {
	db           *gorm.DB
	engine       *CalendarEngine
	registry     *ChannelRegistry
	reservations *ReservationDirectory
	opts         ReconcilerOptions
	log          logrus.FieldLogger

	wg sync.WaitGroup
}

func NewReconciler(db *gorm.DB, engine *CalendarEngine, registry *ChannelRegistry, reservations *ReservationDirectory, opts ReconcilerOptions, log logrus.FieldLogger) *Reconciler {
	if opts.LookaheadDays <= 0 {
		opts.LookaheadDays = 90
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{db: db, engine: engine, registry: registry, reservations: reservations, opts: opts, log: log}
}

// RunStats is stored on the run record.
type RunStats struct {
	DaysCompared     int               `json:"daysCompared"`
	Findings         map[string]int    `json:"findings"`
	ChannelsCompared []string          `json:"channelsCompared"`
	ChannelsSkipped  map[string]string `json:"channelsSkipped,omitempty"`
	Healed           int               `json:"healed"`
}

// TriggerRun reconciles a property and returns the finished run.
func (r *Reconciler) TriggerRun(ctx context.Context, propertyID uint, heal bool) (*models.ReconciliationRun, error) {
	run, err := r.createRun(ctx, propertyID, heal, TriggerManual)
	if err != nil {
		return nil, err
	}
	r.execute(ctx, run)
	return run, nil
}

// StartRun records a RUNNING run and reconciles in the background.
func (r *Reconciler) StartRun(ctx context.Context, propertyID uint, heal bool, trigger string) (*models.ReconciliationRun, error) {
	run, err := r.createRun(ctx, propertyID, heal, trigger)
	if err != nil {
		return nil, err
	}
	started := *run
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// detached from the request that triggered it
		r.execute(context.Background(), run)
	}()
	return &started, nil
}

// Wait blocks until background runs have finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) createRun(ctx context.Context, propertyID uint, heal bool, trigger string) (*models.ReconciliationRun, error) {
	var property models.Property
	err := r.db.WithContext(ctx).First(&property, propertyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("property", propertyID)
	}
	if err != nil {
		return nil, fmt.Errorf("load property %d: %w", propertyID, err)
	}

	now := r.opts.Now()
	run := &models.ReconciliationRun{
		ID:         uuid.NewString(),
		PropertyID: propertyID,
		Status:     models.RunRunning,
		Trigger:    trigger,
		Heal:       heal,
		WindowFrom: now.Format(models.DateLayout),
		WindowTo:   now.AddDate(0, 0, r.opts.LookaheadDays).Format(models.DateLayout),
		StartedAt:  now,
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("create reconciliation run: %w", err)
	}
	return run, nil
}

// execute finishes run as COMPLETED or FAILED; a run is never left RUNNING.
func (r *Reconciler) execute(ctx context.Context, run *models.ReconciliationRun) {
	log := r.log.WithFields(logrus.Fields{"run_id": run.ID, "property_id": run.PropertyID})

	findings, stats, err := r.compare(ctx, run, log)
	finished := r.opts.Now()
	run.FinishedAt = &finished
	run.Findings = findings
	run.DaysCompared = stats.DaysCompared
	run.Healed = stats.Healed
	if body, mErr := json.Marshal(stats); mErr == nil {
		run.Stats = datatypes.JSON(body)
	}
	if err != nil {
		run.Status = models.RunFailed
		run.Error = err.Error()
		log.WithError(err).Error("reconciliation run failed")
	} else {
		run.Status = models.RunCompleted
		log.WithFields(logrus.Fields{"days_compared": stats.DaysCompared, "findings": len(findings), "healed": stats.Healed}).Info("reconciliation run completed")
	}

	saveErr := r.db.WithContext(context.Background()).Transaction(func(tx *gorm.DB) error {
		for i := range findings {
			findings[i].RunID = run.ID
		}
		if len(findings) > 0 {
			if err := tx.Create(&findings).Error; err != nil {
				return err
			}
		}
		return tx.Model(&models.ReconciliationRun{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
			"status":        run.Status,
			"error":         run.Error,
			"days_compared": run.DaysCompared,
			"healed":        run.Healed,
			"stats":         run.Stats,
			"finished_at":   run.FinishedAt,
		}).Error
	})
	if saveErr != nil {
		log.WithError(saveErr).Error("failed to store reconciliation run")
	}
}

func (r *Reconciler) compare(ctx context.Context, run *models.ReconciliationRun, log logrus.FieldLogger) ([]models.ReconciliationFinding, RunStats, error) {
	stats := RunStats{Findings: map[string]int{models.FindingOrphanedBooking: 0, models.FindingMappingConflict: 0}}

	dates, err := expandRange(run.WindowFrom, run.WindowTo)
	if err != nil {
		return nil, stats, err
	}
	var stored []models.CalendarDay
	if err := r.db.WithContext(ctx).
		Where("property_id = ? AND date >= ? AND date < ?", run.PropertyID, run.WindowFrom, run.WindowTo).
		Find(&stored).Error; err != nil {
		return nil, stats, fmt.Errorf("load calendar: %w", err)
	}
	internal := make(map[string]models.CalendarDay, len(stored))
	for _, day := range stored {
		internal[day.Date] = day
	}

	var findings []models.ReconciliationFinding

	orphans, err := r.orphanedBookings(ctx, run.PropertyID, dates, internal)
	if err != nil {
		return nil, stats, err
	}
	findings = append(findings, orphans...)
	stats.Findings[models.FindingOrphanedBooking] = len(orphans)

	var conns []models.ChannelConnection
	if err := r.db.WithContext(ctx).Where("property_id = ? AND active = ?", run.PropertyID, true).
		Order("channel_name").Find(&conns).Error; err != nil {
		return nil, stats, fmt.Errorf("load channel connections: %w", err)
	}

	for _, conn := range conns {
		conn, err := r.probe(ctx, conn)
		if err != nil {
			return nil, stats, err
		}
		if !conn.Healthy() {
			stats.skip(conn.ChannelName, "health "+conn.Health)
			continue
		}

		var external map[string]string
		callErr := r.registry.Call(ctx, conn.ChannelName, func(ctx context.Context, adapter ChannelAdapter) error {
			var err error
			external, err = adapter.FetchExternalState(ctx, listingRef(conn), run.WindowFrom, run.WindowTo)
			return err
		})
		if callErr != nil {
			log.WithError(callErr).WithField("channel", conn.ChannelName).Warn("external state unavailable, channel skipped")
			stats.skip(conn.ChannelName, callErr.Error())
			continue
		}
		stats.ChannelsCompared = append(stats.ChannelsCompared, conn.ChannelName)

		for _, date := range dates {
			stats.DaysCompared++
			internalStatus := models.DayAvailable
			if day, ok := internal[date]; ok {
				internalStatus = day.Status
			}
			externalStatus := normalizeExternalStatus(external[date])
			if unavailable(internalStatus) == unavailable(externalStatus) {
				continue
			}

			finding := models.ReconciliationFinding{
				Date:          date,
				Kind:          models.FindingMappingConflict,
				ChannelName:   conn.ChannelName,
				InternalState: internalStatus,
				ExternalState: externalStatus,
			}
			if run.Heal {
				if err := r.heal(ctx, conn, run.PropertyID, date); err != nil {
					return nil, stats, err
				}
				finding.Healed = true
				stats.Healed++
			}
			findings = append(findings, finding)
			stats.Findings[models.FindingMappingConflict]++
		}
	}
	return findings, stats, nil
}

func (s *RunStats) skip(channel, reason string) {
	if s.ChannelsSkipped == nil {
		s.ChannelsSkipped = map[string]string{}
	}
	s.ChannelsSkipped[channel] = reason
}

// unavailable folds BLOCKED and BOOKED together; channels cannot tell them apart.
func unavailable(status string) bool {
	return status == models.DayBlocked || status == models.DayBooked
}

// orphanedBookings flags BOOKED days whose reservation does not resolve and
// opens one conflict per reference for manual review. They are never healed.
func (r *Reconciler) orphanedBookings(ctx context.Context, propertyID uint, dates []string, internal map[string]models.CalendarDay) ([]models.ReconciliationFinding, error) {
	var refs []string
	seen := map[string]bool{}
	for _, day := range internal {
		if day.Status == models.DayBooked && day.Ref() != "" && !seen[day.Ref()] {
			seen[day.Ref()] = true
			refs = append(refs, day.Ref())
		}
	}
	active, err := r.reservations.ActiveRefs(ctx, refs)
	if err != nil {
		return nil, err
	}

	var findings []models.ReconciliationFinding
	orphanDates := map[string][]string{}
	for _, date := range dates {
		day, ok := internal[date]
		if !ok || day.Status != models.DayBooked || active[day.Ref()] {
			continue
		}
		findings = append(findings, models.ReconciliationFinding{
			Date:          date,
			Kind:          models.FindingOrphanedBooking,
			InternalState: models.DayBooked,
		})
		orphanDates[day.Ref()] = append(orphanDates[day.Ref()], date)
	}

	for ref, dates := range orphanDates {
		var open int64
		if err := r.db.WithContext(ctx).Model(&models.CalendarConflict{}).
			Where("property_id = ? AND kind = ? AND reservation_ref = ? AND status = ?",
				propertyID, models.ConflictOrphanedBooking, ref, models.ConflictOpen).
			Count(&open).Error; err != nil {
			return nil, fmt.Errorf("check open conflicts: %w", err)
		}
		if open > 0 {
			continue
		}
		body, _ := json.Marshal(dates)
		conflict := models.CalendarConflict{
			PropertyID:     propertyID,
			Kind:           models.ConflictOrphanedBooking,
			ReservationRef: ref,
			Dates:          datatypes.JSON(body),
			Status:         models.ConflictOpen,
		}
		if err := r.db.WithContext(ctx).Create(&conflict).Error; err != nil {
			return nil, fmt.Errorf("open orphaned booking conflict: %w", err)
		}
	}
	return findings, nil
}

// heal re-sends the internal state of date to the drifting channel through
// the engine, under the property lock and with a fresh version.
func (r *Reconciler) heal(ctx context.Context, conn models.ChannelConnection, propertyID uint, date string) error {
	_, err := r.engine.ResyncDay(ctx, propertyID, date, conn.ID, "reconciliation")
	return err
}

// probe runs a health check and stores the result on the connection.
func (r *Reconciler) probe(ctx context.Context, conn models.ChannelConnection) (models.ChannelConnection, error) {
	var health string
	callErr := r.registry.Call(ctx, conn.ChannelName, func(ctx context.Context, adapter ChannelAdapter) error {
		var err error
		health, err = adapter.HealthCheck(ctx, listingRef(conn))
		return err
	})

	now := r.opts.Now()
	conn.LastCheckedAt = &now
	conn.LastError = ""
	switch {
	case callErr != nil:
		conn.Health = models.HealthDown
		conn.LastError = callErr.Error()
	case health == "":
		conn.Health = models.HealthUnknown
	default:
		conn.Health = health
	}
	if err := r.db.WithContext(ctx).Model(&models.ChannelConnection{}).Where("id = ?", conn.ID).Updates(map[string]interface{}{
		"health":          conn.Health,
		"last_checked_at": conn.LastCheckedAt,
		"last_error":      conn.LastError,
	}).Error; err != nil {
		return conn, fmt.Errorf("store health of connection %d: %w", conn.ID, err)
	}
	return conn, nil
}

// ForceHealthCheck probes one connection outside of a run.
func (r *Reconciler) ForceHealthCheck(ctx context.Context, connectionID uint) (models.ChannelConnection, error) {
	var conn models.ChannelConnection
	err := r.db.WithContext(ctx).First(&conn, connectionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return conn, notFound("channel connection", connectionID)
	}
	if err != nil {
		return conn, fmt.Errorf("load connection %d: %w", connectionID, err)
	}
	if !conn.Active {
		return conn, invalid("channel connection %d is disconnected", connectionID)
	}
	conn, err = r.probe(ctx, conn)
	if err != nil {
		return conn, err
	}
	r.log.WithFields(logrus.Fields{"connection_id": conn.ID, "channel": conn.ChannelName, "health": conn.Health}).Info("channel health checked")
	return conn, nil
}

// ReconcileAll runs a scheduled reconciliation for every property with an
// active connection, one at a time.
func (r *Reconciler) ReconcileAll(ctx context.Context) (int, error) {
	var propertyIDs []uint
	if err := r.db.WithContext(ctx).Model(&models.ChannelConnection{}).
		Where("active = ?", true).Distinct("property_id").Pluck("property_id", &propertyIDs).Error; err != nil {
		return 0, fmt.Errorf("list connected properties: %w", err)
	}
	runs := 0
	for _, propertyID := range propertyIDs {
		if ctx.Err() != nil {
			return runs, ctx.Err()
		}
		run, err := r.createRun(ctx, propertyID, r.opts.AutoHeal, TriggerScheduled)
		if err != nil {
			r.log.WithError(err).WithField("property_id", propertyID).Error("could not start scheduled reconciliation")
			continue
		}
		r.execute(ctx, run)
		runs++
	}
	return runs, nil
}

// RunScheduler reconciles every interval until ctx is cancelled.
func (r *Reconciler) RunScheduler(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.log.WithField("interval", r.opts.Interval.String()).Info("reconciliation scheduler started")
	for {
		select {
		case <-ctx.Done():
			r.Wait()
			r.log.Info("reconciliation scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := r.ReconcileAll(ctx); err != nil && ctx.Err() == nil {
				r.log.WithError(err).Error("scheduled reconciliation failed")
			}
		}
	}
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	PropertyID uint
	Status     string
	Page       int
	Limit      int
}

func (r *Reconciler) ListRuns(ctx context.Context, f RunFilter) ([]models.ReconciliationRun, int64, error) {
	page, limit := OutboxFilter{Page: f.Page, Limit: f.Limit}.page()
	q := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&models.ReconciliationRun{})
		if f.PropertyID != 0 {
			q = q.Where("property_id = ?", f.PropertyID)
		}
		if f.Status != "" {
			q = q.Where("status = ?", f.Status)
		}
		return q
	}
	var total int64
	if err := q().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count reconciliation runs: %w", err)
	}
	var runs []models.ReconciliationRun
	if err := q().Order("started_at desc").Offset((page - 1) * limit).Limit(limit).Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("list reconciliation runs: %w", err)
	}
	return runs, total, nil
}

// GetRun loads a run with its findings.
func (r *Reconciler) GetRun(ctx context.Context, id string) (models.ReconciliationRun, error) {
	var run models.ReconciliationRun
	err := r.db.WithContext(ctx).Preload("Findings", func(db *gorm.DB) *gorm.DB {
		return db.Order("date, channel_name")
	}).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return run, notFound("reconciliation run", id)
	}
	if err != nil {
		return run, fmt.Errorf("load reconciliation run %s: %w", id, err)
	}
	return run, nil
}
