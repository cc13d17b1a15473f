package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"calendar-sync-server/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type outboxAppend struct {
	Topic       string
	Connections []models.ChannelConnection
	Days        []models.CalendarDay
	Modifiers   []models.ChannelRateModifier
	Reason      string
	MaxAttempts int
	Now         time.Time
}

// appendOutboxEvents writes one event per (connection, day) inside the
// caller's transaction. Day order is kept so lanes replay it in order.
func appendOutboxEvents(tx *gorm.DB, in outboxAppend) ([]models.OutboxEvent, error) {
	events := make([]models.OutboxEvent, 0, len(in.Connections)*len(in.Days))
	for _, conn := range in.Connections {
		for _, day := range in.Days {
			payload := models.OutboxPayload{
				PropertyID: day.PropertyID,
				Date:       day.Date,
				Version:    day.Version,
				Reason:     in.Reason,
			}
			switch in.Topic {
			case models.TopicAvailability:
				payload.Status = day.Status
			case models.TopicPrice:
				if !day.NightlyPrice.Valid {
					continue
				}
				price := ChannelPrice(in.Modifiers, day.Date, conn.ChannelName, day.NightlyPrice.Decimal).StringFixed(2)
				payload.Price = &price
			default:
				return nil, fmt.Errorf("unknown outbox topic %q", in.Topic)
			}
			body, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("encode outbox payload: %w", err)
			}
			events = append(events, models.OutboxEvent{
				Topic:       in.Topic,
				PropertyID:  day.PropertyID,
				ChannelName: conn.ChannelName,
				Date:        day.Date,
				Version:     day.Version,
				Payload:     datatypes.JSON(body),
				Status:      models.OutboxPending,
				MaxAttempts: in.MaxAttempts,
				NextRetryAt: in.Now,
				CreatedAt:   in.Now,
			})
		}
	}
	if len(events) == 0 {
		return nil, nil
	}
	if err := tx.CreateInBatches(&events, 200).Error; err != nil {
		return nil, fmt.Errorf("append outbox events: %w", err)
	}
	return events, nil
}

type DispatcherOptions struct {
	BatchSize    int
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	LeaseTimeout time.Duration
	Now          func() time.Time
	// Jitter returns a value in [0, 1); defaults to math/rand.
	Jitter func() float64
}

// Dispatcher drains the outbox into the channel adapters. Events of one
// (channel, property) lane are sent strictly in creation order: a lane stops
// at the first event that is not due or has to be retried. Channels are
// served concurrently.
type Dispatcher struct {
	db       *gorm.DB
	registry *ChannelRegistry
	opts     DispatcherOptions
	log      logrus.FieldLogger
}

func NewDispatcher(db *gorm.DB, registry *ChannelRegistry, opts DispatcherOptions, log logrus.FieldLogger) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Minute
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Jitter == nil {
		opts.Jitter = rand.Float64
	}
	return &Dispatcher{db: db, registry: registry, opts: opts, log: log}
}

// DispatchResult counts what one pass did.
type DispatchResult struct {
	Sent       int `json:"sent"`
	Superseded int `json:"superseded"`
	Retried    int `json:"retried"`
	Failed     int `json:"failed"`
	Deferred   int `json:"deferred"`
}

func (r *DispatchResult) add(o DispatchResult) {
	r.Sent += o.Sent
	r.Superseded += o.Superseded
	r.Retried += o.Retried
	r.Failed += o.Failed
	r.Deferred += o.Deferred
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	d.log.WithField("interval", d.opts.PollInterval.String()).Info("outbox dispatcher started")
	for {
		if _, err := d.RecoverStale(ctx); err != nil && ctx.Err() == nil {
			d.log.WithError(err).Error("outbox lease recovery failed")
		}
		if res, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.WithError(err).Error("outbox dispatch pass failed")
		} else if res.Sent+res.Failed+res.Retried > 0 {
			d.log.WithFields(logrus.Fields{"sent": res.Sent, "retried": res.Retried, "failed": res.Failed, "superseded": res.Superseded}).Debug("outbox dispatch pass")
		}

		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce makes one pass over every channel with unfinished events.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var channels []string
	if err := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("status IN ?", []string{models.OutboxPending, models.OutboxSending}).
		Distinct("channel_name").Pluck("channel_name", &channels).Error; err != nil {
		return DispatchResult{}, fmt.Errorf("list outbox channels: %w", err)
	}
	slices.Sort(channels)

	results := make([]DispatchResult, len(channels))
	g, gctx := errgroup.WithContext(ctx)
	for i, channel := range channels {
		i, channel := i, channel
		g.Go(func() error {
			res, err := d.dispatchChannel(gctx, channel)
			results[i] = res
			return err
		})
	}
	err := g.Wait()

	var total DispatchResult
	for _, res := range results {
		total.add(res)
	}
	return total, err
}

func (d *Dispatcher) dispatchChannel(ctx context.Context, channel string) (DispatchResult, error) {
	unfinished := []string{models.OutboxPending, models.OutboxSending}

	var lanes []uint
	if err := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("channel_name = ? AND status IN ?", channel, unfinished).
		Distinct("property_id").Order("property_id").Pluck("property_id", &lanes).Error; err != nil {
		return DispatchResult{}, fmt.Errorf("list outbox lanes for %s: %w", channel, err)
	}

	var res DispatchResult
	for _, propertyID := range lanes {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		// each lane reads its own head so a stuck lane never hides another
		var events []models.OutboxEvent
		if err := d.db.WithContext(ctx).
			Where("channel_name = ? AND property_id = ? AND status IN ?", channel, propertyID, unfinished).
			Order("created_at, id").Limit(d.opts.BatchSize).Find(&events).Error; err != nil {
			return res, fmt.Errorf("load outbox lane %s/%d: %w", channel, propertyID, err)
		}
		laneRes, err := d.dispatchLane(ctx, events)
		res.add(laneRes)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// dispatchLane sends events of one lane in order and stops at the first one
// that is in flight, not yet due, or sent back for a retry.
func (d *Dispatcher) dispatchLane(ctx context.Context, events []models.OutboxEvent) (DispatchResult, error) {
	var res DispatchResult
	for _, event := range events {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if event.Status == models.OutboxSending || event.NextRetryAt.After(d.opts.Now()) {
			return res, nil
		}
		outcome, err := d.process(ctx, event)
		if err != nil {
			return res, err
		}
		res.add(outcome)
		if outcome.Retried > 0 || outcome.Deferred > 0 {
			return res, nil
		}
	}
	return res, nil
}

// process claims and sends one event and records the outcome.
func (d *Dispatcher) process(ctx context.Context, event models.OutboxEvent) (DispatchResult, error) {
	now := d.opts.Now()
	claim := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", event.ID, models.OutboxPending).
		Updates(map[string]interface{}{"status": models.OutboxSending, "claimed_at": now})
	if claim.Error != nil {
		return DispatchResult{}, fmt.Errorf("claim outbox event %d: %w", event.ID, claim.Error)
	}
	if claim.RowsAffected == 0 {
		// another dispatcher took it
		return DispatchResult{Deferred: 1}, nil
	}

	log := d.log.WithFields(logrus.Fields{"event_id": event.ID, "channel": event.ChannelName, "property_id": event.PropertyID, "date": event.Date, "topic": event.Topic})

	superseded, err := d.isSuperseded(ctx, event)
	if err != nil {
		return DispatchResult{}, err
	}
	if superseded {
		d.appendCommand(ctx, event, models.CommandSuperseded, "", 0)
		if err := d.finish(ctx, event.ID, map[string]interface{}{"status": models.OutboxSent, "sent_at": now, "last_error": ""}); err != nil {
			return DispatchResult{}, err
		}
		log.Debug("outbox event superseded by a newer version")
		return DispatchResult{Superseded: 1}, nil
	}

	started := time.Now()
	sendErr := d.send(ctx, event)
	elapsed := time.Since(started)

	if errors.Is(sendErr, ErrCircuitOpen) {
		// nothing reached the channel; not an attempt
		if err := d.finish(ctx, event.ID, map[string]interface{}{
			"status":        models.OutboxPending,
			"next_retry_at": now.Add(d.opts.BackoffBase),
		}); err != nil {
			return DispatchResult{}, err
		}
		log.Debug("channel circuit open, outbox event deferred")
		return DispatchResult{Deferred: 1}, nil
	}

	switch {
	case sendErr == nil:
		d.appendCommand(ctx, event, models.CommandOK, "", elapsed)
		if err := d.finish(ctx, event.ID, map[string]interface{}{
			"status": models.OutboxSent, "sent_at": now, "attempts": event.Attempts + 1, "last_error": "",
		}); err != nil {
			return DispatchResult{}, err
		}
		return DispatchResult{Sent: 1}, nil

	case IsPermanent(sendErr):
		d.appendCommand(ctx, event, models.CommandPermanent, sendErr.Error(), elapsed)
		if err := d.finish(ctx, event.ID, map[string]interface{}{
			"status": models.OutboxFailed, "attempts": event.Attempts + 1, "last_error": sendErr.Error(),
		}); err != nil {
			return DispatchResult{}, err
		}
		log.WithError(sendErr).Error("outbox event failed permanently")
		return DispatchResult{Failed: 1}, nil

	default:
		d.appendCommand(ctx, event, models.CommandTransient, sendErr.Error(), elapsed)
		failed, err := d.retryOrFail(ctx, event, sendErr.Error())
		if err != nil {
			return DispatchResult{}, err
		}
		if failed {
			log.WithError(sendErr).Error("outbox event exhausted its attempts")
			return DispatchResult{Failed: 1}, nil
		}
		log.WithError(sendErr).Warn("outbox event send failed, will retry")
		return DispatchResult{Retried: 1}, nil
	}
}

// retryOrFail counts a transient failure of a SENDING event.
func (d *Dispatcher) retryOrFail(ctx context.Context, event models.OutboxEvent, reason string) (bool, error) {
	attempts := event.Attempts + 1
	updates := map[string]interface{}{"attempts": attempts, "last_error": reason}
	failed := attempts >= event.MaxAttempts
	if failed {
		updates["status"] = models.OutboxFailed
	} else {
		updates["status"] = models.OutboxPending
		updates["next_retry_at"] = d.opts.Now().Add(d.Backoff(attempts))
	}
	return failed, d.finish(ctx, event.ID, updates)
}

// Backoff is the delay after the given number of failed attempts:
// exponential from BackoffBase, capped at BackoffMax, jittered to [d/2, d).
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	delay := d.opts.BackoffBase
	for i := 1; i < attempts && delay < d.opts.BackoffMax; i++ {
		delay *= 2
	}
	if delay > d.opts.BackoffMax {
		delay = d.opts.BackoffMax
	}
	half := delay / 2
	return half + time.Duration(d.opts.Jitter()*float64(half))
}

func (d *Dispatcher) finish(ctx context.Context, id uint, updates map[string]interface{}) error {
	err := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, models.OutboxSending).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("update outbox event %d: %w", id, err)
	}
	return nil
}

// isSuperseded reports whether a newer version of the same date and topic
// already reached the channel.
func (d *Dispatcher) isSuperseded(ctx context.Context, event models.OutboxEvent) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("channel_name = ? AND property_id = ? AND date = ? AND topic = ? AND status = ? AND version > ?",
			event.ChannelName, event.PropertyID, event.Date, event.Topic, models.OutboxSent, event.Version).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check supersession of outbox event %d: %w", event.ID, err)
	}
	return count > 0, nil
}

func (d *Dispatcher) send(ctx context.Context, event models.OutboxEvent) error {
	var conn models.ChannelConnection
	err := d.db.WithContext(ctx).
		Where("property_id = ? AND channel_name = ?", event.PropertyID, event.ChannelName).
		First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !conn.Active) {
		return &PermanentChannelError{Channel: event.ChannelName, Err: fmt.Errorf("property %d is not connected", event.PropertyID)}
	}
	if err != nil {
		return &TransientChannelError{Channel: event.ChannelName, Err: err}
	}

	var payload models.OutboxPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return &PermanentChannelError{Channel: event.ChannelName, Err: fmt.Errorf("decode payload: %w", err)}
	}
	update := ChannelUpdate{
		Listing: listingRef(conn),
		Date:    payload.Date,
		Status:  payload.Status,
		Version: payload.Version,
	}

	switch event.Topic {
	case models.TopicAvailability:
		return d.registry.Call(ctx, event.ChannelName, func(ctx context.Context, adapter ChannelAdapter) error {
			return adapter.PushAvailability(ctx, update)
		})
	case models.TopicPrice:
		if payload.Price == nil {
			return &PermanentChannelError{Channel: event.ChannelName, Err: errors.New("price event without price")}
		}
		price, err := decimal.NewFromString(*payload.Price)
		if err != nil {
			return &PermanentChannelError{Channel: event.ChannelName, Err: fmt.Errorf("decode price: %w", err)}
		}
		update.Price = price
		return d.registry.Call(ctx, event.ChannelName, func(ctx context.Context, adapter ChannelAdapter) error {
			return adapter.PushPrice(ctx, update)
		})
	default:
		return &PermanentChannelError{Channel: event.ChannelName, Err: fmt.Errorf("unknown topic %q", event.Topic)}
	}
}

func listingRef(conn models.ChannelConnection) ListingRef {
	ref := ListingRef{PropertyID: conn.PropertyID, ExternalListingID: conn.ExternalListingID}
	if len(conn.Credentials) > 0 {
		var creds struct {
			APIKey string `json:"apiKey"`
		}
		if err := json.Unmarshal(conn.Credentials, &creds); err == nil {
			ref.APIKey = creds.APIKey
		}
	}
	return ref
}

func (d *Dispatcher) appendCommand(ctx context.Context, event models.OutboxEvent, result, errMsg string, elapsed time.Duration) {
	command := models.CalendarCommand{
		EventID:     event.ID,
		PropertyID:  event.PropertyID,
		ChannelName: event.ChannelName,
		Date:        event.Date,
		CommandType: event.Topic,
		Payload:     event.Payload,
		Result:      result,
		Error:       errMsg,
		DurationMS:  elapsed.Milliseconds(),
		CreatedAt:   d.opts.Now(),
	}
	if err := d.db.WithContext(ctx).Create(&command).Error; err != nil {
		d.log.WithError(err).WithField("event_id", event.ID).Error("failed to record calendar command")
	}
}

// RecoverStale returns SENDING events whose claim outlived the lease to the
// retry path. The lost send counts as one attempt.
func (d *Dispatcher) RecoverStale(ctx context.Context) (int, error) {
	cutoff := d.opts.Now().Add(-d.opts.LeaseTimeout)
	var stale []models.OutboxEvent
	if err := d.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", models.OutboxSending, cutoff).
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("load stale outbox events: %w", err)
	}
	for _, event := range stale {
		failed, err := d.retryOrFail(ctx, event, "send lease expired")
		if err != nil {
			return 0, err
		}
		d.log.WithFields(logrus.Fields{"event_id": event.ID, "channel": event.ChannelName, "failed": failed}).Warn("recovered stale outbox event")
	}
	return len(stale), nil
}

// RetryResult reports whether one FAILED event was reset; the resend itself
// happens later in the dispatcher.
type RetryResult struct {
	ID    uint   `json:"id"`
	Reset bool   `json:"reset"`
	Error string `json:"error,omitempty"`
}

// RetryFailed resets FAILED events to PENDING with no attempts used.
func (d *Dispatcher) RetryFailed(ctx context.Context, ids []uint) ([]RetryResult, error) {
	results := make([]RetryResult, 0, len(ids))
	now := d.opts.Now()
	for _, id := range ids {
		res := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).
			Where("id = ? AND status = ?", id, models.OutboxFailed).
			Updates(map[string]interface{}{
				"status":        models.OutboxPending,
				"attempts":      0,
				"next_retry_at": now,
				"last_error":    "",
				"claimed_at":    nil,
			})
		if res.Error != nil {
			return results, fmt.Errorf("reset outbox event %d: %w", id, res.Error)
		}
		if res.RowsAffected == 1 {
			results = append(results, RetryResult{ID: id, Reset: true})
			continue
		}

		var event models.OutboxEvent
		err := d.db.WithContext(ctx).Select("id", "status").First(&event, id).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			results = append(results, RetryResult{ID: id, Error: "not found"})
		case err != nil:
			return results, fmt.Errorf("load outbox event %d: %w", id, err)
		default:
			results = append(results, RetryResult{ID: id, Error: "event is " + event.Status + ", not FAILED"})
		}
	}
	d.log.WithField("count", len(ids)).Info("outbox retry requested")
	return results, nil
}

// OutboxStats is the backlog summary of the operator surface.
type OutboxStats struct {
	ByStatus         map[string]int64            `json:"byStatus"`
	ByChannel        map[string]map[string]int64 `json:"byChannel"`
	OldestPendingAge string                      `json:"oldestPendingAge,omitempty"`
	OldestPendingAt  *time.Time                  `json:"oldestPendingAt,omitempty"`
}

func (d *Dispatcher) Stats(ctx context.Context) (OutboxStats, error) {
	var rows []struct {
		ChannelName string
		Status      string
		Count       int64
	}
	if err := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Select("channel_name, status, count(*) as count").
		Group("channel_name, status").Scan(&rows).Error; err != nil {
		return OutboxStats{}, fmt.Errorf("count outbox events: %w", err)
	}

	stats := OutboxStats{ByStatus: map[string]int64{}, ByChannel: map[string]map[string]int64{}}
	for _, status := range []string{models.OutboxPending, models.OutboxSending, models.OutboxSent, models.OutboxFailed} {
		stats.ByStatus[status] = 0
	}
	for _, row := range rows {
		stats.ByStatus[row.Status] += row.Count
		if stats.ByChannel[row.ChannelName] == nil {
			stats.ByChannel[row.ChannelName] = map[string]int64{}
		}
		stats.ByChannel[row.ChannelName][row.Status] = row.Count
	}

	var oldest models.OutboxEvent
	err := d.db.WithContext(ctx).Where("status = ?", models.OutboxPending).Order("created_at, id").First(&oldest).Error
	if err == nil {
		at := oldest.CreatedAt
		stats.OldestPendingAt = &at
		stats.OldestPendingAge = d.opts.Now().Sub(at).Round(time.Second).String()
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return OutboxStats{}, fmt.Errorf("load oldest pending event: %w", err)
	}
	return stats, nil
}

// OutboxFilter narrows List and Commands; zero values match everything.
type OutboxFilter struct {
	Status     string
	Channel    string
	PropertyID uint
	Page       int
	Limit      int
}

func (f OutboxFilter) apply(q *gorm.DB) *gorm.DB {
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Channel != "" {
		q = q.Where("channel_name = ?", f.Channel)
	}
	if f.PropertyID != 0 {
		q = q.Where("property_id = ?", f.PropertyID)
	}
	return q
}

func (f OutboxFilter) page() (int, int) {
	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return page, limit
}

func (d *Dispatcher) List(ctx context.Context, f OutboxFilter) ([]models.OutboxEvent, int64, error) {
	page, limit := f.page()
	var total int64
	if err := f.apply(d.db.WithContext(ctx).Model(&models.OutboxEvent{})).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count outbox events: %w", err)
	}
	var events []models.OutboxEvent
	if err := f.apply(d.db.WithContext(ctx)).Order("id desc").
		Offset((page - 1) * limit).Limit(limit).Find(&events).Error; err != nil {
		return nil, 0, fmt.Errorf("list outbox events: %w", err)
	}
	return events, total, nil
}

// Commands lists the calendar command log; Status filters on the result.
func (d *Dispatcher) Commands(ctx context.Context, f OutboxFilter) ([]models.CalendarCommand, int64, error) {
	page, limit := f.page()
	q := func() *gorm.DB {
		q := d.db.WithContext(ctx).Model(&models.CalendarCommand{})
		if f.Status != "" {
			q = q.Where("result = ?", f.Status)
		}
		if f.Channel != "" {
			q = q.Where("channel_name = ?", f.Channel)
		}
		if f.PropertyID != 0 {
			q = q.Where("property_id = ?", f.PropertyID)
		}
		return q
	}
	var total int64
	if err := q().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count calendar commands: %w", err)
	}
	var commands []models.CalendarCommand
	if err := q().Order("id desc").Offset((page - 1) * limit).Limit(limit).Find(&commands).Error; err != nil {
		return nil, 0, fmt.Errorf("list calendar commands: %w", err)
	}
	return commands, total, nil
}

// ParseIDs converts operator supplied ids.
func ParseIDs(raw []string) ([]uint, error) {
	ids := make([]uint, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil || id == 0 {
			return nil, invalid("invalid event id %q", s)
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}
