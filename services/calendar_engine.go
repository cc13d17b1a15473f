package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"calendar-sync-server/models"
	"calendar-sync-server/storage"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxRangeDays bounds a single operation's date range.
const maxRangeDays = 366

// Actor is the caller of an engine operation. OrganizationID 0 is the system
// scope of operator tooling and reaches every property.
type Actor struct {
	ID             uint
	OrganizationID uint
}

// DateRange is the half-open range [From, To) of YYYY-MM-DD dates.
type DateRange struct {
	From string `json:"from" validate:"required,datetime=2006-01-02"`
	To   string `json:"to" validate:"required,datetime=2006-01-02"`
}

func (r DateRange) Dates() ([]string, error) {
	return expandRange(r.From, r.To)
}

func expandRange(from, to string) ([]string, error) {
	start, err := time.Parse(models.DateLayout, from)
	if err != nil {
		return nil, invalid("invalid from date %q", from)
	}
	end, err := time.Parse(models.DateLayout, to)
	if err != nil {
		return nil, invalid("invalid to date %q", to)
	}
	if !start.Before(end) {
		return nil, invalid("from %s must be before to %s", from, to)
	}
	if end.Sub(start) > maxRangeDays*24*time.Hour {
		return nil, invalid("range %s..%s exceeds %d days", from, to, maxRangeDays)
	}

	var dates []string
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(models.DateLayout))
	}
	return dates, nil
}

type EngineOptions struct {
	HorizonDays int
	MaxAttempts int
	Now         func() time.Time
}

// CalendarEngine is the only writer of calendar days. Every mutation runs
// under the property lock inside one transaction that also appends the
// outbox events for the property's active channel connections.
type CalendarEngine struct {
	db     *gorm.DB
	locker storage.PropertyLocker
	opts   EngineOptions
	log    logrus.FieldLogger
}

func NewCalendarEngine(db *gorm.DB, locker storage.PropertyLocker, opts EngineOptions, log logrus.FieldLogger) *CalendarEngine {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 365
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	return &CalendarEngine{db: db, locker: locker, opts: opts, log: log}
}

func (e *CalendarEngine) today() string {
	return e.opts.Now().Format(models.DateLayout)
}

// RegisterPropertyInput creates or updates the calendar registration.
type RegisterPropertyInput struct {
	Name      string           `json:"name" validate:"max=255"`
	BasePrice decimal.Decimal  `json:"basePrice"`
	MinPrice  *decimal.Decimal `json:"minPrice"`
	MaxPrice  *decimal.Decimal `json:"maxPrice"`
	Currency  string           `json:"currency" validate:"omitempty,len=3"`
}

// RegisterProperty upserts the property and materializes its calendar
// horizon from today as AVAILABLE days. It returns the number of days created.
func (e *CalendarEngine) RegisterProperty(ctx context.Context, actor Actor, propertyID uint, in RegisterPropertyInput) (models.Property, int, error) {
	if propertyID == 0 {
		return models.Property{}, 0, invalid("property id is required")
	}
	if in.BasePrice.IsNegative() {
		return models.Property{}, 0, invalid("base price must not be negative")
	}
	if in.MinPrice != nil && in.MaxPrice != nil && in.MinPrice.GreaterThan(*in.MaxPrice) {
		return models.Property{}, 0, invalid("min price exceeds max price")
	}

	unlock, err := e.locker.Lock(ctx, propertyID)
	if err != nil {
		return models.Property{}, 0, wrapLockErr(propertyID, err)
	}
	defer unlock()

	var property models.Property
	created := 0
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&property, propertyID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if actor.OrganizationID == 0 {
				return invalid("an organization is required to register a property")
			}
			property = models.Property{ID: propertyID, OrganizationID: actor.OrganizationID}
		case err != nil:
			return fmt.Errorf("load property %d: %w", propertyID, err)
		case actor.OrganizationID != 0 && property.OrganizationID != actor.OrganizationID:
			return notFound("property", propertyID)
		}

		property.Name = in.Name
		property.BasePrice = in.BasePrice
		property.MinPrice = nullDecimal(in.MinPrice)
		property.MaxPrice = nullDecimal(in.MaxPrice)
		property.Currency = in.Currency
		if property.Currency == "" {
			property.Currency = "USD"
		}
		if err := tx.Save(&property).Error; err != nil {
			return fmt.Errorf("save property %d: %w", propertyID, err)
		}

		start := e.opts.Now()
		dates := make([]string, 0, e.opts.HorizonDays)
		for i := 0; i < e.opts.HorizonDays; i++ {
			dates = append(dates, start.AddDate(0, 0, i).Format(models.DateLayout))
		}
		created, err = ensureDays(tx, propertyID, dates)
		return err
	})
	if err != nil {
		return models.Property{}, 0, err
	}

	e.log.WithFields(logrus.Fields{"property_id": propertyID, "days_created": created}).Info("property registered")
	return property, created, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

// Block marks the range BLOCKED. It fails without changes if any day is
// BOOKED and returns the days whose status changed.
func (e *CalendarEngine) Block(ctx context.Context, actor Actor, propertyID uint, r DateRange, source, notes string) ([]models.CalendarDay, error) {
	switch source {
	case models.SourceManual, models.SourceChannel, models.SourceSystem:
	case "":
		source = models.SourceManual
	default:
		return nil, invalid("unknown block source %q", source)
	}

	var changed []models.CalendarDay
	err := e.mutate(ctx, actor, propertyID, r, func(tx *gorm.DB, property models.Property, days []models.CalendarDay) error {
		var booked []string
		for _, day := range days {
			if day.Status == models.DayBooked {
				booked = append(booked, day.Date)
			}
		}
		if len(booked) > 0 {
			return &ConflictError{PropertyID: propertyID, Dates: booked, Reason: "dates are booked"}
		}

		for i := range days {
			day := &days[i]
			if day.Status == models.DayBlocked {
				if day.Source == source && day.Notes == notes {
					continue
				}
				// provenance only; channels see no change
				day.Source = source
				day.Notes = notes
				if err := tx.Save(day).Error; err != nil {
					return fmt.Errorf("save day %s: %w", day.Date, err)
				}
				continue
			}
			day.Status = models.DayBlocked
			day.Source = source
			day.Notes = notes
			day.Version++
			if err := tx.Save(day).Error; err != nil {
				return fmt.Errorf("save day %s: %w", day.Date, err)
			}
			changed = append(changed, *day)
		}
		return e.enqueue(tx, property, models.TopicAvailability, changed, "block")
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"property_id": propertyID, "from": r.From, "to": r.To, "changed": len(changed), "actor_id": actor.ID}).Info("calendar range blocked")
	return changed, nil
}

// Unblock returns BLOCKED days of the range to AVAILABLE. AVAILABLE and
// BOOKED days are left as they are.
func (e *CalendarEngine) Unblock(ctx context.Context, actor Actor, propertyID uint, r DateRange) (int, error) {
	var changed []models.CalendarDay
	err := e.mutate(ctx, actor, propertyID, r, func(tx *gorm.DB, property models.Property, days []models.CalendarDay) error {
		for i := range days {
			day := &days[i]
			if day.Status != models.DayBlocked {
				continue
			}
			day.Status = models.DayAvailable
			day.Source = models.SourceSystem
			day.Notes = ""
			day.Version++
			if err := tx.Save(day).Error; err != nil {
				return fmt.Errorf("save day %s: %w", day.Date, err)
			}
			changed = append(changed, *day)
		}
		return e.enqueue(tx, property, models.TopicAvailability, changed, "unblock")
	})
	if err != nil {
		return 0, err
	}

	e.log.WithFields(logrus.Fields{"property_id": propertyID, "from": r.From, "to": r.To, "changed": len(changed), "actor_id": actor.ID}).Info("calendar range unblocked")
	return len(changed), nil
}

// Reserve books the range for reservationRef, all or nothing. Days owned by
// another reservation and MANUAL or SYSTEM blocks are conflicts; blocks that
// arrived from a channel give way to the reservation. Days the reference
// already owns are left as they are, so repeating a Reserve is harmless.
func (e *CalendarEngine) Reserve(ctx context.Context, actor Actor, propertyID uint, r DateRange, reservationRef string) ([]models.CalendarDay, error) {
	if reservationRef == "" {
		return nil, invalid("reservation reference is required")
	}

	var changed []models.CalendarDay
	var conflict *ConflictError
	err := e.mutate(ctx, actor, propertyID, r, func(tx *gorm.DB, property models.Property, days []models.CalendarDay) error {
		var occupied []string
		for _, day := range days {
			switch {
			case day.Status == models.DayBooked && day.Ref() != reservationRef:
				occupied = append(occupied, day.Date)
			case day.Status == models.DayBlocked && day.Source != models.SourceChannel:
				occupied = append(occupied, day.Date)
			}
		}
		if len(occupied) > 0 {
			conflict = &ConflictError{PropertyID: propertyID, Dates: occupied, Reason: "dates are not available"}
			return conflict
		}

		for i := range days {
			day := &days[i]
			if day.Status == models.DayBooked {
				continue
			}
			ref := reservationRef
			day.Status = models.DayBooked
			day.ReservationRef = &ref
			day.Source = models.SourceSystem
			day.Notes = ""
			day.Version++
			if err := tx.Save(day).Error; err != nil {
				return fmt.Errorf("save day %s: %w", day.Date, err)
			}
			changed = append(changed, *day)
		}
		if err := upsertReservation(tx, propertyID, reservationRef, r); err != nil {
			return err
		}
		return e.enqueue(tx, property, models.TopicAvailability, changed, "reserve")
	})
	if conflict != nil {
		e.recordConflict(ctx, propertyID, reservationRef, conflict.Dates)
	}
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"property_id": propertyID, "reservation_ref": reservationRef, "from": r.From, "to": r.To, "changed": len(changed)}).Info("calendar range reserved")
	return changed, nil
}

func upsertReservation(tx *gorm.DB, propertyID uint, ref string, r DateRange) error {
	var reservation models.Reservation
	err := tx.Where("reference = ?", ref).First(&reservation).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		reservation = models.Reservation{Reference: ref, PropertyID: propertyID, CheckIn: r.From, CheckOut: r.To}
	case err != nil:
		return fmt.Errorf("load reservation %s: %w", ref, err)
	case reservation.PropertyID != propertyID:
		// same answer as an occupied range so other tenants' refs stay opaque
		dates, _ := r.Dates()
		return &ConflictError{PropertyID: propertyID, Dates: dates, Reason: "reservation reference is already in use"}
	case reservation.Status == models.ReservationCancelled:
		reservation.CheckIn, reservation.CheckOut = r.From, r.To
	default:
		if r.From < reservation.CheckIn {
			reservation.CheckIn = r.From
		}
		if r.To > reservation.CheckOut {
			reservation.CheckOut = r.To
		}
	}
	reservation.Status = models.ReservationConfirmed
	if err := tx.Save(&reservation).Error; err != nil {
		return fmt.Errorf("save reservation %s: %w", ref, err)
	}
	return nil
}

// recordConflict stores a rejected reservation for operator review. It runs
// after the failed transaction was rolled back.
func (e *CalendarEngine) recordConflict(ctx context.Context, propertyID uint, ref string, dates []string) {
	payload, _ := json.Marshal(dates)
	conflict := models.CalendarConflict{
		PropertyID:     propertyID,
		Kind:           models.ConflictDoubleBooking,
		ReservationRef: ref,
		Dates:          datatypes.JSON(payload),
		Status:         models.ConflictOpen,
	}
	if err := e.db.WithContext(ctx).Create(&conflict).Error; err != nil {
		e.log.WithError(err).WithField("property_id", propertyID).Error("failed to record calendar conflict")
		return
	}
	e.log.WithFields(logrus.Fields{"property_id": propertyID, "reservation_ref": ref, "dates": dates, "conflict_id": conflict.ID}).Warn("reservation rejected, dates occupied")
}

// ReleaseReservation frees every day owned by reservationRef and marks the
// reservation cancelled. Releasing twice changes nothing the second time.
func (e *CalendarEngine) ReleaseReservation(ctx context.Context, actor Actor, reservationRef string) (int, error) {
	if reservationRef == "" {
		return 0, invalid("reservation reference is required")
	}

	propertyID, err := e.reservationProperty(ctx, reservationRef)
	if err != nil {
		return 0, err
	}
	property, err := e.loadProperty(ctx, actor, propertyID)
	if err != nil {
		return 0, err
	}

	unlock, err := e.locker.Lock(ctx, propertyID)
	if err != nil {
		return 0, wrapLockErr(propertyID, err)
	}
	defer unlock()

	var changed []models.CalendarDay
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var days []models.CalendarDay
		if err := tx.Where("property_id = ? AND reservation_ref = ?", propertyID, reservationRef).
			Order("date").Find(&days).Error; err != nil {
			return fmt.Errorf("load days of reservation %s: %w", reservationRef, err)
		}
		for i := range days {
			day := &days[i]
			day.Status = models.DayAvailable
			day.ReservationRef = nil
			day.Source = models.SourceSystem
			day.Notes = ""
			day.Version++
			if err := tx.Save(day).Error; err != nil {
				return fmt.Errorf("save day %s: %w", day.Date, err)
			}
			changed = append(changed, *day)
		}
		if err := tx.Model(&models.Reservation{}).Where("reference = ?", reservationRef).
			Update("status", models.ReservationCancelled).Error; err != nil {
			return fmt.Errorf("cancel reservation %s: %w", reservationRef, err)
		}
		return e.enqueue(tx, property, models.TopicAvailability, changed, "release")
	})
	if err != nil {
		return 0, err
	}

	e.log.WithFields(logrus.Fields{"property_id": propertyID, "reservation_ref": reservationRef, "changed": len(changed)}).Info("reservation released")
	return len(changed), nil
}

func (e *CalendarEngine) reservationProperty(ctx context.Context, ref string) (uint, error) {
	var reservation models.Reservation
	err := e.db.WithContext(ctx).Where("reference = ?", ref).First(&reservation).Error
	if err == nil {
		return reservation.PropertyID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("load reservation %s: %w", ref, err)
	}

	var day models.CalendarDay
	err = e.db.WithContext(ctx).Where("reservation_ref = ?", ref).First(&day).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, notFound("reservation", ref)
	}
	if err != nil {
		return 0, fmt.Errorf("load days of reservation %s: %w", ref, err)
	}
	return day.PropertyID, nil
}

// UpdatePrice sets the nightly price of every day in the range whatever its
// status. Days already at that price are not touched.
func (e *CalendarEngine) UpdatePrice(ctx context.Context, actor Actor, propertyID uint, r DateRange, price decimal.Decimal) ([]models.CalendarDay, error) {
	if price.IsNegative() {
		return nil, invalid("price must not be negative")
	}
	price = price.Round(2)

	var changed []models.CalendarDay
	err := e.mutate(ctx, actor, propertyID, r, func(tx *gorm.DB, property models.Property, days []models.CalendarDay) error {
		var err error
		changed, err = setPrices(tx, days, func(models.CalendarDay) (decimal.Decimal, error) { return price, nil })
		if err != nil {
			return err
		}
		return e.enqueue(tx, property, models.TopicPrice, changed, "price")
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"property_id": propertyID, "from": r.From, "to": r.To, "price": price.StringFixed(2), "changed": len(changed)}).Info("calendar price updated")
	return changed, nil
}

// Reprice stores the resolver's internal price on every day of the range.
func (e *CalendarEngine) Reprice(ctx context.Context, actor Actor, propertyID uint, r DateRange) ([]models.CalendarDay, error) {
	var changed []models.CalendarDay
	err := e.mutate(ctx, actor, propertyID, r, func(tx *gorm.DB, property models.Property, days []models.CalendarDay) error {
		inputs, err := loadRateInputs(tx, property, e.today())
		if err != nil {
			return err
		}
		changed, err = setPrices(tx, days, func(day models.CalendarDay) (decimal.Decimal, error) {
			return NightlyPrice(inputs, day.Date)
		})
		if err != nil {
			return err
		}
		return e.enqueue(tx, property, models.TopicPrice, changed, "reprice")
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"property_id": propertyID, "from": r.From, "to": r.To, "changed": len(changed)}).Info("calendar repriced")
	return changed, nil
}

func setPrices(tx *gorm.DB, days []models.CalendarDay, priceOf func(models.CalendarDay) (decimal.Decimal, error)) ([]models.CalendarDay, error) {
	var changed []models.CalendarDay
	for i := range days {
		day := &days[i]
		price, err := priceOf(*day)
		if err != nil {
			return nil, err
		}
		if day.NightlyPrice.Valid && day.NightlyPrice.Decimal.Equal(price) {
			continue
		}
		day.NightlyPrice = decimal.NewNullDecimal(price)
		day.Version++
		if err := tx.Save(day).Error; err != nil {
			return nil, fmt.Errorf("save day %s: %w", day.Date, err)
		}
		changed = append(changed, *day)
	}
	return changed, nil
}

// Availability reads the range without taking the property lock. Days not
// materialized yet are returned in their default state.
func (e *CalendarEngine) Availability(ctx context.Context, actor Actor, propertyID uint, r DateRange) ([]models.CalendarDay, error) {
	dates, err := r.Dates()
	if err != nil {
		return nil, err
	}
	if _, err := e.loadProperty(ctx, actor, propertyID); err != nil {
		return nil, err
	}

	var stored []models.CalendarDay
	if err := e.db.WithContext(ctx).Where("property_id = ? AND date >= ? AND date < ?", propertyID, r.From, r.To).
		Order("date").Find(&stored).Error; err != nil {
		return nil, fmt.Errorf("load calendar of property %d: %w", propertyID, err)
	}
	byDate := make(map[string]models.CalendarDay, len(stored))
	for _, day := range stored {
		byDate[day.Date] = day
	}

	days := make([]models.CalendarDay, 0, len(dates))
	for _, date := range dates {
		day, ok := byDate[date]
		if !ok {
			day = models.NewCalendarDay(propertyID, date)
		}
		days = append(days, day)
	}
	return days, nil
}

// Quote prices a stay through the rate resolver.
func (e *CalendarEngine) Quote(ctx context.Context, actor Actor, propertyID uint, r DateRange, guests int, channel string) (Quote, error) {
	property, err := e.loadProperty(ctx, actor, propertyID)
	if err != nil {
		return Quote{}, err
	}
	inputs, err := loadRateInputs(e.db.WithContext(ctx), property, e.today())
	if err != nil {
		return Quote{}, err
	}
	return BuildQuote(inputs, r.From, r.To, guests, channel)
}

func (e *CalendarEngine) loadProperty(ctx context.Context, actor Actor, propertyID uint) (models.Property, error) {
	var property models.Property
	err := e.db.WithContext(ctx).First(&property, propertyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Property{}, notFound("property", propertyID)
	}
	if err != nil {
		return models.Property{}, fmt.Errorf("load property %d: %w", propertyID, err)
	}
	// other tenants' properties do not exist for the caller
	if actor.OrganizationID != 0 && property.OrganizationID != actor.OrganizationID {
		return models.Property{}, notFound("property", propertyID)
	}
	return property, nil
}

// ResyncDay re-sends the current availability of one date to one channel.
// The day's version is bumped so the push is not deduplicated against the
// one the channel already accepted.
func (e *CalendarEngine) ResyncDay(ctx context.Context, propertyID uint, date string, connectionID uint, reason string) (models.CalendarDay, error) {
	next, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return models.CalendarDay{}, invalid("invalid date %q", date)
	}
	r := DateRange{From: date, To: next.AddDate(0, 0, 1).Format(models.DateLayout)}

	var resynced models.CalendarDay
	err = e.mutate(ctx, Actor{}, propertyID, r, func(tx *gorm.DB, property models.Property, days []models.CalendarDay) error {
		var conn models.ChannelConnection
		if err := tx.First(&conn, connectionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("channel connection", connectionID)
			}
			return fmt.Errorf("load connection %d: %w", connectionID, err)
		}
		if !conn.Active || conn.PropertyID != propertyID {
			return invalid("channel connection %d is not active on property %d", connectionID, propertyID)
		}

		day := days[0]
		day.Version++
		if err := tx.Save(&day).Error; err != nil {
			return fmt.Errorf("save day %s: %w", day.Date, err)
		}
		resynced = day
		_, err := appendOutboxEvents(tx, outboxAppend{
			Topic:       models.TopicAvailability,
			Connections: []models.ChannelConnection{conn},
			Days:        []models.CalendarDay{day},
			Reason:      reason,
			MaxAttempts: e.opts.MaxAttempts,
			Now:         e.opts.Now(),
		})
		return err
	})
	if err != nil {
		return models.CalendarDay{}, err
	}
	return resynced, nil
}

// mutate runs fn under the property lock in one transaction, with every day
// of the range materialized and loaded in date order.
func (e *CalendarEngine) mutate(ctx context.Context, actor Actor, propertyID uint, r DateRange, fn func(tx *gorm.DB, property models.Property, days []models.CalendarDay) error) error {
	dates, err := r.Dates()
	if err != nil {
		return err
	}
	property, err := e.loadProperty(ctx, actor, propertyID)
	if err != nil {
		return err
	}

	unlock, err := e.locker.Lock(ctx, propertyID)
	if err != nil {
		return wrapLockErr(propertyID, err)
	}
	defer unlock()

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := ensureDays(tx, propertyID, dates); err != nil {
			return err
		}
		var days []models.CalendarDay
		if err := tx.Where("property_id = ? AND date >= ? AND date < ?", propertyID, r.From, r.To).
			Order("date").Find(&days).Error; err != nil {
			return fmt.Errorf("load calendar of property %d: %w", propertyID, err)
		}
		return fn(tx, property, days)
	})
}

// ensureDays inserts default days for the dates that have no row yet.
func ensureDays(tx *gorm.DB, propertyID uint, dates []string) (int, error) {
	if len(dates) == 0 {
		return 0, nil
	}
	days := make([]models.CalendarDay, 0, len(dates))
	for _, date := range dates {
		days = append(days, models.NewCalendarDay(propertyID, date))
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "property_id"}, {Name: "date"}},
		DoNothing: true,
	}).CreateInBatches(&days, 200)
	if res.Error != nil {
		return 0, fmt.Errorf("materialize calendar of property %d: %w", propertyID, res.Error)
	}
	return int(res.RowsAffected), nil
}

func (e *CalendarEngine) enqueue(tx *gorm.DB, property models.Property, topic string, days []models.CalendarDay, reason string) error {
	if len(days) == 0 {
		return nil
	}
	conns, err := activeConnections(tx, property.ID)
	if err != nil {
		return err
	}
	if len(conns) == 0 {
		return nil
	}
	var modifiers []models.ChannelRateModifier
	if topic == models.TopicPrice {
		if modifiers, err = loadChannelModifiers(tx, property.ID); err != nil {
			return err
		}
	}
	_, err = appendOutboxEvents(tx, outboxAppend{
		Topic:       topic,
		Connections: conns,
		Days:        days,
		Modifiers:   modifiers,
		Reason:      reason,
		MaxAttempts: e.opts.MaxAttempts,
		Now:         e.opts.Now(),
	})
	return err
}

func activeConnections(tx *gorm.DB, propertyID uint) ([]models.ChannelConnection, error) {
	var conns []models.ChannelConnection
	if err := tx.Where("property_id = ? AND active = ?", propertyID, true).Order("channel_name").Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("load channel connections of property %d: %w", propertyID, err)
	}
	return conns, nil
}
