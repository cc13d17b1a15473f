package services

import (
	"context"
	"errors"
	"fmt"

	"calendar-sync-server/models"

	"gorm.io/gorm"
)

// ReservationDirectory answers whether a reservation reference still points
// at a live stay. The rows mirror the reservation service lifecycle.
type ReservationDirectory struct {
	db *gorm.DB
}

func NewReservationDirectory(db *gorm.DB) *ReservationDirectory {
	return &ReservationDirectory{db: db}
}

func (d *ReservationDirectory) IsActive(ctx context.Context, ref string) (bool, error) {
	active, err := d.ActiveRefs(ctx, []string{ref})
	if err != nil {
		return false, err
	}
	return active[ref], nil
}

// ActiveRefs returns the subset of refs that resolve to a confirmed reservation.
func (d *ReservationDirectory) ActiveRefs(ctx context.Context, refs []string) (map[string]bool, error) {
	out := map[string]bool{}
	if len(refs) == 0 {
		return out, nil
	}
	var found []string
	if err := d.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("reference IN ? AND status = ?", refs, models.ReservationConfirmed).
		Pluck("reference", &found).Error; err != nil {
		return nil, fmt.Errorf("resolve reservation refs: %w", err)
	}
	for _, ref := range found {
		out[ref] = true
	}
	return out, nil
}

// RecordReservationInput is a lifecycle event pushed by the reservation service.
type RecordReservationInput struct {
	PropertyID uint   `json:"propertyID" validate:"required"`
	CheckIn    string `json:"checkIn" validate:"required,datetime=2006-01-02"`
	CheckOut   string `json:"checkOut" validate:"required,datetime=2006-01-02"`
	Status     string `json:"status" validate:"required,oneof=confirmed cancelled"`
}

// Record stores a lifecycle event from the reservation service without
// touching the calendar, e.g. a reservation imported for an existing booking
// or a cancellation that reconciliation should see as a dangling ref.
func (d *ReservationDirectory) Record(ctx context.Context, ref string, in RecordReservationInput) (models.Reservation, error) {
	if ref == "" {
		return models.Reservation{}, invalid("reservation reference is required")
	}
	if in.Status != models.ReservationConfirmed && in.Status != models.ReservationCancelled {
		return models.Reservation{}, invalid("unknown reservation status %q", in.Status)
	}
	if _, err := (DateRange{From: in.CheckIn, To: in.CheckOut}).Dates(); err != nil {
		return models.Reservation{}, err
	}

	var reservation models.Reservation
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var property models.Property
		if err := tx.First(&property, in.PropertyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("property", in.PropertyID)
			}
			return fmt.Errorf("load property %d: %w", in.PropertyID, err)
		}

		err := tx.Where("reference = ?", ref).First(&reservation).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			reservation = models.Reservation{Reference: ref}
		case err != nil:
			return fmt.Errorf("load reservation %s: %w", ref, err)
		case reservation.PropertyID != in.PropertyID:
			return invalid("reservation %s is recorded for property %d", ref, reservation.PropertyID)
		}
		reservation.PropertyID = in.PropertyID
		reservation.CheckIn, reservation.CheckOut = in.CheckIn, in.CheckOut
		reservation.Status = in.Status
		if err := tx.Save(&reservation).Error; err != nil {
			return fmt.Errorf("save reservation %s: %w", ref, err)
		}
		return nil
	})
	return reservation, err
}
