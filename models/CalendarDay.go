package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Day statuses
const (
	DayAvailable = "AVAILABLE"
	DayBlocked   = "BLOCKED"
	DayBooked    = "BOOKED"
)

// Provenance of the last status change of a day
const (
	SourceManual  = "MANUAL"
	SourceChannel = "CHANNEL"
	SourceSystem  = "SYSTEM"
)

// DateLayout is the storage and wire format of calendar dates.
const DateLayout = "2006-01-02"

// CalendarDay is the per-property, per-date availability and price state.
// Rows are never deleted, only transitioned by the calendar engine.
type CalendarDay struct {
	ID             uint                `json:"id" gorm:"primaryKey"`
	PropertyID     uint                `json:"propertyID" gorm:"not null;uniqueIndex:idx_calendar_days_property_date"`
	Date           string              `json:"date" gorm:"size:10;not null;uniqueIndex:idx_calendar_days_property_date"`
	Status         string              `json:"status" gorm:"size:16;not null;index"`
	NightlyPrice   decimal.NullDecimal `json:"nightlyPrice" gorm:"type:decimal(12,2)"`
	MinStay        int                 `json:"minStay"`
	MaxStay        int                 `json:"maxStay"`
	ChangeoverDay  bool                `json:"changeoverDay"`
	Source         string              `json:"source" gorm:"size:16;not null"`
	Notes          string              `json:"notes" gorm:"type:text"`
	ReservationRef *string             `json:"reservationRef" gorm:"size:128;index"`
	Version        int64               `json:"version" gorm:"not null"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// Ref returns the owning reservation reference or "".
func (d CalendarDay) Ref() string {
	if d.ReservationRef == nil {
		return ""
	}
	return *d.ReservationRef
}

// NewCalendarDay returns the default state of a freshly materialized day.
func NewCalendarDay(propertyID uint, date string) CalendarDay {
	return CalendarDay{
		PropertyID:    propertyID,
		Date:          date,
		Status:        DayAvailable,
		MinStay:       1,
		ChangeoverDay: true,
		Source:        SourceSystem,
		Version:       1,
	}
}
