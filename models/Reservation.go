package models

import (
	"time"
)

// Reservation statuses as mirrored from the reservation service
const (
	ReservationConfirmed = "confirmed"
	ReservationCancelled = "cancelled"
)

// Reservation mirrors the reservation service lifecycle events so booked days
// can be traced back to a live stay.
type Reservation struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	Reference  string    `json:"reference" gorm:"size:128;not null;uniqueIndex"`
	PropertyID uint      `json:"propertyID" gorm:"not null;index"`
	CheckIn    string    `json:"checkIn" gorm:"size:10"`
	CheckOut   string    `json:"checkOut" gorm:"size:10"`
	Status     string    `json:"status" gorm:"size:16"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
