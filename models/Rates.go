package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Adjustment kinds shared by yield rules, LOS discounts and channel modifiers
const (
	AdjustPercent = "PERCENT"
	AdjustFixed   = "FIXED"
)

// RateOverride pins the nightly price of one date. Highest precedence.
type RateOverride struct {
	ID         uint            `json:"id" gorm:"primaryKey"`
	PropertyID uint            `json:"propertyID" gorm:"not null;index"`
	Date       string          `json:"date" gorm:"size:10;not null;index"`
	Price      decimal.Decimal `json:"price" gorm:"type:decimal(12,2);not null"`
	Priority   int             `json:"priority"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// RatePlan prices a date range, optionally restricted to some weekdays.
// DaysOfWeek is a bitmask, bit 0 = Sunday; 0 means every day.
type RatePlan struct {
	ID           uint            `json:"id" gorm:"primaryKey"`
	PropertyID   uint            `json:"propertyID" gorm:"not null;index"`
	Name         string          `json:"name"`
	StartDate    string          `json:"startDate" gorm:"size:10;not null"`
	EndDate      string          `json:"endDate" gorm:"size:10;not null"`
	DaysOfWeek   int             `json:"daysOfWeek"`
	NightlyPrice decimal.Decimal `json:"nightlyPrice" gorm:"type:decimal(12,2);not null"`
	Priority     int             `json:"priority"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// YieldRule adjusts the base price, optionally only inside a lead-time window
// (days between the evaluation day and the stay date).
type YieldRule struct {
	ID             uint            `json:"id" gorm:"primaryKey"`
	PropertyID     uint            `json:"propertyID" gorm:"not null;index"`
	Name           string          `json:"name"`
	StartDate      string          `json:"startDate" gorm:"size:10;not null"`
	EndDate        string          `json:"endDate" gorm:"size:10;not null"`
	MinLeadDays    *int            `json:"minLeadDays"`
	MaxLeadDays    *int            `json:"maxLeadDays"`
	AdjustmentType string          `json:"adjustmentType" gorm:"size:16;not null"`
	Value          decimal.Decimal `json:"value" gorm:"type:decimal(12,2);not null"`
	Priority       int             `json:"priority"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type LengthOfStayDiscount struct {
	ID           uint            `json:"id" gorm:"primaryKey"`
	PropertyID   uint            `json:"propertyID" gorm:"not null;index"`
	MinNights    int             `json:"minNights" gorm:"not null"`
	DiscountType string          `json:"discountType" gorm:"size:16;not null"`
	Value        decimal.Decimal `json:"value" gorm:"type:decimal(12,2);not null"`
	StartDate    string          `json:"startDate" gorm:"size:10"`
	EndDate      string          `json:"endDate" gorm:"size:10"`
	Priority     int             `json:"priority"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type OccupancyPricing struct {
	ID            uint            `json:"id" gorm:"primaryKey"`
	PropertyID    uint            `json:"propertyID" gorm:"not null;index"`
	BaseOccupancy int             `json:"baseOccupancy" gorm:"not null"`
	ExtraGuestFee decimal.Decimal `json:"extraGuestFee" gorm:"type:decimal(12,2);not null"`
	MaxOccupancy  int             `json:"maxOccupancy"`
	StartDate     string          `json:"startDate" gorm:"size:10"`
	EndDate       string          `json:"endDate" gorm:"size:10"`
	Priority      int             `json:"priority"`
	Active        bool            `json:"active"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type ChannelRateModifier struct {
	ID           uint            `json:"id" gorm:"primaryKey"`
	PropertyID   uint            `json:"propertyID" gorm:"not null;index"`
	ChannelName  string          `json:"channelName" gorm:"size:64;not null;index"`
	ModifierType string          `json:"modifierType" gorm:"size:16;not null"`
	Value        decimal.Decimal `json:"value" gorm:"type:decimal(12,2);not null"`
	StartDate    string          `json:"startDate" gorm:"size:10"`
	EndDate      string          `json:"endDate" gorm:"size:10"`
	Priority     int             `json:"priority"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"createdAt"`
}
