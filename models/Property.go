package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Property is the calendar-side registration of a rentable unit. Listing
// content lives in the property service; only what pricing and tenant
// isolation need is kept here.
type Property struct {
	ID             uint                `json:"id" gorm:"primaryKey;autoIncrement:false"`
	OrganizationID uint                `json:"organizationID" gorm:"not null;index"`
	Name           string              `json:"name"`
	BasePrice      decimal.Decimal     `json:"basePrice" gorm:"type:decimal(12,2);not null"`
	MinPrice       decimal.NullDecimal `json:"minPrice" gorm:"type:decimal(12,2)"`
	MaxPrice       decimal.NullDecimal `json:"maxPrice" gorm:"type:decimal(12,2)"`
	Currency       string              `json:"currency" gorm:"size:3"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}
