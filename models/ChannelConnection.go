package models

import (
	"time"

	"gorm.io/datatypes"
)

// Connection health
const (
	HealthUp       = "UP"
	HealthDegraded = "DEGRADED"
	HealthDown     = "DOWN"
	HealthUnknown  = "UNKNOWN"
)

type ChannelConnection struct {
	ID                uint           `json:"id" gorm:"primaryKey"`
	PropertyID        uint           `json:"propertyID" gorm:"not null;uniqueIndex:idx_channel_connections_property_channel"`
	ChannelName       string         `json:"channelName" gorm:"size:64;not null;uniqueIndex:idx_channel_connections_property_channel"`
	ExternalListingID string         `json:"externalListingID" gorm:"size:128"`
	Credentials       datatypes.JSON `json:"-"`
	Health            string         `json:"health" gorm:"size:16;not null"`
	LastCheckedAt     *time.Time     `json:"lastCheckedAt"`
	LastError         string         `json:"lastError" gorm:"type:text"`
	Active            bool           `json:"active" gorm:"index"`
	DisabledAt        *time.Time     `json:"disabledAt"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// Healthy reports whether the channel may be compared during reconciliation.
func (c ChannelConnection) Healthy() bool {
	return c.Active && (c.Health == HealthUp || c.Health == HealthDegraded)
}
