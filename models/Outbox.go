package models

import (
	"time"

	"gorm.io/datatypes"
)

// Outbox topics
const (
	TopicAvailability = "calendar.availability"
	TopicPrice        = "calendar.price"
)

// Outbox statuses. Transitions: PENDING -> SENDING -> SENT | PENDING (retry) | FAILED.
const (
	OutboxPending = "PENDING"
	OutboxSending = "SENDING"
	OutboxSent    = "SENT"
	OutboxFailed  = "FAILED"
)

// OutboxEvent is a calendar delta waiting to be pushed to one channel. It is
// written in the same transaction as the day mutation that produced it and
// its payload is never changed afterwards.
type OutboxEvent struct {
	ID          uint           `json:"id" gorm:"primaryKey"`
	Topic       string         `json:"topic" gorm:"size:64;not null"`
	PropertyID  uint           `json:"propertyID" gorm:"not null;index"`
	ChannelName string         `json:"channelName" gorm:"size:64;not null;index:idx_outbox_events_lane,priority:1"`
	Date        string         `json:"date" gorm:"size:10;not null"`
	Version     int64          `json:"version" gorm:"not null"`
	Payload     datatypes.JSON `json:"payload" gorm:"not null"`
	Status      string         `json:"status" gorm:"size:16;not null;index"`
	Attempts    int            `json:"attempts" gorm:"not null"`
	MaxAttempts int            `json:"maxAttempts" gorm:"not null"`
	NextRetryAt time.Time      `json:"nextRetryAt" gorm:"index"`
	LastError   string         `json:"lastError" gorm:"type:text"`
	ClaimedAt   *time.Time     `json:"claimedAt"`
	SentAt      *time.Time     `json:"sentAt"`
	CreatedAt   time.Time      `json:"createdAt" gorm:"index:idx_outbox_events_lane,priority:2"`
}

// OutboxPayload is the immutable body captured when the event is created.
type OutboxPayload struct {
	PropertyID uint    `json:"propertyID"`
	Date       string  `json:"date"`
	Status     string  `json:"status,omitempty"`
	Price      *string `json:"price,omitempty"`
	Version    int64   `json:"version"`
	Reason     string  `json:"reason,omitempty"`
}

// Command results
const (
	CommandOK         = "ok"
	CommandTransient  = "transient"
	CommandPermanent  = "permanent"
	CommandSuperseded = "superseded"
)

// CalendarCommand is the append-only diagnostic record of one adapter call.
type CalendarCommand struct {
	ID          uint           `json:"id" gorm:"primaryKey"`
	EventID     uint           `json:"eventID" gorm:"index"`
	PropertyID  uint           `json:"propertyID" gorm:"not null;index"`
	ChannelName string         `json:"channelName" gorm:"size:64;not null;index"`
	Date        string         `json:"date" gorm:"size:10"`
	CommandType string         `json:"commandType" gorm:"size:64"`
	Payload     datatypes.JSON `json:"payload"`
	Result      string         `json:"result" gorm:"size:16;index"`
	Error       string         `json:"error" gorm:"type:text"`
	DurationMS  int64          `json:"durationMS"`
	CreatedAt   time.Time      `json:"createdAt" gorm:"index"`
}
