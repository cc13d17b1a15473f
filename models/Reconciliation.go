package models

import (
	"time"

	"gorm.io/datatypes"
)

// Run statuses
const (
	RunRunning   = "RUNNING"
	RunCompleted = "COMPLETED"
	RunFailed    = "FAILED"
)

// Finding kinds
const (
	FindingOrphanedBooking = "orphaned_booking"
	FindingMappingConflict = "mapping_conflict"
)

// ReconciliationRun is an audit record of one internal/external comparison.
// It is immutable once COMPLETED or FAILED.
type ReconciliationRun struct {
	ID           string                  `json:"id" gorm:"primaryKey;size:36"`
	PropertyID   uint                    `json:"propertyID" gorm:"not null;index"`
	Status       string                  `json:"status" gorm:"size:16;not null;index"`
	Trigger      string                  `json:"trigger" gorm:"size:16"` // manual, scheduled
	Heal         bool                    `json:"heal"`
	WindowFrom   string                  `json:"windowFrom" gorm:"size:10"`
	WindowTo     string                  `json:"windowTo" gorm:"size:10"`
	DaysCompared int                     `json:"daysCompared"`
	Healed       int                     `json:"healed"`
	Stats        datatypes.JSON          `json:"stats"`
	Error        string                  `json:"error" gorm:"type:text"`
	StartedAt    time.Time               `json:"startedAt" gorm:"index"`
	FinishedAt   *time.Time              `json:"finishedAt"`
	Findings     []ReconciliationFinding `json:"findings,omitempty" gorm:"foreignKey:RunID"`
}

type ReconciliationFinding struct {
	ID            uint   `json:"id" gorm:"primaryKey"`
	RunID         string `json:"runID" gorm:"size:36;not null;index"`
	Date          string `json:"date" gorm:"size:10"`
	Kind          string `json:"kind" gorm:"size:32;index"`
	ChannelName   string `json:"channelName" gorm:"size:64"`
	InternalState string `json:"internalState" gorm:"size:16"`
	ExternalState string `json:"externalState" gorm:"size:16"`
	Healed        bool   `json:"healed"`
}

// Conflict kinds and statuses
const (
	ConflictDoubleBooking   = "double_booking"
	ConflictOrphanedBooking = "orphaned_booking"

	ConflictOpen     = "OPEN"
	ConflictResolved = "RESOLVED"
)

// CalendarConflict is an operator work item: a rejected reservation or an
// orphaned booking that needs a human decision.
type CalendarConflict struct {
	ID             uint           `json:"id" gorm:"primaryKey"`
	PropertyID     uint           `json:"propertyID" gorm:"not null;index"`
	Kind           string         `json:"kind" gorm:"size:32;not null"`
	ReservationRef string         `json:"reservationRef" gorm:"size:128"`
	Dates          datatypes.JSON `json:"dates"`
	Status         string         `json:"status" gorm:"size:16;not null;index"`
	Resolution     string         `json:"resolution" gorm:"type:text"`
	ResolvedBy     uint           `json:"resolvedBy"`
	ResolvedAt     *time.Time     `json:"resolvedAt"`
	CreatedAt      time.Time      `json:"createdAt"`
}
