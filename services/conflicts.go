package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calendar-sync-server/models"

	"gorm.io/gorm"
)

// ConflictService is the operator queue of rejected reservations and
// orphaned bookings.
type ConflictService struct {
	db *gorm.DB
}

func NewConflictService(db *gorm.DB) *ConflictService {
	return &ConflictService{db: db}
}

func (s *ConflictService) List(ctx context.Context, propertyID uint, status string) ([]models.CalendarConflict, error) {
	q := s.db.WithContext(ctx).Model(&models.CalendarConflict{})
	if propertyID != 0 {
		q = q.Where("property_id = ?", propertyID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var conflicts []models.CalendarConflict
	if err := q.Order("created_at desc, id desc").Find(&conflicts).Error; err != nil {
		return nil, fmt.Errorf("list calendar conflicts: %w", err)
	}
	return conflicts, nil
}

// Resolve closes an OPEN conflict. The calendar is not changed; the operator
// fixes it through the engine.
func (s *ConflictService) Resolve(ctx context.Context, id, actorID uint, resolution string) (models.CalendarConflict, error) {
	var conflict models.CalendarConflict
	err := s.db.WithContext(ctx).First(&conflict, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return conflict, notFound("calendar conflict", id)
	}
	if err != nil {
		return conflict, fmt.Errorf("load calendar conflict %d: %w", id, err)
	}
	if conflict.Status != models.ConflictOpen {
		return conflict, invalid("calendar conflict %d is already resolved", id)
	}

	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.CalendarConflict{}).
		Where("id = ? AND status = ?", id, models.ConflictOpen).
		Updates(map[string]interface{}{
			"status":      models.ConflictResolved,
			"resolution":  resolution,
			"resolved_by": actorID,
			"resolved_at": now,
		})
	if res.Error != nil {
		return conflict, fmt.Errorf("resolve calendar conflict %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return conflict, invalid("calendar conflict %d is already resolved", id)
	}
	conflict.Status = models.ConflictResolved
	conflict.Resolution = resolution
	conflict.ResolvedBy = actorID
	conflict.ResolvedAt = &now
	return conflict, nil
}
