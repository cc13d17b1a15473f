package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"calendar-sync-server/models"
	"calendar-sync-server/storage"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ConnectionService links properties to channels.
type ConnectionService struct {
	db          *gorm.DB
	locker      storage.PropertyLocker
	registry    *ChannelRegistry
	maxAttempts int
	now         func() time.Time
	log         logrus.FieldLogger
}

func NewConnectionService(db *gorm.DB, locker storage.PropertyLocker, registry *ChannelRegistry, maxAttempts int, log logrus.FieldLogger) *ConnectionService {
	return &ConnectionService{
		db:          db,
		locker:      locker,
		registry:    registry,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		log:         log,
	}
}

type LinkInput struct {
	PropertyID        uint              `json:"propertyID" validate:"required"`
	ChannelName       string            `json:"channelName" validate:"required,max=64"`
	ExternalListingID string            `json:"externalListingID" validate:"required,max=128"`
	Credentials       map[string]string `json:"credentials"`
}

// Link creates or reactivates a connection and queues the current calendar
// from today on for the channel, so a new channel starts in sync. It holds
// the property lock so no engine write falls between the snapshot and the
// connection becoming visible.
func (s *ConnectionService) Link(ctx context.Context, in LinkInput) (models.ChannelConnection, int, error) {
	if _, ok := s.registry.Get(in.ChannelName); !ok {
		return models.ChannelConnection{}, 0, invalid("unknown channel %q", in.ChannelName)
	}
	creds, err := json.Marshal(in.Credentials)
	if err != nil {
		return models.ChannelConnection{}, 0, invalid("invalid credentials")
	}

	unlock, err := s.locker.Lock(ctx, in.PropertyID)
	if err != nil {
		return models.ChannelConnection{}, 0, wrapLockErr(in.PropertyID, err)
	}
	defer unlock()

	var conn models.ChannelConnection
	queued := 0
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var property models.Property
		if err := tx.First(&property, in.PropertyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("property", in.PropertyID)
			}
			return fmt.Errorf("load property %d: %w", in.PropertyID, err)
		}

		err := tx.Where("property_id = ? AND channel_name = ?", in.PropertyID, in.ChannelName).First(&conn).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load connection: %w", err)
		}
		conn.PropertyID = in.PropertyID
		conn.ChannelName = in.ChannelName
		conn.ExternalListingID = in.ExternalListingID
		conn.Credentials = datatypes.JSON(creds)
		conn.Health = models.HealthUnknown
		conn.Active = true
		conn.DisabledAt = nil
		if err := tx.Save(&conn).Error; err != nil {
			return fmt.Errorf("save connection: %w", err)
		}

		var days []models.CalendarDay
		if err := tx.Where("property_id = ? AND date >= ?", in.PropertyID, s.now().Format(models.DateLayout)).
			Order("date").Find(&days).Error; err != nil {
			return fmt.Errorf("load calendar: %w", err)
		}
		modifiers, err := loadChannelModifiers(tx, in.PropertyID)
		if err != nil {
			return err
		}
		for _, topic := range []string{models.TopicAvailability, models.TopicPrice} {
			events, err := appendOutboxEvents(tx, outboxAppend{
				Topic:       topic,
				Connections: []models.ChannelConnection{conn},
				Days:        days,
				Modifiers:   modifiers,
				Reason:      "initial sync",
				MaxAttempts: s.maxAttempts,
				Now:         s.now(),
			})
			if err != nil {
				return err
			}
			queued += len(events)
		}
		return nil
	})
	if err != nil {
		return models.ChannelConnection{}, 0, err
	}

	s.log.WithFields(logrus.Fields{"property_id": conn.PropertyID, "channel": conn.ChannelName, "queued": queued}).Info("channel linked")
	return conn, queued, nil
}

// Disconnect soft-disables a connection. Its pending events fail permanently
// when the dispatcher reaches them.
func (s *ConnectionService) Disconnect(ctx context.Context, id uint) (models.ChannelConnection, error) {
	conn, err := s.Get(ctx, id)
	if err != nil {
		return conn, err
	}
	if !conn.Active {
		return conn, nil
	}
	now := s.now()
	conn.Active = false
	conn.DisabledAt = &now
	if err := s.db.WithContext(ctx).Save(&conn).Error; err != nil {
		return conn, fmt.Errorf("disconnect connection %d: %w", id, err)
	}
	s.log.WithFields(logrus.Fields{"property_id": conn.PropertyID, "channel": conn.ChannelName}).Info("channel disconnected")
	return conn, nil
}

func (s *ConnectionService) Get(ctx context.Context, id uint) (models.ChannelConnection, error) {
	var conn models.ChannelConnection
	err := s.db.WithContext(ctx).First(&conn, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return conn, notFound("channel connection", id)
	}
	if err != nil {
		return conn, fmt.Errorf("load connection %d: %w", id, err)
	}
	return conn, nil
}

type ConnectionFilter struct {
	PropertyID uint
	Channel    string
	Health     string
	ActiveOnly bool
}

func (s *ConnectionService) List(ctx context.Context, f ConnectionFilter) ([]models.ChannelConnection, error) {
	q := s.db.WithContext(ctx).Model(&models.ChannelConnection{})
	if f.PropertyID != 0 {
		q = q.Where("property_id = ?", f.PropertyID)
	}
	if f.Channel != "" {
		q = q.Where("channel_name = ?", f.Channel)
	}
	if f.Health != "" {
		q = q.Where("health = ?", f.Health)
	}
	if f.ActiveOnly {
		q = q.Where("active = ?", true)
	}
	var conns []models.ChannelConnection
	if err := q.Order("property_id, channel_name").Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}
