package services

import (
	"context"
	"fmt"
	"sync"

	"calendar-sync-server/models"

	"github.com/shopspring/decimal"
)

// SandboxChannel is an in-memory channel. It keeps the last accepted state
// per (property, date), drops stale versions like a real channel keyed on
// version, and can be scripted to fail. Configure it with CHANNELS=name=sandbox.
type SandboxChannel struct {
	name string

	mu       sync.Mutex
	days     map[sandboxKey]sandboxDay
	pushes   []SandboxPush
	failures []error
	health   string
}

type sandboxKey struct {
	propertyID uint
	date       string
}

type sandboxDay struct {
	status        string
	price         decimal.Decimal
	statusVersion int64
	priceVersion  int64
}

// SandboxPush records one accepted or attempted push, in call order.
type SandboxPush struct {
	Kind    string
	Update  ChannelUpdate
	Applied bool
}

func NewSandboxChannel(name string) *SandboxChannel {
	return &SandboxChannel{name: name, days: map[sandboxKey]sandboxDay{}, health: models.HealthUp}
}

func (c *SandboxChannel) Name() string { return c.name }

// FailNext makes the next len(errs) push calls return the given errors.
func (c *SandboxChannel) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, errs...)
}

func (c *SandboxChannel) SetHealth(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = status
}

// SetExternalStatus simulates a change made directly on the channel.
func (c *SandboxChannel) SetExternalStatus(propertyID uint, date, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := sandboxKey{propertyID, date}
	day := c.days[key]
	day.status = status
	c.days[key] = day
}

func (c *SandboxChannel) Status(propertyID uint, date string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := c.days[sandboxKey{propertyID, date}].status
	if status == "" {
		return models.DayAvailable
	}
	return status
}

func (c *SandboxChannel) Price(propertyID uint, date string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	day, ok := c.days[sandboxKey{propertyID, date}]
	return day.price, ok && day.priceVersion > 0
}

func (c *SandboxChannel) Pushes() []SandboxPush {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SandboxPush(nil), c.pushes...)
}

func (c *SandboxChannel) nextFailure() error {
	if len(c.failures) == 0 {
		return nil
	}
	err := c.failures[0]
	c.failures = c.failures[1:]
	return err
}

func (c *SandboxChannel) PushAvailability(ctx context.Context, update ChannelUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.nextFailure(); err != nil {
		c.pushes = append(c.pushes, SandboxPush{Kind: models.TopicAvailability, Update: update})
		return err
	}

	key := sandboxKey{update.Listing.PropertyID, update.Date}
	day := c.days[key]
	applied := update.Version > day.statusVersion
	if applied {
		day.status = update.Status
		day.statusVersion = update.Version
		c.days[key] = day
	}
	c.pushes = append(c.pushes, SandboxPush{Kind: models.TopicAvailability, Update: update, Applied: applied})
	return nil
}

func (c *SandboxChannel) PushPrice(ctx context.Context, update ChannelUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.nextFailure(); err != nil {
		c.pushes = append(c.pushes, SandboxPush{Kind: models.TopicPrice, Update: update})
		return err
	}

	key := sandboxKey{update.Listing.PropertyID, update.Date}
	day := c.days[key]
	applied := update.Version > day.priceVersion
	if applied {
		day.price = update.Price
		day.priceVersion = update.Version
		c.days[key] = day
	}
	c.pushes = append(c.pushes, SandboxPush{Kind: models.TopicPrice, Update: update, Applied: applied})
	return nil
}

func (c *SandboxChannel) FetchExternalState(ctx context.Context, listing ListingRef, from, to string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health == models.HealthDown {
		return nil, &TransientChannelError{Channel: c.name, Err: fmt.Errorf("sandbox is down")}
	}
	out := map[string]string{}
	for key, day := range c.days {
		if key.propertyID != listing.PropertyID || key.date < from || key.date >= to || day.status == "" {
			continue
		}
		out[key.date] = day.status
	}
	return out, nil
}

func (c *SandboxChannel) HealthCheck(ctx context.Context, listing ListingRef) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health == models.HealthDown {
		return c.health, fmt.Errorf("sandbox is down")
	}
	return c.health, nil
}
