package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"calendar-sync-server/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/exp/slices"
)

// ErrCircuitOpen is wrapped in a TransientChannelError when a channel's
// breaker rejects a call without reaching the channel.
var ErrCircuitOpen = errors.New("channel circuit open")

// ListingRef identifies a property's listing on one channel.
type ListingRef struct {
	PropertyID        uint
	ExternalListingID string
	APIKey            string
}

// ChannelUpdate is one date-keyed write. Channels must treat it as
// idempotent on (PropertyID, Date, Version).
type ChannelUpdate struct {
	Listing ListingRef
	Date    string
	Status  string
	Price   decimal.Decimal
	Version int64
}

// ChannelAdapter pushes and pulls one external channel. Implementations
// report failures as *TransientChannelError or *PermanentChannelError.
type ChannelAdapter interface {
	Name() string
	PushAvailability(ctx context.Context, update ChannelUpdate) error
	PushPrice(ctx context.Context, update ChannelUpdate) error
	FetchExternalState(ctx context.Context, listing ListingRef, from, to string) (map[string]string, error)
	HealthCheck(ctx context.Context, listing ListingRef) (string, error)
}

// ChannelRegistry owns the adapters, one circuit breaker per channel and the
// hard call timeout of the adapter boundary.
type ChannelRegistry struct {
	timeout time.Duration
	log     logrus.FieldLogger

	mu       sync.RWMutex
	adapters map[string]ChannelAdapter
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewChannelRegistry(timeout time.Duration, log logrus.FieldLogger) *ChannelRegistry {
	return &ChannelRegistry{
		timeout:  timeout,
		log:      log,
		adapters: map[string]ChannelAdapter{},
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

func (r *ChannelRegistry) Register(adapter ChannelAdapter) {
	name := adapter.Name()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// permanent errors are a mapping problem, not an outage
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.WithFields(logrus.Fields{"channel": name, "from": from.String(), "to": to.String()}).Warn("channel circuit breaker state changed")
		},
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
	r.breakers[name] = breaker
}

// BuildChannelRegistry registers an adapter per configured channel: the
// in-memory sandbox for endpoint "sandbox", the REST adapter otherwise.
func BuildChannelRegistry(channels map[string]string, timeout time.Duration, log logrus.FieldLogger) *ChannelRegistry {
	registry := NewChannelRegistry(timeout, log)
	for name, endpoint := range channels {
		if endpoint == "sandbox" {
			registry.Register(NewSandboxChannel(name))
			continue
		}
		registry.Register(NewHTTPChannel(name, endpoint, timeout))
	}
	return registry
}

func (r *ChannelRegistry) Get(name string) (ChannelAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[name]
	return adapter, ok
}

func (r *ChannelRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// BreakerStates reports the circuit state per channel.
func (r *ChannelRegistry) BreakerStates() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for name, breaker := range r.breakers {
		out[name] = breaker.State().String()
	}
	return out
}

// Call runs fn against the channel's adapter through its breaker under the
// hard timeout. An abandoned call keeps running in the background but its
// result is discarded; the timeout counts as a transient failure.
func (r *ChannelRegistry) Call(ctx context.Context, channel string, fn func(ctx context.Context, adapter ChannelAdapter) error) error {
	r.mu.RLock()
	adapter, ok := r.adapters[channel]
	breaker := r.breakers[channel]
	r.mu.RUnlock()
	if !ok {
		return &PermanentChannelError{Channel: channel, Err: fmt.Errorf("no adapter registered")}
	}

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, r.callWithTimeout(ctx, channel, adapter, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransientChannelError{Channel: channel, Err: ErrCircuitOpen}
	}
	return err
}

func (r *ChannelRegistry) callWithTimeout(ctx context.Context, channel string, adapter ChannelAdapter, fn func(ctx context.Context, adapter ChannelAdapter) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx, adapter)
	}()

	select {
	case err := <-done:
		return classifyChannelErr(channel, err)
	case <-callCtx.Done():
		return &TransientChannelError{Channel: channel, Err: fmt.Errorf("call timed out: %w", callCtx.Err())}
	}
}

// classifyChannelErr treats anything an adapter did not classify as transient.
func classifyChannelErr(channel string, err error) error {
	if err == nil {
		return nil
	}
	var transient *TransientChannelError
	var permanent *PermanentChannelError
	if errors.As(err, &transient) || errors.As(err, &permanent) {
		return err
	}
	return &TransientChannelError{Channel: channel, Err: err}
}

// normalizeExternalStatus folds channel vocabularies onto the internal statuses.
func normalizeExternalStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "booked", "reserved", "booking":
		return models.DayBooked
	case "blocked", "unavailable", "closed", "not_available":
		return models.DayBlocked
	default:
		return models.DayAvailable
	}
}
