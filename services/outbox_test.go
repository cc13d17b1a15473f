package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"calendar-sync-server/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func transientErr() error {
	return &TransientChannelError{Channel: "sandbox", Err: errors.New("503 service unavailable")}
}

func TestDispatchKeepsPerChannelOrder(t *testing.T) {
	f := newFixture(t, "sandbox")
	ctx := context.Background()

	if _, err := f.engine.UpdatePrice(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-05"), decimal.RequireFromString("120.00")); err != nil {
		t.Fatalf("update price: %v", err)
	}
	if _, err := f.engine.Block(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-02"), models.SourceManual, ""); err != nil {
		t.Fatalf("block: %v", err)
	}

	res := f.dispatch()
	if res.Sent != 5 {
		t.Fatalf("expected 5 sent, got %+v", res)
	}

	pushes := f.sandboxes["sandbox"].Pushes()
	priceAt, blockAt := -1, -1
	for i, push := range pushes {
		if push.Update.Date != "2025-06-01" {
			continue
		}
		switch push.Kind {
		case models.TopicPrice:
			priceAt = i
		case models.TopicAvailability:
			blockAt = i
		}
	}
	if priceAt < 0 || blockAt < 0 || priceAt > blockAt {
		t.Fatalf("price must reach the channel before the block: price=%d block=%d", priceAt, blockAt)
	}
	if got := f.sandboxes["sandbox"].Status(testProperty, "2025-06-01"); got != models.DayBlocked {
		t.Fatalf("channel status = %s", got)
	}

	var commands int64
	f.db.Model(&models.CalendarCommand{}).Where("result = ?", models.CommandOK).Count(&commands)
	if commands != 5 {
		t.Fatalf("expected 5 ok commands, got %d", commands)
	}

	stats, err := f.dispatcher.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ByStatus[models.OutboxSent] != 5 || stats.ByStatus[models.OutboxPending] != 0 || stats.OldestPendingAt != nil {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestTransientFailuresStopAtMaxAttempts(t *testing.T) {
	f := newFixture(t, "sandbox")
	ctx := context.Background()
	sandbox := f.sandboxes["sandbox"]

	if _, err := f.engine.Block(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-02"), models.SourceManual, ""); err != nil {
		t.Fatalf("block: %v", err)
	}
	sandbox.FailNext(transientErr(), transientErr(), transientErr(), transientErr())

	if res := f.dispatch(); res.Retried != 1 {
		t.Fatalf("first pass: %+v", res)
	}
	// not due yet
	if res := f.dispatch(); res.Retried+res.Sent+res.Failed != 0 {
		t.Fatalf("event retried before nextRetryAt: %+v", res)
	}
	f.clock.Advance(time.Second)
	if res := f.dispatch(); res.Retried != 1 {
		t.Fatalf("second pass: %+v", res)
	}
	f.clock.Advance(2 * time.Second)
	if res := f.dispatch(); res.Failed != 1 {
		t.Fatalf("third pass: %+v", res)
	}
	f.clock.Advance(time.Hour)
	f.dispatch()

	event := f.events()[0]
	if event.Status != models.OutboxFailed || event.Attempts != 3 || event.LastError == "" {
		t.Fatalf("expected FAILED after 3 attempts, got %+v", event)
	}
	if n := len(sandbox.Pushes()); n != 3 {
		t.Fatalf("expected exactly 3 sends, got %d", n)
	}

	results, err := f.dispatcher.RetryFailed(ctx, []uint{event.ID, event.ID + 1000})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !results[0].Reset || results[1].Reset || results[1].Error != "not found" {
		t.Fatalf("unexpected retry results %+v", results)
	}
	again, _ := f.dispatcher.RetryFailed(ctx, []uint{event.ID})
	if again[0].Reset {
		t.Fatal("a PENDING event must not be reset again")
	}
	if reset := f.events()[0]; reset.Status != models.OutboxPending || reset.Attempts != 0 {
		t.Fatalf("reset event = %+v", reset)
	}

	// one scripted failure left
	if res := f.dispatch(); res.Retried != 1 {
		t.Fatalf("after reset: %+v", res)
	}
	f.clock.Advance(time.Second)
	if res := f.dispatch(); res.Sent != 1 {
		t.Fatalf("after recovery: %+v", res)
	}
	if got := sandbox.Status(testProperty, "2025-06-01"); got != models.DayBlocked {
		t.Fatalf("channel status = %s", got)
	}
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	f := newFixture(t, "sandbox")
	ctx := context.Background()

	if _, err := f.engine.Block(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-03"), models.SourceManual, ""); err != nil {
		t.Fatalf("block: %v", err)
	}
	f.sandboxes["sandbox"].FailNext(&PermanentChannelError{Channel: "sandbox", Err: errors.New("listing not found")})

	res := f.dispatch()
	if res.Failed != 1 || res.Sent != 1 {
		t.Fatalf("expected one dead letter and one send, got %+v", res)
	}
	events := f.events()
	if events[0].Status != models.OutboxFailed || events[0].Attempts != 1 {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].Status != models.OutboxSent {
		t.Fatalf("second event = %+v", events[1])
	}
}

func TestTransientFailureHoldsTheLane(t *testing.T) {
	f := newFixture(t, "sandbox")
	ctx := context.Background()
	sandbox := f.sandboxes["sandbox"]

	if _, err := f.engine.Block(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-03"), models.SourceManual, ""); err != nil {
		t.Fatalf("block: %v", err)
	}
	sandbox.FailNext(transientErr())

	if res := f.dispatch(); res.Retried != 1 || res.Sent != 0 {
		t.Fatalf("later event overtook a retrying one: %+v", res)
	}
	f.clock.Advance(time.Second)
	if res := f.dispatch(); res.Sent != 2 {
		t.Fatalf("expected both sent, got %+v", res)
	}

	pushes := sandbox.Pushes()
	if len(pushes) != 3 || pushes[1].Update.Date != "2025-06-01" || pushes[2].Update.Date != "2025-06-02" {
		t.Fatalf("unexpected push order %+v", pushes)
	}
}

func TestRetriedOlderVersionIsSuperseded(t *testing.T) {
	f := newFixture(t, "sandbox")
	ctx := context.Background()
	sandbox := f.sandboxes["sandbox"]

	if _, err := f.engine.UpdatePrice(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-02"), decimal.NewFromInt(100)); err != nil {
		t.Fatalf("price: %v", err)
	}
	sandbox.FailNext(&PermanentChannelError{Channel: "sandbox", Err: errors.New("rejected")})
	f.dispatch()

	if _, err := f.engine.UpdatePrice(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-02"), decimal.NewFromInt(130)); err != nil {
		t.Fatalf("price: %v", err)
	}
	f.dispatch()

	old := f.events()[0]
	if _, err := f.dispatcher.RetryFailed(ctx, []uint{old.ID}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res := f.dispatch(); res.Superseded != 1 {
		t.Fatalf("expected superseded, got %+v", res)
	}

	if price, _ := sandbox.Price(testProperty, "2025-06-01"); !price.Equal(decimal.NewFromInt(130)) {
		t.Fatalf("newer price overwritten: %s", price)
	}
	if n := len(sandbox.Pushes()); n != 2 {
		t.Fatalf("superseded event must not be pushed, got %d pushes", n)
	}
	var superseded int64
	f.db.Model(&models.CalendarCommand{}).Where("result = ?", models.CommandSuperseded).Count(&superseded)
	if superseded != 1 {
		t.Fatalf("expected a superseded command row, got %d", superseded)
	}
}

func TestDisconnectedChannelFailsPermanently(t *testing.T) {
	f := newFixture(t, "sandbox")
	ctx := context.Background()

	if _, err := f.engine.Block(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-02"), models.SourceManual, ""); err != nil {
		t.Fatalf("block: %v", err)
	}
	conns, _ := f.conns.List(ctx, ConnectionFilter{PropertyID: testProperty})
	if _, err := f.conns.Disconnect(ctx, conns[0].ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	if res := f.dispatch(); res.Failed != 1 {
		t.Fatalf("expected failure, got %+v", res)
	}
	if n := len(f.sandboxes["sandbox"].Pushes()); n != 0 {
		t.Fatalf("disconnected channel was called %d times", n)
	}
}

func TestRecoverStaleLease(t *testing.T) {
	f := newFixture(t, "sandbox")
	ctx := context.Background()

	if _, err := f.engine.Block(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-02"), models.SourceManual, ""); err != nil {
		t.Fatalf("block: %v", err)
	}
	claimed := f.clock.Now().Add(-5 * time.Minute)
	f.db.Model(&models.OutboxEvent{}).Where("1 = 1").Updates(map[string]interface{}{"status": models.OutboxSending, "claimed_at": claimed})

	// a live claim holds the lane
	if res := f.dispatch(); res.Sent != 0 {
		t.Fatalf("claimed event was sent: %+v", res)
	}
	n, err := f.dispatcher.RecoverStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover: n=%d err=%v", n, err)
	}
	event := f.events()[0]
	if event.Status != models.OutboxPending || event.Attempts != 1 {
		t.Fatalf("recovered event = %+v", event)
	}
}

func TestBackoffGrowsAndIsCapped(t *testing.T) {
	jitter := 0.0
	d := NewDispatcher(nil, nil, DispatcherOptions{
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
		Jitter:      func() float64 { return jitter },
	}, logrus.New())

	if got := d.Backoff(1); got != 500*time.Millisecond {
		t.Fatalf("backoff(1) = %s", got)
	}
	if got := d.Backoff(3); got != 2*time.Second {
		t.Fatalf("backoff(3) = %s", got)
	}
	if got := d.Backoff(20); got != 30*time.Second {
		t.Fatalf("backoff(20) = %s", got)
	}
	jitter = 0.999
	if got := d.Backoff(20); got <= 59*time.Second || got > time.Minute {
		t.Fatalf("jittered backoff(20) = %s", got)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t, "sandbox")
	ctx := context.Background()

	if _, err := f.engine.Block(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-04"), models.SourceManual, ""); err != nil {
		t.Fatalf("block: %v", err)
	}
	f.sandboxes["sandbox"].FailNext(&PermanentChannelError{Channel: "sandbox", Err: errors.New("bad mapping")})
	f.dispatch()

	failed, total, err := f.dispatcher.List(ctx, OutboxFilter{Status: models.OutboxFailed})
	if err != nil || total != 1 || len(failed) != 1 {
		t.Fatalf("list failed: total=%d len=%d err=%v", total, len(failed), err)
	}
	commands, total, err := f.dispatcher.Commands(ctx, OutboxFilter{Status: models.CommandPermanent})
	if err != nil || total != 1 || commands[0].EventID != failed[0].ID {
		t.Fatalf("commands: total=%d err=%v", total, err)
	}
}

func TestBackedOffLaneDoesNotStarveOtherProperties(t *testing.T) {
	f := newFixture(t, "sandbox")
	ctx := context.Background()
	const neighbour = uint(43)

	if _, _, err := f.engine.RegisterProperty(ctx, testActor, neighbour, RegisterPropertyInput{Name: "Garden flat", BasePrice: decimal.NewFromInt(80)}); err != nil {
		t.Fatalf("register neighbour: %v", err)
	}
	if _, _, err := f.conns.Link(ctx, LinkInput{PropertyID: neighbour, ChannelName: "sandbox", ExternalListingID: "sandbox-43"}); err != nil {
		t.Fatalf("link neighbour: %v", err)
	}
	f.db.Where("1 = 1").Delete(&models.OutboxEvent{})

	// a lane longer than one batch whose head goes into backoff
	if _, err := f.engine.Block(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-11"), models.SourceManual, ""); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := f.engine.Block(ctx, testActor, neighbour, rng("2025-06-01", "2025-06-02"), models.SourceManual, ""); err != nil {
		t.Fatalf("block neighbour: %v", err)
	}

	dispatcher := NewDispatcher(f.db, f.registry, DispatcherOptions{
		BatchSize:   2,
		BackoffBase: time.Minute,
		BackoffMax:  time.Hour,
		Now:         f.clock.Now,
		Jitter:      func() float64 { return 0 },
	}, quietLogger())

	f.sandboxes["sandbox"].FailNext(transientErr())
	for i := 0; i < 3; i++ {
		if _, err := dispatcher.DispatchOnce(ctx); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	neighbourEvents := f.events("property_id = ?", neighbour)
	if len(neighbourEvents) != 1 || neighbourEvents[0].Status != models.OutboxSent {
		t.Fatalf("neighbour lane must drain while property %d backs off: %+v", testProperty, neighbourEvents)
	}
	if held := f.events("property_id = ? AND status = ?", testProperty, models.OutboxPending); len(held) != 10 {
		t.Fatalf("expected the backed-off lane to keep all 10 events pending, got %d", len(held))
	}
}
