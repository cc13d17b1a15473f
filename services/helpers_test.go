package services

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"calendar-sync-server/models"
	"calendar-sync-server/storage"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open("sqlite://" + filepath.Join(t.TempDir(), "calendar.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type fixture struct {
	t          *testing.T
	db         *gorm.DB
	clock      *testClock
	registry   *ChannelRegistry
	engine     *CalendarEngine
	dispatcher *Dispatcher
	reconciler *Reconciler
	conns      *ConnectionService
	sandboxes  map[string]*SandboxChannel
}

const (
	testOrg      = uint(10)
	testProperty = uint(42)
)

var testActor = Actor{ID: 1, OrganizationID: testOrg}

// newFixture registers testProperty and links it to one sandbox per channel.
func newFixture(t *testing.T, channels ...string) *fixture {
	t.Helper()
	log := quietLogger()
	f := &fixture{
		t:         t,
		db:        newTestDB(t),
		clock:     newTestClock(),
		registry:  NewChannelRegistry(time.Second, log),
		sandboxes: map[string]*SandboxChannel{},
	}
	for _, name := range channels {
		sandbox := NewSandboxChannel(name)
		f.sandboxes[name] = sandbox
		f.registry.Register(sandbox)
	}

	locker := storage.NewKeyedLocker(2 * time.Second)
	f.engine = NewCalendarEngine(f.db, locker, EngineOptions{
		HorizonDays: 60,
		MaxAttempts: 3,
		Now:         f.clock.Now,
	}, log)
	f.dispatcher = NewDispatcher(f.db, f.registry, DispatcherOptions{
		BatchSize:    500,
		BackoffBase:  time.Second,
		BackoffMax:   time.Minute,
		LeaseTimeout: time.Minute,
		Now:          f.clock.Now,
		Jitter:       func() float64 { return 0 },
	}, log)
	f.reconciler = NewReconciler(f.db, f.engine, f.registry, NewReservationDirectory(f.db), ReconcilerOptions{
		LookaheadDays: 30,
		Now:           f.clock.Now,
	}, log)
	f.conns = NewConnectionService(f.db, locker, f.registry, 3, log)
	f.conns.now = f.clock.Now

	if _, _, err := f.engine.RegisterProperty(context.Background(), testActor, testProperty, RegisterPropertyInput{
		Name:      "Harbour loft",
		BasePrice: decimal.NewFromInt(100),
		Currency:  "EUR",
	}); err != nil {
		t.Fatalf("register property: %v", err)
	}
	for _, name := range channels {
		if _, _, err := f.conns.Link(context.Background(), LinkInput{
			PropertyID:        testProperty,
			ChannelName:       name,
			ExternalListingID: name + "-listing",
		}); err != nil {
			t.Fatalf("link %s: %v", name, err)
		}
	}
	// linking queues an initial sync; start tests from an empty outbox
	f.db.Where("1 = 1").Delete(&models.OutboxEvent{})
	return f
}

func rng(from, to string) DateRange {
	return DateRange{From: from, To: to}
}

func (f *fixture) day(date string) models.CalendarDay {
	f.t.Helper()
	var day models.CalendarDay
	if err := f.db.Where("property_id = ? AND date = ?", testProperty, date).First(&day).Error; err != nil {
		f.t.Fatalf("load day %s: %v", date, err)
	}
	return day
}

func (f *fixture) events(where ...interface{}) []models.OutboxEvent {
	f.t.Helper()
	var events []models.OutboxEvent
	q := f.db.Order("id")
	if len(where) > 0 {
		q = q.Where(where[0], where[1:]...)
	}
	if err := q.Find(&events).Error; err != nil {
		f.t.Fatalf("load events: %v", err)
	}
	return events
}

func (f *fixture) dispatch() DispatchResult {
	f.t.Helper()
	res, err := f.dispatcher.DispatchOnce(context.Background())
	if err != nil {
		f.t.Fatalf("dispatch: %v", err)
	}
	return res
}
