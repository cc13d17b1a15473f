package services

import (
	"context"
	"errors"
	"testing"

	"calendar-sync-server/models"
)

func TestReconcileWithoutDriftHasNoFindings(t *testing.T) {
	f := newFixture(t, "sandbox")
	ctx := context.Background()

	if _, err := f.engine.Reserve(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-03"), "R1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := f.engine.Block(ctx, testActor, testProperty, rng("2025-06-10", "2025-06-12"), models.SourceManual, ""); err != nil {
		t.Fatalf("block: %v", err)
	}
	f.dispatch()

	run, err := f.reconciler.TriggerRun(ctx, testProperty, true)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if run.Status != models.RunCompleted || len(run.Findings) != 0 {
		t.Fatalf("expected clean run, got status=%s findings=%+v", run.Status, run.Findings)
	}
	if run.DaysCompared != 30 {
		t.Fatalf("days compared = %d", run.DaysCompared)
	}
}

func TestReconcileHealsExternalOnlyBooking(t *testing.T) {
	f := newFixture(t, "sandbox")
	ctx := context.Background()
	sandbox := f.sandboxes["sandbox"]

	// the channel already accepted the current version of 06-04
	if _, err := f.engine.Block(ctx, testActor, testProperty, rng("2025-06-04", "2025-06-05"), models.SourceManual, ""); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := f.engine.Unblock(ctx, testActor, testProperty, rng("2025-06-04", "2025-06-05")); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	f.dispatch()
	accepted := f.day("2025-06-04").Version
	f.db.Where("1 = 1").Delete(&models.OutboxEvent{})

	sandbox.SetExternalStatus(testProperty, "2025-06-04", "booked")

	run, err := f.reconciler.TriggerRun(ctx, testProperty, true)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(run.Findings) != 1 {
		t.Fatalf("expected one finding, got %+v", run.Findings)
	}
	finding := run.Findings[0]
	if finding.Kind != models.FindingMappingConflict || finding.Date != "2025-06-04" ||
		finding.InternalState != models.DayAvailable || finding.ExternalState != models.DayBooked || !finding.Healed {
		t.Fatalf("unexpected finding %+v", finding)
	}

	corrective := f.events("topic = ? AND date = ?", models.TopicAvailability, "2025-06-04")
	if len(corrective) != 1 {
		t.Fatalf("expected one corrective event, got %d", len(corrective))
	}
	if corrective[0].Version <= accepted || f.day("2025-06-04").Version != corrective[0].Version {
		t.Fatalf("corrective version %d must be newer than accepted %d and match the day", corrective[0].Version, accepted)
	}
	f.dispatch()
	if got := sandbox.Status(testProperty, "2025-06-04"); got != models.DayAvailable {
		t.Fatalf("channel still reports %s after healing", got)
	}

	again, err := f.reconciler.TriggerRun(ctx, testProperty, true)
	if err != nil || len(again.Findings) != 0 {
		t.Fatalf("second run: findings=%d err=%v", len(again.Findings), err)
	}

	stored, err := f.reconciler.GetRun(ctx, run.ID)
	if err != nil || len(stored.Findings) != 1 || stored.Healed != 1 || stored.FinishedAt == nil {
		t.Fatalf("stored run = %+v err=%v", stored, err)
	}
}

func TestReconcileReportOnlyDoesNotEnqueue(t *testing.T) {
	f := newFixture(t, "sandbox")
	f.sandboxes["sandbox"].SetExternalStatus(testProperty, "2025-06-04", "blocked")

	run, err := f.reconciler.TriggerRun(context.Background(), testProperty, false)
	if err != nil || len(run.Findings) != 1 || run.Findings[0].Healed {
		t.Fatalf("run = %+v err=%v", run, err)
	}
	if n := len(f.events()); n != 0 {
		t.Fatalf("report-only run enqueued %d events", n)
	}
}

func TestBlockedAndBookedAreEquivalentExternally(t *testing.T) {
	f := newFixture(t, "sandbox")
	ctx := context.Background()
	if _, err := f.engine.Block(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-02"), models.SourceManual, ""); err != nil {
		t.Fatalf("block: %v", err)
	}
	f.dispatch()
	f.sandboxes["sandbox"].SetExternalStatus(testProperty, "2025-06-01", models.DayBooked)

	run, err := f.reconciler.TriggerRun(ctx, testProperty, true)
	if err != nil || len(run.Findings) != 0 {
		t.Fatalf("findings = %+v err=%v", run.Findings, err)
	}
}

func TestOrphanedBookingIsFlaggedNotHealed(t *testing.T) {
	f := newFixture(t, "sandbox")
	ctx := context.Background()

	if _, err := f.engine.Reserve(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-03"), "R1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	f.dispatch()
	// cancellation recorded without the release reaching the calendar
	directory := NewReservationDirectory(f.db)
	if _, err := directory.Record(ctx, "R1", RecordReservationInput{PropertyID: testProperty, CheckIn: "2025-06-01", CheckOut: "2025-06-03", Status: models.ReservationCancelled}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if active, _ := directory.IsActive(ctx, "R1"); active {
		t.Fatal("cancelled reservation reported active")
	}
	before := len(f.events())

	run, err := f.reconciler.TriggerRun(ctx, testProperty, true)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	orphans := 0
	for _, finding := range run.Findings {
		if finding.Kind != models.FindingOrphanedBooking {
			t.Fatalf("unexpected finding %+v", finding)
		}
		if finding.Healed {
			t.Fatal("orphaned bookings must never be healed")
		}
		orphans++
	}
	if orphans != 2 {
		t.Fatalf("expected 2 orphaned days, got %d", orphans)
	}
	if after := len(f.events()); after != before {
		t.Fatalf("orphan triggered %d events", after-before)
	}
	if day := f.day("2025-06-01"); day.Status != models.DayBooked {
		t.Fatalf("orphaned day changed to %s", day.Status)
	}

	conflicts, err := NewConflictService(f.db).List(ctx, testProperty, models.ConflictOpen)
	if err != nil || len(conflicts) != 1 || conflicts[0].Kind != models.ConflictOrphanedBooking {
		t.Fatalf("conflicts = %+v err=%v", conflicts, err)
	}
	// a second run does not open a duplicate
	f.reconciler.TriggerRun(ctx, testProperty, true)
	if conflicts, _ := NewConflictService(f.db).List(ctx, testProperty, ""); len(conflicts) != 1 {
		t.Fatalf("expected a single conflict, got %d", len(conflicts))
	}
}

func TestUnhealthyChannelIsSkipped(t *testing.T) {
	f := newFixture(t, "sandbox")
	ctx := context.Background()
	sandbox := f.sandboxes["sandbox"]
	sandbox.SetExternalStatus(testProperty, "2025-06-04", "booked")
	sandbox.SetHealth(models.HealthDown)

	run, err := f.reconciler.TriggerRun(ctx, testProperty, true)
	if err != nil || run.Status != models.RunCompleted || len(run.Findings) != 0 || run.DaysCompared != 0 {
		t.Fatalf("run = %+v err=%v", run, err)
	}
	conns, _ := f.conns.List(ctx, ConnectionFilter{PropertyID: testProperty})
	if conns[0].Health != models.HealthDown || conns[0].LastCheckedAt == nil {
		t.Fatalf("connection health not recorded: %+v", conns[0])
	}

	sandbox.SetHealth(models.HealthDegraded)
	conn, err := f.reconciler.ForceHealthCheck(ctx, conns[0].ID)
	if err != nil || conn.Health != models.HealthDegraded {
		t.Fatalf("force health check: %+v err=%v", conn, err)
	}
}

func TestStartRunCompletesInBackground(t *testing.T) {
	f := newFixture(t, "sandbox")
	ctx := context.Background()

	started, err := f.reconciler.StartRun(ctx, testProperty, false, TriggerManual)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != models.RunRunning {
		t.Fatalf("started status = %s", started.Status)
	}
	f.reconciler.Wait()

	run, err := f.reconciler.GetRun(ctx, started.ID)
	if err != nil || run.Status != models.RunCompleted {
		t.Fatalf("run = %+v err=%v", run, err)
	}
	runs, total, err := f.reconciler.ListRuns(ctx, RunFilter{PropertyID: testProperty})
	if err != nil || total != 1 || runs[0].ID != started.ID {
		t.Fatalf("list runs: total=%d err=%v", total, err)
	}
}

func TestReconcileUnknownProperty(t *testing.T) {
	f := newFixture(t)
	var nf *NotFoundError
	if _, err := f.reconciler.TriggerRun(context.Background(), 999, true); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if _, err := f.reconciler.GetRun(context.Background(), "missing"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestReconcileAllCoversConnectedProperties(t *testing.T) {
	f := newFixture(t, "sandbox")
	n, err := f.reconciler.ReconcileAll(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("reconcile all: n=%d err=%v", n, err)
	}
	runs, _, _ := f.reconciler.ListRuns(context.Background(), RunFilter{})
	if len(runs) != 1 || runs[0].Trigger != TriggerScheduled {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestResolveConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.engine.Reserve(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-02"), "R1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	f.engine.Reserve(ctx, testActor, testProperty, rng("2025-06-01", "2025-06-02"), "R2")

	svc := NewConflictService(f.db)
	open, _ := svc.List(ctx, testProperty, models.ConflictOpen)
	if len(open) != 1 {
		t.Fatalf("expected one open conflict, got %d", len(open))
	}
	resolved, err := svc.Resolve(ctx, open[0].ID, 5, "guest moved to unit 2")
	if err != nil || resolved.Status != models.ConflictResolved || resolved.ResolvedBy != 5 {
		t.Fatalf("resolve: %+v err=%v", resolved, err)
	}
	var verr *ValidationError
	if _, err := svc.Resolve(ctx, open[0].ID, 5, "again"); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
