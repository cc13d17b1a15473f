package storage

import (
	"path/filepath"
	"testing"

	"calendar-sync-server/models"
)

func TestInitializeDBEnforcesOneRowPerDay(t *testing.T) {
	db, err := InitializeDB("sqlite://" + filepath.Join(t.TempDir(), "calendar.db"))
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	first := models.NewCalendarDay(1, "2025-06-01")
	if err := db.Create(&first).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := models.NewCalendarDay(1, "2025-06-01")
	if err := db.Create(&dup).Error; err == nil {
		t.Fatal("expected unique constraint violation for duplicate day")
	}

	other := models.NewCalendarDay(2, "2025-06-01")
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("same date on another property must be allowed: %v", err)
	}
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
