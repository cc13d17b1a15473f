package routes

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"calendar-sync-server/storage"
)

// toggleLocker delegates to a KeyedLocker until busy is set.
type toggleLocker struct {
	inner *storage.KeyedLocker
	busy  atomic.Bool
}

func (l *toggleLocker) Lock(ctx context.Context, propertyID uint) (func(), error) {
	if l.busy.Load() {
		return nil, storage.ErrLockTimeout
	}
	return l.inner.Lock(ctx, propertyID)
}

func day(offset int) string {
	return time.Now().UTC().AddDate(0, 0, offset).Format("2006-01-02")
}

func TestReserveConflictReturnsDates(t *testing.T) {
	s := buildTestApp(t, nil)
	s.registerProperty(t, "7", 3)
	token := signTestToken("user", 3)

	resp := s.do(t, http.MethodPost, "/api/calendar/property/7/reserve", token, map[string]string{
		"from": day(5), "to": day(7), "reservationRef": "R-1",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("reserve: %d %s", resp.Code, resp.Body.String())
	}

	resp = s.do(t, http.MethodPost, "/api/calendar/property/7/reserve", token, map[string]string{
		"from": day(6), "to": day(8), "reservationRef": "R-2",
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", resp.Code, resp.Body.String())
	}
	var body struct {
		Error string   `json:"error"`
		Dates []string `json:"dates"`
	}
	decode(t, resp, &body)
	if body.Error != "calendar_conflict" || len(body.Dates) != 1 || body.Dates[0] != day(6) {
		t.Fatalf("conflict body = %+v", body)
	}

	resp = s.do(t, http.MethodGet, "/api/calendar/property/7/days?from="+day(5)+"&to="+day(8), token, nil)
	var days struct {
		Days []struct {
			Date           string `json:"date"`
			Status         string `json:"status"`
			ReservationRef string `json:"reservationRef"`
		} `json:"days"`
	}
	decode(t, resp, &days)
	if len(days.Days) != 3 || days.Days[2].Status != "AVAILABLE" || days.Days[1].ReservationRef != "R-1" {
		t.Fatalf("days = %+v", days.Days)
	}

	resp = s.do(t, http.MethodPost, "/api/calendar/reservations/R-1/release", token, nil)
	var released struct {
		Count int `json:"count"`
	}
	decode(t, resp, &released)
	if released.Count != 2 {
		t.Fatalf("released %d days", released.Count)
	}
}

func TestCalendarRequestValidation(t *testing.T) {
	s := buildTestApp(t, nil)
	s.registerProperty(t, "7", 3)
	token := signTestToken("user", 3)

	// missing reservation ref
	if resp := s.do(t, http.MethodPost, "/api/calendar/property/7/reserve", token, map[string]string{
		"from": day(1), "to": day(2),
	}); resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.Code)
	}
	// inverted range
	if resp := s.do(t, http.MethodPost, "/api/calendar/property/7/block", token, map[string]string{
		"from": day(4), "to": day(2),
	}); resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.Code)
	}
	if resp := s.do(t, http.MethodPost, "/api/calendar/property/7/block", token, map[string]string{
		"from": day(1), "to": day(2), "source": "GUESS",
	}); resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown source, got %d", resp.Code)
	}
	// another organization cannot see the property
	if resp := s.do(t, http.MethodGet, "/api/calendar/property/7/days?from="+day(1)+"&to="+day(2), signTestToken("user", 4), nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 across tenants, got %d", resp.Code)
	}
	// user tokens need an organization
	if resp := s.do(t, http.MethodGet, "/api/calendar/property/7/days", signTestToken("user", 0), nil); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without organization, got %d", resp.Code)
	}
}

func TestBusyPropertyReturnsRetryAfter(t *testing.T) {
	locker := &toggleLocker{inner: storage.NewKeyedLocker(time.Second)}
	s := buildTestApp(t, locker)
	s.registerProperty(t, "7", 3)

	locker.busy.Store(true)
	resp := s.do(t, http.MethodPost, "/api/calendar/property/7/block", signTestToken("user", 3), map[string]string{
		"from": day(1), "to": day(2),
	})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q", resp.Header().Get("Retry-After"))
	}
}

func TestQuoteEndpoint(t *testing.T) {
	s := buildTestApp(t, nil)
	s.registerProperty(t, "7", 3)
	token := signTestToken("user", 3)

	resp := s.do(t, http.MethodGet, "/api/calendar/property/7/quote?from="+day(2)+"&to="+day(5)+"&guests=2", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("quote: %d %s", resp.Code, resp.Body.String())
	}
	var quote struct {
		Nights int    `json:"nights"`
		Total  string `json:"total"`
	}
	decode(t, resp, &quote)
	if quote.Nights != 3 || quote.Total != "300" {
		t.Fatalf("quote = %+v", quote)
	}
}
