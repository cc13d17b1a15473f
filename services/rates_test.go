package services

import (
	"errors"
	"testing"

	"calendar-sync-server/models"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func intPtr(v int) *int { return &v }

func baseInputs() RateInputs {
	return RateInputs{
		Property: models.Property{ID: 1, BasePrice: d("100"), Currency: "EUR"},
		AsOf:     "2025-05-20",
	}
}

func TestResolvePrecedence(t *testing.T) {
	in := baseInputs()
	in.Yields = []models.YieldRule{{ID: 1, AdjustmentType: models.AdjustPercent, Value: d("10"), Active: true}}
	in.Plans = []models.RatePlan{{ID: 1, StartDate: "2025-06-01", EndDate: "2025-06-30", NightlyPrice: d("150"), Active: true}}
	in.Overrides = []models.RateOverride{{ID: 1, Date: "2025-06-15", Price: d("300"), Active: true}}

	cases := map[string]string{
		"2025-05-25": "110", // base + yield
		"2025-06-10": "150", // plan
		"2025-06-15": "300", // override
	}
	for date, want := range cases {
		got, err := Resolve(in, date, "")
		if err != nil {
			t.Fatalf("%s: %v", date, err)
		}
		if !got.Equal(d(want)) {
			t.Errorf("%s: got %s want %s", date, got, want)
		}
	}
}

func TestPlanOrdering(t *testing.T) {
	in := baseInputs()
	// 2025-06-07 is a Saturday
	saturday := 1 << 6
	in.Plans = []models.RatePlan{
		{ID: 1, StartDate: "2025-06-01", EndDate: "2025-08-31", NightlyPrice: d("120"), Priority: 1, Active: true},
		{ID: 2, StartDate: "2025-06-01", EndDate: "2025-06-30", NightlyPrice: d("130"), Priority: 1, Active: true},
		{ID: 3, StartDate: "2025-06-01", EndDate: "2025-06-30", DaysOfWeek: saturday, NightlyPrice: d("140"), Priority: 1, Active: true},
		{ID: 4, StartDate: "2025-01-01", EndDate: "2025-12-31", NightlyPrice: d("90"), Priority: 5, Active: false},
	}

	if got, _ := Resolve(in, "2025-06-07", ""); !got.Equal(d("140")) {
		t.Errorf("weekday plan should win the tie, got %s", got)
	}
	if got, _ := Resolve(in, "2025-06-09", ""); !got.Equal(d("130")) {
		t.Errorf("narrowest plan should win, got %s", got)
	}
	if got, _ := Resolve(in, "2025-07-09", ""); !got.Equal(d("120")) {
		t.Errorf("only covering plan, got %s", got)
	}

	in.Plans[0].Priority = 9
	if got, _ := Resolve(in, "2025-06-07", ""); !got.Equal(d("120")) {
		t.Errorf("priority beats width, got %s", got)
	}
}

func TestYieldRulesRespectLeadTimeAndClamp(t *testing.T) {
	in := baseInputs()
	in.Property.MinPrice = decimal.NewNullDecimal(d("80"))
	in.Property.MaxPrice = decimal.NewNullDecimal(d("130"))
	in.Yields = []models.YieldRule{
		// last minute discount inside 7 days
		{ID: 1, MaxLeadDays: intPtr(7), AdjustmentType: models.AdjustPercent, Value: d("-30"), Priority: 2, Active: true},
		// far out premium
		{ID: 2, MinLeadDays: intPtr(60), AdjustmentType: models.AdjustFixed, Value: d("50"), Priority: 1, Active: true},
	}

	if got, _ := Resolve(in, "2025-05-22", ""); !got.Equal(d("80")) {
		t.Errorf("discount should clamp to min, got %s", got)
	}
	if got, _ := Resolve(in, "2025-06-20", ""); !got.Equal(d("100")) {
		t.Errorf("no rule in the middle, got %s", got)
	}
	if got, _ := Resolve(in, "2025-08-01", ""); !got.Equal(d("130")) {
		t.Errorf("premium should clamp to max, got %s", got)
	}
}

func TestChannelModifierRoundsHalfUpAndFloorsAtZero(t *testing.T) {
	mods := []models.ChannelRateModifier{
		{ID: 1, ChannelName: "airbnb", ModifierType: models.AdjustPercent, Value: d("3"), Active: true},
		{ID: 2, ChannelName: "vrbo", ModifierType: models.AdjustFixed, Value: d("-500"), Active: true},
		{ID: 3, ChannelName: "airbnb", ModifierType: models.AdjustPercent, Value: d("50"), Active: true, StartDate: "2026-01-01"},
	}

	// 100.50 * 1.03 = 103.515
	if got := ChannelPrice(mods, "2025-06-01", "airbnb", d("100.50")); !got.Equal(d("103.52")) {
		t.Errorf("airbnb = %s", got)
	}
	if got := ChannelPrice(mods, "2025-06-01", "vrbo", d("100")); !got.Equal(decimal.Zero) {
		t.Errorf("vrbo = %s", got)
	}
	if got := ChannelPrice(mods, "2025-06-01", "direct", d("100")); !got.Equal(d("100")) {
		t.Errorf("unmodified channel = %s", got)
	}
}

func TestBuildQuoteAppliesStayAdjustments(t *testing.T) {
	in := baseInputs()
	in.LOSDiscounts = []models.LengthOfStayDiscount{
		{ID: 1, MinNights: 3, DiscountType: models.AdjustPercent, Value: d("5"), Active: true},
		{ID: 2, MinNights: 7, DiscountType: models.AdjustPercent, Value: d("15"), Active: true},
	}
	in.Occupancy = []models.OccupancyPricing{{ID: 1, BaseOccupancy: 2, ExtraGuestFee: d("20"), MaxOccupancy: 5, Active: true}}
	in.Modifiers = []models.ChannelRateModifier{{ID: 1, ChannelName: "booking", ModifierType: models.AdjustFixed, Value: d("2"), Active: true}}

	q, err := BuildQuote(in, "2025-06-01", "2025-06-05", 3, "booking")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Nights != 4 || !q.Subtotal.Equal(d("400")) {
		t.Fatalf("nights=%d subtotal=%s", q.Nights, q.Subtotal)
	}
	if !q.LOSDiscount.Equal(d("20")) {
		t.Errorf("los discount = %s", q.LOSDiscount)
	}
	if !q.ExtraGuestFees.Equal(d("80")) {
		t.Errorf("extra guests = %s", q.ExtraGuestFees)
	}
	if !q.ChannelAdjustment.Equal(d("8")) {
		t.Errorf("channel adjustment = %s", q.ChannelAdjustment)
	}
	if !q.Total.Equal(d("468")) {
		t.Errorf("total = %s", q.Total)
	}

	var verr *ValidationError
	if _, err := BuildQuote(in, "2025-06-01", "2025-06-05", 6, ""); !errors.As(err, &verr) {
		t.Fatalf("expected occupancy validation error, got %v", err)
	}
}

func TestResolveRejectsBadDate(t *testing.T) {
	if _, err := Resolve(baseInputs(), "06/01/2025", ""); err == nil {
		t.Fatal("expected error")
	}
}
