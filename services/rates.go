package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"calendar-sync-server/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

// RateInputs is the pricing configuration of one property, loaded once per
// call and never mutated by the resolver. AsOf is the day lead times are
// measured from.
type RateInputs struct {
	Property     models.Property
	Overrides    []models.RateOverride
	Plans        []models.RatePlan
	Yields       []models.YieldRule
	LOSDiscounts []models.LengthOfStayDiscount
	Occupancy    []models.OccupancyPricing
	Modifiers    []models.ChannelRateModifier
	AsOf         string
}

// Resolve returns the nightly price of date. With an empty channel it is the
// internal price stored on the calendar day, otherwise the channel price.
func Resolve(in RateInputs, date, channel string) (decimal.Decimal, error) {
	price, err := NightlyPrice(in, date)
	if err != nil {
		return decimal.Zero, err
	}
	if channel == "" {
		return price, nil
	}
	return ChannelPrice(in.Modifiers, date, channel, price), nil
}

// NightlyPrice applies override, then rate plan, then yield-adjusted base price.
func NightlyPrice(in RateInputs, date string) (decimal.Decimal, error) {
	day, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return decimal.Zero, invalid("invalid date %q", date)
	}

	if override, ok := pickOverride(in.Overrides, date); ok {
		return override.Price, nil
	}
	if plan, ok := pickPlan(in.Plans, day); ok {
		return plan.NightlyPrice, nil
	}

	price := in.Property.BasePrice
	lead, err := leadDays(in.AsOf, day)
	if err != nil {
		return decimal.Zero, err
	}
	for _, rule := range activeYields(in.Yields, date, lead) {
		price = adjust(price, rule.AdjustmentType, rule.Value)
	}
	if in.Property.MinPrice.Valid && price.LessThan(in.Property.MinPrice.Decimal) {
		price = in.Property.MinPrice.Decimal
	}
	if in.Property.MaxPrice.Valid && price.GreaterThan(in.Property.MaxPrice.Decimal) {
		price = in.Property.MaxPrice.Decimal
	}
	return price, nil
}

// ChannelPrice applies the best channel modifier for date to price. The
// result is never negative.
func ChannelPrice(modifiers []models.ChannelRateModifier, date, channel string, price decimal.Decimal) decimal.Decimal {
	if m, ok := pickModifier(modifiers, date, channel); ok {
		price = adjust(price, m.ModifierType, m.Value)
	}
	return floorZero(price)
}

func pickModifier(modifiers []models.ChannelRateModifier, date, channel string) (models.ChannelRateModifier, bool) {
	var best *models.ChannelRateModifier
	for i := range modifiers {
		m := &modifiers[i]
		if !m.Active || m.ChannelName != channel || !inRange(date, m.StartDate, m.EndDate) {
			continue
		}
		if best == nil || m.Priority > best.Priority || (m.Priority == best.Priority && m.ID > best.ID) {
			best = m
		}
	}
	if best == nil {
		return models.ChannelRateModifier{}, false
	}
	return *best, true
}

// NightQuote is one night of a Quote.
type NightQuote struct {
	Date  string          `json:"date"`
	Price decimal.Decimal `json:"price"`
}

type Quote struct {
	PropertyID        uint            `json:"propertyID"`
	Channel           string          `json:"channel,omitempty"`
	From              string          `json:"from"`
	To                string          `json:"to"`
	Nights            int             `json:"nights"`
	Guests            int             `json:"guests"`
	Currency          string          `json:"currency"`
	NightlyPrices     []NightQuote    `json:"nightlyPrices"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	LOSDiscount       decimal.Decimal `json:"losDiscount"`
	ExtraGuestFees    decimal.Decimal `json:"extraGuestFees"`
	ChannelAdjustment decimal.Decimal `json:"channelAdjustment"`
	Total             decimal.Decimal `json:"total"`
}

// BuildQuote prices a stay of [from, to). Length-of-stay discounts and
// extra-guest fees only exist here; the channel modifier is applied to the
// stay total last, fixed modifiers once per night.
func BuildQuote(in RateInputs, from, to string, guests int, channel string) (Quote, error) {
	dates, err := expandRange(from, to)
	if err != nil {
		return Quote{}, err
	}
	if guests < 1 {
		guests = 1
	}

	q := Quote{
		PropertyID:     in.Property.ID,
		Channel:        channel,
		From:           from,
		To:             to,
		Nights:         len(dates),
		Guests:         guests,
		Currency:       in.Property.Currency,
		Subtotal:       decimal.Zero,
		LOSDiscount:    decimal.Zero,
		ExtraGuestFees: decimal.Zero,
	}
	for _, date := range dates {
		price, err := NightlyPrice(in, date)
		if err != nil {
			return Quote{}, err
		}
		q.NightlyPrices = append(q.NightlyPrices, NightQuote{Date: date, Price: price})
		q.Subtotal = q.Subtotal.Add(price)
	}

	if discount, ok := pickLOSDiscount(in.LOSDiscounts, from, q.Nights); ok {
		discounted := adjust(q.Subtotal, discount.DiscountType, discount.Value.Neg())
		q.LOSDiscount = q.Subtotal.Sub(floorZero(discounted))
	}

	if occupancy, ok := pickOccupancy(in.Occupancy, from); ok {
		if occupancy.MaxOccupancy > 0 && guests > occupancy.MaxOccupancy {
			return Quote{}, invalid("%d guests exceed the maximum occupancy of %d", guests, occupancy.MaxOccupancy)
		}
		if extra := guests - occupancy.BaseOccupancy; extra > 0 {
			q.ExtraGuestFees = occupancy.ExtraGuestFee.Mul(decimal.NewFromInt(int64(extra * q.Nights)))
		}
	}

	total := q.Subtotal.Sub(q.LOSDiscount).Add(q.ExtraGuestFees)
	if channel != "" {
		withChannel := total
		if best, ok := pickModifier(in.Modifiers, from, channel); ok {
			value := best.Value
			if best.ModifierType == models.AdjustFixed {
				value = value.Mul(decimal.NewFromInt(int64(q.Nights)))
			}
			withChannel = floorZero(adjust(total, best.ModifierType, value))
		}
		q.ChannelAdjustment = withChannel.Sub(total)
		total = withChannel
	}
	q.Total = floorZero(total)
	return q, nil
}

// adjust applies a PERCENT or FIXED delta; percentages round half-up to cents.
func adjust(price decimal.Decimal, kind string, value decimal.Decimal) decimal.Decimal {
	if kind == models.AdjustPercent {
		return price.Add(price.Mul(value).Div(hundred)).Round(2)
	}
	return price.Add(value)
}

func floorZero(price decimal.Decimal) decimal.Decimal {
	if price.IsNegative() {
		return decimal.Zero
	}
	return price
}

// inRange reports whether date lies in [start, end]; empty bounds are open.
func inRange(date, start, end string) bool {
	return (start == "" || date >= start) && (end == "" || date <= end)
}

func pickOverride(overrides []models.RateOverride, date string) (models.RateOverride, bool) {
	var best *models.RateOverride
	for i := range overrides {
		o := &overrides[i]
		if !o.Active || o.Date != date {
			continue
		}
		if best == nil || o.Priority > best.Priority || (o.Priority == best.Priority && o.ID > best.ID) {
			best = o
		}
	}
	if best == nil {
		return models.RateOverride{}, false
	}
	return *best, true
}

// pickPlan orders candidates by priority, then the narrowest range, then
// plans naming the weekday over every-day plans.
func pickPlan(plans []models.RatePlan, day time.Time) (models.RatePlan, bool) {
	date := day.Format(models.DateLayout)
	weekdayBit := 1 << uint(day.Weekday())

	var candidates []models.RatePlan
	for _, plan := range plans {
		if !plan.Active || !inRange(date, plan.StartDate, plan.EndDate) {
			continue
		}
		if plan.DaysOfWeek != 0 && plan.DaysOfWeek&weekdayBit == 0 {
			continue
		}
		candidates = append(candidates, plan)
	}
	if len(candidates) == 0 {
		return models.RatePlan{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if wa, wb := planWidth(a), planWidth(b); wa != wb {
			return wa < wb
		}
		if sa, sb := a.DaysOfWeek != 0, b.DaysOfWeek != 0; sa != sb {
			return sa
		}
		return a.ID > b.ID
	})
	return candidates[0], true
}

func planWidth(plan models.RatePlan) int {
	start, err1 := time.Parse(models.DateLayout, plan.StartDate)
	end, err2 := time.Parse(models.DateLayout, plan.EndDate)
	if err1 != nil || err2 != nil {
		return int(^uint(0) >> 1)
	}
	return int(end.Sub(start).Hours() / 24)
}

func leadDays(asOf string, day time.Time) (int, error) {
	if asOf == "" {
		return 0, nil
	}
	ref, err := time.Parse(models.DateLayout, asOf)
	if err != nil {
		return 0, fmt.Errorf("invalid evaluation date %q: %w", asOf, err)
	}
	return int(day.Sub(ref).Hours() / 24), nil
}

// activeYields returns the rules applying to date, highest priority first.
func activeYields(rules []models.YieldRule, date string, lead int) []models.YieldRule {
	var out []models.YieldRule
	for _, rule := range rules {
		if !rule.Active || !inRange(date, rule.StartDate, rule.EndDate) {
			continue
		}
		if rule.MinLeadDays != nil && lead < *rule.MinLeadDays {
			continue
		}
		if rule.MaxLeadDays != nil && lead > *rule.MaxLeadDays {
			continue
		}
		out = append(out, rule)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// pickLOSDiscount takes the discount with the longest qualifying minimum stay.
func pickLOSDiscount(discounts []models.LengthOfStayDiscount, checkIn string, nights int) (models.LengthOfStayDiscount, bool) {
	var best *models.LengthOfStayDiscount
	for i := range discounts {
		d := &discounts[i]
		if !d.Active || d.MinNights > nights || !inRange(checkIn, d.StartDate, d.EndDate) {
			continue
		}
		if best == nil || d.MinNights > best.MinNights ||
			(d.MinNights == best.MinNights && (d.Priority > best.Priority || (d.Priority == best.Priority && d.ID > best.ID))) {
			best = d
		}
	}
	if best == nil {
		return models.LengthOfStayDiscount{}, false
	}
	return *best, true
}

func pickOccupancy(rules []models.OccupancyPricing, checkIn string) (models.OccupancyPricing, bool) {
	var best *models.OccupancyPricing
	for i := range rules {
		r := &rules[i]
		if !r.Active || !inRange(checkIn, r.StartDate, r.EndDate) {
			continue
		}
		if best == nil || r.Priority > best.Priority || (r.Priority == best.Priority && r.ID > best.ID) {
			best = r
		}
	}
	if best == nil {
		return models.OccupancyPricing{}, false
	}
	return *best, true
}

// RateRepository loads pricing inputs from the store.
type RateRepository struct {
	db *gorm.DB
}

func NewRateRepository(db *gorm.DB) *RateRepository {
	return &RateRepository{db: db}
}

// Load reads the active pricing inputs of a property.
func (r *RateRepository) Load(ctx context.Context, propertyID uint, asOf string) (RateInputs, error) {
	var property models.Property
	if err := r.db.WithContext(ctx).First(&property, propertyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RateInputs{}, notFound("property", propertyID)
		}
		return RateInputs{}, fmt.Errorf("load property %d: %w", propertyID, err)
	}
	return loadRateInputs(r.db.WithContext(ctx), property, asOf)
}

func loadRateInputs(db *gorm.DB, property models.Property, asOf string) (RateInputs, error) {
	in := RateInputs{Property: property, AsOf: asOf}
	queries := []struct {
		name string
		dest interface{}
	}{
		{"rate overrides", &in.Overrides},
		{"rate plans", &in.Plans},
		{"yield rules", &in.Yields},
		{"length of stay discounts", &in.LOSDiscounts},
		{"occupancy pricing", &in.Occupancy},
		{"channel rate modifiers", &in.Modifiers},
	}
	for _, q := range queries {
		if err := db.Where("property_id = ? AND active = ?", property.ID, true).Find(q.dest).Error; err != nil {
			return RateInputs{}, fmt.Errorf("load %s for property %d: %w", q.name, property.ID, err)
		}
	}
	return in, nil
}

func loadChannelModifiers(db *gorm.DB, propertyID uint) ([]models.ChannelRateModifier, error) {
	var modifiers []models.ChannelRateModifier
	if err := db.Where("property_id = ? AND active = ?", propertyID, true).Find(&modifiers).Error; err != nil {
		return nil, fmt.Errorf("load channel rate modifiers for property %d: %w", propertyID, err)
	}
	return modifiers, nil
}
