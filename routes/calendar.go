package routes

import (
	"net/http"
	"strconv"

	"calendar-sync-server/services"
	"calendar-sync-server/utils"

	"github.com/kataras/iris/v12"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// CalendarHandlers serve the tenant-facing calendar party.
type CalendarHandlers struct {
	Engine *services.CalendarEngine
	Log    logrus.FieldLogger
}

type BlockInput struct {
	services.DateRange
	Source string `json:"source" validate:"omitempty,oneof=MANUAL CHANNEL SYSTEM"`
	Notes  string `json:"notes" validate:"max=1000"`
}

type ReserveInput struct {
	services.DateRange
	ReservationRef string `json:"reservationRef" validate:"required,max=128"`
}

type PriceInput struct {
	services.DateRange
	Price decimal.Decimal `json:"price"`
}

func actor(ctx iris.Context) services.Actor {
	claims := utils.Claims(ctx)
	return services.Actor{ID: claims.ID, OrganizationID: claims.OrganizationID}
}

func propertyID(ctx iris.Context) (uint, bool) {
	id, err := ctx.Params().GetUint("id")
	if err != nil || id == 0 {
		utils.JSONError(ctx, http.StatusBadRequest, "invalid_id", "invalid property id")
		return 0, false
	}
	return id, true
}

// GET /api/calendar/property/{id}/days?from=&to=
func (h *CalendarHandlers) GetDays(ctx iris.Context) {
	id, ok := propertyID(ctx)
	if !ok {
		return
	}
	r := services.DateRange{From: ctx.URLParam("from"), To: ctx.URLParam("to")}
	days, err := h.Engine.Availability(ctx.Request().Context(), actor(ctx), id, r)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	ctx.JSON(iris.Map{"propertyID": id, "days": days})
}

// POST /api/calendar/property/{id}/register
func (h *CalendarHandlers) RegisterProperty(ctx iris.Context) {
	id, ok := propertyID(ctx)
	if !ok {
		return
	}
	var input services.RegisterPropertyInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	property, created, err := h.Engine.RegisterProperty(ctx.Request().Context(), actor(ctx), id, input)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	ctx.JSON(iris.Map{"property": property, "daysCreated": created})
}

// POST /api/calendar/property/{id}/block
func (h *CalendarHandlers) Block(ctx iris.Context) {
	id, ok := propertyID(ctx)
	if !ok {
		return
	}
	var input BlockInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	changed, err := h.Engine.Block(ctx.Request().Context(), actor(ctx), id, input.DateRange, input.Source, input.Notes)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	ctx.JSON(iris.Map{"changed": changed, "count": len(changed)})
}

// POST /api/calendar/property/{id}/unblock
func (h *CalendarHandlers) Unblock(ctx iris.Context) {
	id, ok := propertyID(ctx)
	if !ok {
		return
	}
	var input services.DateRange
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	count, err := h.Engine.Unblock(ctx.Request().Context(), actor(ctx), id, input)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	ctx.JSON(iris.Map{"count": count})
}

// POST /api/calendar/property/{id}/reserve
func (h *CalendarHandlers) Reserve(ctx iris.Context) {
	id, ok := propertyID(ctx)
	if !ok {
		return
	}
	var input ReserveInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	changed, err := h.Engine.Reserve(ctx.Request().Context(), actor(ctx), id, input.DateRange, input.ReservationRef)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	ctx.JSON(iris.Map{"reservationRef": input.ReservationRef, "changed": changed, "count": len(changed)})
}

// POST /api/calendar/reservations/{ref}/release
func (h *CalendarHandlers) Release(ctx iris.Context) {
	ref := ctx.Params().Get("ref")
	count, err := h.Engine.ReleaseReservation(ctx.Request().Context(), actor(ctx), ref)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	ctx.JSON(iris.Map{"reservationRef": ref, "count": count})
}

// POST /api/calendar/property/{id}/price
func (h *CalendarHandlers) UpdatePrice(ctx iris.Context) {
	id, ok := propertyID(ctx)
	if !ok {
		return
	}
	var input PriceInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	changed, err := h.Engine.UpdatePrice(ctx.Request().Context(), actor(ctx), id, input.DateRange, input.Price)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	ctx.JSON(iris.Map{"changed": changed, "count": len(changed)})
}

// POST /api/calendar/property/{id}/reprice
func (h *CalendarHandlers) Reprice(ctx iris.Context) {
	id, ok := propertyID(ctx)
	if !ok {
		return
	}
	var input services.DateRange
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	changed, err := h.Engine.Reprice(ctx.Request().Context(), actor(ctx), id, input)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	ctx.JSON(iris.Map{"changed": changed, "count": len(changed)})
}

// GET /api/calendar/property/{id}/quote?from=&to=&guests=&channel=
func (h *CalendarHandlers) Quote(ctx iris.Context) {
	id, ok := propertyID(ctx)
	if !ok {
		return
	}
	guests, err := strconv.Atoi(ctx.URLParamDefault("guests", "1"))
	if err != nil {
		utils.JSONError(ctx, http.StatusBadRequest, "invalid_guests", "guests must be a number")
		return
	}
	r := services.DateRange{From: ctx.URLParam("from"), To: ctx.URLParam("to")}
	quote, err := h.Engine.Quote(ctx.Request().Context(), actor(ctx), id, r, guests, ctx.URLParam("channel"))
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	ctx.JSON(quote)
}
