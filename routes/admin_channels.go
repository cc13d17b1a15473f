package routes

import (
	"fmt"
	"net/http"

	"calendar-sync-server/services"
	"calendar-sync-server/utils"

	"github.com/kataras/iris/v12"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AdminChannelHandlers serve the operator surface of the sync engine.
type AdminChannelHandlers struct {
	DB           *gorm.DB
	Connections  *services.ConnectionService
	Dispatcher   *services.Dispatcher
	Reconciler   *services.Reconciler
	Conflicts    *services.ConflictService
	Reservations *services.ReservationDirectory
	Registry     *services.ChannelRegistry
	Log          logrus.FieldLogger
}

type RetryInput struct {
	IDs []uint `json:"ids" validate:"required,min=1,max=500"`
}

type ResolveConflictInput struct {
	Resolution string `json:"resolution" validate:"required,max=2000"`
}

type TriggerRunInput struct {
	PropertyID uint  `json:"propertyID" validate:"required"`
	Heal       *bool `json:"heal"`
}

func uintParam(ctx iris.Context, name string) uint {
	v, err := ctx.URLParamInt64(name)
	if err != nil || v < 0 {
		return 0
	}
	return uint(v)
}

// GET /api/admin/channels/connections
func (h *AdminChannelHandlers) ListConnections(ctx iris.Context) {
	conns, err := h.Connections.List(ctx.Request().Context(), services.ConnectionFilter{
		PropertyID: uintParam(ctx, "property_id"),
		Channel:    ctx.URLParam("channel"),
		Health:     ctx.URLParam("health"),
		ActiveOnly: ctx.URLParamDefault("active", "") == "true",
	})
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	ctx.JSON(iris.Map{"data": conns, "channels": h.Registry.Names()})
}

// POST /api/admin/channels/connections
func (h *AdminChannelHandlers) LinkConnection(ctx iris.Context) {
	var input services.LinkInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	conn, queued, err := h.Connections.Link(ctx.Request().Context(), input)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	utils.Audit(ctx, h.DB, h.Log, "channel.link", "channel_connection", fmt.Sprint(conn.ID), nil, conn)
	ctx.StatusCode(http.StatusCreated)
	ctx.JSON(iris.Map{"connection": conn, "queued": queued})
}

// DELETE /api/admin/channels/connections/{id}
func (h *AdminChannelHandlers) DisconnectConnection(ctx iris.Context) {
	id, err := ctx.Params().GetUint("id")
	if err != nil {
		utils.JSONError(ctx, http.StatusBadRequest, "invalid_id", "invalid id")
		return
	}
	before, err := h.Connections.Get(ctx.Request().Context(), id)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	conn, err := h.Connections.Disconnect(ctx.Request().Context(), id)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	utils.Audit(ctx, h.DB, h.Log, "channel.disconnect", "channel_connection", fmt.Sprint(id), before, conn)
	ctx.JSON(conn)
}

// POST /api/admin/channels/connections/{id}/health
func (h *AdminChannelHandlers) CheckConnectionHealth(ctx iris.Context) {
	id, err := ctx.Params().GetUint("id")
	if err != nil {
		utils.JSONError(ctx, http.StatusBadRequest, "invalid_id", "invalid id")
		return
	}
	conn, err := h.Reconciler.ForceHealthCheck(ctx.Request().Context(), id)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	ctx.JSON(conn)
}

// GET /api/admin/channels/outbox
func (h *AdminChannelHandlers) ListOutbox(ctx iris.Context) {
	page, perPage := utils.PageParams(ctx)
	events, total, err := h.Dispatcher.List(ctx.Request().Context(), services.OutboxFilter{
		Status:     ctx.URLParam("status"),
		Channel:    ctx.URLParam("channel"),
		PropertyID: uintParam(ctx, "property_id"),
		Page:       page,
		Limit:      perPage,
	})
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	utils.JSONPage(ctx, events, page, perPage, total)
}

// GET /api/admin/channels/outbox/stats
func (h *AdminChannelHandlers) OutboxStats(ctx iris.Context) {
	stats, err := h.Dispatcher.Stats(ctx.Request().Context())
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	ctx.JSON(stats)
}

// POST /api/admin/channels/outbox/retry
func (h *AdminChannelHandlers) RetryOutbox(ctx iris.Context) {
	var input RetryInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	results, err := h.Dispatcher.RetryFailed(ctx.Request().Context(), input.IDs)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	reset := 0
	for _, r := range results {
		if r.Reset {
			reset++
		}
	}
	utils.Audit(ctx, h.DB, h.Log, "outbox.retry", "outbox_event", fmt.Sprint(input.IDs), nil, results)
	ctx.JSON(iris.Map{"results": results, "reset": reset})
}

// GET /api/admin/channels/commands
func (h *AdminChannelHandlers) ListCommands(ctx iris.Context) {
	page, perPage := utils.PageParams(ctx)
	commands, total, err := h.Dispatcher.Commands(ctx.Request().Context(), services.OutboxFilter{
		Status:     ctx.URLParam("result"),
		Channel:    ctx.URLParam("channel"),
		PropertyID: uintParam(ctx, "property_id"),
		Page:       page,
		Limit:      perPage,
	})
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	utils.JSONPage(ctx, commands, page, perPage, total)
}

// GET /api/admin/channels/conflicts
func (h *AdminChannelHandlers) ListConflicts(ctx iris.Context) {
	conflicts, err := h.Conflicts.List(ctx.Request().Context(), uintParam(ctx, "property_id"), ctx.URLParam("status"))
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	ctx.JSON(iris.Map{"data": conflicts})
}

// POST /api/admin/channels/conflicts/{id}/resolve
func (h *AdminChannelHandlers) ResolveConflict(ctx iris.Context) {
	id, err := ctx.Params().GetUint("id")
	if err != nil {
		utils.JSONError(ctx, http.StatusBadRequest, "invalid_id", "invalid id")
		return
	}
	var input ResolveConflictInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	conflict, err := h.Conflicts.Resolve(ctx.Request().Context(), id, utils.Claims(ctx).ID, input.Resolution)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	utils.Audit(ctx, h.DB, h.Log, "conflict.resolve", "calendar_conflict", fmt.Sprint(id), nil, conflict)
	ctx.JSON(conflict)
}

// PUT /api/admin/channels/reservations/{ref}
func (h *AdminChannelHandlers) RecordReservation(ctx iris.Context) {
	var input services.RecordReservationInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	ref := ctx.Params().Get("ref")
	reservation, err := h.Reservations.Record(ctx.Request().Context(), ref, input)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	utils.Audit(ctx, h.DB, h.Log, "reservation.record", "reservation", ref, nil, reservation)
	ctx.JSON(reservation)
}

// GET /api/admin/channels/reconciliation/runs
func (h *AdminChannelHandlers) ListRuns(ctx iris.Context) {
	page, perPage := utils.PageParams(ctx)
	runs, total, err := h.Reconciler.ListRuns(ctx.Request().Context(), services.RunFilter{
		PropertyID: uintParam(ctx, "property_id"),
		Status:     ctx.URLParam("status"),
		Page:       page,
		Limit:      perPage,
	})
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	utils.JSONPage(ctx, runs, page, perPage, total)
}

// GET /api/admin/channels/reconciliation/runs/{id}
func (h *AdminChannelHandlers) GetRun(ctx iris.Context) {
	run, err := h.Reconciler.GetRun(ctx.Request().Context(), ctx.Params().Get("id"))
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	ctx.JSON(run)
}

// POST /api/admin/channels/reconciliation/runs
func (h *AdminChannelHandlers) TriggerRun(ctx iris.Context) {
	var input TriggerRunInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	heal := true
	if input.Heal != nil {
		heal = *input.Heal
	}
	run, err := h.Reconciler.StartRun(ctx.Request().Context(), input.PropertyID, heal, services.TriggerManual)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	utils.Audit(ctx, h.DB, h.Log, "reconciliation.trigger", "reconciliation_run", run.ID, nil, run)
	ctx.StatusCode(http.StatusAccepted)
	ctx.JSON(run)
}

// GET /api/admin/channels/diagnostics
func (h *AdminChannelHandlers) Diagnostics(ctx iris.Context) {
	diag, err := services.CollectDiagnostics(ctx.Request().Context(), h.DB, h.Dispatcher, h.Registry)
	if err != nil {
		writeError(ctx, h.Log, err)
		return
	}
	ctx.JSON(diag)
}
