package routes

import (
	"calendar-sync-server/utils"

	"github.com/go-playground/validator/v10"
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
	"github.com/sirupsen/logrus"
)

// NewApp builds the iris application with every calendar and operator route.
func NewApp(secret string, calendar *CalendarHandlers, admin *AdminChannelHandlers, log logrus.FieldLogger) *iris.Application {
	app := iris.New()
	app.Validator = validator.New()

	// CORS configuration
	app.AllowMethods(iris.MethodOptions)
	app.UseRouter(func(ctx iris.Context) {
		ctx.Header("Access-Control-Allow-Origin", ctx.GetHeader("Origin"))
		ctx.Header("Vary", "Origin")
		ctx.Header("Access-Control-Allow-Credentials", "true")
		ctx.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Requested-With")
		ctx.Header("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		if ctx.Method() == iris.MethodOptions {
			ctx.StatusCode(iris.StatusNoContent)
			return
		}
		ctx.Next()
	})
	app.UseRouter(utils.RequestLogger(log))
	app.Use(iris.Compression)

	accessTokenVerifier := jwt.NewVerifier(jwt.HS256, []byte(secret))
	accessTokenVerifier.WithDefaultBlocklist()
	accessTokenVerifierMiddleware := accessTokenVerifier.Verify(func() interface{} {
		return new(utils.AccessToken)
	})

	app.Get("/health", func(ctx iris.Context) {
		ctx.JSON(iris.Map{"status": "ok"})
	})

	cal := app.Party("/api/calendar", accessTokenVerifierMiddleware, utils.OrganizationMiddleware)
	{
		cal.Get("/property/{id:uint}/days", calendar.GetDays)
		cal.Get("/property/{id:uint}/quote", calendar.Quote)
		cal.Post("/property/{id:uint}/register", calendar.RegisterProperty)
		cal.Post("/property/{id:uint}/block", calendar.Block)
		cal.Post("/property/{id:uint}/unblock", calendar.Unblock)
		cal.Post("/property/{id:uint}/reserve", calendar.Reserve)
		cal.Post("/property/{id:uint}/price", calendar.UpdatePrice)
		cal.Post("/property/{id:uint}/reprice", calendar.Reprice)
		cal.Post("/reservations/{ref}/release", calendar.Release)
	}

	channels := app.Party("/api/admin/channels", accessTokenVerifierMiddleware, utils.AdminOnlyMiddleware)
	{
		channels.Get("/connections", admin.ListConnections)
		channels.Post("/connections", admin.LinkConnection)
		channels.Delete("/connections/{id:uint}", admin.DisconnectConnection)
		channels.Post("/connections/{id:uint}/health", admin.CheckConnectionHealth)

		channels.Get("/outbox", admin.ListOutbox)
		channels.Get("/outbox/stats", admin.OutboxStats)
		channels.Post("/outbox/retry", admin.RetryOutbox)
		channels.Get("/commands", admin.ListCommands)

		channels.Get("/conflicts", admin.ListConflicts)
		channels.Post("/conflicts/{id:uint}/resolve", admin.ResolveConflict)

		channels.Put("/reservations/{ref}", admin.RecordReservation)

		channels.Get("/reconciliation/runs", admin.ListRuns)
		channels.Get("/reconciliation/runs/{id}", admin.GetRun)
		channels.Post("/reconciliation/runs", admin.TriggerRun)

		channels.Get("/diagnostics", admin.Diagnostics)
	}

	return app
}
