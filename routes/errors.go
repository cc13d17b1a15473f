package routes

import (
	"errors"
	"net/http"
	"strconv"

	"calendar-sync-server/services"
	"calendar-sync-server/utils"

	"github.com/kataras/iris/v12"
	"github.com/sirupsen/logrus"
)

// lockRetryAfter is the Retry-After hint, in seconds, for a busy property.
const lockRetryAfter = 1

// writeError maps service errors onto the HTTP contract.
func writeError(ctx iris.Context, log logrus.FieldLogger, err error) {
	var (
		conflict   *services.ConflictError
		notFound   *services.NotFoundError
		lock       *services.LockTimeoutError
		validation *services.ValidationError
	)
	switch {
	case errors.As(err, &conflict):
		ctx.StatusCode(http.StatusConflict)
		ctx.JSON(iris.Map{"error": "calendar_conflict", "message": conflict.Reason, "dates": conflict.Dates})
	case errors.As(err, &notFound):
		utils.JSONError(ctx, http.StatusNotFound, "not_found", notFound.Error())
	case errors.As(err, &lock):
		ctx.Header("Retry-After", strconv.Itoa(lockRetryAfter))
		utils.JSONError(ctx, http.StatusTooManyRequests, "property_busy", lock.Error())
	case errors.As(err, &validation):
		utils.JSONError(ctx, http.StatusUnprocessableEntity, "invalid_request", validation.Error())
	default:
		log.WithError(err).WithField("path", ctx.Path()).Error("request failed")
		utils.JSONError(ctx, http.StatusInternalServerError, "server_error", "internal server error")
	}
}
