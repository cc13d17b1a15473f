package utils

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kataras/iris/v12"
)

func CreateError(statusCode int, title, detail string, ctx iris.Context) {
	ctx.StopWithProblem(statusCode, iris.NewProblem().Title(title).Detail(detail))
}

func CreateInternalServerError(ctx iris.Context) {
	CreateError(iris.StatusInternalServerError, "Internal Server Error", "Internal Server Error", ctx)
}

type validationError struct {
	ActualTag string `json:"tag"`
	Namespace string `json:"namespace"`
	Kind      string `json:"kind"`
	Type      string `json:"type"`
	Value     string `json:"value"`
	Param     string `json:"param"`
}

func wrapValidationErrors(errs validator.ValidationErrors) []validationError {
	out := make([]validationError, 0, len(errs))
	for _, err := range errs {
		out = append(out, validationError{
			ActualTag: err.ActualTag(),
			Namespace: err.Namespace(),
			Kind:      err.Kind().String(),
			Type:      err.Type().String(),
			Value:     fmt.Sprintf("%v", err.Value()),
			Param:     err.Param(),
		})
	}
	return out
}

// HandleValidationErrors answers 422 for failed struct validation and 400
// for a body that is not valid JSON.
func HandleValidationErrors(err error, ctx iris.Context) {
	if errs, ok := err.(validator.ValidationErrors); ok {
		ctx.StopWithProblem(iris.StatusUnprocessableEntity, iris.NewProblem().
			Title("Validation error").
			Detail("One or more fields failed to be validated").
			Key("errors", wrapValidationErrors(errs)))
		return
	}
	if err != nil && (strings.Contains(err.Error(), "json") || strings.Contains(err.Error(), "EOF")) {
		CreateError(iris.StatusBadRequest, "Bad Request", err.Error(), ctx)
		return
	}
	CreateInternalServerError(ctx)
}
