package utils

import (
	"github.com/kataras/iris/v12"
)

const (
	defaultPerPage = 50
	maxPerPage     = 200
)

type PageMeta struct {
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Total   int64 `json:"total"`
	Pages   int64 `json:"pages"`
}

// PageParams reads ?page=&per_page= with the admin listing defaults.
func PageParams(ctx iris.Context) (int, int) {
	page := ctx.URLParamIntDefault("page", 1)
	perPage := ctx.URLParamIntDefault("per_page", defaultPerPage)
	if page < 1 {
		page = 1
	}
	if perPage <= 0 || perPage > maxPerPage {
		perPage = defaultPerPage
	}
	return page, perPage
}

func JSONPage(ctx iris.Context, data interface{}, page, perPage int, total int64) {
	pages := int64(0)
	if perPage > 0 {
		pages = (total + int64(perPage) - 1) / int64(perPage)
	}
	ctx.JSON(iris.Map{
		"data": data,
		"meta": PageMeta{Page: page, PerPage: perPage, Total: total, Pages: pages},
	})
}

func JSONError(ctx iris.Context, status int, code, message string) {
	ctx.StatusCode(status)
	ctx.JSON(iris.Map{"error": code, "message": message})
}
