package utils

import (
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

func IsAdmin(claims *AccessToken) bool {
	return claims.Role == "admin" || claims.Role == "super_admin"
}

// AdminOnlyMiddleware ensures the requester has admin or super_admin role
func AdminOnlyMiddleware(ctx iris.Context) {
	claims := jwt.Get(ctx).(*AccessToken)
	if !IsAdmin(claims) {
		ctx.StatusCode(iris.StatusForbidden)
		ctx.JSON(iris.Map{"error": "forbidden", "message": "admin access required"})
		return
	}
	ctx.Values().Set("userID", claims.ID)
	ctx.Next()
}

// OrganizationMiddleware rejects non-admin tokens that carry no organization.
func OrganizationMiddleware(ctx iris.Context) {
	claims := jwt.Get(ctx).(*AccessToken)
	if claims.OrganizationID == 0 && !IsAdmin(claims) {
		ctx.StatusCode(iris.StatusForbidden)
		ctx.JSON(iris.Map{"error": "forbidden", "message": "organization required"})
		return
	}
	ctx.Values().Set("userID", claims.ID)
	ctx.Next()
}

// Claims returns the verified access token of the request.
func Claims(ctx iris.Context) *AccessToken {
	claims, _ := jwt.Get(ctx).(*AccessToken)
	if claims == nil {
		return &AccessToken{}
	}
	return claims
}
