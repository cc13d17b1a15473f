package utils

import (
	"encoding/json"
	"net"

	"calendar-sync-server/models"

	"github.com/kataras/iris/v12"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Audit records an operator mutation. Failures are logged, never returned.
func Audit(ctx iris.Context, db *gorm.DB, log logrus.FieldLogger, action, resourceType, resourceID string, before interface{}, after interface{}) {
	var beforeStr, afterStr string
	if before != nil {
		if b, err := json.Marshal(before); err == nil {
			beforeStr = string(b)
		}
	}
	if after != nil {
		if a, err := json.Marshal(after); err == nil {
			afterStr = string(a)
		}
	}
	claims := Claims(ctx)
	entry := models.AuditLog{
		ActorID:        claims.ID,
		OrganizationID: claims.OrganizationID,
		Action:         action,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		BeforeJSON:     beforeStr,
		AfterJSON:      afterStr,
		IPAddress:      clientIP(ctx),
	}
	if err := db.Create(&entry).Error; err != nil {
		log.WithError(err).WithFields(logrus.Fields{"action": action, "resource_id": resourceID}).Error("failed to write audit log")
	}
}

func clientIP(ctx iris.Context) string {
	if ip := ctx.GetHeader("X-Forwarded-For"); ip != "" {
		return ip
	}
	ip, _, _ := net.SplitHostPort(ctx.RemoteAddr())
	return ip
}
