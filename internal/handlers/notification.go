// internal/handlers/notification.go
package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/bizmarket-backend/internal/services"
	"github.com/javajoker/bizmarket-backend/internal/utils"
)

type NotificationHandler struct {
	base
	notificationService *services.NotificationService
}

func NewNotificationHandler(notificationService *services.NotificationService) *NotificationHandler {
	return &NotificationHandler{notificationService: notificationService}
}

// GET /notifications
func (h *NotificationHandler) List(c *gin.Context) {
	userID, ok := h.caller(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	notes, err := h.notificationService.ListForUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"notifications": notes})
}
