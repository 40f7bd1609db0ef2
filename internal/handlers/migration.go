// internal/handlers/migration.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/bizmarket-backend/internal/i18n"
	"github.com/javajoker/bizmarket-backend/internal/models"
	"github.com/javajoker/bizmarket-backend/internal/services"
	"github.com/javajoker/bizmarket-backend/internal/utils"
)

type MigrationHandler struct {
	base
	migrationService *services.MigrationService
}

func NewMigrationHandler(migrationService *services.MigrationService, audit *services.AuditService) *MigrationHandler {
	return &MigrationHandler{
		base:             base{audit: audit},
		migrationService: migrationService,
	}
}

type ConfirmTaskRequest struct {
	Role models.PartyRole `json:"role" validate:"required,oneof=buyer seller"`
}

type TaskNotesRequest struct {
	Notes string `json:"notes" validate:"max=5000"`
}

// POST /checklist-tasks/:id/confirm
func (h *MigrationHandler) Confirm(c *gin.Context) {
	actorID, ok := h.caller(c)
	if !ok {
		return
	}
	taskID, ok := h.pathID(c, "task")
	if !ok {
		return
	}

	var req ConfirmTaskRequest
	if !h.bind(c, &req) {
		return
	}

	task, err := h.migrationService.Confirm(c.Request.Context(), taskID, actorID, req.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(utils.GetLangFromContext(c), i18n.KeyTaskConfirmed),
		"task":    task,
	})
}

// PUT /checklist-tasks/:id/notes
func (h *MigrationHandler) UpdateNotes(c *gin.Context) {
	actorID, ok := h.caller(c)
	if !ok {
		return
	}
	taskID, ok := h.pathID(c, "task")
	if !ok {
		return
	}

	var req TaskNotesRequest
	if !h.bind(c, &req) {
		return
	}

	task, err := h.migrationService.UpdateTaskNotes(c.Request.Context(), taskID, actorID, req.Notes)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(utils.GetLangFromContext(c), i18n.KeyTaskNotesUpdated),
		"task":    task,
	})
}
