// internal/handlers/escrow.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/bizmarket-backend/internal/models"
	"github.com/javajoker/bizmarket-backend/internal/services"
	"github.com/javajoker/bizmarket-backend/internal/utils"
)

type EscrowHandler struct {
	base
	escrowService    *services.EscrowService
	migrationService *services.MigrationService
}

func NewEscrowHandler(escrowService *services.EscrowService, migrationService *services.MigrationService, audit *services.AuditService) *EscrowHandler {
	return &EscrowHandler{
		base:             base{audit: audit},
		escrowService:    escrowService,
		migrationService: migrationService,
	}
}

// GET /escrows
func (h *EscrowHandler) List(c *gin.Context) {
	actorID, ok := h.caller(c)
	if !ok {
		return
	}

	params := utils.GetPaginationParams(c)
	filter := services.EscrowFilter{
		Role:   models.PartyRole(c.Query("role")),
		Status: models.EscrowStatus(params.Status),
	}

	escrows, total, err := h.escrowService.List(c.Request.Context(), actorID, filter, params)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.PaginatedResponse(c, utils.CreatePaginationResult(escrows, total, params))
}

// GET /escrows/:id
func (h *EscrowHandler) Get(c *gin.Context) {
	actorID, ok := h.caller(c)
	if !ok {
		return
	}
	escrowID, ok := h.pathID(c, "escrow")
	if !ok {
		return
	}

	escrow, err := h.escrowService.Get(c.Request.Context(), escrowID, actorID, isAdmin(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"escrow": escrow})
}

// GET /escrows/:id/audit
func (h *EscrowHandler) AuditTrail(c *gin.Context) {
	actorID, ok := h.caller(c)
	if !ok {
		return
	}
	escrowID, ok := h.pathID(c, "escrow")
	if !ok {
		return
	}

	entries, err := h.escrowService.AuditTrail(c.Request.Context(), escrowID, actorID, isAdmin(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"entries": entries})
}

// GET /escrows/:id/checklist
func (h *EscrowHandler) Checklist(c *gin.Context) {
	actorID, ok := h.caller(c)
	if !ok {
		return
	}
	escrowID, ok := h.pathID(c, "escrow")
	if !ok {
		return
	}

	checklist, err := h.migrationService.GetForEscrow(c.Request.Context(), escrowID, actorID, isAdmin(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"checklist": checklist})
}
