// internal/handlers/operator.go
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/bizmarket-backend/internal/i18n"
	"github.com/javajoker/bizmarket-backend/internal/models"
	"github.com/javajoker/bizmarket-backend/internal/services"
	"github.com/javajoker/bizmarket-backend/internal/utils"
)

// OperatorHandler serves the admin queue: alerts, stuck provider calls,
// checklist re-drives and escrow cancellation.
type OperatorHandler struct {
	base
	operatorService  *services.OperatorService
	escrowService    *services.EscrowService
	migrationService *services.MigrationService
}

func NewOperatorHandler(operatorService *services.OperatorService, escrowService *services.EscrowService, migrationService *services.MigrationService, audit *services.AuditService) *OperatorHandler {
	return &OperatorHandler{
		base:             base{audit: audit},
		operatorService:  operatorService,
		escrowService:    escrowService,
		migrationService: migrationService,
	}
}

type ResolveAlertRequest struct {
	Resolution string `json:"resolution" validate:"required,notblank,max=5000"`
}

type RecordReferenceRequest struct {
	Reference string `json:"reference" validate:"required,notblank,max=255"`
}

type CancelEscrowRequest struct {
	Reason string `json:"reason" validate:"required,notblank,max=2000"`
}

// GET /admin/alerts
func (h *OperatorHandler) ListAlerts(c *gin.Context) {
	params := utils.GetPaginationParams(c)
	filter := services.AlertFilter{
		Status:   models.AlertStatus(params.Status),
		Severity: models.NotificationPriority(c.Query("severity")),
	}
	if escrowID, err := uuid.Parse(c.Query("escrow_id")); err == nil {
		filter.EscrowID = &escrowID
	}

	alerts, total, err := h.operatorService.ListAlerts(c.Request.Context(), filter, params)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.PaginatedResponse(c, utils.CreatePaginationResult(alerts, total, params))
}

// PUT /admin/alerts/:id/resolve
func (h *OperatorHandler) ResolveAlert(c *gin.Context) {
	operatorID, ok := h.caller(c)
	if !ok {
		return
	}
	alertID, ok := h.pathID(c, "alert")
	if !ok {
		return
	}

	var req ResolveAlertRequest
	if !h.bind(c, &req) {
		return
	}

	alert, err := h.operatorService.ResolveAlert(c.Request.Context(), alertID, operatorID, req.Resolution)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(utils.GetLangFromContext(c), i18n.KeyAlertResolved),
		"alert":   alert,
	})
}

// GET /admin/provider-calls
func (h *OperatorHandler) ListProviderCalls(c *gin.Context) {
	var escrowID *uuid.UUID
	if id, err := uuid.Parse(c.Query("escrow_id")); err == nil {
		escrowID = &id
	}

	calls, err := h.operatorService.ListProviderCalls(c.Request.Context(), escrowID, models.ProviderCallStatus(c.Query("status")))
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"provider_calls": calls})
}

// POST /admin/provider-calls/:id/requeue
func (h *OperatorHandler) RequeueCall(c *gin.Context) {
	operatorID, ok := h.caller(c)
	if !ok {
		return
	}
	callID, ok := h.pathID(c, "provider call")
	if !ok {
		return
	}

	call, err := h.operatorService.RequeueCall(c.Request.Context(), callID, operatorID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message":       i18n.T(utils.GetLangFromContext(c), i18n.KeyCallRequeued),
		"provider_call": call,
	})
}

// POST /admin/provider-calls/:id/reference
func (h *OperatorHandler) RecordCallReference(c *gin.Context) {
	operatorID, ok := h.caller(c)
	if !ok {
		return
	}
	callID, ok := h.pathID(c, "provider call")
	if !ok {
		return
	}

	var req RecordReferenceRequest
	if !h.bind(c, &req) {
		return
	}

	call, err := h.operatorService.RecordCallReference(c.Request.Context(), callID, operatorID, req.Reference)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message":       i18n.T(utils.GetLangFromContext(c), i18n.KeyCallReferenceRecorded),
		"provider_call": call,
	})
}

// POST /admin/checklists/:id/recompute
//
// Re-derives the checklist status from its tasks and, when every task is
// confirmed, completes the escrow that is still waiting on it.
func (h *OperatorHandler) RecomputeChecklist(c *gin.Context) {
	checklistID, ok := h.pathID(c, "checklist")
	if !ok {
		return
	}

	checklist, err := h.migrationService.RecomputeChecklistStatus(c.Request.Context(), checklistID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message":   i18n.T(utils.GetLangFromContext(c), i18n.KeyChecklistRecomputed),
		"checklist": checklist,
	})
}

// POST /admin/escrows/:id/cancel
func (h *OperatorHandler) CancelEscrow(c *gin.Context) {
	operatorID, ok := h.caller(c)
	if !ok {
		return
	}
	escrowID, ok := h.pathID(c, "escrow")
	if !ok {
		return
	}

	var req CancelEscrowRequest
	if !h.bind(c, &req) {
		return
	}

	escrow, err := h.escrowService.Cancel(c.Request.Context(), escrowID, operatorID, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(utils.GetLangFromContext(c), i18n.KeyEscrowCancelled),
		"escrow":  escrow,
	})
}
