// internal/handlers/loi.go
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/bizmarket-backend/internal/i18n"
	"github.com/javajoker/bizmarket-backend/internal/models"
	"github.com/javajoker/bizmarket-backend/internal/services"
	"github.com/javajoker/bizmarket-backend/internal/utils"
)

type LOIHandler struct {
	base
	loiService *services.LOIService
}

func NewLOIHandler(loiService *services.LOIService, audit *services.AuditService) *LOIHandler {
	return &LOIHandler{
		base:       base{audit: audit},
		loiService: loiService,
	}
}

type RespondLOIRequest struct {
	Decision models.LOIDecision `json:"decision" validate:"required,oneof=accept reject"`
	Notes    string             `json:"notes" validate:"max=5000"`
}

// POST /lois
func (h *LOIHandler) CreateDraft(c *gin.Context) {
	buyerID, ok := h.caller(c)
	if !ok {
		return
	}

	var req services.LOITermsRequest
	if !h.bind(c, &req) {
		return
	}

	loi, err := h.loiService.CreateDraft(c.Request.Context(), buyerID, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"message": i18n.T(utils.GetLangFromContext(c), i18n.KeyLOICreated),
		"loi":     loi,
	})
}

// PUT /lois/:id
func (h *LOIHandler) UpdateDraft(c *gin.Context) {
	buyerID, ok := h.caller(c)
	if !ok {
		return
	}
	loiID, ok := h.pathID(c, "loi")
	if !ok {
		return
	}

	var req services.LOITermsRequest
	if !h.bind(c, &req) {
		return
	}

	loi, err := h.loiService.UpdateDraft(c.Request.Context(), loiID, buyerID, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(utils.GetLangFromContext(c), i18n.KeyLOIUpdated),
		"loi":     loi,
	})
}

// POST /lois/:id/send
func (h *LOIHandler) Send(c *gin.Context) {
	buyerID, ok := h.caller(c)
	if !ok {
		return
	}
	loiID, ok := h.pathID(c, "loi")
	if !ok {
		return
	}

	loi, err := h.loiService.Send(c.Request.Context(), loiID, buyerID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(utils.GetLangFromContext(c), i18n.KeyLOISent),
		"loi":     loi,
	})
}

// POST /lois/:id/respond
func (h *LOIHandler) Respond(c *gin.Context) {
	sellerID, ok := h.caller(c)
	if !ok {
		return
	}
	loiID, ok := h.pathID(c, "loi")
	if !ok {
		return
	}

	var req RespondLOIRequest
	if !h.bind(c, &req) {
		return
	}

	loi, accepted, err := h.loiService.Respond(c.Request.Context(), loiID, sellerID, req.Decision, req.Notes)
	if err != nil {
		h.respondError(c, err)
		return
	}

	lang := utils.GetLangFromContext(c)
	if accepted == nil {
		utils.SuccessResponse(c, gin.H{
			"message": i18n.T(lang, i18n.KeyLOIRejected),
			"loi":     loi,
		})
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message":            i18n.T(lang, i18n.KeyLOIAccepted),
		"loi":                accepted.LOI,
		"escrow":             accepted.Escrow,
		"superseded_loi_ids": accepted.Superseded,
	})
}

// POST /lois/:id/withdraw
func (h *LOIHandler) Withdraw(c *gin.Context) {
	buyerID, ok := h.caller(c)
	if !ok {
		return
	}
	loiID, ok := h.pathID(c, "loi")
	if !ok {
		return
	}

	loi, err := h.loiService.Withdraw(c.Request.Context(), loiID, buyerID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(utils.GetLangFromContext(c), i18n.KeyLOIWithdrawn),
		"loi":     loi,
	})
}

// GET /lois/:id
func (h *LOIHandler) Get(c *gin.Context) {
	actorID, ok := h.caller(c)
	if !ok {
		return
	}
	loiID, ok := h.pathID(c, "loi")
	if !ok {
		return
	}

	loi, err := h.loiService.Get(c.Request.Context(), loiID, actorID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"loi": loi})
}

// GET /lois
func (h *LOIHandler) List(c *gin.Context) {
	actorID, ok := h.caller(c)
	if !ok {
		return
	}

	params := utils.GetPaginationParams(c)
	filter := services.LOIFilter{
		Role:   models.PartyRole(c.Query("role")),
		Status: models.LOIStatus(params.Status),
	}
	if listingID, err := uuid.Parse(c.Query("listing_id")); err == nil {
		filter.ListingID = &listingID
	}

	lois, total, err := h.loiService.List(c.Request.Context(), actorID, filter, params)
	if err != nil {
		h.respondError(c, err)
		return
	}

	utils.PaginatedResponse(c, utils.CreatePaginationResult(lois, total, params))
}
