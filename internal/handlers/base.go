// internal/handlers/base.go
package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/bizmarket-backend/internal/i18n"
	"github.com/javajoker/bizmarket-backend/internal/middleware"
	"github.com/javajoker/bizmarket-backend/internal/models"
	"github.com/javajoker/bizmarket-backend/internal/services"
	"github.com/javajoker/bizmarket-backend/internal/utils"
)

// base carries what every deal-flow handler needs to identify the caller and
// report failures.
type base struct {
	audit *services.AuditService
}

// caller returns the authenticated user id, answering 401 when absent.
func (b *base) caller(c *gin.Context) (uuid.UUID, bool) {
	id, ok := utils.GetUserUUIDFromContext(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return uuid.Nil, false
	}
	return id, true
}

// pathID parses the :id route parameter, answering 400 when malformed.
func (b *base) pathID(c *gin.Context, resource string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, i18n.T(utils.GetLangFromContext(c), i18n.KeyValidationInvalid, resource+" id"), nil)
		return uuid.Nil, false
	}
	return id, true
}

// bind decodes and validates a JSON body, answering 400 on failure.
func (b *base) bind(c *gin.Context, req interface{}) bool {
	lang := utils.GetLangFromContext(c)
	if err := c.ShouldBindJSON(req); err != nil {
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, "input"), err.Error())
		return false
	}
	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return false
	}
	return true
}

// respondError maps service errors onto the API envelope. Internal detail
// never reaches the client.
func (b *base) respondError(c *gin.Context, err error) {
	var (
		verr  *services.ValidationError
		serr  *services.InvalidStateError
		cerr  *services.ConflictError
		aerr  *services.AuthorizationError
		terr  *services.AuthenticityError
		nferr *services.NotFoundError
	)

	switch {
	case errors.As(err, &verr):
		utils.ValidationErrorResponse(c, []utils.ValidationError{{
			Field:   verr.Field,
			Tag:     "invalid",
			Message: verr.Message,
		}})

	case errors.As(err, &serr):
		utils.InvalidStateResponse(c, serr.Entity, gin.H{"current_status": serr.Current})

	case errors.As(err, &cerr):
		utils.ConflictResponse(c, cerr.Entity)

	case errors.As(err, &aerr):
		if b.audit != nil {
			b.audit.RecordSecurityEvent(c.Request.Context(), services.AuditRecord{
				UserID:       &aerr.ActorID,
				Action:       services.AuditActionAuthorizationDenied,
				ResourceType: c.FullPath(),
				ResourceID:   resourceID(c),
				Details:      models.JSONB{"action": aerr.Action, "method": c.Request.Method},
				IPAddress:    c.ClientIP(),
				UserAgent:    c.Request.UserAgent(),
			})
		}
		utils.ForbiddenResponse(c, "")

	case errors.As(err, &terr):
		utils.UnauthorizedResponse(c, i18n.T(utils.GetLangFromContext(c), i18n.KeyWebhookRejected))

	case errors.As(err, &nferr):
		utils.NotFoundResponse(c, nferr.Entity)

	default:
		logrus.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		}).Error("Request failed")
		utils.InternalErrorResponse(c, "")
	}
}

func resourceID(c *gin.Context) *uuid.UUID {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil
	}
	return &id
}

func isAdmin(c *gin.Context) bool {
	return middleware.IsAdmin(c)
}
