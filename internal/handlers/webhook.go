// internal/handlers/webhook.go
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/bizmarket-backend/internal/i18n"
	"github.com/javajoker/bizmarket-backend/internal/provider"
	"github.com/javajoker/bizmarket-backend/internal/services"
	"github.com/javajoker/bizmarket-backend/internal/utils"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	base
	gateway *services.GatewayService
}

func NewWebhookHandler(gateway *services.GatewayService, audit *services.AuditService) *WebhookHandler {
	return &WebhookHandler{
		base:    base{audit: audit},
		gateway: gateway,
	}
}

// POST /webhooks/escrow
func (h *WebhookHandler) Escrow(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	outcome, err := h.gateway.HandleWebhook(c.Request.Context(), body, c.GetHeader(provider.SignatureHeader), h.meta(c))
	h.acknowledge(c, outcome, err)
}

// POST /webhooks/stripe
func (h *WebhookHandler) Stripe(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	outcome, err := h.gateway.HandleStripeWebhook(c.Request.Context(), body, c.GetHeader(provider.StripeSignatureHeader), h.meta(c))
	h.acknowledge(c, outcome, err)
}

func (h *WebhookHandler) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		utils.BadRequestResponse(c, "", nil)
		return nil, false
	}
	return body, true
}

func (h *WebhookHandler) meta(c *gin.Context) services.WebhookMeta {
	return services.WebhookMeta{IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

// acknowledge answers the provider. Anything the service has recorded,
// including rejected transitions that now wait for an operator, is a 200 so
// the provider stops redelivering. Failed authenticity is a bare 401.
func (h *WebhookHandler) acknowledge(c *gin.Context, outcome *services.EventOutcome, err error) {
	var serr *services.InvalidStateError
	var terr *services.AuthenticityError
	switch {
	case err == nil:
	case errors.As(err, &terr):
		c.JSON(http.StatusUnauthorized, gin.H{"error": i18n.T(utils.GetLangFromContext(c), i18n.KeyWebhookRejected)})
		return
	case errors.As(err, &serr) && outcome != nil:
		logrus.WithError(err).Warn("Provider event rejected and queued for operator review")
	default:
		// Transient failure: let the provider redeliver.
		h.respondError(c, err)
		return
	}

	resp := gin.H{"received": true}
	if outcome != nil {
		resp["outcome"] = outcome.Outcome
		resp["duplicate"] = outcome.Duplicate
		resp["dropped"] = outcome.Dropped
	}
	c.JSON(http.StatusOK, resp)
}
