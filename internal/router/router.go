// internal/router/router.go
package router

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/bizmarket-backend/internal/config"
	"github.com/javajoker/bizmarket-backend/internal/handlers"
	"github.com/javajoker/bizmarket-backend/internal/middleware"
	"github.com/javajoker/bizmarket-backend/internal/provider"
	"github.com/javajoker/bizmarket-backend/internal/services"
	"github.com/javajoker/bizmarket-backend/internal/utils"
)

const devEscrowSecretKey = "bizmarket-development-escrow-key"

// Services holds everything the HTTP layer and the background workers share.
type Services struct {
	DB            *gorm.DB
	Audit         *services.AuditService
	Notifications *services.NotificationService
	Escrow        *services.EscrowService
	Migration     *services.MigrationService
	LOIs          *services.LOIService
	Operator      *services.OperatorService
	Gateway       *services.GatewayService
	Dispatcher    *services.Dispatcher
	Sweeper       *services.ExpirationSweeper
	Limiters      *middleware.Limiters
	Provider      provider.Client
}

// NewServices wires the deal-closing services for cfg. The provider client is
// chosen by ESCROW_PROVIDER and always sits behind a circuit breaker.
func NewServices(db *gorm.DB, cfg *config.Config) (*Services, error) {
	secretKey := cfg.Escrow.SecretKey
	if secretKey == "" {
		logrus.Warn("ESCROW_SECRET_KEY not set, using the development key for webhook secrets")
		secretKey = devEscrowSecretKey
	}
	box, err := utils.NewSecretBox(secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret box: %w", err)
	}

	archive, err := services.NewStorageService(cfg.AWS)
	if err != nil {
		logrus.WithError(err).Warn("Webhook archive disabled")
		archive = &services.StorageService{}
	}

	client, err := newProviderClient(cfg)
	if err != nil {
		return nil, err
	}

	directory := services.NewGormDirectory(db, cfg.Payment.PlatformFeePercent)
	audit := services.NewAuditService(db)
	notifications := services.NewNotificationService(db)

	escrow := services.NewEscrowService(db, directory, notifications, box, cfg.Payment.Currency)
	migration := services.NewMigrationService(db, escrow, notifications)
	escrow.SetChecklistEngine(migration)
	lois := services.NewLOIService(db, directory, directory, escrow, notifications)

	return &Services{
		DB:            db,
		Audit:         audit,
		Notifications: notifications,
		Escrow:        escrow,
		Migration:     migration,
		LOIs:          lois,
		Operator:      services.NewOperatorService(db, escrow),
		Gateway:       services.NewGatewayService(db, escrow, audit, archive, box, cfg.Payment.StripeWebhookSecret),
		Dispatcher: services.NewDispatcher(db, client, escrow, directory, box, services.DispatcherConfig{
			RequestTimeout:   cfg.Escrow.RequestTimeout,
			RetryInitial:     cfg.Escrow.RetryInitial,
			RetryMaxInterval: cfg.Escrow.RetryMaxInterval,
			MaxAttempts:      cfg.Escrow.RetryMaxAttempts,
			PollInterval:     cfg.Escrow.PollInterval,
		}),
		Sweeper:  services.NewExpirationSweeper(lois, cfg.Workers.LOISweepInterval),
		Limiters: middleware.NewLimiters(),
		Provider: client,
	}, nil
}

func newProviderClient(cfg *config.Config) (provider.Client, error) {
	var client provider.Client
	switch cfg.Escrow.Provider {
	case "sandbox":
		client = provider.NewSandboxClient()
	case "http":
		client = provider.NewHTTPClient(cfg.Escrow.BaseURL, cfg.Escrow.APIKey, cfg.Escrow.SigningSecret, cfg.Escrow.RequestTimeout)
	case "stripe":
		client = provider.NewStripeClient(cfg.Payment.StripeSecretKey, cfg.Payment.StripeFeeAccountID)
	default:
		return nil, fmt.Errorf("unknown escrow provider %q", cfg.Escrow.Provider)
	}
	return provider.NewBreakerClient(client, cfg.Escrow.BreakerFailures, cfg.Escrow.BreakerCooldown), nil
}

func Initialize(svc *Services, cfg *config.Config) *gin.Engine {
	loiHandler := handlers.NewLOIHandler(svc.LOIs, svc.Audit)
	escrowHandler := handlers.NewEscrowHandler(svc.Escrow, svc.Migration, svc.Audit)
	migrationHandler := handlers.NewMigrationHandler(svc.Migration, svc.Audit)
	webhookHandler := handlers.NewWebhookHandler(svc.Gateway, svc.Audit)
	operatorHandler := handlers.NewOperatorHandler(svc.Operator, svc.Escrow, svc.Migration, svc.Audit)
	notificationHandler := handlers.NewNotificationHandler(svc.Notifications)

	// Set JWT secret
	utils.SetJWTSecret(cfg.JWT.SecretKey)

	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(cfg.Frontend.AllowedOrigins))
	r.Use(middleware.I18nMiddleware())

	r.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		state := "healthy"
		if sqlDB, err := svc.DB.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
		c.JSON(status, gin.H{
			"status":   state,
			"provider": svc.Provider.Name(),
			"version":  "1.0.0",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		// Provider webhooks authenticate by signature, not by user token.
		webhooks := v1.Group("/webhooks")
		webhooks.Use(svc.Limiters.Webhooks.Middleware())
		{
			webhooks.POST("/escrow", webhookHandler.Escrow)
			webhooks.POST("/stripe", webhookHandler.Stripe)
		}

		api := v1.Group("")
		api.Use(svc.Limiters.General.Middleware(), middleware.AuthRequired(), middleware.AuditLogMiddleware(svc.Audit))
		{
			lois := api.Group("/lois")
			{
				lois.POST("", loiHandler.CreateDraft)
				lois.GET("", loiHandler.List)
				lois.GET("/:id", loiHandler.Get)
				lois.PUT("/:id", loiHandler.UpdateDraft)
				lois.POST("/:id/send", loiHandler.Send)
				lois.POST("/:id/respond", loiHandler.Respond)
				lois.POST("/:id/withdraw", loiHandler.Withdraw)
			}

			escrows := api.Group("/escrows")
			{
				escrows.GET("", escrowHandler.List)
				escrows.GET("/:id", escrowHandler.Get)
				escrows.GET("/:id/audit", escrowHandler.AuditTrail)
				escrows.GET("/:id/checklist", escrowHandler.Checklist)
			}

			tasks := api.Group("/checklist-tasks")
			{
				tasks.POST("/:id/confirm", migrationHandler.Confirm)
				tasks.PUT("/:id/notes", migrationHandler.UpdateNotes)
			}

			api.GET("/notifications", notificationHandler.List)

			admin := api.Group("/admin")
			admin.Use(middleware.AdminRequired())
			{
				admin.GET("/alerts", operatorHandler.ListAlerts)
				admin.PUT("/alerts/:id/resolve", operatorHandler.ResolveAlert)
				admin.GET("/provider-calls", operatorHandler.ListProviderCalls)
				admin.POST("/provider-calls/:id/requeue", operatorHandler.RequeueCall)
				admin.POST("/provider-calls/:id/reference", operatorHandler.RecordCallReference)
				admin.POST("/checklists/:id/recompute", operatorHandler.RecomputeChecklist)
				admin.POST("/escrows/:id/cancel", operatorHandler.CancelEscrow)
			}
		}
	}

	return r
}
