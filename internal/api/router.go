package api

import (
	"errors"

	"inbox-pipeline/docs"
	"inbox-pipeline/internal/api/handlers"
	"inbox-pipeline/pkg/auth"
	"inbox-pipeline/pkg/config"
	"inbox-pipeline/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/swagger"
	"go.uber.org/zap"
)

// Token scopes checked per route group.
const (
	ScopeInbox    = "inbox:write"
	ScopeAccounts = "accounts:write"
	ScopeMatching = "matching:write"
	ScopeJobs     = "jobs:read"
)

type Handlers struct {
	Inbox    *handlers.InboxHandler
	Webhooks *handlers.WebhookHandler
	Accounts *handlers.AccountHandler
	Matching *handlers.MatchingHandler
	Jobs     *handlers.JobHandler
	Files    *handlers.FileHandler
}

func SetupRouter(h Handlers, jwtManager *auth.JWTManager, server config.ServerConfig, appLogger *zap.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		BodyLimit:    server.BodyLimit,
		ReadTimeout:  server.ReadTimeout,
		WriteTimeout: server.WriteTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			if code >= fiber.StatusInternalServerError {
				appLogger.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))
	app.Use(logger.New())

	// Swagger UI; importing docs registers the OpenAPI document
	_ = docs.SwaggerInfo
	app.Get("/swagger/*", swagger.HandlerDefault)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if h.Files != nil {
		app.Get("/files/*", h.Files.Get)
	}

	// Channel webhooks authenticate with the shared secret, not service tokens
	webhooks := app.Group("/webhooks", h.Webhooks.VerifySecret)
	webhooks.Get("/whatsapp/:teamId", h.Webhooks.VerifyWhatsApp)
	webhooks.Post("/whatsapp/:teamId", h.Webhooks.WhatsApp)
	webhooks.Post("/telegram/:teamId", h.Webhooks.Telegram)
	webhooks.Post("/slack/:teamId", h.Webhooks.Slack)
	webhooks.Post("/einvoice/:teamId", h.Webhooks.EInvoice)

	// Protected routes
	protected := app.Group("/api/v1", middleware.AuthMiddleware(jwtManager, appLogger))

	protected.Post("/inbox/upload", middleware.RequireScope(ScopeInbox), h.Inbox.Upload)

	accounts := protected.Group("/accounts", middleware.RequireScope(ScopeAccounts))
	accounts.Get("/gmail/auth-url", h.Accounts.GmailAuthURL)
	accounts.Post("/gmail/callback", h.Accounts.GmailCallback)
	accounts.Post("/:id/connect", h.Accounts.Connect)
	accounts.Post("/:id/sync", h.Accounts.Sync)

	matching := protected.Group("/matching", middleware.RequireScope(ScopeMatching))
	matching.Post("/transactions", h.Matching.MatchTransactions)
	matching.Post("/inbox", h.Matching.MatchInbox)

	protected.Get("/jobs/:id", middleware.RequireScope(ScopeJobs), h.Jobs.Get)

	return app
}
