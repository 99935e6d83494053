package server

import (
	"errors"
	"log"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/mansoorceksport/stapler/internal/attachment"
	"github.com/mansoorceksport/stapler/internal/config"
	"github.com/mansoorceksport/stapler/internal/handler"
	"github.com/mansoorceksport/stapler/internal/middleware"
	"github.com/mansoorceksport/stapler/internal/repository"
	"github.com/mansoorceksport/stapler/internal/service"
	"github.com/mansoorceksport/stapler/internal/storage"
	"github.com/mansoorceksport/stapler/internal/telemetry"
	"github.com/mansoorceksport/stapler/internal/upload"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

const idempotencyTTL = 24 * time.Hour

// AppDependencies holds the dependencies required to start the application
type AppDependencies struct {
	Config      *config.Config
	MongoDB     *mongo.Database
	RedisClient *redis.Client
	Definitions *config.Definitions
	// ObjectClient is nil when no S3 backend is configured.
	ObjectClient storage.ObjectClient
	Logger       *slog.Logger
}

// NewAttachmentService wires repositories, factories and the attachment
// service. It is shared by the HTTP app and the operator commands.
func NewAttachmentService(deps AppDependencies) (*service.AttachmentServiceImpl, *config.Resolver) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Initialize repositories
	attachmentRepo := repository.NewMongoAttachmentRepository(deps.MongoDB)
	cacheRepo := repository.NewRedisCacheRepository(deps.RedisClient)

	// Initialize factories
	resolver := config.NewResolver(deps.Definitions, config.EnvDefaults(cfg))
	factoryOpts := []attachment.FactoryOption{
		attachment.WithTempDir(cfg.Attachments.TempDir),
		attachment.WithLogger(logger.With("component", "attachment")),
	}
	if deps.ObjectClient != nil {
		factoryOpts = append(factoryOpts, attachment.WithObjectClient(deps.ObjectClient))
	}
	attachmentFactory := attachment.NewFactory(resolver, factoryOpts...)

	fileFactory := upload.NewFactory(upload.NewMimetypeLookup(),
		upload.WithTempDir(cfg.Attachments.TempDir),
		upload.WithMaxRemoteSize(cfg.Server.MaxUploadSizeMB*1024*1024),
		upload.WithLogger(logger.With("component", "upload")),
	)

	attachmentService := service.NewAttachmentService(
		attachmentFactory,
		fileFactory,
		attachmentRepo,
		cacheRepo,
		cfg.Attachments.URLCacheTTL,
		logger.With("component", "service"),
	)
	return attachmentService, resolver
}

// NewApp creates and configures the Fiber application with the given dependencies
func NewApp(deps AppDependencies) *fiber.App {
	cfg := deps.Config
	attachmentService, resolver := NewAttachmentService(deps)

	// Initialize handlers
	attachmentHandler := handler.NewAttachmentHandler(attachmentService, cfg.Server.MaxUploadSizeMB)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Stapler Attachment API",
		BodyLimit:    int(cfg.Server.MaxUploadSizeMB*1024*1024) + 64*1024,
		ErrorHandler: customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(telemetry.FiberMiddleware())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, " + middleware.IdempotencyHeader,
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))

	// Health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "healthy",
			"service":     "stapler",
			"attachments": resolver.Names(),
		})
	})

	// Stored filesystem variants are served as-is
	if cfg.Attachments.PublicPrefix != "" {
		app.Static(cfg.Attachments.PublicPrefix, filepath.Join(cfg.Attachments.Root, cfg.Attachments.PublicPrefix), fiber.Static{
			MaxAge: 3600,
		})
	}

	// API v1 routes
	v1 := app.Group("/v1")

	// ===========================================
	// OWNER API - /v1/owners/:class/:id/attachments (owner or admin)
	// ===========================================
	owners := v1.Group("/owners/:class/:id/attachments")
	owners.Use(middleware.VerifyToken(cfg.JWT.Secret))
	owners.Use(middleware.OwnerScope("id"))

	owners.Get("/", attachmentHandler.List)
	owners.Delete("/", attachmentHandler.DeleteAll)

	owners.Post("/:name", middleware.IdempotencyMiddleware(deps.RedisClient, idempotencyTTL), attachmentHandler.Upload)
	owners.Get("/:name", attachmentHandler.Get)
	owners.Get("/:name/urls", attachmentHandler.URLs)
	owners.Delete("/:name", attachmentHandler.Delete)

	// Regenerating variants is an operator task
	owners.Post("/:name/reprocess", middleware.AuthorizeRole(middleware.RoleAdmin), attachmentHandler.Reprocess)

	return app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	log.Printf("Error: %v", err)
	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
	})
}
