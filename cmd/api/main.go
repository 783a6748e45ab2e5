package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/citu-stde/stde-api/internal/config"
	"github.com/citu-stde/stde-api/internal/database"
	"github.com/citu-stde/stde-api/internal/handler"
	"github.com/citu-stde/stde-api/internal/middleware"
	"github.com/citu-stde/stde-api/internal/models"
	"github.com/citu-stde/stde-api/internal/quota"
	"github.com/citu-stde/stde-api/internal/repository"
	"github.com/citu-stde/stde-api/internal/router"
	"github.com/citu-stde/stde-api/internal/service"
	"github.com/citu-stde/stde-api/internal/session"
	"github.com/citu-stde/stde-api/pkg/ai"
	cloud "github.com/citu-stde/stde-api/pkg/cloudinary"
	"github.com/citu-stde/stde-api/pkg/drive"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.User{}, &models.Classroom{}, &models.Document{}, &models.Evaluation{}, &models.ActivityLog{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
	} else {
		logger.Warn().Msg("nats url not configured, events stay on this node")
	}

	credentials, err := os.ReadFile(cfg.DriveCredentialsFile)
	if err != nil {
		log.Fatalf("failed to read drive credentials: %v", err)
	}
	storage, err := drive.NewClient(ctx, drive.Config{
		CredentialsJSON: credentials,
		Logger:          logger,
	})
	if err != nil {
		log.Fatalf("failed to create drive client: %v", err)
	}

	uploader, err := cloud.New(cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create cloudinary client: %v", err)
	}

	evaluator := buildEvaluator(cfg, logger)

	validate := validator.New(validator.WithRequiredStructEnabled())

	tracker := quota.NewTracker(redisClient, cfg.QuotaLimit, cfg.QuotaWindow, logger)
	sessions := session.NewManager(redisClient, cfg.SessionTTL, logger)

	userRepo := repository.NewUserRepository(db)
	classroomRepo := repository.NewClassroomRepository(db)
	documentRepo := repository.NewDocumentRepository(db)
	evaluationRepo := repository.NewEvaluationRepository(db)
	activityRepo := repository.NewActivityLogRepository(db)

	activityService := service.NewActivityService(activityRepo, natsConn, cfg.NATSSubjectBase, validate, logger)
	activityService.Start(ctx)

	documentService := service.NewDocumentService(documentRepo, evaluationRepo, classroomRepo, storage, activityService, validate, cfg.MaxUploadSizeMB, cfg.DriveRootFolderID, logger)
	evaluationService := service.NewEvaluationService(documentRepo, evaluationRepo, classroomRepo, storage, evaluator, tracker, activityService, natsConn, cfg.NATSSubjectBase, logger)
	identityService := service.NewIdentityService(userRepo, sessions, uploader, activityService, natsConn, cfg.NATSSubjectBase, validate, cfg.LinkAllowedOrigin, cfg.LinkTimeout, logger)

	documentHandler := handler.NewDocumentHandler(documentService, logger)
	evaluationHandler := handler.NewEvaluationHandler(evaluationService, logger)
	identityHandler := handler.NewIdentityHandler(identityService, sessions, logger)
	activityHandler := handler.NewActivityHandler(activityService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.MaxUploadSizeMB + 1) * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		DocumentHandler:   documentHandler,
		EvaluationHandler: evaluationHandler,
		IdentityHandler:   identityHandler,
		ActivityHandler:   activityHandler,
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(ctx, app)
}

func buildEvaluator(cfg config.Config, logger zerolog.Logger) ai.Evaluator {
	switch cfg.AIProvider {
	case "openai":
		evaluator, err := ai.NewOpenAIEvaluator(ai.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.AIModel,
			Logger: logger,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("openai evaluator unavailable, evaluation disabled")
			return nil
		}
		return evaluator
	case "anthropic":
		evaluator, err := ai.NewAnthropicEvaluator(ai.AnthropicConfig{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AIModel,
			Logger: logger,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("anthropic evaluator unavailable, evaluation disabled")
			return nil
		}
		return evaluator
	default:
		logger.Warn().Str("provider", cfg.AIProvider).Msg("unknown ai provider, evaluation disabled")
		return nil
	}
}

func waitForShutdown(ctx context.Context, app *fiber.App) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
