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
	"github.com/rs/zerolog"

	"github.com/gradeflow/gradeflow-api/internal/config"
	"github.com/gradeflow/gradeflow-api/internal/database"
	"github.com/gradeflow/gradeflow-api/internal/handler"
	"github.com/gradeflow/gradeflow-api/internal/middleware"
	"github.com/gradeflow/gradeflow-api/internal/repository"
	"github.com/gradeflow/gradeflow-api/internal/router"
	"github.com/gradeflow/gradeflow-api/internal/service"
	"github.com/gradeflow/gradeflow-api/pkg/ai"
	"github.com/gradeflow/gradeflow-api/pkg/extraction"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.Connect(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open run store: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate run store: %v", err)
	}

	extractor, err := extraction.New(extraction.Config{
		BaseURL:             cfg.ExtractionBaseURL,
		APIKey:              cfg.ExtractionAPIKey,
		PollInitialInterval: cfg.PollInterval,
		PollMaxAttempts:     uint64(cfg.PollMaxAttempts),
		Logger:              logger,
	})
	if err != nil {
		log.Fatalf("failed to create extraction client: %v", err)
	}

	grader, err := newGrader(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("failed to create grader: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	runRepo := repository.NewRunRepository(db)

	rubricService := service.NewRubricService(extractor, logger)
	answerService := service.NewAnswerService(extractor, nil, logger)
	evaluationService := service.NewEvaluationService(grader, logger)
	batchService := service.NewBatchService(answerService, evaluationService, service.BatchConfig{
		ExtractionConcurrency: cfg.ExtractionConcurrency,
		GradingConcurrency:    cfg.GradingConcurrency,
		MaxRetries:            uint64(cfg.MaxRetries),
		BackoffInitial:        cfg.BackoffInitial,
		BackoffMax:            cfg.BackoffMax,
		BackoffJitter:         0.5,
		RunTimeout:            cfg.RunTimeout,
	}, logger)

	gradingHandler := handler.NewGradingHandler(rubricService, batchService, runRepo, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    64 * 1024 * 1024, // room for a class worth of scanned scripts
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		GradingHandler: gradingHandler,
		DB:             db,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func newGrader(ctx context.Context, cfg config.Config, logger zerolog.Logger) (ai.Grader, error) {
	if cfg.AIProvider == "gemini" {
		return ai.NewGeminiGrader(ctx, ai.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GradingModel,
			Logger: logger,
		})
	}
	return ai.NewOpenAIGrader(ai.OpenAIConfig{
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.GradingModel,
		Logger: logger,
	})
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
