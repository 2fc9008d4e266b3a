package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/gradeflow/gradeflow-api/internal/config"
	"github.com/gradeflow/gradeflow-api/internal/database"
	"github.com/gradeflow/gradeflow-api/internal/repository"
	"github.com/gradeflow/gradeflow-api/internal/service"
	"github.com/gradeflow/gradeflow-api/pkg/ai"
	"github.com/gradeflow/gradeflow-api/pkg/extraction"
	"github.com/gradeflow/gradeflow-api/pkg/pdfinfo"
)

func main() {
	rubricPath := flag.String("rubric", "", "path to the marking scheme PDF")
	scriptsDir := flag.String("scripts", "", "directory of student script PDFs")
	outDir := flag.String("out", "", "report output directory (defaults to the configured report dir)")
	examName := flag.String("exam", "", "exam name override for reports")
	noPersist := flag.Bool("no-persist", false, "skip saving the run to the local store")
	flag.Parse()

	if *rubricPath == "" || *scriptsDir == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		var missing *config.MissingCredentialError
		if !errors.As(err, &missing) {
			log.Fatalf("failed to load configuration: %v", err)
		}
		cfg, err = promptForCredential(cfg, missing)
		if err != nil {
			log.Fatalf("%v", err)
		}
	}
	if *outDir == "" {
		*outDir = cfg.ReportDir
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	rubricDoc, err := loadPDF(*rubricPath)
	if err != nil {
		log.Fatalf("rubric: %v", err)
	}
	docs, err := loadScripts(*scriptsDir, logger)
	if err != nil {
		log.Fatalf("scripts: %v", err)
	}

	ctx := context.Background()

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

	grader, err := newGrader(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to create grader: %v", err)
	}

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
	reportService := service.NewReportService(logger)

	rubric, err := rubricService.ExtractRubric(ctx, rubricDoc)
	if err != nil {
		log.Fatalf("rubric extraction failed: %v", err)
	}
	if *examName != "" {
		rubric.ExamName = *examName
	}

	run, err := batchService.Run(ctx, rubric, docs)
	if err != nil {
		log.Fatalf("grading run aborted: %v", err)
	}

	if err := reportService.WriteCSV(*outDir, rubric, run); err != nil {
		log.Fatalf("failed to write reports: %v", err)
	}
	if err := reportService.WriteAuditLogs(*outDir, run); err != nil {
		log.Fatalf("failed to write audit logs: %v", err)
	}

	if !*noPersist {
		db, err := database.Connect(cfg.DatabaseURL, cfg.SQLitePath)
		if err != nil {
			logger.Error().Err(err).Msg("failed to open run store, skipping persistence")
		} else if err := database.Migrate(db); err != nil {
			logger.Error().Err(err).Msg("failed to migrate run store, skipping persistence")
		} else if err := repository.NewRunRepository(db).SaveRun(ctx, rubric, run); err != nil {
			logger.Error().Err(err).Msg("failed to persist run")
		}
	}

	succeeded, failed, _ := run.Counts()
	fmt.Printf("run %s: %d graded, %d failed\n", run.ID, succeeded, failed)
	fmt.Printf("reports written to %s\n", *outDir)
	if failed > 0 {
		os.Exit(1)
	}
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

// promptForCredential asks for a missing API key on the terminal instead of
// refusing to start, so the CLI stays usable without a prepared environment.
func promptForCredential(cfg config.Config, missing *config.MissingCredentialError) (config.Config, error) {
	fmt.Fprintf(os.Stderr, "%s is not set. Enter a value: ", missing.Name)
	reader := bufio.NewReader(os.Stdin)
	value, err := reader.ReadString('\n')
	if err != nil {
		return cfg, fmt.Errorf("read credential: %w", err)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return cfg, fmt.Errorf("%s is required", missing.Name)
	}

	switch missing.Name {
	case "GRADEFLOW_EXTRACTION_API_KEY":
		cfg.ExtractionAPIKey = value
		if cfg.GradingAPIKey() != "" {
			return cfg, nil
		}
		name := "GRADEFLOW_OPENAI_API_KEY"
		if cfg.AIProvider == "gemini" {
			name = "GRADEFLOW_GEMINI_API_KEY"
		}
		return promptForCredential(cfg, &config.MissingCredentialError{Name: name})
	case "GRADEFLOW_GEMINI_API_KEY":
		cfg.GeminiAPIKey = value
	default:
		cfg.OpenAIAPIKey = value
	}
	return cfg, nil
}

func loadPDF(path string) (extraction.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return extraction.Document{}, err
	}
	if !mimetype.Detect(data).Is("application/pdf") {
		return extraction.Document{}, fmt.Errorf("%s is not a PDF", path)
	}
	return extraction.Document{Name: filepath.Base(path), Data: data}, nil
}

// loadScripts reads every PDF in dir, skipping anything unreadable or not a
// PDF with a warning rather than failing the whole run.
func loadScripts(dir string, logger zerolog.Logger) ([]extraction.Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var docs []extraction.Document
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		doc, err := loadPDF(path)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("skipping script")
			continue
		}
		info, err := pdfinfo.Inspect(doc.Data)
		if err != nil || info.Pages == 0 {
			logger.Warn().Str("file", entry.Name()).Msg("skipping script with no readable pages")
			continue
		}
		logger.Info().Str("file", entry.Name()).Int("pages", info.Pages).Msg("queued script")
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no student script PDFs found in %s", dir)
	}

	sort.Slice(docs, func(a, b int) bool { return docs[a].Name < docs[b].Name })
	return docs, nil
}
