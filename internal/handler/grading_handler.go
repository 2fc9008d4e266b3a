package handler

import (
	"fmt"
	"io"
	"mime/multipart"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/gradeflow/gradeflow-api/internal/dto"
	"github.com/gradeflow/gradeflow-api/internal/models"
	"github.com/gradeflow/gradeflow-api/internal/repository"
	"github.com/gradeflow/gradeflow-api/internal/service"
	"github.com/gradeflow/gradeflow-api/internal/utils"
	"github.com/gradeflow/gradeflow-api/pkg/extraction"
	"github.com/gradeflow/gradeflow-api/pkg/pdfinfo"
)

type runEntry struct {
	rubric models.Rubric
	run    *models.BatchRun
}

// GradingHandler exposes grading runs over HTTP: one rubric PDF plus a set
// of student script PDFs in, a fully graded run out.
type GradingHandler struct {
	rubrics  service.RubricService
	batch    service.BatchService
	runs     repository.RunRepository
	validate *validator.Validate
	logger   zerolog.Logger

	mu    sync.RWMutex
	store map[string]runEntry
}

// NewGradingHandler constructs a grading handler. The repository may be nil;
// runs are then only kept in memory for the life of the process.
func NewGradingHandler(rubrics service.RubricService, batch service.BatchService, runs repository.RunRepository, validate *validator.Validate, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		rubrics:  rubrics,
		batch:    batch,
		runs:     runs,
		validate: validate,
		logger:   logger.With().Str("component", "grading_handler").Logger(),
		store:    make(map[string]runEntry),
	}
}

// Register wires grading routes.
func (h *GradingHandler) Register(router fiber.Router) {
	router.Post("/runs", h.createRun)
	router.Get("/runs", h.listRuns)
	router.Get("/runs/:id", h.getRun)
	router.Get("/runs/:id/report", h.getReport)
}

func (h *GradingHandler) createRun(c *fiber.Ctx) error {
	var req dto.GradeRunRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}
	if err := h.validate.Struct(req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	form, err := c.MultipartForm()
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "multipart form is required")
	}

	rubricFiles := form.File["rubric"]
	if len(rubricFiles) != 1 {
		return utils.SendError(c, fiber.StatusBadRequest, "exactly one rubric file is required")
	}
	scriptFiles := form.File["scripts"]
	if len(scriptFiles) == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "at least one student script is required")
	}

	rubricDoc, err := h.readPDF(rubricFiles[0])
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	docs := make([]extraction.Document, 0, len(scriptFiles))
	for _, file := range scriptFiles {
		doc, err := h.readPDF(file)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		docs = append(docs, doc)
	}

	rubric, err := h.rubrics.ExtractRubric(c.Context(), rubricDoc)
	if err != nil {
		h.logger.Error().Err(err).Msg("rubric extraction failed")
		return utils.SendFault(c, err)
	}
	if req.ExamName != "" {
		rubric.ExamName = req.ExamName
	}

	run, err := h.batch.Run(c.Context(), rubric, docs)
	if err != nil {
		h.logger.Error().Err(err).Msg("grading run aborted")
		return utils.SendFault(c, err)
	}

	h.mu.Lock()
	h.store[run.ID] = runEntry{rubric: rubric, run: run}
	h.mu.Unlock()

	if h.runs != nil {
		if err := h.runs.SaveRun(c.Context(), rubric, run); err != nil {
			h.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to persist run")
		}
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "grading run complete", dto.NewRunResponse(run))
}

func (h *GradingHandler) getRun(c *fiber.Ctx) error {
	h.mu.RLock()
	entry, ok := h.store[c.Params("id")]
	h.mu.RUnlock()
	if !ok {
		return utils.SendError(c, fiber.StatusNotFound, "run not found")
	}

	return utils.SendSuccess(c, "run retrieved", dto.NewRunResponse(entry.run))
}

func (h *GradingHandler) getReport(c *fiber.Ctx) error {
	h.mu.RLock()
	entry, ok := h.store[c.Params("id")]
	h.mu.RUnlock()
	if !ok {
		return utils.SendError(c, fiber.StatusNotFound, "run not found")
	}

	payload := fiber.Map{
		"detailed": dto.NewDetailedRows(entry.rubric, entry.run),
		"summary":  dto.NewSummaryRows(entry.rubric, entry.run),
	}

	return utils.SendSuccess(c, "report generated", payload)
}

func (h *GradingHandler) listRuns(c *fiber.Ctx) error {
	if h.runs == nil {
		h.mu.RLock()
		responses := make([]dto.RunResponse, 0, len(h.store))
		for _, entry := range h.store {
			responses = append(responses, dto.NewRunResponse(entry.run))
		}
		h.mu.RUnlock()
		return utils.SendSuccess(c, "runs listed", responses)
	}

	records, err := h.runs.ListRuns(c.Context(), c.QueryInt("limit", 20))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list runs")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list runs")
	}

	return utils.SendSuccess(c, "runs listed", records)
}

// readPDF loads one uploaded file and rejects anything that is not a
// readable PDF before it reaches the extraction service.
func (h *GradingHandler) readPDF(file *multipart.FileHeader) (extraction.Document, error) {
	reader, err := file.Open()
	if err != nil {
		return extraction.Document{}, fmt.Errorf("unreadable upload %s", file.Filename)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return extraction.Document{}, fmt.Errorf("unreadable upload %s", file.Filename)
	}

	if !mimetype.Detect(data).Is("application/pdf") {
		return extraction.Document{}, fmt.Errorf("%s is not a PDF", file.Filename)
	}

	info, err := pdfinfo.Inspect(data)
	if err != nil || info.Pages == 0 {
		return extraction.Document{}, fmt.Errorf("%s has no readable pages", file.Filename)
	}

	return extraction.Document{Name: file.Filename, Data: data}, nil
}
