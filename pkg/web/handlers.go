// Package web provides HTTP handlers and REST API endpoints for the drip
// engine: workflow management, enrollment lifecycle, the tick trigger and
// A/B test analysis.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/soshogle/drip/pkg/abtest"
	"github.com/soshogle/drip/pkg/enrollment"
	"github.com/soshogle/drip/pkg/models"
	"github.com/soshogle/drip/pkg/persistence"
	"github.com/soshogle/drip/pkg/scheduler"
	"github.com/soshogle/drip/pkg/services"
)

type APIHandlers struct {
	workflowService   *services.Workflow
	abTestService     *services.ABTest
	conversionService *services.Conversion
	enrollmentManager *enrollment.Manager
	scheduler         *scheduler.Scheduler
	analyzer          *abtest.Analyzer
	persistence       persistence.Persistence
	validator         *validator.Validate
}

func NewAPIHandlers(
	workflowService *services.Workflow,
	abTestService *services.ABTest,
	conversionService *services.Conversion,
	enrollmentManager *enrollment.Manager,
	sched *scheduler.Scheduler,
	analyzer *abtest.Analyzer,
	p persistence.Persistence,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		workflowService:   workflowService,
		abTestService:     abTestService,
		conversionService: conversionService,
		enrollmentManager: enrollmentManager,
		scheduler:         sched,
		analyzer:          analyzer,
		persistence:       p,
		validator:         validate,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.workflowService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Drip API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "Drip API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.workflowService.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"workflows": workflows})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	workflow, err := h.workflowService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	workflow := &models.Workflow{
		Name:        req.Name,
		Description: req.Description,
		Metadata:    req.Metadata,
		Owner:       req.Owner,
	}

	for _, step := range req.Steps {
		workflow.Steps = append(workflow.Steps, step.toModel())
	}

	created, err := h.workflowService.Create(c.Context(), workflow)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req UpdateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	existing, err := h.workflowService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	if req.Name != nil {
		existing.Name = *req.Name
	}

	if req.Description != nil {
		existing.Description = *req.Description
	}

	if req.Metadata != nil {
		existing.Metadata = req.Metadata
	}

	if req.Steps != nil {
		existing.Steps = nil
		for _, step := range req.Steps {
			existing.Steps = append(existing.Steps, step.toModel())
		}
	}

	updated, err := h.workflowService.Update(c.Context(), id, existing)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) ArchiveWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	archived, err := h.workflowService.Archive(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(archived)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	if err := h.workflowService.Delete(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// EnrollEntities enrolls a batch of entities into a workflow. Per-item
// failures come back in the response body, not as an HTTP error.
func (h *APIHandlers) EnrollEntities(c fiber.Ctx) error {
	workflowID := c.Params("id")
	if workflowID == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req EnrollRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.enrollmentManager.Enroll(c.Context(), workflowID, req.EntityIDs)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *APIHandlers) GetEnrollments(c fiber.Ctx) error {
	workflowID := c.Params("id")
	if workflowID == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var status *models.EnrollmentStatus

	if statusStr := c.Query("status"); statusStr != "" {
		s := models.EnrollmentStatus(statusStr)
		status = &s
	}

	enrollments, err := h.persistence.EnrollmentRepository().ListByWorkflow(c.Context(), workflowID, status)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"enrollments": enrollments})
}

func (h *APIHandlers) CancelEnrollment(c fiber.Ctx) error {
	return h.enrollmentTransition(c, h.enrollmentManager.Cancel)
}

func (h *APIHandlers) PauseEnrollment(c fiber.Ctx) error {
	return h.enrollmentTransition(c, h.enrollmentManager.Pause)
}

func (h *APIHandlers) ResumeEnrollment(c fiber.Ctx) error {
	return h.enrollmentTransition(c, h.enrollmentManager.Resume)
}

func (h *APIHandlers) enrollmentTransition(c fiber.Ctx, apply func(ctx context.Context, id string) error) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Enrollment ID is required")
	}

	if err := apply(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	enrollmentRow, err := h.persistence.EnrollmentRepository().GetByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(enrollmentRow)
}

// RecordSuccess is the delivery-confirmation callback. Hosts hit it when
// an entity converts on a sent step.
func (h *APIHandlers) RecordSuccess(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Enrollment ID is required")
	}

	if err := h.conversionService.RecordSuccess(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// Tick runs one scheduler pass and reports what it did.
func (h *APIHandlers) Tick(c fiber.Ctx) error {
	var req TickRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	now := time.Now().UTC()

	if req.At != nil {
		parsed, err := time.Parse(time.RFC3339, *req.At)
		if err != nil {
			return badRequest(c, "Invalid 'at' timestamp, expected RFC3339")
		}

		now = parsed.UTC()
	}

	report, err := h.scheduler.Tick(c.Context(), now)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(report)
}

func (h *APIHandlers) CreateTest(c fiber.Ctx) error {
	var req CreateTestRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	serviceReq := services.CreateTestRequest{
		Name:        req.Name,
		SplitPolicy: models.SplitPolicy(req.SplitPolicy),
	}

	for _, variant := range req.Variants {
		serviceReq.Variants = append(serviceReq.Variants, &models.Variant{
			Label:   variant.Label,
			Content: variant.Content,
			Weight:  variant.Weight,
		})
	}

	test, err := h.abTestService.Create(c.Context(), serviceReq)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(test)
}

func (h *APIHandlers) GetTest(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Test ID is required")
	}

	test, err := h.abTestService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(test)
}

// AnalyzeTest evaluates a test's variants and freezes a winner when the
// thresholds are met. Safe to call repeatedly.
func (h *APIHandlers) AnalyzeTest(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Test ID is required")
	}

	result, err := h.analyzer.Analyze(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}
