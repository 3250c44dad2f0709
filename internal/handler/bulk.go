package handler

import (
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/bulkgen/internal/model"
	"github.com/makeasinger/bulkgen/internal/service"
	"github.com/makeasinger/bulkgen/pkg/response"
)

type BulkHandler struct {
	service   *service.BulkService
	analytics *service.AnalyticsService
	validator *validator.Validate
}

func NewBulkHandler(svc *service.BulkService, analytics *service.AnalyticsService, v *validator.Validate) *BulkHandler {
	return &BulkHandler{
		service:   svc,
		analytics: analytics,
		validator: v,
	}
}

// Create handles POST /api/bulk/jobs
func (h *BulkHandler) Create(c *fiber.Ctx) error {
	var req model.CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.CreateJob(c.UserContext(), &req)
	if err != nil {
		return respondError(c, err)
	}

	return response.Created(c, result)
}

// List handles GET /api/bulk/jobs
func (h *BulkHandler) List(c *fiber.Ctx) error {
	jobs, err := h.service.ListJobs(c.UserContext(), c.Query("status"), c.QueryInt("limit"))
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, model.JobListResponse{Jobs: jobs, Count: len(jobs)})
}

// Get handles GET /api/bulk/jobs/:jobId
func (h *BulkHandler) Get(c *fiber.Ctx) error {
	job, err := h.service.GetJob(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, job)
}

// UpdateStatus handles PATCH /api/bulk/jobs/:jobId/status
func (h *BulkHandler) UpdateStatus(c *fiber.Ctx) error {
	var req model.JobActionRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.ApplyAction(c.UserContext(), c.Params("jobId"), &req)
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}

// Prompts handles GET /api/bulk/jobs/:jobId/prompts
func (h *BulkHandler) Prompts(c *fiber.Ctx) error {
	prompts, err := h.service.ListPrompts(c.UserContext(), c.Params("jobId"), c.Query("status"), c.QueryInt("limit"))
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, model.PromptListResponse{Prompts: prompts, Count: len(prompts)})
}

// Matrix handles GET /api/bulk/jobs/:jobId/matrix?varA=&varB=
// Without varB the matrix has a single axis.
func (h *BulkHandler) Matrix(c *fiber.Ctx) error {
	varA, varB := c.Query("varA"), c.Query("varB")
	if varA == "" {
		return response.ValidationError(c, "varA is required", nil)
	}

	result, err := h.analytics.Matrix(c.UserContext(), c.Params("jobId"), varA, varB)
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}

// Gallery handles GET /api/bulk/jobs/:jobId/gallery. Besides limit, template
// and negative it accepts placeholder:<key>=<value> and input:<key>=<value>
// filters.
func (h *BulkHandler) Gallery(c *fiber.Ctx) error {
	filter, err := parseGalleryFilter(c)
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}

	result, err := h.analytics.Gallery(c.UserContext(), c.Params("jobId"), filter)
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}

func parseGalleryFilter(c *fiber.Ctx) (model.GalleryFilter, error) {
	f := model.GalleryFilter{Limit: c.QueryInt("limit")}

	if raw := c.Query("template"); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil || idx < 0 {
			return f, fiber.NewError(fiber.StatusBadRequest, "template must be a template index")
		}
		f.TemplateIndex = &idx
	}
	if raw := c.Query("negative"); raw != "" {
		used, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fiber.NewError(fiber.StatusBadRequest, "negative must be true or false")
		}
		f.NegativeUsed = &used
	}

	for key, value := range c.Queries() {
		switch {
		case strings.HasPrefix(key, model.PlaceholderVariablePrefix):
			if f.Placeholders == nil {
				f.Placeholders = map[string]string{}
			}
			f.Placeholders[strings.TrimPrefix(key, model.PlaceholderVariablePrefix)] = value
		case strings.HasPrefix(key, model.InputVariablePrefix):
			if f.Inputs == nil {
				f.Inputs = map[string]string{}
			}
			f.Inputs[strings.TrimPrefix(key, model.InputVariablePrefix)] = value
		}
	}
	return f, nil
}

// ScorePair handles GET /api/bulk/jobs/:jobId/score-pair
func (h *BulkHandler) ScorePair(c *fiber.Ctx) error {
	result, err := h.analytics.ScorePair(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}

// Score handles POST /api/bulk/jobs/:jobId/score
func (h *BulkHandler) Score(c *fiber.Ctx) error {
	var req model.ScoreRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if err := h.analytics.Score(c.UserContext(), c.Params("jobId"), &req); err != nil {
		return respondError(c, err)
	}

	return response.NoContent(c)
}

// Rate handles POST /api/bulk/jobs/:jobId/rate
func (h *BulkHandler) Rate(c *fiber.Ctx) error {
	var req model.BatchRateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.analytics.Rate(c.UserContext(), c.Params("jobId"), &req)
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}

// Analytics handles GET /api/bulk/jobs/:jobId/analytics
func (h *BulkHandler) Analytics(c *fiber.Ctx) error {
	result, err := h.analytics.Analytics(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}
