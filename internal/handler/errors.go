package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/bulkgen/internal/client"
	"github.com/makeasinger/bulkgen/internal/logger"
	"github.com/makeasinger/bulkgen/internal/model"
	"github.com/makeasinger/bulkgen/internal/service"
	"github.com/makeasinger/bulkgen/internal/store"
	"github.com/makeasinger/bulkgen/pkg/response"
)

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}

// respondError maps service errors onto the error envelope
func respondError(c *fiber.Ctx, err error) error {
	var verr *service.ValidationError
	var upstream *client.UpstreamError
	switch {
	case errors.As(err, &verr):
		return response.ValidationError(c, "Validation failed", fiber.Map{verr.Field: verr.Message})
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, "Not found")
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, store.ErrStatusConflict):
		return response.InvalidState(c, err.Error())
	case errors.Is(err, service.ErrNotEnoughPrompts):
		return response.InvalidState(c, "Not enough completed prompts")
	case errors.As(err, &upstream):
		return response.UpstreamError(c, upstream.Message)
	}

	logger.HTTP().WithError(err).WithField("path", c.Path()).Error("Request failed")
	return response.ServiceError(c, "Internal error")
}
