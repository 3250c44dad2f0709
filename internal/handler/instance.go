package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/bulkgen/internal/client"
	"github.com/makeasinger/bulkgen/internal/logger"
	"github.com/makeasinger/bulkgen/internal/model"
	"github.com/makeasinger/bulkgen/pkg/response"
)

type InstanceHandler struct {
	lister client.InstanceLister
}

func NewInstanceHandler(lister client.InstanceLister) *InstanceHandler {
	return &InstanceHandler{lister: lister}
}

// List handles GET /api/instances
func (h *InstanceHandler) List(c *fiber.Ctx) error {
	instances, err := h.lister.ListInstances(c.UserContext())
	if err != nil {
		logger.HTTP().WithError(err).Warn("Failed to list generation instances")
		var upstream *client.UpstreamError
		if errors.As(err, &upstream) {
			return response.UpstreamError(c, upstream.Message)
		}
		return response.UpstreamError(c, "Generation backend unavailable")
	}
	if instances == nil {
		instances = []model.Instance{}
	}

	return response.OK(c, model.InstanceListResponse{Instances: instances})
}
