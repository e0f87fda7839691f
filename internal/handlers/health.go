package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"mongowatch/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	manager *services.SessionManager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(manager *services.SessionManager) *HealthHandler {
	return &HealthHandler{manager: manager}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"sessions":  h.manager.Count(),
		"active":    h.manager.ActiveCount(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
