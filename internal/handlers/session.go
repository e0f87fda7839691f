package handlers

import (
	"errors"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"mongowatch/internal/models"
	"mongowatch/internal/monitor"
	"mongowatch/internal/services"
)

// SessionHandler handles session management requests
type SessionHandler struct {
	manager *services.SessionManager
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(manager *services.SessionManager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// Create starts a new monitoring session from a definition in the request body.
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	var def models.SessionDefinition
	if err := c.BodyParser(&def); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	sess, err := h.manager.CreateAndStart(c.Context(), &def)
	if err != nil {
		log.Printf("❌ Failed to create session: %v", err)
		return c.Status(statusForStartError(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(sess.Status())
}

// List returns a status snapshot of every session.
func (h *SessionHandler) List(c *fiber.Ctx) error {
	statuses := h.manager.List()
	return c.JSON(fiber.Map{
		"sessions": statuses,
		"count":    len(statuses),
	})
}

// Get returns one session's status
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	sess, exists := h.manager.Get(c.Params("id"))
	if !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}
	return c.JSON(sess.Status())
}

// Delete stops a session and removes it from the registry.
func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.manager.Stop(c.Context(), id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"stopped": id,
	})
}

// statusForStartError maps a session start failure to an HTTP status. A bad
// definition is the caller's mistake, a taken ID is a conflict, and an
// unreachable or unsuitable deployment is a bad gateway.
func statusForStartError(err error) int {
	if strings.Contains(err.Error(), "already exists") {
		return fiber.StatusConflict
	}
	var me *monitor.MonitorError
	if !errors.As(err, &me) {
		// Definition validation failures arrive as plain errors.
		return fiber.StatusBadRequest
	}
	switch me.Kind {
	case monitor.KindConfiguration:
		return fiber.StatusBadRequest
	case monitor.KindConnection, monitor.KindSubscription:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
