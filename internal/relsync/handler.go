package relsync

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"filtered-relation/internal/engine"
	"filtered-relation/internal/persistence"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes mounts the filtered-relation endpoints on the api group.
func RegisterRoutes(api fiber.Router, h *Handler) {
	g := api.Group("/_filtered")
	g.Get("/:entity/:id/:field", h.Compute)
	g.Get("/:entity/:id/:field/status-options", h.StatusOptions)
	g.Post("/:entity/:id/:field/move", h.Move)
}

// Compute handles GET /api/_filtered/:entity/:id/:field
func (h *Handler) Compute(c *fiber.Ctx) error {
	view, err := h.service.Compute(c.Context(), c.Params("entity"), c.Params("id"), c.Params("field"))
	if err != nil {
		return toAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": view})
}

// StatusOptions handles GET /api/_filtered/:entity/:id/:field/status-options
func (h *Handler) StatusOptions(c *fiber.Ctx) error {
	opts, err := h.service.StatusOptions(c.Params("entity"), c.Params("field"))
	if err != nil {
		return toAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": opts})
}

// Move handles POST /api/_filtered/:entity/:id/:field/move
func (h *Handler) Move(c *fiber.Ctx) error {
	user := engine.GetUser(c)
	if user == nil {
		return engine.UnauthorizedError("Authentication required")
	}
	if !user.CanMove() {
		return engine.ForbiddenError("Moving related records requires the operator role")
	}

	var req MoveRequest
	if err := c.BodyParser(&req); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", fiber.StatusBadRequest, "Invalid JSON body")
	}
	var details []engine.ErrorDetail
	if req.RecordID == "" {
		details = append(details, engine.ErrorDetail{Field: "record_id", Rule: "required", Message: "record_id is required"})
	}
	if req.RelatedID == "" {
		details = append(details, engine.ErrorDetail{Field: "related_id", Rule: "required", Message: "related_id is required"})
	}
	if req.Status == "" {
		details = append(details, engine.ErrorDetail{Field: "status", Rule: "required", Message: "status is required"})
	}
	if len(details) > 0 {
		return engine.ValidationError(details)
	}

	req.Owner = c.Params("entity")
	req.OwnerID = c.Params("id")
	req.Field = c.Params("field")
	req.User = user

	res, err := h.service.Move(c.Context(), req)
	if err != nil {
		return toAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": res})
}

func toAppError(c *fiber.Ctx, err error) error {
	var me *MoveError
	if errors.As(err, &me) {
		status := fiber.StatusNotFound
		switch me.Code {
		case CodeNoDestination:
			status = fiber.StatusConflict
		case CodeTransitionNotAllowed:
			status = fiber.StatusUnprocessableEntity
		}
		return engine.NewAppError(me.Code, status, me.Message)
	}
	if errors.Is(err, ErrNotFiltered) {
		return engine.NewAppError("NOT_FILTERED", fiber.StatusNotFound,
			fmt.Sprintf("%s is not a filtered relation field of %s", c.Params("field"), c.Params("entity")))
	}
	if errors.Is(err, persistence.ErrNotFound) {
		return engine.NotFoundError(c.Params("entity"), c.Params("id"))
	}
	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return fmt.Errorf("%s %s: %w", c.Method(), c.Path(), err)
}
