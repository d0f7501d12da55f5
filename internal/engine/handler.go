package engine

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"

	"filtered-relation/internal/metadata"
	"filtered-relation/internal/persistence"
	"filtered-relation/internal/store"
)

type Handler struct {
	repo     *Repository
	registry *metadata.Registry
}

func NewHandler(repo *Repository, reg *metadata.Registry) *Handler {
	return &Handler{repo: repo, registry: reg}
}

// List handles GET /api/:entity
func (h *Handler) List(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	plan, err := ParseQueryParams(c, entity, h.registry)
	if err != nil {
		return writeError(c, err)
	}

	rows, err := h.repo.Find(c.Context(), plan)
	if err != nil {
		return writeError(c, err)
	}
	total, err := h.repo.Count(c.Context(), plan)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{
			"page":     plan.Page,
			"per_page": plan.PerPage,
			"total":    total,
		},
	})
}

// GetByID handles GET /api/:entity/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	includes, err := parseIncludes(c.Query("include"), entity, h.registry)
	if err != nil {
		return writeError(c, err)
	}

	id := c.Params("id")
	row, err := h.repo.FetchByID(c.Context(), entity.Name, id, includes)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return respondError(c, NotFoundError(entity.Name, id))
		}
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{"data": row})
}

// Create handles POST /api/:entity
func (h *Handler) Create(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	body, err := parseBody(c)
	if err != nil {
		return err
	}
	fields, relations, errs := SplitInput(entity, h.registry, body)
	if len(errs) > 0 {
		return respondError(c, ValidationError(errs))
	}

	record, err := h.repo.Create(c.Context(), entity.Name, fields, relations)
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": record})
}

// Update handles PUT /api/:entity/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	body, err := parseBody(c)
	if err != nil {
		return err
	}
	fields, relations, errs := SplitInput(entity, h.registry, body)
	if len(errs) > 0 {
		return respondError(c, ValidationError(errs))
	}

	id := c.Params("id")
	record, err := h.repo.Update(c.Context(), entity.Name, id, persistence.Patch{Fields: fields, Relations: relations})
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return respondError(c, NotFoundError(entity.Name, id))
		}
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{"data": record})
}

// Delete handles DELETE /api/:entity/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	if _, err := h.repo.Delete(c.Context(), entity.Name, id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return respondError(c, NotFoundError(entity.Name, id))
		}
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

// resolveEntity returns an *AppError for unknown or system collections so callers
// never continue with a nil entity.
func (h *Handler) resolveEntity(c *fiber.Ctx) (*metadata.Entity, error) {
	name := c.Params("entity")
	entity := h.registry.GetEntity(name)
	if entity == nil || !entity.IsAPI() {
		return nil, UnknownEntityError(name)
	}
	return entity, nil
}

func parseBody(c *fiber.Ctx) (map[string]any, error) {
	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return nil, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	return body, nil
}

// GetUser returns the authenticated user stored by the auth middleware, or nil.
func GetUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}

func respondError(c *fiber.Ctx, appErr *AppError) error {
	return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
}

// writeError renders AppErrors and unique violations, passing anything else to
// the app error handler.
func writeError(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return respondError(c, appErr)
	}

	if errors.Is(err, store.ErrUniqueViolation) {
		msg := "A record with this value already exists"
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			msg = pgErr.Detail
		}
		return respondError(c, ConflictError(msg))
	}

	return fmt.Errorf("%s %s: %w", c.Method(), c.Path(), err)
}

// ErrorHandler renders unhandled errors as the standard error envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(ErrorResponse{Error: &AppError{Code: "HTTP_ERROR", Status: fe.Code, Message: fe.Message}})
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return respondError(c, appErr)
	}
	log.WithError(err).Error("unhandled request error")
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Error: &AppError{Code: "INTERNAL_ERROR", Status: 500, Message: "Internal server error"},
	})
}
