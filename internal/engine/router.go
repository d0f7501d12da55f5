package engine

import "github.com/gofiber/fiber/v2"

// RegisterDynamicRoutes mounts CRUD routes for every api collection on the
// given group. Reserved prefixes (_admin, _filtered, auth) must be registered
// before this so they take precedence.
func RegisterDynamicRoutes(api fiber.Router, h *Handler) {
	api.Get("/:entity", h.List)
	api.Get("/:entity/:id", h.GetByID)
	api.Post("/:entity", h.Create)
	api.Put("/:entity/:id", h.Update)
	api.Delete("/:entity/:id", h.Delete)
}
