package admin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"filtered-relation/internal/engine"
	"filtered-relation/internal/metadata"
	"filtered-relation/internal/store"
)

type Handler struct {
	store    *store.Store
	registry *metadata.Registry
	migrator *store.Migrator
}

func NewHandler(s *store.Store, reg *metadata.Registry, mig *store.Migrator) *Handler {
	return &Handler{store: s, registry: reg, migrator: mig}
}

// RegisterRoutes mounts schema administration under /_admin on the api group.
func RegisterRoutes(api fiber.Router, h *Handler, guards ...fiber.Handler) {
	admin := api.Group("/_admin", guards...)

	admin.Get("/entities", h.ListEntities)
	admin.Get("/entities/:name", h.GetEntity)
	admin.Post("/entities", h.CreateEntity)
	admin.Put("/entities/:name", h.UpdateEntity)
	admin.Delete("/entities/:name", h.DeleteEntity)

	admin.Get("/relations", h.ListRelations)
	admin.Post("/relations", h.CreateRelation)
	admin.Put("/relations/:name", h.UpdateRelation)
	admin.Delete("/relations/:name", h.DeleteRelation)

	admin.Get("/state-machines", h.ListStateMachines)
	admin.Post("/state-machines", h.CreateStateMachine)
	admin.Delete("/state-machines/:id", h.DeleteStateMachine)

	admin.Get("/dependencies", h.ListDependencies)
}

// --- Entities ---

func (h *Handler) ListEntities(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.registry.AllEntities()})
}

func (h *Handler) GetEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	entity := h.registry.GetEntity(name)
	if entity == nil {
		return engine.UnknownEntityError(name)
	}
	return c.JSON(fiber.Map{"data": entity})
}

func (h *Handler) CreateEntity(c *fiber.Ctx) error {
	var entity metadata.Entity
	if err := c.BodyParser(&entity); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if details := validateEntity(&entity); len(details) > 0 {
		return engine.ValidationError(details)
	}
	if h.registry.GetEntity(entity.Name) != nil {
		return engine.ConflictError("Entity already exists: " + entity.Name)
	}

	def, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	pb := h.store.Dialect.NewParamBuilder()
	sql := fmt.Sprintf("INSERT INTO _entities (name, table_name, definition) VALUES (%s, %s, %s)",
		pb.Add(entity.Name), pb.Add(entity.Table), pb.Add(string(def)))
	if _, err := store.Exec(c.Context(), h.store.DB, sql, pb.Params()...); err != nil {
		return fmt.Errorf("insert entity: %w", store.MapError(h.store.Dialect, err))
	}

	if err := h.migrator.Migrate(c.Context(), &entity); err != nil {
		return fmt.Errorf("migrate entity %s: %w", entity.Name, err)
	}
	if err := h.reload(c.Context(), "entity", entity.Name); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": entity})
}

func (h *Handler) UpdateEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	if h.registry.GetEntity(name) == nil {
		return engine.UnknownEntityError(name)
	}

	var entity metadata.Entity
	if err := c.BodyParser(&entity); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	entity.Name = name
	if details := validateEntity(&entity); len(details) > 0 {
		return engine.ValidationError(details)
	}

	def, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	pb := h.store.Dialect.NewParamBuilder()
	sql := fmt.Sprintf("UPDATE _entities SET table_name = %s, definition = %s, updated_at = %s WHERE name = %s",
		pb.Add(entity.Table), pb.Add(string(def)), h.store.Dialect.NowExpr(), pb.Add(name))
	if _, err := store.Exec(c.Context(), h.store.DB, sql, pb.Params()...); err != nil {
		return fmt.Errorf("update entity: %w", err)
	}

	if err := h.migrator.Migrate(c.Context(), &entity); err != nil {
		return fmt.Errorf("migrate entity %s: %w", entity.Name, err)
	}
	if err := h.reload(c.Context(), "entity", name); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": entity})
}

func (h *Handler) DeleteEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	if h.registry.GetEntity(name) == nil {
		return engine.UnknownEntityError(name)
	}

	ph := h.store.Dialect.Placeholder(1)
	for _, sql := range []string{
		fmt.Sprintf("DELETE FROM _relations WHERE source = %s OR target = %s", ph, ph),
		fmt.Sprintf("DELETE FROM _state_machines WHERE entity = %s", ph),
		fmt.Sprintf("DELETE FROM _entities WHERE name = %s", ph),
	} {
		if _, err := store.Exec(c.Context(), h.store.DB, sql, name); err != nil {
			return fmt.Errorf("delete entity %s: %w", name, err)
		}
	}

	if err := h.reload(c.Context(), "entity", name); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"name": name, "deleted": true}})
}

// --- Relations ---

func (h *Handler) ListRelations(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.registry.AllRelations()})
}

func (h *Handler) CreateRelation(c *fiber.Ctx) error {
	var rel metadata.Relation
	if err := c.BodyParser(&rel); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if details := validateRelation(&rel, h.registry); len(details) > 0 {
		return engine.ValidationError(details)
	}
	if h.registry.GetRelation(rel.Name) != nil {
		return engine.ConflictError("Relation already exists: " + rel.Name)
	}

	if err := h.saveRelation(c.Context(), &rel, true); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": rel})
}

func (h *Handler) UpdateRelation(c *fiber.Ctx) error {
	name := c.Params("name")
	if h.registry.GetRelation(name) == nil {
		return engine.NewAppError("NOT_FOUND", 404, "Relation not found: "+name)
	}

	var rel metadata.Relation
	if err := c.BodyParser(&rel); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	rel.Name = name
	if details := validateRelation(&rel, h.registry); len(details) > 0 {
		return engine.ValidationError(details)
	}

	if err := h.saveRelation(c.Context(), &rel, false); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": rel})
}

func (h *Handler) DeleteRelation(c *fiber.Ctx) error {
	name := c.Params("name")
	if h.registry.GetRelation(name) == nil {
		return engine.NewAppError("NOT_FOUND", 404, "Relation not found: "+name)
	}

	sql := fmt.Sprintf("DELETE FROM _relations WHERE name = %s", h.store.Dialect.Placeholder(1))
	if _, err := store.Exec(c.Context(), h.store.DB, sql, name); err != nil {
		return fmt.Errorf("delete relation %s: %w", name, err)
	}
	if err := h.reload(c.Context(), "relation", name); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"name": name, "deleted": true}})
}

func (h *Handler) saveRelation(ctx context.Context, rel *metadata.Relation, create bool) error {
	def, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshal relation: %w", err)
	}

	pb := h.store.Dialect.NewParamBuilder()
	var sql string
	if create {
		sql = fmt.Sprintf("INSERT INTO _relations (name, source, target, definition) VALUES (%s, %s, %s, %s)",
			pb.Add(rel.Name), pb.Add(rel.Source), pb.Add(rel.Target), pb.Add(string(def)))
	} else {
		sql = fmt.Sprintf("UPDATE _relations SET source = %s, target = %s, definition = %s, updated_at = %s WHERE name = %s",
			pb.Add(rel.Source), pb.Add(rel.Target), pb.Add(string(def)), h.store.Dialect.NowExpr(), pb.Add(rel.Name))
	}
	if _, err := store.Exec(ctx, h.store.DB, sql, pb.Params()...); err != nil {
		return fmt.Errorf("save relation: %w", store.MapError(h.store.Dialect, err))
	}

	if rel.IsManyToMany() {
		source, target := h.registry.GetEntity(rel.Source), h.registry.GetEntity(rel.Target)
		if err := h.migrator.MigrateJoinTable(ctx, rel, source, target); err != nil {
			return fmt.Errorf("create join table: %w", err)
		}
	}
	return h.reload(ctx, "relation", rel.Name)
}

// --- State machines ---

func (h *Handler) ListStateMachines(c *fiber.Ctx) error {
	var machines []*metadata.StateMachine
	for _, e := range h.registry.AllEntities() {
		machines = append(machines, h.registry.GetStateMachinesForEntity(e.Name)...)
	}
	if machines == nil {
		machines = []*metadata.StateMachine{}
	}
	return c.JSON(fiber.Map{"data": machines})
}

func (h *Handler) CreateStateMachine(c *fiber.Ctx) error {
	var sm metadata.StateMachine
	if err := c.BodyParser(&sm); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if details := validateStateMachine(&sm, h.registry); len(details) > 0 {
		return engine.ValidationError(details)
	}
	if sm.ID == "" {
		sm.ID = uuid.NewString()
	}
	sm.Active = true

	def, err := json.Marshal(sm.Definition)
	if err != nil {
		return fmt.Errorf("marshal state machine: %w", err)
	}
	pb := h.store.Dialect.NewParamBuilder()
	sql := fmt.Sprintf("INSERT INTO _state_machines (id, entity, field, definition) VALUES (%s, %s, %s, %s)",
		pb.Add(sm.ID), pb.Add(sm.Entity), pb.Add(sm.Field), pb.Add(string(def)))
	if _, err := store.Exec(c.Context(), h.store.DB, sql, pb.Params()...); err != nil {
		return fmt.Errorf("insert state machine: %w", store.MapError(h.store.Dialect, err))
	}
	if err := h.reload(c.Context(), "state_machine", sm.ID); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": sm})
}

func (h *Handler) DeleteStateMachine(c *fiber.Ctx) error {
	id := c.Params("id")
	sql := fmt.Sprintf("DELETE FROM _state_machines WHERE id = %s", h.store.Dialect.Placeholder(1))
	n, err := store.Exec(c.Context(), h.store.DB, sql, id)
	if err != nil {
		return fmt.Errorf("delete state machine %s: %w", id, err)
	}
	if n == 0 {
		return engine.NewAppError("NOT_FOUND", 404, "State machine not found: "+id)
	}
	if err := h.reload(c.Context(), "state_machine", id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
}

// --- Dependency index ---

type dependencyView struct {
	Owner            string   `json:"owner"`
	Field            string   `json:"field"`
	TargetCollection string   `json:"target_collection"`
	Links            []string `json:"links"`
}

// ListDependencies reports which filtered fields watch which collections.
func (h *Handler) ListDependencies(c *fiber.Ctx) error {
	out := []dependencyView{}
	for _, e := range h.registry.AllEntities() {
		for _, f := range e.FilteredFields() {
			dep, ok := h.registry.FilteredField(e.Name, f.Name)
			if !ok {
				continue
			}
			links := make([]string, 0, len(dep.Links))
			for _, l := range dep.Links {
				links = append(links, l.Name)
			}
			out = append(out, dependencyView{
				Owner:            e.Name,
				Field:            f.Name,
				TargetCollection: dep.TargetCollection,
				Links:            links,
			})
		}
	}
	return c.JSON(fiber.Map{"data": out})
}

func (h *Handler) reload(ctx context.Context, kind, name string) error {
	if err := metadata.Reload(ctx, h.store.DB, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}
	log.WithFields(log.Fields{"kind": kind, "name": name}).Info("schema changed, registry reloaded")
	return nil
}
