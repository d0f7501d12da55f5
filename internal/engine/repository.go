package engine

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"filtered-relation/internal/events"
	"filtered-relation/internal/metadata"
	"filtered-relation/internal/persistence"
	"filtered-relation/internal/store"
)

// Repository is the record store used by the HTTP handlers and by the
// filtered-relation core. Every committed write is published on the bus.
type Repository struct {
	store    *store.Store
	registry *metadata.Registry
	bus      *events.Bus
}

var _ persistence.Store = (*Repository)(nil)

func NewRepository(s *store.Store, reg *metadata.Registry, bus *events.Bus) *Repository {
	return &Repository{store: s, registry: reg, bus: bus}
}

// Entity resolves a collection by entity name or collection id.
func (r *Repository) Entity(collection string) (*metadata.Entity, error) {
	if e := r.registry.GetEntity(collection); e != nil {
		return e, nil
	}
	if e := r.registry.GetEntityByCollection(collection); e != nil {
		return e, nil
	}
	return nil, UnknownEntityError(collection)
}

// Query returns the live records of a collection matching every constraint.
func (r *Repository) Query(ctx context.Context, collection string, constraints []persistence.Constraint, populate []string) ([]persistence.Record, error) {
	entity, err := r.Entity(collection)
	if err != nil {
		return nil, err
	}
	if err := r.checkPopulate(entity, populate); err != nil {
		return nil, err
	}
	return r.Find(ctx, &QueryPlan{Entity: entity, Constraints: constraints, Includes: populate})
}

// Find runs a query plan and loads its includes.
func (r *Repository) Find(ctx context.Context, plan *QueryPlan) ([]map[string]any, error) {
	qr, err := BuildSelectSQL(plan, r.registry, r.store.Dialect)
	if err != nil {
		return nil, err
	}
	rows, err := store.QueryRows(ctx, r.store.DB, qr.SQL, qr.Params...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", plan.Entity.Name, err)
	}
	r.normalize(plan.Entity, rows)
	if err := LoadIncludes(ctx, r.store.DB, r.store.Dialect, r.registry, plan.Entity, rows, plan.Includes); err != nil {
		return nil, fmt.Errorf("load includes: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}

// Count returns the number of live records matching the plan's filters.
func (r *Repository) Count(ctx context.Context, plan *QueryPlan) (any, error) {
	cr, err := BuildCountSQL(plan, r.registry, r.store.Dialect)
	if err != nil {
		return nil, err
	}
	row, err := store.QueryRow(ctx, r.store.DB, cr.SQL, cr.Params...)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", plan.Entity.Name, err)
	}
	return row["count"], nil
}

// FetchByID loads one live record by document id or primary key.
func (r *Repository) FetchByID(ctx context.Context, collection, id string, populate []string) (persistence.Record, error) {
	entity, err := r.Entity(collection)
	if err != nil {
		return nil, err
	}
	if err := r.checkPopulate(entity, populate); err != nil {
		return nil, err
	}
	row, err := resolveRecord(ctx, r.store.DB, r.store.Dialect, entity, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s %s: %w", entity.Name, id, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s/%s: %w", entity.Name, id, err)
	}
	r.normalize(entity, []map[string]any{row})
	if err := populateOne(ctx, r.store.DB, r.store.Dialect, r.registry, entity, row, populate); err != nil {
		return nil, err
	}
	return row, nil
}

// Create inserts a record, applies its relation patches and publishes the change.
func (r *Repository) Create(ctx context.Context, collection string, fields map[string]any, relations map[string]persistence.RelationPatch) (persistence.Record, error) {
	entity, err := r.Entity(collection)
	if err != nil {
		return nil, err
	}
	plan, errs := PlanWrite(entity, r.registry, copyFields(fields), relations, "")
	if len(errs) > 0 {
		return nil, ValidationError(errs)
	}
	res, err := ExecuteWritePlan(ctx, r.store, r.registry, plan)
	if err != nil {
		return nil, err
	}
	r.normalize(entity, []map[string]any{res.After})
	r.publish(ctx, entity, events.OpCreate, nil, res.After, persistence.Patch{Fields: fields, Relations: relations}.Input())
	return res.After, nil
}

// Update applies a partial update by public id and publishes the change. The
// returned record is populated with the relations the patch touched.
func (r *Repository) Update(ctx context.Context, collection, id string, patch persistence.Patch) (persistence.Record, error) {
	entity, err := r.Entity(collection)
	if err != nil {
		return nil, err
	}
	plan, errs := PlanWrite(entity, r.registry, copyFields(patch.Fields), patch.Relations, id)
	if len(errs) > 0 {
		return nil, ValidationError(errs)
	}
	res, err := ExecuteWritePlan(ctx, r.store, r.registry, plan)
	if err != nil {
		return nil, err
	}
	r.normalize(entity, []map[string]any{res.Before, res.After})
	r.publish(ctx, entity, events.OpUpdate, res.Before, res.After, patch.Input())
	return res.After, nil
}

// Delete removes a record by public id, honoring on_delete policies. The
// published Before record is populated with every relation of the entity so
// subscribers can still see what it was linked to.
func (r *Repository) Delete(ctx context.Context, collection, id string) (persistence.Record, error) {
	entity, err := r.Entity(collection)
	if err != nil {
		return nil, err
	}

	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	before, err := resolveRecord(ctx, tx, r.store.Dialect, entity, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s %s: %w", entity.Name, id, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("fetch %s/%s: %w", entity.Name, id, err)
	}
	if err := populateOne(ctx, tx, r.store.Dialect, r.registry, entity, before, r.relationNames(entity)); err != nil {
		return nil, err
	}

	if err := HandleCascadeDelete(ctx, tx, r.store.Dialect, r.registry, entity, before); err != nil {
		return nil, err
	}

	pk := before[entity.PrimaryKey.Field]
	var sql string
	var params []any
	if entity.SoftDelete {
		sql, params = BuildSoftDeleteSQL(entity, r.store.Dialect, pk)
	} else {
		sql, params = BuildHardDeleteSQL(entity, r.store.Dialect, pk)
	}
	affected, err := store.Exec(ctx, tx, sql, params...)
	if err != nil {
		return nil, fmt.Errorf("delete %s/%s: %w", entity.Name, id, err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%s %s: %w", entity.Name, id, persistence.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	r.normalize(entity, []map[string]any{before})
	r.publish(ctx, entity, events.OpDelete, before, nil, nil)
	return before, nil
}

func (r *Repository) publish(ctx context.Context, entity *metadata.Entity, op events.Operation, before, after, input map[string]any) {
	if r.bus == nil {
		return
	}
	record := after
	if record == nil {
		record = before
	}
	ev := events.EntityChanged{
		Entity:       entity.Name,
		CollectionID: entity.CollectionID(),
		Operation:    op,
		ID:           entity.PublicID(record),
		Before:       before,
		After:        after,
		Input:        input,
	}
	log.WithFields(log.Fields{
		"collection": ev.CollectionID,
		"record":     ev.ID,
		"op":         op,
	}).Debug("record changed")
	r.bus.Publish(ctx, ev)
}

func (r *Repository) checkPopulate(entity *metadata.Entity, populate []string) error {
	for _, name := range populate {
		if r.registry.FindRelationForEntity(name, entity.Name) == nil {
			return UnknownFieldError(entity.Name, name)
		}
	}
	return nil
}

func (r *Repository) relationNames(entity *metadata.Entity) []string {
	var names []string
	for _, rel := range r.registry.AllRelations() {
		if rel.Source == entity.Name || rel.Target == entity.Name {
			names = append(names, rel.Name)
		}
	}
	return names
}

func (r *Repository) normalize(entity *metadata.Entity, rows []map[string]any) {
	if !r.store.Dialect.NeedsBoolFix() {
		return
	}
	var boolFields []string
	for _, f := range entity.Fields {
		if f.Type == "boolean" {
			boolFields = append(boolFields, f.Name)
		}
	}
	for _, row := range rows {
		if row != nil {
			store.NormalizeBooleans([]map[string]any{row}, boolFields)
		}
	}
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
