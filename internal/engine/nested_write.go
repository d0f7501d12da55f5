package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"filtered-relation/internal/metadata"
	"filtered-relation/internal/persistence"
	"filtered-relation/internal/store"
)

// WritePlan describes the full set of operations for a write request.
type WritePlan struct {
	IsCreate  bool
	Entity    *metadata.Entity
	Fields    map[string]any
	ID        string // public id, empty for create
	Relations map[string]persistence.RelationPatch
}

// PlanWrite builds a WritePlan from column values and relation patches without
// executing any SQL.
func PlanWrite(entity *metadata.Entity, reg *metadata.Registry, fields map[string]any, relations map[string]persistence.RelationPatch, existingID string) (*WritePlan, []ErrorDetail) {
	isCreate := existingID == ""
	if fields == nil {
		fields = make(map[string]any)
	}

	var errs []ErrorDetail
	if !isCreate {
		updatable := entity.UpdatableFields()
		for name := range fields {
			if !entity.HasField(name) {
				errs = append(errs, ErrorDetail{Field: name, Rule: "unknown", Message: fmt.Sprintf("Unknown field: %s", name)})
				continue
			}
			if !slices.ContainsFunc(updatable, func(f metadata.Field) bool { return f.Name == name }) {
				errs = append(errs, ErrorDetail{Field: name, Rule: "readonly", Message: name + " cannot be updated"})
			}
		}
	}
	for name := range relations {
		if reg.FindRelationForEntity(name, entity.Name) == nil {
			errs = append(errs, ErrorDetail{Field: name, Rule: "unknown", Message: fmt.Sprintf("Unknown relation: %s", name)})
		}
	}
	errs = append(errs, ValidateFields(entity, fields, isCreate)...)
	if len(errs) > 0 {
		return nil, errs
	}

	return &WritePlan{
		IsCreate:  isCreate,
		Entity:    entity,
		Fields:    fields,
		ID:        existingID,
		Relations: relations,
	}, nil
}

// WriteResult carries the record before and after a write. Before is nil on create.
// Both are populated with the relations the plan touched.
type WriteResult struct {
	Before map[string]any
	After  map[string]any
}

// ExecuteWritePlan runs the planned operations inside a single transaction.
func ExecuteWritePlan(ctx context.Context, s *store.Store, reg *metadata.Registry, plan *WritePlan) (*WriteResult, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	entity := plan.Entity
	populate := sortedRelationNames(plan.Relations)
	stampAutoFields(entity, plan.Fields, plan.IsCreate)

	var before, current map[string]any
	if plan.IsCreate {
		prepareCreate(entity, s.Dialect, plan.Fields)
		sql, params := BuildInsertSQL(entity, s.Dialect, plan.Fields)
		current, err = store.QueryRow(ctx, tx, sql, params...)
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", entity.Table, store.MapError(s.Dialect, err))
		}
	} else {
		before, err = resolveRecord(ctx, tx, s.Dialect, entity, plan.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%s %s: %w", entity.Name, plan.ID, persistence.ErrNotFound)
			}
			return nil, fmt.Errorf("fetch %s/%s: %w", entity.Name, plan.ID, err)
		}
		if err := populateOne(ctx, tx, s.Dialect, reg, entity, before, populate); err != nil {
			return nil, err
		}

		current = before
		sql, params := BuildUpdateSQL(entity, s.Dialect, before[entity.PrimaryKey.Field], plan.Fields)
		if sql != "" {
			if _, err := store.Exec(ctx, tx, sql, params...); err != nil {
				return nil, fmt.Errorf("update %s: %w", entity.Table, store.MapError(s.Dialect, err))
			}
		}
	}

	for _, name := range populate {
		if err := ApplyRelationPatch(ctx, tx, s.Dialect, reg, entity, current, name, plan.Relations[name]); err != nil {
			return nil, err
		}
	}

	after, err := fetchRecord(ctx, tx, s.Dialect, entity, current[entity.PrimaryKey.Field])
	if err != nil {
		return nil, fmt.Errorf("reload %s: %w", entity.Name, err)
	}
	if err := populateOne(ctx, tx, s.Dialect, reg, entity, after, populate); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &WriteResult{Before: before, After: after}, nil
}

// stampAutoFields sets auto-managed timestamps. Update stamps are written only when
// the plan changes a column.
func stampAutoFields(entity *metadata.Entity, fields map[string]any, isCreate bool) {
	if !isCreate && len(fields) == 0 {
		return
	}
	now := time.Now().UTC()
	for _, f := range entity.Fields {
		if f.Auto == "update" || (isCreate && f.Auto == "create") {
			fields[f.Name] = now
		}
	}
}

func populateOne(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, entity *metadata.Entity, row map[string]any, populate []string) error {
	if row == nil || len(populate) == 0 {
		return nil
	}
	if err := LoadIncludes(ctx, q, dialect, reg, entity, []map[string]any{row}, populate); err != nil {
		return fmt.Errorf("load includes: %w", err)
	}
	return nil
}

func sortedRelationNames(relations map[string]persistence.RelationPatch) []string {
	names := make([]string, 0, len(relations))
	for name := range relations {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
