package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"filtered-relation/internal/metadata"
	"filtered-relation/internal/persistence"
	"filtered-relation/internal/store"
)

// SplitInput separates a request body into column values and relation patches.
// A relation may be given as {"connect": [...], "disconnect": [...]}, a list of ids
// or a single id; the last two forms connect.
func SplitInput(entity *metadata.Entity, reg *metadata.Registry, body map[string]any) (map[string]any, map[string]persistence.RelationPatch, []ErrorDetail) {
	fields := make(map[string]any)
	relations := make(map[string]persistence.RelationPatch)
	var errs []ErrorDetail

	for key, val := range body {
		if f := entity.GetField(key); f != nil {
			// derived; only the recomputation writes it
			if f.IsFilteredRelation() {
				errs = append(errs, ErrorDetail{Field: key, Rule: "readonly", Message: key + " is computed"})
				continue
			}
			fields[key] = val
			continue
		}
		if rel := reg.FindRelationForEntity(key, entity.Name); rel != nil {
			patch, err := parseRelationPatch(val)
			if err != nil {
				errs = append(errs, ErrorDetail{Field: key, Rule: "relation", Message: err.Error()})
				continue
			}
			relations[key] = patch
			continue
		}
		errs = append(errs, ErrorDetail{
			Field:   key,
			Rule:    "unknown",
			Message: fmt.Sprintf("Unknown field or relation: %s", key),
		})
	}
	return fields, relations, errs
}

func parseRelationPatch(val any) (persistence.RelationPatch, error) {
	switch v := val.(type) {
	case map[string]any:
		connect, err := idList(v["connect"])
		if err != nil {
			return persistence.RelationPatch{}, err
		}
		disconnect, err := idList(v["disconnect"])
		if err != nil {
			return persistence.RelationPatch{}, err
		}
		return persistence.RelationPatch{Connect: connect, Disconnect: disconnect}, nil
	default:
		ids, err := idList(v)
		if err != nil {
			return persistence.RelationPatch{}, err
		}
		return persistence.RelationPatch{Connect: ids}, nil
	}
}

func idList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		ids := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				item = m["id"]
			}
			id := metadata.IDString(item)
			if id == "" {
				return nil, fmt.Errorf("relation ids must be strings or numbers")
			}
			ids = append(ids, id)
		}
		return ids, nil
	case []string:
		return t, nil
	case string, float64, int, int64:
		return []string{metadata.IDString(t)}, nil
	default:
		return nil, fmt.Errorf("unsupported relation value %T", v)
	}
}

// ValidateFields checks required fields on create and enum membership.
func ValidateFields(entity *metadata.Entity, fields map[string]any, isCreate bool) []ErrorDetail {
	var errs []ErrorDetail
	if isCreate {
		for _, f := range entity.WritableFields() {
			if !f.Required || f.Default != nil || f.Name == entity.DocumentKey {
				continue
			}
			if v, ok := fields[f.Name]; !ok || v == nil {
				errs = append(errs, ErrorDetail{Field: f.Name, Rule: "required", Message: f.Name + " is required"})
			}
		}
	}
	for name, v := range fields {
		f := entity.GetField(name)
		if f == nil {
			continue
		}
		if name == entity.PrimaryKey.Field && entity.PrimaryKey.Generated {
			errs = append(errs, ErrorDetail{Field: name, Rule: "readonly", Message: name + " is generated"})
			continue
		}
		if len(f.Enum) > 0 && v != nil {
			if s, ok := v.(string); !ok || !slices.Contains(f.Enum, s) {
				errs = append(errs, ErrorDetail{
					Field:   name,
					Rule:    "enum",
					Message: fmt.Sprintf("%s must be one of %s", name, strings.Join(f.Enum, ", ")),
				})
			}
		}
	}
	return errs
}

// BuildInsertSQL builds an INSERT ... RETURNING statement.
func BuildInsertSQL(entity *metadata.Entity, dialect store.Dialect, fields map[string]any) (string, []any) {
	pb := dialect.NewParamBuilder()
	var cols, phs []string
	for _, name := range sortedKeys(fields) {
		cols = append(cols, store.Quote(name))
		phs = append(phs, pb.Add(fields[name]))
	}
	if len(cols) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", entity.Table, selectColumns(entity)), nil
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		entity.Table, strings.Join(cols, ", "), strings.Join(phs, ", "), selectColumns(entity))
	return sql, pb.Params()
}

// BuildUpdateSQL builds an UPDATE by primary key, or "" when there is nothing to set.
func BuildUpdateSQL(entity *metadata.Entity, dialect store.Dialect, id any, fields map[string]any) (string, []any) {
	if len(fields) == 0 {
		return "", nil
	}
	pb := dialect.NewParamBuilder()
	var sets []string
	for _, name := range sortedKeys(fields) {
		sets = append(sets, fmt.Sprintf("%s = %s", store.Quote(name), pb.Add(fields[name])))
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		entity.Table, strings.Join(sets, ", "), store.Quote(entity.PrimaryKey.Field), pb.Add(id))
	return sql, pb.Params()
}

// prepareCreate fills generated identifiers the database cannot produce itself.
func prepareCreate(entity *metadata.Entity, dialect store.Dialect, fields map[string]any) {
	if entity.DocumentKey != "" && entity.DocumentKey != entity.PrimaryKey.Field {
		if v, ok := fields[entity.DocumentKey]; !ok || v == nil || v == "" {
			fields[entity.DocumentKey] = uuid.NewString()
		}
	}
	pk := entity.PrimaryKey
	if pk.Generated && pk.Type == "uuid" && dialect.UUIDDefault() == "" {
		fields[pk.Field] = uuid.NewString()
	}
	if !pk.Generated && pk.Type == "string" {
		if _, ok := fields[pk.Field]; !ok {
			fields[pk.Field] = uuid.NewString()
		}
	}
}

// fetchRecord loads a live record by primary key.
func fetchRecord(ctx context.Context, q store.Querier, dialect store.Dialect, entity *metadata.Entity, id any) (map[string]any, error) {
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		selectColumns(entity), entity.Table, store.Quote(entity.PrimaryKey.Field), pb.Add(id))
	if entity.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}
	return store.QueryRow(ctx, q, sql, pb.Params()...)
}

// resolveRecord loads a live record by public id: the document key first, then the
// primary key when the id fits its type.
func resolveRecord(ctx context.Context, q store.Querier, dialect store.Dialect, entity *metadata.Entity, id string) (map[string]any, error) {
	if entity.DocumentKey != "" && entity.DocumentKey != entity.PrimaryKey.Field {
		pb := dialect.NewParamBuilder()
		sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
			selectColumns(entity), entity.Table, store.Quote(entity.DocumentKey), pb.Add(id))
		if entity.SoftDelete {
			sql += " AND deleted_at IS NULL"
		}
		row, err := store.QueryRow(ctx, q, sql, pb.Params()...)
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	switch entity.PrimaryKey.Type {
	case "int", "bigint":
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, store.ErrNotFound
		}
		return fetchRecord(ctx, q, dialect, entity, n)
	case "uuid":
		if _, err := uuid.Parse(id); err != nil {
			return nil, store.ErrNotFound
		}
	}
	return fetchRecord(ctx, q, dialect, entity, id)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
