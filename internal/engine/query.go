package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"filtered-relation/internal/metadata"
	"filtered-relation/internal/persistence"
	"filtered-relation/internal/store"
)

type QueryPlan struct {
	Entity      *metadata.Entity
	Filters     []WhereClause
	Constraints []persistence.Constraint
	Sorts       []OrderClause
	Page        int
	PerPage     int // 0 means unbounded
	Includes    []string
}

type WhereClause struct {
	Field    string
	Operator string
	Value    any
}

type OrderClause struct {
	Field string
	Dir   string // ASC or DESC
}

type QueryResult struct {
	SQL    string
	Params []any
}

// ParseQueryParams parses Fiber query parameters into a QueryPlan.
func ParseQueryParams(c *fiber.Ctx, entity *metadata.Entity, reg *metadata.Registry) (*QueryPlan, error) {
	plan := &QueryPlan{
		Entity:  entity,
		Page:    1,
		PerPage: 25,
	}

	// filter[field]=val or filter[field.op]=val
	for key, val := range c.Queries() {
		if !strings.HasPrefix(key, "filter[") || !strings.HasSuffix(key, "]") {
			continue
		}
		field, op := parseFilterKey(key[7 : len(key)-1])

		if !entity.HasField(field) {
			return nil, &AppError{
				Code:    "UNKNOWN_FIELD",
				Status:  400,
				Message: fmt.Sprintf("Unknown filter field: %s", field),
			}
		}

		coerced, err := coerceValue(entity.GetField(field), val, op)
		if err != nil {
			return nil, &AppError{
				Code:    "INVALID_PAYLOAD",
				Status:  400,
				Message: fmt.Sprintf("Invalid filter value for %s: %v", field, err),
			}
		}

		plan.Filters = append(plan.Filters, WhereClause{Field: field, Operator: op, Value: coerced})
	}

	// sort=-created_at,name
	if sortParam := c.Query("sort"); sortParam != "" {
		for _, part := range strings.Split(sortParam, ",") {
			part = strings.TrimSpace(part)
			dir := "ASC"
			field := part
			if strings.HasPrefix(part, "-") {
				dir = "DESC"
				field = part[1:]
			}
			if !entity.HasField(field) {
				return nil, &AppError{
					Code:    "UNKNOWN_FIELD",
					Status:  400,
					Message: fmt.Sprintf("Unknown sort field: %s", field),
				}
			}
			plan.Sorts = append(plan.Sorts, OrderClause{Field: field, Dir: dir})
		}
	}

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			plan.Page = v
		}
	}
	if pp := c.Query("per_page"); pp != "" {
		if v, err := strconv.Atoi(pp); err == nil && v > 0 {
			plan.PerPage = min(v, 100)
		}
	}

	includes, err := parseIncludes(c.Query("include"), entity, reg)
	if err != nil {
		return nil, err
	}
	plan.Includes = includes

	return plan, nil
}

func parseIncludes(raw string, entity *metadata.Entity, reg *metadata.Registry) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var includes []string
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if reg.FindRelationForEntity(name, entity.Name) == nil {
			return nil, &AppError{
				Code:    "UNKNOWN_FIELD",
				Status:  400,
				Message: fmt.Sprintf("Unknown include: %s", name),
			}
		}
		includes = append(includes, name)
	}
	return includes, nil
}

// BuildSelectSQL builds a parameterized SELECT statement from the query plan.
func BuildSelectSQL(plan *QueryPlan, reg *metadata.Registry, dialect store.Dialect) (QueryResult, error) {
	pb := dialect.NewParamBuilder()
	entity := plan.Entity

	where, err := buildWhere(plan, reg, dialect, pb)
	if err != nil {
		return QueryResult{}, err
	}

	sql := fmt.Sprintf("SELECT %s FROM %s", selectColumns(entity), entity.Table)
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}

	if len(plan.Sorts) > 0 {
		var orderParts []string
		for _, s := range plan.Sorts {
			orderParts = append(orderParts, fmt.Sprintf("%s %s", store.Quote(s.Field), s.Dir))
		}
		sql += " ORDER BY " + strings.Join(orderParts, ", ")
	} else {
		sql += " ORDER BY " + store.Quote(entity.PrimaryKey.Field)
	}

	if plan.PerPage > 0 {
		page := max(plan.Page, 1)
		limit := pb.Add(plan.PerPage)
		offset := pb.Add((page - 1) * plan.PerPage)
		sql += fmt.Sprintf(" LIMIT %s OFFSET %s", limit, offset)
	}

	return QueryResult{SQL: sql, Params: pb.Params()}, nil
}

// BuildCountSQL builds a COUNT query with the same filters as the select.
func BuildCountSQL(plan *QueryPlan, reg *metadata.Registry, dialect store.Dialect) (QueryResult, error) {
	pb := dialect.NewParamBuilder()

	where, err := buildWhere(plan, reg, dialect, pb)
	if err != nil {
		return QueryResult{}, err
	}

	sql := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s", plan.Entity.Table)
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}

	return QueryResult{SQL: sql, Params: pb.Params()}, nil
}

func buildWhere(plan *QueryPlan, reg *metadata.Registry, dialect store.Dialect, pb store.ParamBuilder) ([]string, error) {
	var where []string
	if plan.Entity.SoftDelete {
		where = append(where, "deleted_at IS NULL")
	}
	for _, f := range plan.Filters {
		where = append(where, buildWhereClause(f, dialect, pb))
	}
	for _, c := range plan.Constraints {
		clause, err := buildConstraintClause(plan.Entity, c, reg, pb)
		if err != nil {
			return nil, err
		}
		where = append(where, clause)
	}
	return where, nil
}

func buildWhereClause(f WhereClause, dialect store.Dialect, pb store.ParamBuilder) string {
	col := store.Quote(f.Field)
	switch f.Operator {
	case "neq":
		return fmt.Sprintf("%s != %s", col, pb.Add(f.Value))
	case "gt":
		return fmt.Sprintf("%s > %s", col, pb.Add(f.Value))
	case "gte":
		return fmt.Sprintf("%s >= %s", col, pb.Add(f.Value))
	case "lt":
		return fmt.Sprintf("%s < %s", col, pb.Add(f.Value))
	case "lte":
		return fmt.Sprintf("%s <= %s", col, pb.Add(f.Value))
	case "in":
		values, _ := f.Value.([]any)
		return dialect.InExpr(col, pb, values)
	case "like":
		return fmt.Sprintf("%s LIKE %s", col, pb.Add(f.Value))
	default:
		return fmt.Sprintf("%s = %s", col, pb.Add(f.Value))
	}
}

// buildConstraintClause turns an equality constraint into SQL. A dotted path crosses
// one relation and becomes a subquery against the related table.
func buildConstraintClause(entity *metadata.Entity, c persistence.Constraint, reg *metadata.Registry, pb store.ParamBuilder) (string, error) {
	relName, nested, hop := strings.Cut(c.Path, ".")
	if !hop {
		field := entity.GetField(c.Path)
		if field == nil {
			return "", UnknownFieldError(entity.Name, c.Path)
		}
		return fmt.Sprintf("%s = %s", store.Quote(c.Path), pb.Add(coerceConstraint(field, c.Value))), nil
	}

	rel := reg.FindRelationForEntity(relName, entity.Name)
	if rel == nil {
		return "", UnknownFieldError(entity.Name, relName)
	}
	other := reg.GetEntity(rel.Other(entity.Name))
	if other == nil {
		return "", fmt.Errorf("unknown entity on relation %s: %s", rel.Name, rel.Other(entity.Name))
	}
	nestedField := other.GetField(nested)
	if nestedField == nil {
		return "", UnknownFieldError(other.Name, nested)
	}
	ph := pb.Add(coerceConstraint(nestedField, c.Value))
	otherLive := ""
	if other.SoftDelete {
		otherLive = " AND o.deleted_at IS NULL"
	}

	q := store.Quote
	isSource := rel.Source == entity.Name
	switch {
	case rel.IsManyToMany() && isSource:
		return fmt.Sprintf("%s IN (SELECT j.%s FROM %s j JOIN %s o ON o.%s = j.%s WHERE o.%s = %s%s)",
			q(sourceKey(rel, entity)), q(rel.SourceJoinKey), rel.JoinTable, other.Table,
			q(other.PrimaryKey.Field), q(rel.TargetJoinKey), q(nested), ph, otherLive), nil
	case rel.IsManyToMany():
		return fmt.Sprintf("%s IN (SELECT j.%s FROM %s j JOIN %s o ON o.%s = j.%s WHERE o.%s = %s%s)",
			q(entity.PrimaryKey.Field), q(rel.TargetJoinKey), rel.JoinTable, other.Table,
			q(sourceKey(rel, other)), q(rel.SourceJoinKey), q(nested), ph, otherLive), nil
	case isSource:
		// children hold the foreign key
		return fmt.Sprintf("%s IN (SELECT o.%s FROM %s o WHERE o.%s = %s%s)",
			q(sourceKey(rel, entity)), q(rel.TargetKey), other.Table, q(nested), ph, otherLive), nil
	default:
		// this entity holds the foreign key
		return fmt.Sprintf("%s IN (SELECT o.%s FROM %s o WHERE o.%s = %s%s)",
			q(rel.TargetKey), q(sourceKey(rel, other)), other.Table, q(nested), ph, otherLive), nil
	}
}

// sourceKey returns the referenced key column on the relation's source entity.
func sourceKey(rel *metadata.Relation, source *metadata.Entity) string {
	if rel.SourceKey != "" {
		return rel.SourceKey
	}
	return source.PrimaryKey.Field
}

func selectColumns(entity *metadata.Entity) string {
	cols := make([]string, 0, len(entity.Fields)+1)
	for _, name := range entity.FieldNames() {
		cols = append(cols, store.Quote(name))
	}
	if entity.SoftDelete && entity.GetField("deleted_at") == nil {
		cols = append(cols, "deleted_at")
	}
	return strings.Join(cols, ", ")
}

// parseFilterKey splits "total.gte" into ("total", "gte") or "status" into ("status", "eq").
func parseFilterKey(key string) (string, string) {
	if field, op, ok := strings.Cut(key, "."); ok {
		return field, op
	}
	return key, "eq"
}

// coerceValue converts string query param values to appropriate Go types based on field metadata.
func coerceValue(field *metadata.Field, val string, op string) (any, error) {
	if op == "in" {
		parts := strings.Split(val, ",")
		coerced := make([]any, len(parts))
		for i, p := range parts {
			v, err := coerceSingleValue(field, strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			coerced[i] = v
		}
		return coerced, nil
	}
	return coerceSingleValue(field, val)
}

func coerceSingleValue(field *metadata.Field, val string) (any, error) {
	switch field.Type {
	case "int", "bigint":
		return strconv.ParseInt(val, 10, 64)
	case "decimal":
		return strconv.ParseFloat(val, 64)
	case "boolean":
		return strconv.ParseBool(val)
	default:
		return val, nil
	}
}

// coerceConstraint converts string constraint values for typed columns, leaving
// values that do not parse untouched so the database reports the mismatch.
func coerceConstraint(field *metadata.Field, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if coerced, err := coerceSingleValue(field, s); err == nil {
		return coerced
	}
	return v
}
