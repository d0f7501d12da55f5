package engine

import (
	"context"
	"fmt"

	"filtered-relation/internal/metadata"
	"filtered-relation/internal/store"
)

// LoadIncludes fetches related data and attaches it to the parent rows. Relations
// with fetch "count" attach {"count": n} instead of the related records.
func LoadIncludes(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, entity *metadata.Entity, rows []map[string]any, includes []string) error {
	if len(rows) == 0 || len(includes) == 0 {
		return nil
	}

	l := &includeLoader{q: q, dialect: dialect, reg: reg}
	for _, incName := range includes {
		rel := reg.FindRelationForEntity(incName, entity.Name)
		if rel == nil {
			continue
		}

		var err error
		switch {
		case rel.IsManyToMany():
			err = l.loadManyToMany(ctx, entity, rel, rows, incName)
		case rel.Source == entity.Name:
			// Forward relation: load children by parent key
			err = l.loadForward(ctx, entity, rel, rows, incName)
		default:
			// Reverse relation: load parents by FK on current entity
			err = l.loadReverse(ctx, rel, rows, incName)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

type includeLoader struct {
	q       store.Querier
	dialect store.Dialect
	reg     *metadata.Registry
}

func (l *includeLoader) loadForward(ctx context.Context, parent *metadata.Entity, rel *metadata.Relation, rows []map[string]any, incName string) error {
	target := l.reg.GetEntity(rel.Target)
	if target == nil {
		return fmt.Errorf("unknown target entity: %s", rel.Target)
	}
	parentKey := sourceKey(rel, parent)
	parentIDs := collectValues(rows, parentKey)
	if len(parentIDs) == 0 {
		attachEmpty(rows, rel, incName)
		return nil
	}

	pb := l.dialect.NewParamBuilder()
	fk := store.Quote(rel.TargetKey)
	var sql string
	if rel.IsCount() {
		sql = fmt.Sprintf("SELECT %s AS parent_key, COUNT(*) AS count FROM %s WHERE %s",
			fk, target.Table, l.dialect.InExpr(fk, pb, parentIDs))
	} else {
		sql = fmt.Sprintf("SELECT %s FROM %s WHERE %s",
			selectColumns(target), target.Table, l.dialect.InExpr(fk, pb, parentIDs))
	}
	if target.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}
	if rel.IsCount() {
		sql += " GROUP BY " + fk
	}

	childRows, err := store.QueryRows(ctx, l.q, sql, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load include %s: %w", incName, err)
	}

	if rel.IsCount() {
		counts := make(map[string]any, len(childRows))
		for _, cr := range childRows {
			counts[metadata.IDString(cr["parent_key"])] = cr["count"]
		}
		for _, row := range rows {
			row[incName] = countProjection(counts[metadata.IDString(row[parentKey])])
		}
		return nil
	}

	grouped := make(map[string][]map[string]any)
	for _, child := range childRows {
		key := metadata.IDString(child[rel.TargetKey])
		grouped[key] = append(grouped[key], child)
	}

	for _, row := range rows {
		key := metadata.IDString(row[parentKey])
		if rel.IsOneToOne() {
			if children := grouped[key]; len(children) > 0 {
				row[incName] = children[0]
			} else {
				row[incName] = nil
			}
		} else if children := grouped[key]; children != nil {
			row[incName] = children
		} else {
			row[incName] = []map[string]any{}
		}
	}

	return nil
}

// loadManyToMany handles both directions: joinKey is the join column matching the
// rows being populated, otherKey the column pointing at the related records.
func (l *includeLoader) loadManyToMany(ctx context.Context, entity *metadata.Entity, rel *metadata.Relation, rows []map[string]any, incName string) error {
	other := l.reg.GetEntity(rel.Other(entity.Name))
	if other == nil {
		return fmt.Errorf("unknown entity on relation %s", rel.Name)
	}

	rowKey, joinKey, otherKey, otherRef := entity.PrimaryKey.Field, rel.TargetJoinKey, rel.SourceJoinKey, sourceKey(rel, other)
	if rel.Source == entity.Name {
		rowKey, joinKey, otherKey, otherRef = sourceKey(rel, entity), rel.SourceJoinKey, rel.TargetJoinKey, other.PrimaryKey.Field
	}

	rowIDs := collectValues(rows, rowKey)
	if len(rowIDs) == 0 {
		attachEmpty(rows, rel, incName)
		return nil
	}

	pb := l.dialect.NewParamBuilder()
	joinSQL := fmt.Sprintf("SELECT j.%s AS row_key, j.%s AS other_key FROM %s j JOIN %s o ON o.%s = j.%s WHERE %s",
		store.Quote(joinKey), store.Quote(otherKey), rel.JoinTable, other.Table,
		store.Quote(otherRef), store.Quote(otherKey),
		l.dialect.InExpr("j."+store.Quote(joinKey), pb, rowIDs))
	if other.SoftDelete {
		joinSQL += " AND o.deleted_at IS NULL"
	}
	joinRows, err := store.QueryRows(ctx, l.q, joinSQL, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load join table %s: %w", rel.JoinTable, err)
	}

	if rel.IsCount() {
		counts := make(map[string]int64)
		for _, jr := range joinRows {
			counts[metadata.IDString(jr["row_key"])]++
		}
		for _, row := range rows {
			row[incName] = countProjection(counts[metadata.IDString(row[rowKey])])
		}
		return nil
	}

	if len(joinRows) == 0 {
		attachEmpty(rows, rel, incName)
		return nil
	}

	otherIDs := collectValues(joinRows, "other_key")
	pb = l.dialect.NewParamBuilder()
	targetSQL := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		selectColumns(other), other.Table, l.dialect.InExpr(store.Quote(otherRef), pb, otherIDs))
	targetRows, err := store.QueryRows(ctx, l.q, targetSQL, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load targets for %s: %w", incName, err)
	}

	byKey := make(map[string]map[string]any, len(targetRows))
	for _, tr := range targetRows {
		byKey[metadata.IDString(tr[otherRef])] = tr
	}

	related := make(map[string][]map[string]any)
	for _, jr := range joinRows {
		rk := metadata.IDString(jr["row_key"])
		if target, ok := byKey[metadata.IDString(jr["other_key"])]; ok {
			related[rk] = append(related[rk], target)
		}
	}

	for _, row := range rows {
		if targets, ok := related[metadata.IDString(row[rowKey])]; ok {
			row[incName] = targets
		} else {
			row[incName] = []map[string]any{}
		}
	}

	return nil
}

// loadReverse loads parent records referenced by FK on the current entity.
func (l *includeLoader) loadReverse(ctx context.Context, rel *metadata.Relation, rows []map[string]any, incName string) error {
	source := l.reg.GetEntity(rel.Source)
	if source == nil {
		return fmt.Errorf("unknown source entity: %s", rel.Source)
	}

	fkValues := collectValues(rows, rel.TargetKey)
	if len(fkValues) == 0 {
		for _, row := range rows {
			row[incName] = nil
		}
		return nil
	}

	key := sourceKey(rel, source)
	pb := l.dialect.NewParamBuilder()
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		selectColumns(source), source.Table, l.dialect.InExpr(store.Quote(key), pb, fkValues))
	if source.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}

	parentRows, err := store.QueryRows(ctx, l.q, sql, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load reverse include %s: %w", incName, err)
	}

	byKey := make(map[string]map[string]any, len(parentRows))
	for _, pr := range parentRows {
		byKey[metadata.IDString(pr[key])] = pr
	}

	for _, row := range rows {
		if parent, ok := byKey[metadata.IDString(row[rel.TargetKey])]; ok {
			row[incName] = parent
		} else {
			row[incName] = nil
		}
	}

	return nil
}

func attachEmpty(rows []map[string]any, rel *metadata.Relation, incName string) {
	for _, row := range rows {
		switch {
		case rel.IsCount():
			row[incName] = countProjection(nil)
		case rel.IsOneToOne():
			row[incName] = nil
		default:
			row[incName] = []map[string]any{}
		}
	}
}

func countProjection(n any) map[string]any {
	switch v := n.(type) {
	case int64:
		return map[string]any{"count": v}
	case int:
		return map[string]any{"count": int64(v)}
	case float64:
		return map[string]any{"count": int64(v)}
	default:
		return map[string]any{"count": int64(0)}
	}
}

func collectValues(rows []map[string]any, field string) []any {
	seen := make(map[string]bool)
	var values []any
	for _, row := range rows {
		v := row[field]
		if v == nil {
			continue
		}
		s := metadata.IDString(v)
		if !seen[s] {
			seen[s] = true
			values = append(values, v)
		}
	}
	return values
}
