package engine

import (
	"context"
	"fmt"

	"filtered-relation/internal/metadata"
	"filtered-relation/internal/store"
)

// HandleCascadeDelete processes on_delete policies for all relations
// where the deleted entity is the source.
func HandleCascadeDelete(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, entity *metadata.Entity, record map[string]any) error {
	for _, rel := range reg.GetRelationsForSource(entity.Name) {
		parentKey := record[sourceKey(rel, entity)]
		if parentKey == nil {
			continue
		}
		if err := executeCascade(ctx, q, dialect, reg, rel, parentKey); err != nil {
			return fmt.Errorf("cascade delete for relation %s: %w", rel.Name, err)
		}
	}
	return nil
}

func executeCascade(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, rel *metadata.Relation, parentKey any) error {
	ph := dialect.Placeholder(1)
	target := reg.GetEntity(rel.Target)
	fk := store.Quote(rel.TargetKey)

	switch rel.OnDelete {
	case "cascade":
		if rel.IsManyToMany() {
			sql := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", rel.JoinTable, store.Quote(rel.SourceJoinKey), ph)
			_, err := store.Exec(ctx, q, sql, parentKey)
			return err
		}
		if target == nil {
			return nil
		}
		var sql string
		if target.SoftDelete {
			sql = fmt.Sprintf("UPDATE %s SET deleted_at = %s WHERE %s = %s AND deleted_at IS NULL",
				target.Table, dialect.NowExpr(), fk, ph)
		} else {
			sql = fmt.Sprintf("DELETE FROM %s WHERE %s = %s", target.Table, fk, ph)
		}
		_, err := store.Exec(ctx, q, sql, parentKey)
		return err

	case "set_null":
		if target == nil || rel.IsManyToMany() {
			return nil
		}
		sql := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = %s", target.Table, fk, fk, ph)
		_, err := store.Exec(ctx, q, sql, parentKey)
		return err

	case "restrict":
		if target == nil || rel.IsManyToMany() {
			return nil
		}
		countSQL := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s WHERE %s = %s", target.Table, fk, ph)
		if target.SoftDelete {
			countSQL += " AND deleted_at IS NULL"
		}
		row, err := store.QueryRow(ctx, q, countSQL, parentKey)
		if err != nil {
			return err
		}
		if count, ok := row["count"].(int64); ok && count > 0 {
			return &AppError{
				Code:    "CONFLICT",
				Status:  409,
				Message: fmt.Sprintf("Cannot delete: %d related %s records exist", count, rel.Target),
			}
		}

	case "detach":
		if rel.IsManyToMany() {
			sql := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", rel.JoinTable, store.Quote(rel.SourceJoinKey), ph)
			_, err := store.Exec(ctx, q, sql, parentKey)
			return err
		}
	}

	return nil
}

// BuildSoftDeleteSQL marks a record deleted by primary key.
func BuildSoftDeleteSQL(entity *metadata.Entity, dialect store.Dialect, id any) (string, []any) {
	return fmt.Sprintf("UPDATE %s SET deleted_at = %s WHERE %s = %s AND deleted_at IS NULL",
		entity.Table, dialect.NowExpr(), store.Quote(entity.PrimaryKey.Field), dialect.Placeholder(1)), []any{id}
}

// BuildHardDeleteSQL removes a record by primary key.
func BuildHardDeleteSQL(entity *metadata.Entity, dialect store.Dialect, id any) (string, []any) {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		entity.Table, store.Quote(entity.PrimaryKey.Field), dialect.Placeholder(1)), []any{id}
}
