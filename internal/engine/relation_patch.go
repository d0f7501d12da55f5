package engine

import (
	"context"
	"errors"
	"fmt"

	"filtered-relation/internal/metadata"
	"filtered-relation/internal/persistence"
	"filtered-relation/internal/store"
)

// ApplyRelationPatch connects and disconnects related records of one record.
// Disconnects run before connects so a patch can move a link in one call.
func ApplyRelationPatch(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, entity *metadata.Entity, record map[string]any, relName string, patch persistence.RelationPatch) error {
	rel := reg.FindRelationForEntity(relName, entity.Name)
	if rel == nil {
		return UnknownFieldError(entity.Name, relName)
	}
	other := reg.GetEntity(rel.Other(entity.Name))
	if other == nil {
		return fmt.Errorf("unknown entity on relation %s", rel.Name)
	}

	w := &linkWriter{q: q, dialect: dialect, rel: rel, entity: entity, other: other, record: record}
	for _, id := range patch.Disconnect {
		related, err := w.related(ctx, id)
		if err != nil {
			return err
		}
		if err := w.unlink(ctx, related); err != nil {
			return fmt.Errorf("disconnect %s %s: %w", relName, id, err)
		}
	}
	for _, id := range patch.Connect {
		related, err := w.related(ctx, id)
		if err != nil {
			return err
		}
		if err := w.link(ctx, related); err != nil {
			return fmt.Errorf("connect %s %s: %w", relName, id, err)
		}
	}
	return nil
}

type linkWriter struct {
	q       store.Querier
	dialect store.Dialect
	rel     *metadata.Relation
	entity  *metadata.Entity
	other   *metadata.Entity
	record  map[string]any
}

func (w *linkWriter) related(ctx context.Context, id string) (map[string]any, error) {
	row, err := resolveRecord(ctx, w.q, w.dialect, w.other, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &AppError{
			Code:    "NOT_FOUND",
			Status:  404,
			Message: fmt.Sprintf("related %s with id %s not found", w.other.Name, id),
		}
	}
	return row, err
}

// sides returns the source-side and target-side records of the relation.
func (w *linkWriter) sides(related map[string]any) (source, target map[string]any, sourceEntity, targetEntity *metadata.Entity) {
	if w.rel.Source == w.entity.Name {
		return w.record, related, w.entity, w.other
	}
	return related, w.record, w.other, w.entity
}

func (w *linkWriter) link(ctx context.Context, related map[string]any) error {
	source, target, sourceEntity, targetEntity := w.sides(related)
	sourceVal := source[sourceKey(w.rel, sourceEntity)]
	targetPK := target[targetEntity.PrimaryKey.Field]

	pb := w.dialect.NewParamBuilder()
	var sql string
	if w.rel.IsManyToMany() {
		sql = fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, %s) ON CONFLICT DO NOTHING",
			w.rel.JoinTable, store.Quote(w.rel.SourceJoinKey), store.Quote(w.rel.TargetJoinKey),
			pb.Add(sourceVal), pb.Add(targetPK))
	} else {
		sql = fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s",
			targetEntity.Table, store.Quote(w.rel.TargetKey), pb.Add(sourceVal),
			store.Quote(targetEntity.PrimaryKey.Field), pb.Add(targetPK))
	}
	_, err := store.Exec(ctx, w.q, sql, pb.Params()...)
	return err
}

func (w *linkWriter) unlink(ctx context.Context, related map[string]any) error {
	source, target, sourceEntity, targetEntity := w.sides(related)
	sourceVal := source[sourceKey(w.rel, sourceEntity)]
	targetPK := target[targetEntity.PrimaryKey.Field]

	pb := w.dialect.NewParamBuilder()
	var sql string
	if w.rel.IsManyToMany() {
		sql = fmt.Sprintf("DELETE FROM %s WHERE %s = %s AND %s = %s",
			w.rel.JoinTable, store.Quote(w.rel.SourceJoinKey), pb.Add(sourceVal),
			store.Quote(w.rel.TargetJoinKey), pb.Add(targetPK))
	} else {
		sql = fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = %s AND %s = %s",
			targetEntity.Table, store.Quote(w.rel.TargetKey),
			store.Quote(targetEntity.PrimaryKey.Field), pb.Add(targetPK),
			store.Quote(w.rel.TargetKey), pb.Add(sourceVal))
	}
	_, err := store.Exec(ctx, w.q, sql, pb.Params()...)
	return err
}
