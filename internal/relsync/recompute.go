package relsync

import (
	"context"
	"encoding/json"
	"fmt"

	"filtered-relation/internal/metadata"
	"filtered-relation/internal/persistence"
)

// Computation is the outcome of one recomputation.
type Computation struct {
	OwnerID string
	// IDs are the related public ids in first-seen order.
	IDs []string
	// Records are the matching target records, populated with the display and
	// status relations.
	Records []persistence.Record
	Encoded string
	// Skipped is set when the filter produced no constraints; nothing was
	// queried or written.
	Skipped bool
	Written bool
}

// Recomputer evaluates a filtered field for one owner and persists the result
// when it changed.
type Recomputer struct {
	registry *metadata.Registry
	store    persistence.Store
}

func NewRecomputer(reg *metadata.Registry, st persistence.Store) *Recomputer {
	return &Recomputer{registry: reg, store: st}
}

// Recompute runs the filter of dep for the owner identified by ownerID (public
// id or primary key). The stored value is written only when its encoding
// differs from the previous one.
func (r *Recomputer) Recompute(ctx context.Context, dep metadata.Dependency, ownerID string) (*Computation, error) {
	owner, err := r.store.FetchByID(ctx, dep.Owner.Name, ownerID, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch owner %s/%s: %w", dep.Owner.Name, ownerID, err)
	}
	publicID := dep.Owner.PublicID(owner)
	c := &Computation{OwnerID: publicID, IDs: []string{}}

	constraints := BuildConstraints(dep.Filter, publicID)
	if len(constraints) == 0 {
		c.Skipped = true
		return c, nil
	}

	records, err := r.store.Query(ctx, dep.Target.Name, constraints, r.populate(dep))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", dep.Target.Name, err)
	}
	c.Records = records
	c.IDs = r.extractIDs(dep, records)

	encoded, err := encodeIDs(c.IDs)
	if err != nil {
		return nil, err
	}
	c.Encoded = encoded

	if sameEncoding(owner[dep.Field], encoded) {
		return c, nil
	}
	patch := persistence.Patch{Fields: map[string]any{dep.Field: encoded}}
	if _, err := r.store.Update(ctx, dep.Owner.Name, publicID, patch); err != nil {
		return nil, fmt.Errorf("update %s/%s.%s: %w", dep.Owner.Name, publicID, dep.Field, err)
	}
	c.Written = true
	return c, nil
}

// populate lists the display and status fields that are relations on the
// target collection.
func (r *Recomputer) populate(dep metadata.Dependency) []string {
	var names []string
	for _, name := range []string{dep.Filter.DisplayField, dep.Filter.StatusField} {
		if name == "" || dep.Target.IsIdentityField(name) {
			continue
		}
		if r.registry.FindRelationForEntity(name, dep.Target.Name) != nil {
			names = append(names, name)
		}
	}
	return names
}

// displayEntity returns the collection the display relation points at, or nil
// when the display field is the record's own identifier or not a relation.
func (r *Recomputer) displayEntity(dep metadata.Dependency) *metadata.Entity {
	display := dep.Filter.DisplayField
	if dep.Target.IsIdentityField(display) {
		return nil
	}
	rel := r.registry.FindRelationForEntity(display, dep.Target.Name)
	if rel == nil {
		return nil
	}
	return r.registry.GetEntity(rel.Other(dep.Target.Name))
}

func (r *Recomputer) extractIDs(dep metadata.Dependency, records []persistence.Record) []string {
	ids := newIDSet()
	if dep.Target.IsIdentityField(dep.Filter.DisplayField) {
		for _, rec := range records {
			ids.add(dep.Target.PublicID(rec))
		}
		return ids.items
	}

	related := r.displayEntity(dep)
	for _, rec := range records {
		// count projections carry no identifiers
		for _, item := range relatedRecords(rec[dep.Filter.DisplayField]) {
			ids.add(publicID(related, item))
		}
	}
	return ids.items
}

// relatedRecords flattens a populated relation into its records. Count
// projections and scalar values yield nothing.
func relatedRecords(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		if isCountProjection(t) {
			return nil
		}
		return []map[string]any{t}
	case []map[string]any:
		return t
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func isCountProjection(m map[string]any) bool {
	_, ok := m["count"]
	return ok && len(m) == 1
}

func countOf(v any) (int64, bool) {
	m, ok := v.(map[string]any)
	if !ok || !isCountProjection(m) {
		return 0, false
	}
	switch n := m["count"].(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, true
}

// publicID prefers the entity's document key and falls back to its primary
// key. Without an entity it tries documentId then id.
func publicID(entity *metadata.Entity, rec map[string]any) string {
	if entity != nil {
		return entity.PublicID(rec)
	}
	if id := metadata.IDString(rec["documentId"]); id != "" {
		return id
	}
	return metadata.IDString(rec["id"])
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode ids: %w", err)
	}
	return string(b), nil
}

// DecodeIDs parses a stored filtered-relation value. Empty values decode to an
// empty list.
func DecodeIDs(v any) ([]string, error) {
	var raw string
	switch t := v.(type) {
	case nil:
		return []string{}, nil
	case string:
		raw = t
	case []byte:
		raw = string(t)
	default:
		return nil, fmt.Errorf("unexpected stored value %T", v)
	}
	if raw == "" {
		return []string{}, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// sameEncoding compares the stored value with a fresh encoding. A never-written
// field equals an empty list; values that do not decode never match.
func sameEncoding(prev any, encoded string) bool {
	ids, err := DecodeIDs(prev)
	if err != nil {
		return false
	}
	canonical, err := encodeIDs(ids)
	if err != nil {
		return false
	}
	return canonical == encoded
}
