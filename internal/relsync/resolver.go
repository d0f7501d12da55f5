package relsync

import (
	"context"

	log "github.com/sirupsen/logrus"

	"filtered-relation/internal/events"
	"filtered-relation/internal/metadata"
	"filtered-relation/internal/persistence"
)

// Affected is one dependent field together with the owners that must be
// recomputed for it.
type Affected struct {
	Dependency metadata.Dependency
	OwnerIDs   []string
}

// Resolver maps a change in a target collection to the owner records whose
// filtered fields depend on it.
type Resolver struct {
	registry *metadata.Registry
	store    persistence.Store
}

func NewResolver(reg *metadata.Registry, st persistence.Store) *Resolver {
	return &Resolver{registry: reg, store: st}
}

// Resolve returns the affected owners for every field watching the changed
// collection. Fields with no relation back to the changed collection resolve to
// nothing.
func (r *Resolver) Resolve(ctx context.Context, ev events.EntityChanged) []Affected {
	var out []Affected
	for _, dep := range r.registry.DependentsOf(ev.CollectionID) {
		logger := log.WithFields(log.Fields{
			"collection": dep.Owner.Name,
			"field":      dep.Field,
			"record":     ev.ID,
		})
		if len(dep.Links) == 0 {
			logger.Debug("no relation links owner to changed collection")
			continue
		}
		ids := r.owners(ctx, dep, ev)
		if len(ids) == 0 {
			logger.Debug("no owners resolved")
			continue
		}
		out = append(out, Affected{Dependency: dep, OwnerIDs: ids})
	}
	return out
}

func (r *Resolver) owners(ctx context.Context, dep metadata.Dependency, ev events.EntityChanged) []string {
	owner, changed := dep.Owner, dep.Target
	ids := newIDSet()

	for _, link := range dep.Links {
		// relation embedded in the event records or supplied as a patch
		for _, rec := range []map[string]any{ev.After, ev.Before} {
			if rec != nil {
				ids.add(embeddedIDs(owner, rec[link.Name])...)
			}
		}
		ids.add(patchIDs(ev.Input[link.Name])...)

		switch {
		case link.IsManyToMany():
			if ev.After == nil {
				continue
			}
			pk := ev.After[changed.PrimaryKey.Field]
			if pk == nil {
				continue
			}
			ids.add(r.lookup(ctx, owner, link.Name+"."+changed.PrimaryKey.Field, pk)...)

		case link.Source == owner.Name:
			// changed record holds the foreign key
			key := refKey(link, owner)
			for _, v := range fkValues(link.TargetKey, ev.After, ev.Before, ev.Input) {
				ids.add(r.lookup(ctx, owner, key, v)...)
			}

		default:
			// owner holds the foreign key
			key := refKey(link, changed)
			for _, v := range fkValues(key, ev.After, ev.Before) {
				ids.add(r.lookup(ctx, owner, link.TargetKey, v)...)
			}
		}
	}
	return ids.items
}

func (r *Resolver) lookup(ctx context.Context, owner *metadata.Entity, path string, value any) []string {
	records, err := r.store.Query(ctx, owner.Name, []persistence.Constraint{{Path: path, Value: value}}, nil)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"collection": owner.Name,
			"path":       path,
		}).Warn("owner lookup failed")
		return nil
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if id := owner.PublicID(rec); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// refKey returns the referenced key column on the relation's source entity.
func refKey(rel *metadata.Relation, source *metadata.Entity) string {
	if rel.SourceKey != "" {
		return rel.SourceKey
	}
	return source.PrimaryKey.Field
}

func fkValues(column string, records ...map[string]any) []any {
	seen := make(map[string]bool)
	var values []any
	for _, rec := range records {
		if rec == nil {
			continue
		}
		v := rec[column]
		s := metadata.IDString(v)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		values = append(values, v)
	}
	return values
}

// embeddedIDs reads public ids from a populated relation value.
func embeddedIDs(entity *metadata.Entity, v any) []string {
	var ids []string
	for _, rec := range relatedRecords(v) {
		if id := publicID(entity, rec); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// patchIDs reads the ids named by a connect/disconnect patch or a bare id list.
func patchIDs(v any) []string {
	var ids []string
	switch t := v.(type) {
	case nil:
	case map[string]any:
		ids = append(ids, stringList(t["connect"])...)
		ids = append(ids, stringList(t["disconnect"])...)
	case persistence.RelationPatch:
		ids = append(ids, t.Connect...)
		ids = append(ids, t.Disconnect...)
	default:
		ids = stringList(t)
	}
	return ids
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				item = m["id"]
			}
			if s := metadata.IDString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string, float64, int, int64:
		return []string{metadata.IDString(t)}
	}
	return nil
}

// idSet is an insertion-ordered set of ids.
type idSet struct {
	seen  map[string]struct{}
	items []string
}

func newIDSet() *idSet {
	return &idSet{seen: make(map[string]struct{}), items: []string{}}
}

func (s *idSet) add(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		s.items = append(s.items, id)
	}
}
