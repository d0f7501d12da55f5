package relsync

import (
	"fmt"

	"filtered-relation/internal/metadata"
)

// labelFields are tried in order when rendering a related record.
var labelFields = []string{"fullName", "name", "displayName", "firstName"}

// Item is one row of a computed filtered field as shown to an operator.
type Item struct {
	ID                string `json:"id"`
	Label             string `json:"label"`
	RecordID          string `json:"record_id"`
	RelatedID         string `json:"related_id,omitempty"`
	RelatedCollection string `json:"related_collection,omitempty"`
	Status            string `json:"status,omitempty"`
}

// View is the freshly computed state of a filtered field.
type View struct {
	OwnerID          string   `json:"owner_id"`
	Field            string   `json:"field"`
	TargetCollection string   `json:"target_collection"`
	IDs              []string `json:"ids"`
	Items            []Item   `json:"items"`
	StatusOptions    []string `json:"status_options"`
	Written          bool     `json:"written"`
	Skipped          bool     `json:"skipped,omitempty"`
}

func skippedView(ownerID, field string) *View {
	return &View{
		OwnerID:       ownerID,
		Field:         field,
		IDs:           []string{},
		Items:         []Item{},
		StatusOptions: []string{},
		Skipped:       true,
	}
}

func buildView(reg *metadata.Registry, dep metadata.Dependency, c *Computation) *View {
	v := &View{
		OwnerID:          c.OwnerID,
		Field:            dep.Field,
		TargetCollection: dep.TargetCollection,
		IDs:              c.IDs,
		Items:            []Item{},
		StatusOptions:    statusOptions(dep),
		Written:          c.Written,
		Skipped:          c.Skipped,
	}

	target, display := dep.Target, dep.Filter.DisplayField
	var related *metadata.Entity
	if !target.IsIdentityField(display) {
		if rel := reg.FindRelationForEntity(display, target.Name); rel != nil {
			related = reg.GetEntity(rel.Other(target.Name))
		}
	}

	seen := make(map[string]bool)
	add := func(it Item) {
		if seen[it.ID] {
			return
		}
		seen[it.ID] = true
		v.Items = append(v.Items, it)
	}

	for _, rec := range c.Records {
		recordID := target.PublicID(rec)
		status := statusOf(reg, dep, rec)

		if target.IsIdentityField(display) {
			add(Item{ID: recordID, Label: label(rec, recordID), RecordID: recordID, Status: status})
			continue
		}
		if n, ok := countOf(rec[display]); ok {
			add(Item{ID: recordID, Label: fmt.Sprintf("%d items", n), RecordID: recordID, Status: status})
			continue
		}
		for _, r := range relatedRecords(rec[display]) {
			id := publicID(related, r)
			it := Item{ID: id, Label: label(r, id), RecordID: recordID, RelatedID: id, Status: status}
			if related != nil {
				it.RelatedCollection = related.CollectionID()
			}
			add(it)
		}
	}
	return v
}

func label(rec map[string]any, id string) string {
	for _, f := range labelFields {
		if s, ok := rec[f].(string); ok && s != "" {
			return s
		}
	}
	return "ID: " + id
}

// statusOf reads the status field, which may be an attribute or a populated
// single relation.
func statusOf(reg *metadata.Registry, dep metadata.Dependency, rec map[string]any) string {
	name := dep.Filter.StatusField
	if name == "" {
		return ""
	}
	if m, ok := rec[name].(map[string]any); ok {
		var entity *metadata.Entity
		if rel := reg.FindRelationForEntity(name, dep.Target.Name); rel != nil {
			entity = reg.GetEntity(rel.Other(dep.Target.Name))
		}
		return publicID(entity, m)
	}
	return metadata.IDString(rec[name])
}

// statusOptions lists the values the status field accepts.
func statusOptions(dep metadata.Dependency) []string {
	if dep.Filter.StatusField == "" {
		return []string{}
	}
	f := dep.Target.GetField(dep.Filter.StatusField)
	if f == nil || len(f.Enum) == 0 {
		return []string{}
	}
	return append([]string(nil), f.Enum...)
}
