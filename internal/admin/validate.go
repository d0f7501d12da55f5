package admin

import (
	"fmt"

	"filtered-relation/internal/engine"
	"filtered-relation/internal/metadata"
)

func validateEntity(e *metadata.Entity) []engine.ErrorDetail {
	var errs []engine.ErrorDetail
	add := func(field, msg string) {
		errs = append(errs, engine.ErrorDetail{Field: field, Rule: "invalid", Message: msg})
	}

	if e.Name == "" {
		add("name", "entity name is required")
	}
	if e.Table == "" {
		add("table", "table name is required")
	}
	if len(e.Fields) == 0 {
		add("fields", "entity must have at least one field")
	}
	if e.PrimaryKey.Field == "" {
		add("primary_key", "primary key field is required")
	} else if !e.HasField(e.PrimaryKey.Field) {
		add("primary_key", fmt.Sprintf("primary key field %s not found in fields", e.PrimaryKey.Field))
	}
	if e.DocumentKey != "" && !e.HasField(e.DocumentKey) {
		add("document_key", fmt.Sprintf("document key field %s not found in fields", e.DocumentKey))
	}

	for _, f := range e.Fields {
		switch f.Kind {
		case "", metadata.KindAttribute:
			if f.Filter != nil {
				add(f.Name, "filter is only allowed on filtered_relation fields")
			}
		case metadata.KindFilteredRelation:
			if f.Filter == nil || f.Filter.TargetCollection == "" {
				add(f.Name, "filtered_relation fields need filter.targetCollection")
				continue
			}
			if metadata.NormalizeCollectionID(f.Filter.TargetCollection) == "" {
				add(f.Name, "filter.targetCollection does not name a collection")
			}
			if !e.IsAPI() {
				add(f.Name, "filtered_relation fields are only maintained on api collections")
			}
		default:
			add(f.Name, "unknown field kind: "+f.Kind)
		}
	}
	return errs
}

func validateRelation(r *metadata.Relation, reg *metadata.Registry) []engine.ErrorDetail {
	var errs []engine.ErrorDetail
	add := func(field, msg string) {
		errs = append(errs, engine.ErrorDetail{Field: field, Rule: "invalid", Message: msg})
	}

	if r.Name == "" {
		add("name", "relation name is required")
	}
	if r.Source == "" || r.Target == "" {
		add("source", "source and target are required")
	} else {
		if reg.GetEntity(r.Source) == nil {
			add("source", "source entity not found: "+r.Source)
		}
		if reg.GetEntity(r.Target) == nil {
			add("target", "target entity not found: "+r.Target)
		}
	}
	switch r.Type {
	case "one_to_one", "one_to_many":
		if r.TargetKey == "" {
			add("target_key", "target_key is required for "+r.Type+" relations")
		}
	case "many_to_many":
		if r.JoinTable == "" || r.SourceJoinKey == "" || r.TargetJoinKey == "" {
			add("join_table", "join_table, source_join_key and target_join_key are required for many_to_many relations")
		}
	default:
		add("type", "invalid relation type: "+r.Type)
	}
	switch r.OnDelete {
	case "", "cascade", "set_null", "restrict", "detach":
	default:
		add("on_delete", "invalid on_delete policy: "+r.OnDelete)
	}
	return errs
}

func validateStateMachine(sm *metadata.StateMachine, reg *metadata.Registry) []engine.ErrorDetail {
	var errs []engine.ErrorDetail
	entity := reg.GetEntity(sm.Entity)
	if entity == nil {
		return append(errs, engine.ErrorDetail{Field: "entity", Rule: "invalid", Message: "entity not found: " + sm.Entity})
	}
	if !entity.HasField(sm.Field) {
		errs = append(errs, engine.ErrorDetail{Field: "field", Rule: "invalid", Message: "field not found: " + sm.Field})
	}
	for i, t := range sm.Definition.Transitions {
		if t.To == "" || len(t.From) == 0 {
			errs = append(errs, engine.ErrorDetail{
				Field:   fmt.Sprintf("definition.transitions[%d]", i),
				Rule:    "invalid",
				Message: "transitions need from and to",
			})
		}
	}
	return errs
}
