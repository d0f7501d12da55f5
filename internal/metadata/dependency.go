package metadata

import "iter"

// FilteredField is one filtered-relation field declared on an owner collection.
type FilteredField struct {
	Owner  *Entity
	Field  string
	Filter FilterConfig
	// TargetCollection is the normalized collection id of Filter.TargetCollection.
	TargetCollection string
}

// Dependency is a filtered field whose owner must be recomputed when a record of the
// target collection changes. Links are the relations joining owner and target.
type Dependency struct {
	FilteredField
	Target *Entity
	Links  []*Relation
}

// ScanFilteredFields yields every filtered-relation field declared on api collections.
// Fields with no target collection are skipped.
func ScanFilteredFields(entities []*Entity) iter.Seq[FilteredField] {
	return func(yield func(FilteredField) bool) {
		for _, e := range entities {
			if !e.IsAPI() {
				continue
			}
			for _, f := range e.FilteredFields() {
				target := NormalizeCollectionID(f.Filter.TargetCollection)
				if target == "" {
					continue
				}
				ff := FilteredField{
					Owner:            e,
					Field:            f.Name,
					Filter:           *f.Filter,
					TargetCollection: target,
				}
				if !yield(ff) {
					return
				}
			}
		}
	}
}

// buildDependencyIndex maps target collection ids to the fields that depend on them.
// Fields whose target collection is not registered are left out.
func buildDependencyIndex(entities map[string]*Entity, byCollection map[string]*Entity, relations []*Relation) map[string][]Dependency {
	list := make([]*Entity, 0, len(entities))
	for _, e := range entities {
		list = append(list, e)
	}
	sortEntities(list)

	index := make(map[string][]Dependency)
	for ff := range ScanFilteredFields(list) {
		target := byCollection[ff.TargetCollection]
		if target == nil {
			continue
		}
		dep := Dependency{FilteredField: ff, Target: target}
		for _, rel := range relations {
			if rel.Involves(ff.Owner.Name, target.Name) {
				dep.Links = append(dep.Links, rel)
			}
		}
		index[ff.TargetCollection] = append(index[ff.TargetCollection], dep)
	}
	return index
}
