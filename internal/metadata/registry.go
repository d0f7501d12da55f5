package metadata

import (
	"sort"
	"sync"
)

type Registry struct {
	mu                    sync.RWMutex
	entities              map[string]*Entity
	entitiesByCollection  map[string]*Entity     // keyed by collection id
	relationsBySource     map[string][]*Relation // keyed by source entity name
	relationsByName       map[string]*Relation   // keyed by relation name
	dependents            map[string][]Dependency
	stateMachinesByEntity map[string][]*StateMachine
}

func NewRegistry() *Registry {
	return &Registry{
		entities:              make(map[string]*Entity),
		entitiesByCollection:  make(map[string]*Entity),
		relationsBySource:     make(map[string][]*Relation),
		relationsByName:       make(map[string]*Relation),
		dependents:            make(map[string][]Dependency),
		stateMachinesByEntity: make(map[string][]*StateMachine),
	}
}

// GetEntity returns the entity with the given name, or nil.
func (r *Registry) GetEntity(name string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entities[name]
}

// GetEntityByCollection returns the entity for a collection id or a plain collection
// name, or nil.
func (r *Registry) GetEntityByCollection(collection string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.entitiesByCollection[collection]; e != nil {
		return e
	}
	if e := r.entitiesByCollection[NormalizeCollectionID(collection)]; e != nil {
		return e
	}
	return r.entities[collection]
}

// AllEntities returns all registered entities, sorted by name.
func (r *Registry) AllEntities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entities := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	sortEntities(entities)
	return entities
}

// GetRelation returns a relation by name, or nil.
func (r *Registry) GetRelation(name string) *Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationsByName[name]
}

// GetRelationsForSource returns all relations where source matches the given entity.
func (r *Registry) GetRelationsForSource(entityName string) []*Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationsBySource[entityName]
}

// FindRelationForEntity finds a relation by name that involves the given entity
// (as source or target). Used for resolving populate and filter paths.
func (r *Registry) FindRelationForEntity(relationName string, entityName string) *Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rel := r.relationsByName[relationName]
	if rel != nil && (rel.Source == entityName || rel.Target == entityName) {
		return rel
	}
	// Also accept the entity on the other side as an alias
	for _, rel := range r.relationsByName {
		if rel.Source == entityName && rel.Target == relationName {
			return rel
		}
		if rel.Target == entityName && rel.Source == relationName {
			return rel
		}
	}
	return nil
}

// AllRelations returns all registered relations, sorted by name.
func (r *Registry) AllRelations() []*Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	relations := make([]*Relation, 0, len(r.relationsByName))
	for _, rel := range r.relationsByName {
		relations = append(relations, rel)
	}
	sort.Slice(relations, func(i, j int) bool { return relations[i].Name < relations[j].Name })
	return relations
}

// Load replaces all entities and relations in the registry and rebuilds the
// dependency index. Called during startup and after admin mutations.
func (r *Registry) Load(entities []*Entity, relations []*Relation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entities = make(map[string]*Entity, len(entities))
	r.entitiesByCollection = make(map[string]*Entity, len(entities))
	for _, e := range entities {
		r.entities[e.Name] = e
		r.entitiesByCollection[e.CollectionID()] = e
	}

	r.relationsBySource = make(map[string][]*Relation)
	r.relationsByName = make(map[string]*Relation, len(relations))
	for _, rel := range relations {
		r.relationsByName[rel.Name] = rel
		r.relationsBySource[rel.Source] = append(r.relationsBySource[rel.Source], rel)
	}

	r.dependents = buildDependencyIndex(r.entities, r.entitiesByCollection, relations)
}

// DependentsOf returns the filtered fields that depend on records of the given
// collection id.
func (r *Registry) DependentsOf(collectionID string) []Dependency {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dependents[collectionID]
}

// FilteredField returns the dependency entry for one owner field, or false when the
// field is not a filtered relation or its target collection is not registered.
func (r *Registry) FilteredField(ownerName, field string) (Dependency, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner := r.entities[ownerName]
	if owner == nil {
		return Dependency{}, false
	}
	f := owner.GetField(field)
	if f == nil || !f.IsFilteredRelation() {
		return Dependency{}, false
	}
	target := NormalizeCollectionID(f.Filter.TargetCollection)
	for _, dep := range r.dependents[target] {
		if dep.Owner.Name == ownerName && dep.Field == field {
			return dep, true
		}
	}
	return Dependency{}, false
}

// GetStateMachinesForEntity returns active state machines for an entity.
func (r *Registry) GetStateMachinesForEntity(entityName string) []*StateMachine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*StateMachine
	for _, sm := range r.stateMachinesByEntity[entityName] {
		if sm.Active {
			result = append(result, sm)
		}
	}
	return result
}

// GetStateMachine returns the active state machine governing entity.field, or nil.
func (r *Registry) GetStateMachine(entityName, field string) *StateMachine {
	for _, sm := range r.GetStateMachinesForEntity(entityName) {
		if sm.Field == field {
			return sm
		}
	}
	return nil
}

// LoadStateMachines replaces all state machines in the registry.
func (r *Registry) LoadStateMachines(machines []*StateMachine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stateMachinesByEntity = make(map[string][]*StateMachine)
	for _, sm := range machines {
		r.stateMachinesByEntity[sm.Entity] = append(r.stateMachinesByEntity[sm.Entity], sm)
	}
}

func sortEntities(entities []*Entity) {
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
}
