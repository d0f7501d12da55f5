package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// LoadAll reads entities, relations and state machines from the system tables and
// populates the registry.
func LoadAll(ctx context.Context, db *sql.DB, reg *Registry) error {
	entities, err := loadEntities(ctx, db)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}

	relations, err := loadRelations(ctx, db)
	if err != nil {
		return fmt.Errorf("load relations: %w", err)
	}

	reg.Load(entities, relations)

	machines, err := loadStateMachines(ctx, db)
	if err != nil {
		return fmt.Errorf("load state machines: %w", err)
	}
	reg.LoadStateMachines(machines)

	log.WithFields(log.Fields{
		"entities":       len(entities),
		"relations":      len(relations),
		"state_machines": len(machines),
	}).Info("registry loaded")
	return nil
}

// Reload is an alias for LoadAll, called after admin mutations.
func Reload(ctx context.Context, db *sql.DB, reg *Registry) error {
	return LoadAll(ctx, db, reg)
}

func loadEntities(ctx context.Context, db *sql.DB) ([]*Entity, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, definition FROM _entities ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}

		var entity Entity
		if err := json.Unmarshal(defJSON, &entity); err != nil {
			log.WithField("entity", name).WithError(err).Warn("skipping entity with invalid definition")
			continue
		}
		entities = append(entities, &entity)
	}
	return entities, rows.Err()
}

func loadRelations(ctx context.Context, db *sql.DB) ([]*Relation, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, definition FROM _relations ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relations []*Relation
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan relation row: %w", err)
		}

		var rel Relation
		if err := json.Unmarshal(defJSON, &rel); err != nil {
			log.WithField("relation", name).WithError(err).Warn("skipping relation with invalid definition")
			continue
		}
		relations = append(relations, &rel)
	}
	return relations, rows.Err()
}

func loadStateMachines(ctx context.Context, db *sql.DB) ([]*StateMachine, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, entity, field, definition, active FROM _state_machines ORDER BY entity")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []*StateMachine
	for rows.Next() {
		var sm StateMachine
		var defJSON []byte
		if err := rows.Scan(&sm.ID, &sm.Entity, &sm.Field, &defJSON, &sm.Active); err != nil {
			return nil, fmt.Errorf("scan state machine row: %w", err)
		}
		if err := json.Unmarshal(defJSON, &sm.Definition); err != nil {
			log.WithField("state_machine", sm.ID).WithError(err).Warn("skipping state machine with invalid definition")
			continue
		}
		machines = append(machines, &sm)
	}
	return machines, rows.Err()
}
