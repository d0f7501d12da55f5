// Package persistence defines the record-level contract between the filtered-relation
// core and the storage engine.
package persistence

import (
	"context"
	"errors"
)

// ErrNotFound is returned by FetchByID when no record matches.
var ErrNotFound = errors.New("record not found")

// Record is one stored record. Populated relations appear under their relation name
// as a nested record, a list of records or a {"count": n} projection.
type Record = map[string]any

// Constraint is an equality test on a field path. A dotted path ("meeting.documentId")
// crosses exactly one relation.
type Constraint struct {
	Path  string
	Value any
}

// RelationPatch connects or disconnects related records by public id.
type RelationPatch struct {
	Connect    []string `json:"connect,omitempty"`
	Disconnect []string `json:"disconnect,omitempty"`
}

// Patch is a partial update of one record.
type Patch struct {
	Fields    map[string]any
	Relations map[string]RelationPatch
}

// Input renders the patch the way a client would have sent it.
func (p Patch) Input() map[string]any {
	in := make(map[string]any, len(p.Fields)+len(p.Relations))
	for k, v := range p.Fields {
		in[k] = v
	}
	for name, rp := range p.Relations {
		in[name] = map[string]any{"connect": rp.Connect, "disconnect": rp.Disconnect}
	}
	return in
}

// Store is the persistence contract. Collections are addressed by entity name and
// records by public id (document key, falling back to primary key).
type Store interface {
	Query(ctx context.Context, collection string, constraints []Constraint, populate []string) ([]Record, error)
	FetchByID(ctx context.Context, collection, id string, populate []string) (Record, error)
	Update(ctx context.Context, collection, id string, patch Patch) (Record, error)
}
