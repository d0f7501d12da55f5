package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"filtered-relation/internal/config"
	"filtered-relation/internal/events"
	"filtered-relation/internal/metadata"
	"filtered-relation/internal/persistence"
	"filtered-relation/internal/store"
)

const statusEntity = "meeting-participation-status"

func testSchema() ([]*metadata.Entity, []*metadata.Relation) {
	investor := &metadata.Entity{
		Name:        "investor",
		Table:       "investors",
		PrimaryKey:  metadata.PrimaryKey{Field: "id", Type: "int", Generated: true},
		DocumentKey: "documentId",
		Fields: []metadata.Field{
			{Name: "id", Type: "int"},
			{Name: "documentId", Type: "string"},
			{Name: "fullName", Type: "string"},
		},
	}
	status := &metadata.Entity{
		Name:        statusEntity,
		Table:       "meeting_participation_statuses",
		PrimaryKey:  metadata.PrimaryKey{Field: "id", Type: "int", Generated: true},
		DocumentKey: "documentId",
		Fields: []metadata.Field{
			{Name: "id", Type: "int"},
			{Name: "documentId", Type: "string"},
			{Name: "participantStatus", Type: "string", Enum: []string{"Pending", "Accepted", "Declined"}},
			{Name: "meeting_id", Type: "int", Nullable: true},
		},
	}
	meeting := &metadata.Entity{
		Name:        "meeting",
		Table:       "meetings",
		PrimaryKey:  metadata.PrimaryKey{Field: "id", Type: "int", Generated: true},
		DocumentKey: "documentId",
		Fields: []metadata.Field{
			{Name: "id", Type: "int"},
			{Name: "documentId", Type: "string"},
			{Name: "title", Type: "string"},
			{Name: "pending", Type: "text", Kind: metadata.KindFilteredRelation, Filter: &metadata.FilterConfig{
				TargetCollection: "Meeting Participation Status",
				FilterField1:     "participantStatus",
				FilterValue1:     "Pending",
				FilterField2:     "meeting.documentId",
				FilterValue2:     metadata.PlaceholderDocumentID,
				DisplayField:     "investors",
			}},
		},
	}
	relations := []*metadata.Relation{
		{Name: "meeting", Type: "one_to_many", Source: "meeting", Target: statusEntity,
			SourceKey: "id", TargetKey: "meeting_id", OnDelete: "set_null"},
		{Name: "participationCount", Type: "one_to_many", Source: "meeting", Target: statusEntity,
			SourceKey: "id", TargetKey: "meeting_id", Fetch: "count"},
		{Name: "investors", Type: "many_to_many", Source: statusEntity, Target: "investor", SourceKey: "id",
			JoinTable: "mps_investors", SourceJoinKey: "mps_id", TargetJoinKey: "investor_id", OnDelete: "detach"},
	}
	return []*metadata.Entity{investor, status, meeting}, relations
}

type recordedEvents struct {
	mu  sync.Mutex
	all []events.EntityChanged
}

func (r *recordedEvents) handle(_ context.Context, ev events.EntityChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, ev)
}

func (r *recordedEvents) last(t *testing.T) events.EntityChanged {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.all)
	return r.all[len(r.all)-1]
}

// newTestRepo returns a repository over a migrated sqlite database in a temp dir.
func newTestRepo(t *testing.T) (*Repository, *metadata.Registry, *recordedEvents) {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "engine"})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	entities, relations := testSchema()
	reg := metadata.NewRegistry()
	reg.Load(entities, relations)

	mig := store.NewMigrator(s)
	for _, e := range entities {
		require.NoError(t, mig.Migrate(ctx, e))
	}
	for _, rel := range relations {
		if rel.IsManyToMany() {
			require.NoError(t, mig.MigrateJoinTable(ctx, rel, reg.GetEntity(rel.Source), reg.GetEntity(rel.Target)))
		}
	}

	bus := events.NewBus()
	rec := &recordedEvents{}
	bus.Subscribe(rec.handle)
	return NewRepository(s, reg, bus), reg, rec
}

// seed creates meeting doc123 with a Pending record m1 (Acme Capital) and an
// Accepted record m2, plus meeting doc456 with a Pending record m3.
func seed(t *testing.T, repo *Repository) {
	t.Helper()
	ctx := context.Background()
	mustCreate := func(collection string, fields map[string]any, relations map[string]persistence.RelationPatch) {
		_, err := repo.Create(ctx, collection, fields, relations)
		require.NoError(t, err)
	}
	mustCreate("investor", map[string]any{"documentId": "inv1", "fullName": "Acme Capital"}, nil)
	mustCreate("investor", map[string]any{"documentId": "inv2", "fullName": "Birch Ventures"}, nil)
	mustCreate("meeting", map[string]any{"documentId": "doc123", "title": "Q3 review"}, nil)
	mustCreate("meeting", map[string]any{"documentId": "doc456", "title": "Q4 review"}, nil)
	mustCreate(statusEntity, map[string]any{"documentId": "m1", "participantStatus": "Pending"},
		map[string]persistence.RelationPatch{
			"meeting":   {Connect: []string{"doc123"}},
			"investors": {Connect: []string{"inv1"}},
		})
	mustCreate(statusEntity, map[string]any{"documentId": "m2", "participantStatus": "Accepted"},
		map[string]persistence.RelationPatch{"meeting": {Connect: []string{"doc123"}}})
	mustCreate(statusEntity, map[string]any{"documentId": "m3", "participantStatus": "Pending"},
		map[string]persistence.RelationPatch{
			"meeting":   {Connect: []string{"doc456"}},
			"investors": {Connect: []string{"inv2"}},
		})
}

func documentIDs(records []persistence.Record) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, metadata.IDString(r["documentId"]))
	}
	return ids
}
