package relsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"filtered-relation/internal/metadata"
	"filtered-relation/internal/persistence"
)

// withOpenInvitations lists, on each investor, the Pending records the investor
// is linked to through the many-to-many join.
func withOpenInvitations(entities []*metadata.Entity, relations []*metadata.Relation) ([]*metadata.Entity, []*metadata.Relation) {
	for _, e := range entities {
		if e.Name != "investor" {
			continue
		}
		e.Fields = append(e.Fields, metadata.Field{
			Name: "openInvitations",
			Type: "text",
			Kind: metadata.KindFilteredRelation,
			Filter: &metadata.FilterConfig{
				TargetCollection: "meeting-participation-status",
				FilterField1:     "participantStatus",
				FilterValue1:     "Pending",
				FilterField2:     "investors.documentId",
				FilterValue2:     metadata.PlaceholderDocumentID,
				DisplayField:     "documentId",
			},
		})
	}
	return entities, relations
}

// withPortfolios adds portfolios that hold a foreign key to their investor and
// list that investor in a filtered field.
func withPortfolios(entities []*metadata.Entity, relations []*metadata.Relation) ([]*metadata.Entity, []*metadata.Relation) {
	portfolio := &metadata.Entity{
		Name:        "portfolio",
		Table:       "portfolios",
		PrimaryKey:  metadata.PrimaryKey{Field: "id", Type: "int", Generated: true},
		DocumentKey: "documentId",
		Fields: []metadata.Field{
			{Name: "id", Type: "int"},
			{Name: "documentId", Type: "string"},
			{Name: "investor_id", Type: "int", Nullable: true},
			{Name: "mine", Type: "text", Kind: metadata.KindFilteredRelation, Filter: &metadata.FilterConfig{
				TargetCollection: "investor",
				FilterField1:     "holdings.documentId",
				FilterValue1:     metadata.PlaceholderDocumentID,
				DisplayField:     "documentId",
			}},
		},
	}
	holdings := &metadata.Relation{
		Name: "holdings", Type: "one_to_many", Source: "investor", Target: "portfolio",
		SourceKey: "id", TargetKey: "investor_id",
	}
	return append(entities, portfolio), append(relations, holdings)
}

func TestSQLSync_ResolvesEveryLinkShape(t *testing.T) {
	tests := []struct {
		name       string
		schema     schemaChange
		setup      func(t *testing.T, h *sqlHarness)
		trigger    func(ctx context.Context, h *sqlHarness) error
		collection string
		id         string
		field      string
		before     any
		after      string
	}{
		{
			name:   "changed record holds the foreign key",
			schema: func(e []*metadata.Entity, r []*metadata.Relation) ([]*metadata.Entity, []*metadata.Relation) { return e, r },
			trigger: func(ctx context.Context, h *sqlHarness) error {
				_, err := h.repo.Update(ctx, "meeting-participation-status", "m1", persistence.Patch{
					Fields: map[string]any{"participantStatus": "Declined"},
				})
				return err
			},
			collection: "meeting", id: "doc123", field: "pending",
			before: `["inv1"]`, after: "[]",
		},
		{
			name:   "many to many join",
			schema: withOpenInvitations,
			trigger: func(ctx context.Context, h *sqlHarness) error {
				// no relation is touched, so the owner is found through the join table
				_, err := h.repo.Update(ctx, "meeting-participation-status", "m1", persistence.Patch{
					Fields: map[string]any{"participantStatus": "Declined"},
				})
				return err
			},
			collection: "investor", id: "inv1", field: "openInvitations",
			before: `["m1"]`, after: "[]",
		},
		{
			name:   "owner holds the foreign key",
			schema: withPortfolios,
			setup: func(t *testing.T, h *sqlHarness) {
				h.create(t, "portfolio", map[string]any{"documentId": "pf1", "investor_id": 1}, nil)
			},
			trigger: func(ctx context.Context, h *sqlHarness) error {
				_, err := h.repo.Update(ctx, "investor", "inv1", persistence.Patch{
					Fields: map[string]any{"fullName": "Acme Capital Partners"},
				})
				return err
			},
			collection: "portfolio", id: "pf1", field: "mine",
			before: nil, after: `["inv1"]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSQLHarness(t, tt.schema)
			h.seed(t)
			if tt.setup != nil {
				tt.setup(t, h)
			}
			require.Equal(t, tt.before, h.value(t, tt.collection, tt.id, tt.field))

			require.NoError(t, tt.trigger(context.Background(), h))
			require.Equal(t, tt.after, h.value(t, tt.collection, tt.id, tt.field))
		})
	}
}

func TestSQLSync_ManyToManyDeleteResolvesThroughBefore(t *testing.T) {
	h := newSQLHarness(t, withOpenInvitations)
	h.seed(t)
	ctx := context.Background()
	require.Equal(t, `["m1"]`, h.value(t, "investor", "inv1", "openInvitations"))

	_, err := h.repo.Delete(ctx, "meeting-participation-status", "m1")
	require.NoError(t, err)
	require.Equal(t, "[]", h.value(t, "investor", "inv1", "openInvitations"))

	var owners []string
	for _, r := range h.notifier.refreshes() {
		owners = append(owners, r.OwnerID)
	}
	require.Contains(t, owners, "inv1")
}
