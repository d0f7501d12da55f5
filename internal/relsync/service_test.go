package relsync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"filtered-relation/internal/events"
	"filtered-relation/internal/metadata"
	"filtered-relation/internal/notify"
	"filtered-relation/internal/persistence"
)

func statusChanged(st *fakeStore, id string) events.EntityChanged {
	after := st.record("meeting-participation-status", id)
	return events.EntityChanged{
		Entity:       "meeting-participation-status",
		CollectionID: statusCollection,
		Operation:    events.OpUpdate,
		ID:           id,
		Before:       after,
		After:        after,
	}
}

func TestHandleEvent_RecomputesDependentOwners(t *testing.T) {
	f := newMoveFixture()

	f.service.HandleEvent(t.Context(), statusChanged(f.store, "m1"))

	meeting := f.store.record("meeting", "doc123")
	require.Equal(t, `["inv1"]`, meeting["pending"])
	require.Equal(t, `["inv1"]`, meeting["scoped"])
	require.Equal(t, `["m1","m2"]`, meeting["roster"])
	require.Nil(t, meeting["unfiltered"])

	refreshes := f.notifier.refreshes()
	require.Len(t, refreshes, 3)
	for _, r := range refreshes {
		require.Equal(t, notify.Refresh{OwnerID: "doc123", TargetCollection: statusCollection}, r)
	}

	// nothing changed, nothing written
	writes := f.store.updateCount()
	f.service.HandleEvent(t.Context(), statusChanged(f.store, "m1"))
	require.Equal(t, writes, f.store.updateCount())
}

func TestHandleEvent_ViaBus(t *testing.T) {
	f := newMoveFixture()
	bus := events.NewBus()
	f.service.Subscribe(bus)

	bus.Publish(t.Context(), statusChanged(f.store, "m2"))
	require.Equal(t, `["inv1"]`, f.store.record("meeting", "doc123")["pending"])
}

func TestHandleEvent_StopsAtCascadeDepth(t *testing.T) {
	f := newMoveFixture()
	ctx := withCascadeDepth(t.Context(), DefaultMaxCascadeDepth)

	f.service.HandleEvent(ctx, statusChanged(f.store, "m1"))
	require.Zero(t, f.store.queries)
	require.Zero(t, f.store.updateCount())
}

func TestHandleEvent_IgnoresUnwatchedCollections(t *testing.T) {
	f := newMoveFixture()
	f.service.HandleEvent(t.Context(), events.EntityChanged{
		Entity:       "investor",
		CollectionID: "api::investor.investor",
		Operation:    events.OpUpdate,
		ID:           "inv1",
		After:        acme(),
	})
	require.Zero(t, f.store.queries)
}

func TestHandleEvent_QueryFailureIsContained(t *testing.T) {
	f := newMoveFixture()
	ev := statusChanged(f.store, "m1")
	// only the query behind meeting.scoped fails
	f.store.failQuery = func(collection string, constraints []persistence.Constraint) error {
		if collection == "meeting-participation-status" && len(constraints) == 2 {
			return errors.New("connection reset")
		}
		return nil
	}

	require.NotPanics(t, func() { f.service.HandleEvent(t.Context(), ev) })

	meeting := f.store.record("meeting", "doc123")
	require.Nil(t, meeting["scoped"])
	require.Equal(t, `["inv1"]`, meeting["pending"])
	require.Equal(t, `["m1","m2"]`, meeting["roster"])
	require.Len(t, f.notifier.refreshes(), 2)
}

func TestHandleEvent_EveryQueryFailing(t *testing.T) {
	f := newMoveFixture()
	f.store.failQuery = func(string, []persistence.Constraint) error { return errors.New("connection reset") }

	require.NotPanics(t, func() { f.service.HandleEvent(t.Context(), statusChanged(f.store, "m1")) })
	require.Zero(t, f.store.updateCount())
	require.Empty(t, f.notifier.refreshes())
}

func TestHandleEvent_DeleteUsesBefore(t *testing.T) {
	f := newMoveFixture()
	f.store.records["meeting"][0]["pending"] = `["inv1"]`
	before := f.store.record("meeting-participation-status", "m1")
	f.store.records["meeting-participation-status"] = f.store.records["meeting-participation-status"][1:]

	f.service.HandleEvent(t.Context(), events.EntityChanged{
		Entity:       "meeting-participation-status",
		CollectionID: statusCollection,
		Operation:    events.OpDelete,
		ID:           "m1",
		Before:       before,
	})
	require.Equal(t, "[]", f.store.record("meeting", "doc123")["pending"])
}

func TestCompute_View(t *testing.T) {
	f := newMoveFixture()

	view, err := f.service.Compute(t.Context(), "meeting", "doc123", "pending")
	require.NoError(t, err)
	require.Equal(t, []string{"inv1"}, view.IDs)
	require.True(t, view.Written)
	require.Equal(t, []string{"Pending", "Accepted", "Declined"}, view.StatusOptions)
	require.Equal(t, []Item{{
		ID:                "inv1",
		Label:             "Acme Capital",
		RecordID:          "m1",
		RelatedID:         "inv1",
		RelatedCollection: "api::investor.investor",
		Status:            "Pending",
	}}, view.Items)
}

func TestCompute_Labels(t *testing.T) {
	f := newMoveFixture()
	f.store.records["meeting-participation-status"][0]["investors"] = []map[string]any{
		{"id": int64(5), "documentId": "inv5", "name": "Gamma"},
		{"id": int64(6), "documentId": "inv6"},
	}

	view, err := f.service.Compute(t.Context(), "meeting", "doc123", "pending")
	require.NoError(t, err)
	require.Len(t, view.Items, 2)
	require.Equal(t, "Gamma", view.Items[0].Label)
	require.Equal(t, "ID: inv6", view.Items[1].Label)
}

func TestCompute_CountProjectionLabel(t *testing.T) {
	f := newMoveFixture()
	f.store.records["meeting-participation-status"][0]["investors"] = map[string]any{"count": int64(3)}

	view, err := f.service.Compute(t.Context(), "meeting", "doc123", "pending")
	require.NoError(t, err)
	require.Empty(t, view.IDs)
	require.Len(t, view.Items, 1)
	require.Equal(t, "3 items", view.Items[0].Label)
	require.Empty(t, view.Items[0].RelatedID)
}

func TestCompute_UnknownField(t *testing.T) {
	f := newMoveFixture()
	_, err := f.service.Compute(t.Context(), "meeting", "doc123", "nope")
	require.ErrorIs(t, err, ErrNotFiltered)

	opts, err := f.service.StatusOptions("meeting", "roster")
	require.NoError(t, err)
	require.Empty(t, opts)
}

// addGhostField gives meeting a filtered field whose target collection is not registered.
func addGhostField(reg *metadata.Registry) {
	meeting := reg.GetEntity("meeting")
	meeting.Fields = append(meeting.Fields, metadata.Field{
		Name: "ghost",
		Type: "text",
		Kind: metadata.KindFilteredRelation,
		Filter: &metadata.FilterConfig{
			TargetCollection: "No Such Thing",
			FilterField1:     "x",
			FilterValue1:     "y",
			DisplayField:     "documentId",
		},
	})
	reg.Load(reg.AllEntities(), reg.AllRelations())
}

func TestCompute_UnresolvedTargetIsSkipped(t *testing.T) {
	f := newMoveFixture()
	addGhostField(f.reg)

	view, err := f.service.Compute(t.Context(), "meeting", "doc123", "ghost")
	require.NoError(t, err)
	require.True(t, view.Skipped)
	require.Equal(t, []string{}, view.IDs)
	require.Equal(t, []Item{}, view.Items)
	require.Zero(t, f.store.updateCount())

	opts, err := f.service.StatusOptions("meeting", "ghost")
	require.NoError(t, err)
	require.Empty(t, opts)

	req := moveInv1("Accepted")
	req.Field = "ghost"
	res, err := f.service.Move(t.Context(), req)
	require.NoError(t, err)
	require.False(t, res.Moved)
	require.Zero(t, f.store.updateCount())

	// a plain attribute is still not a filtered field
	_, err = f.service.Compute(t.Context(), "meeting", "doc123", "documentId")
	require.ErrorIs(t, err, ErrNotFiltered)
}
