package relsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"filtered-relation/internal/metadata"
	"filtered-relation/internal/notify"
	"filtered-relation/internal/persistence"
)

func testRegistry() *metadata.Registry {
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
		Name:        "meeting-participation-status",
		Table:       "meeting_participation_statuses",
		PrimaryKey:  metadata.PrimaryKey{Field: "id", Type: "int", Generated: true},
		DocumentKey: "documentId",
		Fields: []metadata.Field{
			{Name: "id", Type: "int"},
			{Name: "documentId", Type: "string"},
			{Name: "participantStatus", Type: "string", Enum: []string{"Pending", "Accepted", "Declined"}},
			{Name: "meeting_id", Type: "int"},
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
			{Name: "pending", Type: "text", Kind: metadata.KindFilteredRelation, Filter: &metadata.FilterConfig{
				TargetCollection: "Meeting Participation Status",
				FilterField1:     "participantStatus",
				FilterValue1:     "Pending",
				DisplayField:     "investors",
				StatusField:      "participantStatus",
			}},
			{Name: "scoped", Type: "text", Kind: metadata.KindFilteredRelation, Filter: &metadata.FilterConfig{
				TargetCollection: "Meeting Participation Status",
				FilterField1:     "participantStatus",
				FilterValue1:     "Pending",
				FilterField2:     "meeting.documentId",
				FilterValue2:     metadata.PlaceholderDocumentID,
				DisplayField:     "investors",
				StatusField:      "participantStatus",
			}},
			{Name: "roster", Type: "text", Kind: metadata.KindFilteredRelation, Filter: &metadata.FilterConfig{
				TargetCollection: "Meeting Participation Status",
				FilterField2:     "meeting.documentId",
				FilterValue2:     metadata.PlaceholderDocumentID,
				DisplayField:     "documentId",
			}},
			{Name: "unfiltered", Type: "text", Kind: metadata.KindFilteredRelation, Filter: &metadata.FilterConfig{
				TargetCollection: "Meeting Participation Status",
				DisplayField:     "investors",
			}},
		},
	}
	relations := []*metadata.Relation{
		{Name: "meeting", Type: "one_to_many", Source: "meeting", Target: "meeting-participation-status", SourceKey: "id", TargetKey: "meeting_id"},
		{Name: "investors", Type: "many_to_many", Source: "meeting-participation-status", Target: "investor", SourceKey: "id",
			JoinTable: "mps_investors", SourceJoinKey: "mps_id", TargetJoinKey: "investor_id"},
	}

	reg := metadata.NewRegistry()
	reg.Load([]*metadata.Entity{investor, status, meeting}, relations)
	return reg
}

func acme() map[string]any {
	return map[string]any{"id": int64(1), "documentId": "inv1", "fullName": "Acme Capital"}
}

// seedStore holds one meeting with a Pending record listing Acme Capital and an
// empty Accepted record.
func seedStore() *fakeStore {
	meetingRef := map[string]any{"id": int64(1), "documentId": "doc123"}
	return newFakeStore(map[string][]map[string]any{
		"investor": {acme()},
		"meeting":  {{"id": int64(1), "documentId": "doc123"}},
		"meeting-participation-status": {
			{"id": int64(1), "documentId": "m1", "participantStatus": "Pending", "meeting_id": int64(1),
				"meeting": meetingRef, "investors": []map[string]any{acme()}},
			{"id": int64(2), "documentId": "m2", "participantStatus": "Accepted", "meeting_id": int64(1),
				"meeting": meetingRef, "investors": []map[string]any{}},
		},
	})
}

type updateCall struct {
	Collection string
	ID         string
	Patch      persistence.Patch
}

// fakeStore keeps relations embedded in the records. Connect resolves ids
// against every collection.
type fakeStore struct {
	mu        sync.Mutex
	records   map[string][]map[string]any
	updates   []updateCall
	queries   int
	// failQuery, when set, fails the queries it returns an error for
	failQuery func(collection string, constraints []persistence.Constraint) error
}

var _ persistence.Store = (*fakeStore)(nil)

func newFakeStore(records map[string][]map[string]any) *fakeStore {
	return &fakeStore{records: records}
}

func (f *fakeStore) Query(_ context.Context, collection string, constraints []persistence.Constraint, _ []string) ([]persistence.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.failQuery != nil {
		if err := f.failQuery(collection, constraints); err != nil {
			return nil, err
		}
	}
	out := []persistence.Record{}
	for _, rec := range f.records[collection] {
		if matchesAll(rec, constraints) {
			out = append(out, clone(rec))
		}
	}
	return out, nil
}

func (f *fakeStore) FetchByID(_ context.Context, collection, id string, _ []string) (persistence.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.find(collection, id)
	if rec == nil {
		return nil, fmt.Errorf("%s %s: %w", collection, id, persistence.ErrNotFound)
	}
	return clone(rec), nil
}

func (f *fakeStore) Update(_ context.Context, collection, id string, patch persistence.Patch) (persistence.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{Collection: collection, ID: id, Patch: patch})
	rec := f.find(collection, id)
	if rec == nil {
		return nil, fmt.Errorf("%s %s: %w", collection, id, persistence.ErrNotFound)
	}
	for k, v := range patch.Fields {
		rec[k] = v
	}
	for name, rp := range patch.Relations {
		var kept []map[string]any
		for _, r := range relatedRecords(rec[name]) {
			if !containsID(rp.Disconnect, r) {
				kept = append(kept, r)
			}
		}
		for _, id := range rp.Connect {
			if r := f.findAnywhere(id); r != nil {
				kept = append(kept, clone(r))
			}
		}
		if kept == nil {
			kept = []map[string]any{}
		}
		rec[name] = kept
	}
	return clone(rec), nil
}

func (f *fakeStore) record(collection, id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return clone(f.find(collection, id))
}

func (f *fakeStore) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeStore) find(collection, id string) map[string]any {
	for _, rec := range f.records[collection] {
		if metadata.IDString(rec["documentId"]) == id || metadata.IDString(rec["id"]) == id {
			return rec
		}
	}
	return nil
}

func (f *fakeStore) findAnywhere(id string) map[string]any {
	for _, recs := range f.records {
		for _, rec := range recs {
			if metadata.IDString(rec["documentId"]) == id {
				return rec
			}
		}
	}
	return nil
}

func matchesAll(rec map[string]any, constraints []persistence.Constraint) bool {
	for _, c := range constraints {
		want := metadata.IDString(c.Value)
		rel, field, nested := strings.Cut(c.Path, ".")
		if !nested {
			if metadata.IDString(rec[c.Path]) != want {
				return false
			}
			continue
		}
		found := false
		for _, r := range relatedRecords(rec[rel]) {
			if metadata.IDString(r[field]) == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsID(ids []string, rec map[string]any) bool {
	for _, id := range ids {
		if metadata.IDString(rec["documentId"]) == id {
			return true
		}
	}
	return false
}

func clone(rec map[string]any) map[string]any {
	if rec == nil {
		return nil
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if list, ok := v.([]map[string]any); ok {
			v = append([]map[string]any{}, list...)
		}
		out[k] = v
	}
	return out
}

func relatedDocIDs(v any) []string {
	ids := []string{}
	for _, r := range relatedRecords(v) {
		ids = append(ids, metadata.IDString(r["documentId"]))
	}
	return ids
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []*JournalEntry
}

var _ Journal = (*fakeJournal)(nil)

func (j *fakeJournal) Begin(_ context.Context, e *JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e.ID = fmt.Sprintf("j%d", len(j.entries)+1)
	e.Phase = PhaseSourceMatched
	cp := *e
	j.entries = append(j.entries, &cp)
	return nil
}

func (j *fakeJournal) Advance(_ context.Context, id string, phase Phase, dest string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e := j.get(id)
	e.Phase = phase
	if dest != "" {
		e.DestinationRecordID = dest
	}
	return nil
}

func (j *fakeJournal) Fail(_ context.Context, id string, failed Phase, cause error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e := j.get(id)
	e.FailedPhase = failed
	e.Error = cause.Error()
	return nil
}

func (j *fakeJournal) Stuck(_ context.Context, _ time.Duration) ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []JournalEntry
	for _, e := range j.entries {
		if e.Phase == PhaseTransit {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (j *fakeJournal) get(id string) *JournalEntry {
	for _, e := range j.entries {
		if e.ID == id {
			return e
		}
	}
	panic("unknown journal entry " + id)
}

func (j *fakeJournal) snapshot() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JournalEntry, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, *e)
	}
	return out
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Refresh
}

func (n *recordingNotifier) Broadcast(_ context.Context, r notify.Refresh) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, r)
}

func (n *recordingNotifier) refreshes() []notify.Refresh {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Refresh(nil), n.sent...)
}

var operator = &metadata.UserContext{ID: "u1", Roles: []string{"operator"}}
