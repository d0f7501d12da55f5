package relsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"filtered-relation/internal/metadata"
	"filtered-relation/internal/store"
)

// Phase is the last move state a journal entry reached.
type Phase string

const (
	PhaseSourceMatched      Phase = "source_matched"
	PhaseTransit            Phase = "transit"
	PhaseDestinationMatched Phase = "destination_matched"
)

// JournalEntry records the progress of one move. Phase only advances;
// a failure keeps the phase reached and names the phase that could not be.
type JournalEntry struct {
	ID                  string `json:"id"`
	OwnerEntity         string `json:"owner_entity"`
	OwnerID             string `json:"owner_id"`
	Field               string `json:"field"`
	TargetEntity        string `json:"target_entity"`
	SourceRecordID      string `json:"source_record_id"`
	RelatedID           string `json:"related_id"`
	DestinationStatus   string `json:"destination_status"`
	DestinationRecordID string `json:"destination_record_id,omitempty"`
	Phase               Phase  `json:"phase"`
	FailedPhase         Phase  `json:"failed_phase,omitempty"`
	Error               string `json:"error,omitempty"`
	CreatedBy           string `json:"created_by,omitempty"`
}

// Journal is the durable marker of move progress. Entries left in transit are
// the input of a later reconciliation.
type Journal interface {
	Begin(ctx context.Context, e *JournalEntry) error
	Advance(ctx context.Context, id string, phase Phase, destinationRecordID string) error
	Fail(ctx context.Context, id string, failed Phase, cause error) error
	Stuck(ctx context.Context, olderThan time.Duration) ([]JournalEntry, error)
}

// SQLJournal stores entries in the _move_journal system table.
type SQLJournal struct {
	db      store.Querier
	dialect store.Dialect
}

var _ Journal = (*SQLJournal)(nil)

func NewSQLJournal(db store.Querier, dialect store.Dialect) *SQLJournal {
	return &SQLJournal{db: db, dialect: dialect}
}

// Begin inserts e in the source-matched phase and assigns its id.
func (j *SQLJournal) Begin(ctx context.Context, e *JournalEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Phase = PhaseSourceMatched

	pb := j.dialect.NewParamBuilder()
	sql := fmt.Sprintf(`INSERT INTO _move_journal
		(id, owner_entity, owner_id, field, target_entity, source_record_id, related_id, destination_status, phase, created_by)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(e.ID), pb.Add(e.OwnerEntity), pb.Add(e.OwnerID), pb.Add(e.Field), pb.Add(e.TargetEntity),
		pb.Add(e.SourceRecordID), pb.Add(e.RelatedID), pb.Add(e.DestinationStatus), pb.Add(string(e.Phase)),
		pb.Add(nullable(e.CreatedBy)))
	if _, err := store.Exec(ctx, j.db, sql, pb.Params()...); err != nil {
		return fmt.Errorf("journal begin: %w", err)
	}
	return nil
}

func (j *SQLJournal) Advance(ctx context.Context, id string, phase Phase, destinationRecordID string) error {
	pb := j.dialect.NewParamBuilder()
	sql := fmt.Sprintf("UPDATE _move_journal SET phase = %s, destination_record_id = COALESCE(%s, destination_record_id), updated_at = %s WHERE id = %s",
		pb.Add(string(phase)), pb.Add(nullable(destinationRecordID)), j.dialect.NowExpr(), pb.Add(id))
	if _, err := store.Exec(ctx, j.db, sql, pb.Params()...); err != nil {
		return fmt.Errorf("journal advance: %w", err)
	}
	return nil
}

func (j *SQLJournal) Fail(ctx context.Context, id string, failed Phase, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	pb := j.dialect.NewParamBuilder()
	sql := fmt.Sprintf("UPDATE _move_journal SET failed_phase = %s, error = %s, updated_at = %s WHERE id = %s",
		pb.Add(string(failed)), pb.Add(msg), j.dialect.NowExpr(), pb.Add(id))
	if _, err := store.Exec(ctx, j.db, sql, pb.Params()...); err != nil {
		return fmt.Errorf("journal fail: %w", err)
	}
	return nil
}

// Stuck lists entries still in transit whose last update is older than olderThan.
func (j *SQLJournal) Stuck(ctx context.Context, olderThan time.Duration) ([]JournalEntry, error) {
	pb := j.dialect.NewParamBuilder()
	sql := fmt.Sprintf(`SELECT id, owner_entity, owner_id, field, target_entity, source_record_id, related_id,
		destination_status, failed_phase, error, created_by
		FROM _move_journal WHERE phase = %s AND %s ORDER BY updated_at`,
		pb.Add(string(PhaseTransit)), j.dialect.OlderThanExpr("updated_at", pb, int64(olderThan.Seconds())))
	rows, err := store.QueryRows(ctx, j.db, sql, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("journal stuck: %w", err)
	}

	entries := make([]JournalEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, JournalEntry{
			ID:                metadata.IDString(row["id"]),
			OwnerEntity:       metadata.IDString(row["owner_entity"]),
			OwnerID:           metadata.IDString(row["owner_id"]),
			Field:             metadata.IDString(row["field"]),
			TargetEntity:      metadata.IDString(row["target_entity"]),
			SourceRecordID:    metadata.IDString(row["source_record_id"]),
			RelatedID:         metadata.IDString(row["related_id"]),
			DestinationStatus: metadata.IDString(row["destination_status"]),
			Phase:             PhaseTransit,
			FailedPhase:       Phase(metadata.IDString(row["failed_phase"])),
			Error:             metadata.IDString(row["error"]),
			CreatedBy:         metadata.IDString(row["created_by"]),
		})
	}
	return entries, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
