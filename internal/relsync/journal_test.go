package relsync

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"filtered-relation/internal/config"
	"filtered-relation/internal/store"
)

func openSQLiteJournal(t *testing.T) (*SQLJournal, *store.Store) {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "journal"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Bootstrap(ctx))
	return NewSQLJournal(s.DB, s.Dialect), s
}

func journalEntry() *JournalEntry {
	return &JournalEntry{
		OwnerEntity:       "meeting",
		OwnerID:           "doc123",
		Field:             "pending",
		TargetEntity:      "meeting-participation-status",
		SourceRecordID:    "m1",
		RelatedID:         "inv1",
		DestinationStatus: "Accepted",
		CreatedBy:         "u1",
	}
}

func TestSQLJournal_Lifecycle(t *testing.T) {
	j, s := openSQLiteJournal(t)
	ctx := t.Context()

	stalled := journalEntry()
	require.NoError(t, j.Begin(ctx, stalled))
	require.NotEmpty(t, stalled.ID)
	require.Equal(t, PhaseSourceMatched, stalled.Phase)
	require.NoError(t, j.Advance(ctx, stalled.ID, PhaseTransit, ""))
	require.NoError(t, j.Fail(ctx, stalled.ID, PhaseDestinationMatched, errors.New("no destination")))

	done := journalEntry()
	require.NoError(t, j.Begin(ctx, done))
	require.NoError(t, j.Advance(ctx, done.ID, PhaseTransit, ""))
	require.NoError(t, j.Advance(ctx, done.ID, PhaseDestinationMatched, "m2"))

	_, err := store.Exec(ctx, s.DB, "UPDATE _move_journal SET updated_at = datetime('now', '-1 hour')")
	require.NoError(t, err)

	stuck, err := j.Stuck(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, stalled.ID, stuck[0].ID)
	require.Equal(t, PhaseTransit, stuck[0].Phase)
	require.Equal(t, PhaseDestinationMatched, stuck[0].FailedPhase)
	require.Equal(t, "no destination", stuck[0].Error)
	require.Equal(t, "inv1", stuck[0].RelatedID)

	row, err := store.QueryRow(ctx, s.DB, "SELECT phase, destination_record_id FROM _move_journal WHERE id = ?", done.ID)
	require.NoError(t, err)
	require.Equal(t, "destination_matched", row["phase"])
	require.Equal(t, "m2", row["destination_record_id"])

	fresh, err := j.Stuck(ctx, 2*time.Hour)
	require.NoError(t, err)
	require.Empty(t, fresh)
}

func TestSQLJournal_PostgresStatements(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	j := NewSQLJournal(db, &store.PostgresDialect{})

	mock.ExpectExec(regexp.QuoteMeta("UPDATE _move_journal SET phase = $1, destination_record_id = COALESCE($2, destination_record_id), updated_at = NOW() WHERE id = $3")).
		WithArgs("destination_matched", "m2", "j1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE _move_journal SET failed_phase = $1, error = $2, updated_at = NOW() WHERE id = $3")).
		WithArgs("transit", "boom", "j2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM _move_journal WHERE phase = $1 AND updated_at < NOW() - ($2 || ' seconds')::interval")).
		WithArgs("transit", "300").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_entity", "owner_id", "field", "target_entity",
			"source_record_id", "related_id", "destination_status", "failed_phase", "error", "created_by"}).
			AddRow("j2", "meeting", "doc123", "pending", "mps", "m1", "inv1", "Accepted", nil, nil, nil))

	ctx := t.Context()
	require.NoError(t, j.Advance(ctx, "j1", PhaseDestinationMatched, "m2"))
	require.NoError(t, j.Fail(ctx, "j2", PhaseTransit, errors.New("boom")))

	stuck, err := j.Stuck(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, "j2", stuck[0].ID)
	require.Empty(t, stuck[0].FailedPhase)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLJournal_ExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	j := NewSQLJournal(db, &store.PostgresDialect{})

	mock.ExpectExec("INSERT INTO _move_journal").WillReturnError(errors.New("relation does not exist"))

	err = j.Begin(t.Context(), journalEntry())
	require.ErrorContains(t, err, "journal begin")
}
