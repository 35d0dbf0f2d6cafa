package storage

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/private-dispatch/internal/models"
)

func sampleEvents() []models.Event {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []models.Event{
		{Seq: 1, Kind: models.EventDriverRegistered, Time: at, Driver: "0xd1"},
		{Seq: 2, Kind: models.EventRideRequested, Time: at, RequestID: 1, Passenger: "0xp1"},
	}
}

func TestMemoryJournalLoad(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	require.NoError(t, j.Append(ctx, sampleEvents()))
	require.NoError(t, j.Append(ctx, []models.Event{{Seq: 3, Kind: models.EventHalted}}))
	assert.Equal(t, 3, j.Len())

	evs, err := j.Load(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(2), evs[0].Seq)

	evs, err = j.Load(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(1), evs[0].Seq)
}

func TestMemoryJournalRejectsReusedSeq(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	require.NoError(t, j.Append(ctx, sampleEvents()))

	err := j.Append(ctx, []models.Event{{Seq: 3, Kind: models.EventHalted}, {Seq: 2, Kind: models.EventResumed}})
	assert.ErrorIs(t, err, ErrSeqConflict)
	assert.Equal(t, 2, j.Len())
	assert.ErrorIs(t, j.Append(ctx, []models.Event{{Seq: 1}}), ErrSeqConflict)
}

var insertSQL = regexp.QuoteMeta(`INSERT INTO dispatch_events(seq, kind, at, payload) VALUES($1,$2,$3,$4)`)

func TestPostgresJournalAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	evs := sampleEvents()
	mock.ExpectBegin()
	for _, ev := range evs {
		mock.ExpectExec(insertSQL).
			WithArgs(ev.Seq, string(ev.Kind), ev.Time, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, NewPostgresJournalDB(db).Append(context.Background(), evs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJournalAppendRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	evs := sampleEvents()
	mock.ExpectBegin()
	mock.ExpectExec(insertSQL).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertSQL).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = NewPostgresJournalDB(db).Append(context.Background(), evs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert event 2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJournalLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	evs := sampleEvents()
	rows := sqlmock.NewRows([]string{"payload"})
	for _, ev := range evs {
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		rows.AddRow(b)
	}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT payload FROM dispatch_events WHERE seq > $1 ORDER BY seq LIMIT $2`)).
		WithArgs(uint64(0), 10).
		WillReturnRows(rows)

	got, err := NewPostgresJournalDB(db).Load(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, evs, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJournalMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS dispatch_events")).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewPostgresJournalDB(db).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
