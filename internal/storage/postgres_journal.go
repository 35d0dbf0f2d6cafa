package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/example/private-dispatch/internal/models"
)

// Schema creates the journal table.
const Schema = `CREATE TABLE IF NOT EXISTS dispatch_events (
	seq BIGINT PRIMARY KEY,
	kind TEXT NOT NULL,
	at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL
)`

type PostgresJournal struct {
	db *sql.DB
}

func NewPostgresJournal(ctx context.Context, dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &PostgresJournal{db: db}, nil
}

// NewPostgresJournalDB wraps an existing handle.
func NewPostgresJournalDB(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

func (p *PostgresJournal) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return errors.Wrap(err, "migrate journal")
}

// Append writes every event of one operation in a single transaction.
func (p *PostgresJournal) Append(ctx context.Context, events []models.Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "encode event")
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO dispatch_events(seq, kind, at, payload) VALUES($1,$2,$3,$4)`,
			ev.Seq, string(ev.Kind), ev.Time, payload); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "insert event %d", ev.Seq)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (p *PostgresJournal) Load(ctx context.Context, after uint64, limit int) ([]models.Event, error) {
	q := `SELECT payload FROM dispatch_events WHERE seq > $1 ORDER BY seq`
	args := []any{after}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		var ev models.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, errors.Wrap(err, "decode event")
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresJournal) Close() error { return p.db.Close() }
