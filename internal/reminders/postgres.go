package reminders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/extraction"
)

// Schema is the DDL for the reminders table, applied by Migrate
const Schema = `
CREATE TABLE IF NOT EXISTS voice_reminders (
    id          TEXT PRIMARY KEY,
    title       TEXT NOT NULL,
    priority    TEXT NOT NULL DEFAULT 'medium',
    category    TEXT NOT NULL DEFAULT 'task',
    period_id   TEXT NOT NULL DEFAULT '',
    due_date    TIMESTAMPTZ,
    checklist   JSONB NOT NULL DEFAULT '[]',
    transcript  TEXT NOT NULL DEFAULT '',
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_voice_reminders_created ON voice_reminders(created_at DESC);
`

// DB is the subset of *pgxpool.Pool and *pgx.Conn used by PostgresStore
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ Store = (*PostgresStore)(nil)

// PostgresStore is a Store backed by PostgreSQL
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a store over db. Call Migrate before use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect opens and pings a connection pool for dsn
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("reminders: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("reminders: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("reminders: ping: %w", err)
	}
	return pool, nil
}

// Migrate creates the reminders table if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("reminders: migrate: %w", err)
	}
	return nil
}

// Create implements Store
func (s *PostgresStore) Create(ctx context.Context, in Input) (Reminder, error) {
	if err := in.Validate(); err != nil {
		return Reminder{}, err
	}

	checklist := in.Checklist
	if checklist == nil {
		checklist = []string{}
	}
	checklistJSON, err := json.Marshal(checklist)
	if err != nil {
		return Reminder{}, fmt.Errorf("reminders: marshal checklist: %w", err)
	}

	r := Reminder{
		ID:         uuid.New().String(),
		Title:      in.Title,
		Priority:   in.Priority,
		Category:   in.Category,
		PeriodID:   in.PeriodID,
		DueDate:    in.DueDate,
		Checklist:  in.Checklist,
		Transcript: in.Transcript,
		Confidence: in.Confidence,
	}

	const query = `
		INSERT INTO voice_reminders (
			id, title, priority, category, period_id,
			due_date, checklist, transcript, confidence
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`

	err = s.db.QueryRow(ctx, query,
		r.ID, r.Title, string(r.Priority), string(r.Category), r.PeriodID,
		r.DueDate, checklistJSON, r.Transcript, r.Confidence,
	).Scan(&r.CreatedAt)
	if err != nil {
		return Reminder{}, fmt.Errorf("reminders: create: %w", err)
	}
	return r, nil
}

// List implements Store
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Reminder, error) {
	const base = `
		SELECT id, title, priority, category, period_id,
		       due_date, checklist, transcript, confidence, created_at
		FROM voice_reminders
		ORDER BY created_at DESC`

	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(ctx, base+` LIMIT $1`, limit)
	} else {
		rows, err = s.db.Query(ctx, base)
	}
	if err != nil {
		return nil, fmt.Errorf("reminders: list: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var (
			r                  Reminder
			priority, category string
			due                *time.Time
			checklistJSON      []byte
		)
		if err := rows.Scan(
			&r.ID, &r.Title, &priority, &category, &r.PeriodID,
			&due, &checklistJSON, &r.Transcript, &r.Confidence, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("reminders: list scan: %w", err)
		}
		r.Priority = extraction.Priority(priority)
		r.Category = extraction.Category(category)
		r.DueDate = due
		if len(checklistJSON) > 0 {
			if err := json.Unmarshal(checklistJSON, &r.Checklist); err != nil {
				return nil, fmt.Errorf("reminders: unmarshal checklist for %q: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reminders: list: %w", err)
	}
	return out, nil
}
