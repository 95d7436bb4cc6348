package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/extraction"
)

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockRows struct {
	data   [][]any
	idx    int
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return nil }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *float64:
			*d = v.(float64)
		case *time.Time:
			*d = v.(time.Time)
		case **time.Time:
			if v == nil {
				*d = nil
			} else {
				tv := v.(time.Time)
				*d = &tv
			}
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.queryRowFunc(ctx, sql, args...)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return m.queryFunc(ctx, sql, args...)
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return m.execFunc(ctx, sql, args...)
}

func TestPostgresStore_Migrate(t *testing.T) {
	var executed string
	db := &mockDB{execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		executed = sql
		return pgconn.CommandTag{}, nil
	}}

	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if !strings.Contains(executed, "CREATE TABLE IF NOT EXISTS voice_reminders") {
		t.Errorf("Expected schema DDL, got %q", executed)
	}
}

func TestPostgresStore_Create(t *testing.T) {
	created := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	var gotArgs []any
	db := &mockDB{queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
		gotArgs = args
		return &mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*time.Time) = created
			return nil
		}}
	}}

	r, err := NewPostgresStore(db).Create(context.Background(), Input{
		Title:     "buy milk",
		Category:  extraction.CategoryErrand,
		Checklist: []string{"oat", "whole"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if r.ID == "" || !r.CreatedAt.Equal(created) {
		t.Errorf("Expected id and created_at, got %+v", r)
	}
	if len(gotArgs) != 9 {
		t.Fatalf("Expected 9 args, got %d", len(gotArgs))
	}
	if gotArgs[2] != "medium" || gotArgs[3] != "errand" {
		t.Errorf("Expected priority default and category, got %v %v", gotArgs[2], gotArgs[3])
	}
	var checklist []string
	if err := json.Unmarshal(gotArgs[6].([]byte), &checklist); err != nil || len(checklist) != 2 {
		t.Errorf("Expected checklist JSON, got %s", gotArgs[6])
	}
}

func TestPostgresStore_CreateErrors(t *testing.T) {
	db := &mockDB{queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error { return errors.New("connection reset") }}
	}}
	s := NewPostgresStore(db)

	if _, err := s.Create(context.Background(), Input{}); !errors.Is(err, ErrInvalidReminder) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if _, err := s.Create(context.Background(), Input{Title: "x"}); err == nil || !strings.Contains(err.Error(), "reminders: create") {
		t.Errorf("Expected wrapped create error, got %v", err)
	}
}

func TestPostgresStore_List(t *testing.T) {
	created := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	due := created.Add(24 * time.Hour)
	rows := &mockRows{data: [][]any{
		{"a", "call mom", "high", "meeting", "", due, []byte(`["dial"]`), "call mom", 0.8, created},
		{"b", "buy milk", "medium", "errand", "period-3", nil, []byte(`[]`), "buy milk", 0.68, created},
	}}

	var gotSQL string
	var gotArgs []any
	db := &mockDB{queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		gotSQL, gotArgs = sql, args
		return rows, nil
	}}

	list, err := NewPostgresStore(db).List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !strings.Contains(gotSQL, "LIMIT $1") || len(gotArgs) != 1 || gotArgs[0] != 10 {
		t.Errorf("Expected limit query, got %q %v", gotSQL, gotArgs)
	}
	if !rows.closed {
		t.Error("Expected rows closed")
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 reminders, got %d", len(list))
	}
	if list[0].Priority != extraction.PriorityHigh || list[0].DueDate == nil || len(list[0].Checklist) != 1 {
		t.Errorf("Unexpected first reminder: %+v", list[0])
	}
	if list[1].DueDate != nil || list[1].PeriodID != "period-3" {
		t.Errorf("Unexpected second reminder: %+v", list[1])
	}
}
