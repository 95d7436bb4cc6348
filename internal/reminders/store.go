// Package reminders persists the reminders confirmed at the end of a
// recording.
package reminders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/extraction"
)

// ErrInvalidReminder is returned when an Input fails validation
var ErrInvalidReminder = errors.New("invalid reminder")

// Reminder is a stored reminder
type Reminder struct {
	ID         string              `json:"id"`
	Title      string              `json:"title"`
	Priority   extraction.Priority `json:"priority"`
	Category   extraction.Category `json:"category"`
	PeriodID   string              `json:"periodId,omitempty"`
	DueDate    *time.Time          `json:"dueDate,omitempty"`
	Checklist  []string            `json:"checklist,omitempty"`
	Transcript string              `json:"transcript,omitempty"`
	Confidence float64             `json:"confidence"`
	CreatedAt  time.Time           `json:"createdAt"`
}

// Input is the data needed to create a reminder
type Input struct {
	Title      string
	Priority   extraction.Priority
	Category   extraction.Category
	PeriodID   string
	DueDate    *time.Time
	Checklist  []string
	Transcript string
	Confidence float64
}

// Validate checks the input and fills defaults
func (in *Input) Validate() error {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return errors.Join(ErrInvalidReminder, errors.New("title is required"))
	}
	if in.Priority == "" {
		in.Priority = extraction.PriorityMedium
	}
	if in.Category == "" {
		in.Category = extraction.CategoryTask
	}
	return nil
}

// FromExtraction builds an Input from a processing result
func FromExtraction(res extraction.Result, transcript string) Input {
	r := res.Reminder
	return Input{
		Title:      r.Title,
		Priority:   r.Priority,
		Category:   r.Category,
		PeriodID:   r.PeriodID,
		DueDate:    r.DueDate,
		Checklist:  r.Checklist,
		Transcript: transcript,
		Confidence: res.Confidence,
	}
}

// Store creates and lists reminders
type Store interface {
	Create(ctx context.Context, in Input) (Reminder, error)

	// List returns the newest reminders first. A limit <= 0 means no limit.
	List(ctx context.Context, limit int) ([]Reminder, error)
}
