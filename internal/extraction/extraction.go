// Package extraction turns a finished voice transcript into a reminder
// draft. The recorder calls a Processor once per stop, after the state
// machine reaches processing.
package extraction

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyTranscript is returned when there is nothing to process
var ErrEmptyTranscript = errors.New("transcript is empty")

// Priority of a reminder
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Category of a reminder
type Category string

const (
	CategoryTask     Category = "task"
	CategoryMeeting  Category = "meeting"
	CategoryDeadline Category = "deadline"
	CategoryErrand   Category = "errand"
)

// Reminder is the draft extracted from a transcript
type Reminder struct {
	Title     string     `json:"title"`
	Priority  Priority   `json:"priority"`
	Category  Category   `json:"category"`
	PeriodID  string     `json:"periodId,omitempty"`
	DueDate   *time.Time `json:"dueDate,omitempty"`
	Checklist []string   `json:"checklist,omitempty"`
}

// Result is a Processor's output
type Result struct {
	Reminder         Reminder `json:"reminder"`
	Confidence       float64  `json:"confidence"`
	DetectedEntities []string `json:"detectedEntities"`
}

// Processor extracts a reminder from a transcript
type Processor interface {
	Process(ctx context.Context, transcript string) (Result, error)
}

// ProcessorFunc adapts a function to the Processor interface
type ProcessorFunc func(ctx context.Context, transcript string) (Result, error)

func (f ProcessorFunc) Process(ctx context.Context, transcript string) (Result, error) {
	return f(ctx, transcript)
}
