package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestNewLogger_Fields(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	logger := WithSession(newLogger(&buf, "debug").With().Str("correlation_id", "c-1").Logger(), "s-1")
	logger.Info().Msg("Session started")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected a JSON log line, got %q", buf.String())
	}
	for key, want := range map[string]string{
		"service":        "voice-capture",
		"correlation_id": "c-1",
		"session_id":     "s-1",
		"message":        "Session started",
	} {
		if entry[key] != want {
			t.Errorf("Expected %s=%q, got %v", key, want, entry[key])
		}
	}
}

func TestNewLogger_Level(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	logger := newLogger(&buf, "warn")
	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected info to be filtered at warn level, got %q", buf.String())
	}

	newLogger(&buf, "bogus")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("Expected unknown levels to fall back to info, got %s", zerolog.GlobalLevel())
	}
}

func TestNewCorrelationID(t *testing.T) {
	id := NewCorrelationID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Expected a UUID, got %q", id)
	}
	if id == NewCorrelationID() {
		t.Error("Expected unique correlation IDs")
	}
}
