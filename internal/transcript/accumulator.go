// Package transcript merges interim and final recognition results into a
// single transcript that survives engine restarts.
package transcript

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/speech"
)

// Snapshot is the transcript state after a result event
type Snapshot struct {
	Final   string `json:"final"`
	Interim string `json:"interim"`
}

// Accumulator holds the transcript of one recording.
//
// final is append-only within an engine session; interim is replaced on
// every result event; accumulated carries finalized text across forced
// engine restarts.
type Accumulator struct {
	busy atomic.Bool

	mu            sync.Mutex
	final         string
	interim       string
	accumulated   string
	lastSignature string
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// ProcessResult applies a result event. Entries from ev.ResultIndex onward
// are read: finals are appended to the final transcript, non-finals
// rebuild the interim buffer. It returns false when the event was
// discarded, either because it repeats the previous payload exactly or
// because another result is still being applied.
func (a *Accumulator) ProcessResult(ev speech.ResultEvent) (Snapshot, bool) {
	if !a.busy.CompareAndSwap(false, true) {
		return a.Snapshot(), false
	}
	defer a.busy.Store(false)

	a.mu.Lock()
	defer a.mu.Unlock()

	sig := signature(ev)
	if sig == a.lastSignature {
		return Snapshot{Final: a.final, Interim: a.interim}, false
	}
	a.lastSignature = sig

	start := ev.ResultIndex
	if start < 0 {
		start = 0
	}

	var interim []string
	for i := start; i < len(ev.Results); i++ {
		r := ev.Results[i]
		text := strings.TrimSpace(r.Transcript())
		if text == "" {
			continue
		}
		if r.IsFinal {
			a.final = normalize(a.final + " " + text)
		} else {
			interim = append(interim, text)
		}
	}
	a.interim = normalize(strings.Join(interim, " "))

	return Snapshot{Final: a.final, Interim: a.interim}, true
}

// AccumulateAcrossRestart moves the session's final transcript into the
// accumulated buffer. Call it immediately before a forced engine stop so
// the next session starts clean without losing words.
func (a *Accumulator) AccumulateAcrossRestart() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.accumulated = normalize(a.accumulated + " " + a.final)
	a.final = ""
	a.interim = ""
	a.lastSignature = ""
}

// CompleteTranscript returns accumulated + final, whitespace-normalized,
// and clears the accumulated buffer. A second call without an intervening
// restart returns only the final part: call it once per stop.
func (a *Accumulator) CompleteTranscript() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := normalize(a.accumulated + " " + a.final)
	a.accumulated = ""
	return out
}

// Transcript returns accumulated + final without clearing anything
func (a *Accumulator) Transcript() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return normalize(a.accumulated + " " + a.final)
}

// Interim returns the current interim text
func (a *Accumulator) Interim() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interim
}

// Final returns the final transcript of the current engine session
func (a *Accumulator) Final() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.final
}

// ClearInterim drops interim text, as happens when an engine session ends
func (a *Accumulator) ClearInterim() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interim = ""
}

// Snapshot returns the current final and interim text
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{Final: a.final, Interim: a.interim}
}

// Reset clears everything for a new recording
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.final = ""
	a.interim = ""
	a.accumulated = ""
	a.lastSignature = ""
}

func signature(ev speech.ResultEvent) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(ev.ResultIndex))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(len(ev.Results)))
	for i := ev.ResultIndex; i >= 0 && i < len(ev.Results); i++ {
		r := ev.Results[i]
		if r.IsFinal {
			b.WriteString("|f:")
		} else {
			b.WriteString("|i:")
		}
		b.WriteString(r.Transcript())
	}
	return b.String()
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
