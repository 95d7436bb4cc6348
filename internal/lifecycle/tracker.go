// Package lifecycle guards timers and callbacks against running after
// their owner has been torn down.
//
// A [Tracker] is the Go counterpart of a component's mounted flag plus
// its timeout/interval registry: every callback it schedules checks that
// the tracker is still mounted and that the timer was not cancelled
// before running, and [Tracker.Teardown] cancels everything at once.
package lifecycle

import (
	"sync"
	"time"
)

// CancelFunc cancels a scheduled callback. Calling it more than once is safe.
type CancelFunc func()

// Tracker owns a set of timers tied to one owner's lifetime
type Tracker struct {
	clock Clock

	mu      sync.Mutex
	mounted bool
	nextID  uint64
	timers  map[uint64]*entry
}

type entry struct {
	timer Timer // nil until the clock has armed it
}

// NewTracker creates a mounted tracker. A nil clock means RealClock.
func NewTracker(clock Clock) *Tracker {
	if clock == nil {
		clock = RealClock{}
	}
	return &Tracker{
		clock:   clock,
		mounted: true,
		timers:  make(map[uint64]*entry),
	}
}

// Now returns the current time of the tracker's clock
func (t *Tracker) Now() time.Time {
	return t.clock.Now()
}

// Mounted reports whether Teardown has not been called yet
func (t *Tracker) Mounted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mounted
}

// Guard runs f only while the tracker is mounted and reports whether it ran
func (t *Tracker) Guard(f func()) bool {
	if !t.Mounted() {
		return false
	}
	f()
	return true
}

// AfterFunc schedules f to run once after d. The callback is skipped if
// the returned CancelFunc was called or the tracker was torn down first.
func (t *Tracker) AfterFunc(d time.Duration, f func()) CancelFunc {
	t.mu.Lock()
	if !t.mounted {
		t.mu.Unlock()
		return func() {}
	}
	t.nextID++
	id := t.nextID
	e := &entry{}
	t.timers[id] = e
	t.mu.Unlock()

	timer := t.clock.AfterFunc(d, func() {
		if !t.claim(id) {
			return
		}
		f()
	})

	t.mu.Lock()
	e.timer = timer
	t.mu.Unlock()

	return func() { t.cancel(id) }
}

// Every runs f every d until cancelled or torn down
func (t *Tracker) Every(d time.Duration, f func()) CancelFunc {
	var (
		mu       sync.Mutex
		stopped  bool
		current  CancelFunc
		schedule func()
	)
	schedule = func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		current = t.AfterFunc(d, func() {
			f()
			schedule()
		})
	}
	schedule()

	return func() {
		mu.Lock()
		stopped = true
		c := current
		mu.Unlock()
		if c != nil {
			c()
		}
	}
}

// Teardown unmounts the tracker and stops every pending timer. Callbacks
// already running are not interrupted, but none start afterwards.
func (t *Tracker) Teardown() {
	t.mu.Lock()
	t.mounted = false
	var armed []Timer
	for _, e := range t.timers {
		if e.timer != nil {
			armed = append(armed, e.timer)
		}
	}
	t.timers = make(map[uint64]*entry)
	t.mu.Unlock()

	for _, timer := range armed {
		timer.Stop()
	}
}

// Pending returns the number of registered timers that have not fired
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// claim removes the timer from the registry and reports whether its
// callback may run.
func (t *Tracker) claim(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.mounted {
		return false
	}
	if _, ok := t.timers[id]; !ok {
		return false
	}
	delete(t.timers, id)
	return true
}

func (t *Tracker) cancel(id uint64) {
	t.mu.Lock()
	e, ok := t.timers[id]
	delete(t.timers, id)
	var timer Timer
	if ok {
		timer = e.timer
	}
	t.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}
