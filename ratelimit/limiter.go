package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultCeiling is the default number of events admitted per window.
	DefaultCeiling = 2000

	// Window is the trailing interval the ceiling applies to.
	Window = time.Minute
)

// Limiter gates event delivery with a sliding one-minute window. Events
// rejected by the limiter are dropped, not queued: lossy admission is the
// sole backpressure mechanism under overload.
type Limiter struct {
	mu      sync.Mutex
	ceiling int
	window  time.Duration
	stamps  []time.Time
	now     func() time.Time
	dropped uint64
}

// New creates a limiter admitting up to ceiling events per trailing minute.
// A non-positive ceiling falls back to DefaultCeiling.
func New(ceiling int) *Limiter {
	return NewWithClock(ceiling, time.Now)
}

// NewWithClock creates a limiter with an injectable clock for tests
func NewWithClock(ceiling int, now func() time.Time) *Limiter {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Limiter{
		ceiling: ceiling,
		window:  Window,
		now:     now,
	}
}

// Admit reports whether one more event may be delivered now. Admission
// records the current timestamp; rejection records nothing.
func (l *Limiter) Admit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	if len(l.stamps) >= l.ceiling {
		l.dropped++
		return false
	}

	l.stamps = append(l.stamps, now)
	return true
}

// pruneLocked drops timestamps that have slid out of the trailing window
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// Len returns the number of admissions currently inside the window
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.stamps)
}

// Dropped returns the total number of rejected admissions
func (l *Limiter) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
