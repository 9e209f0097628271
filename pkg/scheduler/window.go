// Package scheduler gates every backend request through a single FIFO queue
// that dispatches at most Budget operations in any trailing Window.
package scheduler

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Defaults for the backend's per-second quota.
const (
	DefaultBudget       = 8
	DefaultWindow       = time.Second
	DefaultBuffer       = 50 * time.Millisecond
	DefaultCooldown     = time.Second
	DefaultInfraReserve = 2
	DefaultMaxInFlight  = 16
)

// Clock abstracts wall time for the scheduler.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// RateWindow is the scheduler's view of the trailing dispatch window.
type RateWindow struct {
	// Count is the number of dispatches inside the window.
	Count int `json:"count"`

	// WindowStart is the oldest dispatch still inside the window.
	// Zero when Count is 0.
	WindowStart time.Time `json:"window_start"`

	// Budget is the maximum Count.
	Budget int `json:"budget"`
}

// Exhausted returns true when no further dispatch fits the window.
func (w RateWindow) Exhausted() bool {
	return w.Count >= w.Budget
}

// ResetIn returns how long until the oldest dispatch leaves the window.
func (w RateWindow) ResetIn(now time.Time, window time.Duration) time.Duration {
	if w.Count == 0 {
		return 0
	}
	d := w.WindowStart.Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

type dispatchEntry struct {
	at   time.Time
	lane Lane
}

// dispatchLog holds recent dispatches in ascending time order.
type dispatchLog struct {
	entries []dispatchEntry
}

// prune drops dispatches that are at least window old.
func (l *dispatchLog) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(l.entries) && now.Sub(l.entries[i].at) >= window {
		i++
	}
	if i > 0 {
		l.entries = append(l.entries[:0], l.entries[i:]...)
	}
}

func (l *dispatchLog) add(at time.Time, lane Lane) {
	l.entries = append(l.entries, dispatchEntry{at: at, lane: lane})
}

func (l *dispatchLog) count() int {
	return len(l.entries)
}

func (l *dispatchLog) countLane(lane Lane) int {
	n := 0
	for _, e := range l.entries {
		if e.lane == lane {
			n++
		}
	}
	return n
}

func (l *dispatchLog) oldest() time.Time {
	if len(l.entries) == 0 {
		return time.Time{}
	}
	return l.entries[0].at
}

func (l *dispatchLog) reset() {
	l.entries = l.entries[:0]
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
