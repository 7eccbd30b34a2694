// Package engine contains the trading core: the entry filter, the daily
// trade limiter, the balance monitor, and the position lifecycle manager with
// its per-position supervisors.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/dkuznetsov/polysniper/internal/domain"
)

// DailyLimiter enforces a per-strategy cap on trades per calendar day. The
// day boundary is evaluated in a configurable time zone. Reservations are
// counted before the order is placed and released if the open fails, so the
// cap can never be exceeded by concurrent entries.
type DailyLimiter struct {
	caps map[string]int
	loc  *time.Location
	now  func() time.Time

	mu     sync.Mutex
	day    string
	counts map[string]int
}

// NewDailyLimiter creates a limiter with the given per-strategy caps. loc
// determines when a new day starts; nil means the process-local zone.
func NewDailyLimiter(caps map[string]int, loc *time.Location) *DailyLimiter {
	if loc == nil {
		loc = time.Local
	}
	return &DailyLimiter{
		caps:   caps,
		loc:    loc,
		now:    time.Now,
		counts: make(map[string]int),
	}
}

// Reserve claims one trade slot for the strategy. It returns
// domain.ErrDailyCapReached when the cap for the current day is exhausted.
func (l *DailyLimiter) Reserve(strategy string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	limit, ok := l.caps[strategy]
	if !ok {
		return fmt.Errorf("engine: no daily cap for strategy %q", strategy)
	}
	if l.counts[strategy] >= limit {
		return domain.ErrDailyCapReached
	}
	l.counts[strategy]++
	return nil
}

// Release returns a previously reserved slot, used when the order placement
// fails after the reservation. A failed attempt does not consume the cap.
func (l *DailyLimiter) Release(strategy string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	if l.counts[strategy] > 0 {
		l.counts[strategy]--
	}
}

// Used reports how many slots the strategy has consumed today.
func (l *DailyLimiter) Used(strategy string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.counts[strategy]
}

// Remaining reports how many slots the strategy has left today.
func (l *DailyLimiter) Remaining(strategy string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	r := l.caps[strategy] - l.counts[strategy]
	if r < 0 {
		return 0
	}
	return r
}

// rollover resets all counters when the calendar day changes. Caller holds mu.
func (l *DailyLimiter) rollover() {
	day := l.now().In(l.loc).Format(time.DateOnly)
	if day != l.day {
		l.day = day
		l.counts = make(map[string]int)
	}
}
