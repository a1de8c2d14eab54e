// Package quota tracks the daily AI-call budget: how many analysis calls
// remain today, whether one may be spent right now, and when the budget
// resets on day rollover.
//
// All functions operate on the persisted state.Quota value; the caller is
// responsible for saving state after mutation.
package quota

import (
	"fmt"
	"time"

	"github.com/whalewatch/engine/internal/state"
)

const dayKeyLayout = "2006-01-02"

// ExhaustedError reports a Spend call made with zero remaining budget. This
// is a programming-contract violation (callers must check CanSpend first),
// fatal to the calling code path but not to the process.
type ExhaustedError struct {
	DayKey string
	Max    int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("daily quota of %d calls exhausted for %s", e.Max, e.DayKey)
}

// DayKey returns the calendar-date key for now in the reference timezone.
// Computed freshly each tick; never cached, so long-running processes cannot
// miss a rollover.
func DayKey(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format(dayKeyLayout)
}

// Remaining returns maxDaily minus the calls used today, clamped at 0.
func Remaining(q state.Quota, maxDaily int) int {
	r := maxDaily - q.CallsUsed
	if r < 0 {
		return 0
	}
	return r
}

// CanSpend reports whether one analysis call may be spent at now. The
// minimum-spacing constraint against the previous call is bypassed when
// ignoreGap is true (burst mode).
func CanSpend(q state.Quota, maxDaily int, now time.Time, minGap time.Duration, ignoreGap bool) bool {
	if Remaining(q, maxDaily) == 0 {
		return false
	}
	if ignoreGap {
		return true
	}
	if q.LastCallAt == 0 {
		return true
	}
	return now.Sub(time.Unix(q.LastCallAt, 0)) >= minGap
}

// Spend consumes one unit of today's budget and stamps the call time.
// Returns an *ExhaustedError when nothing remains.
func Spend(q *state.Quota, maxDaily int, now time.Time) error {
	if Remaining(*q, maxDaily) == 0 {
		return &ExhaustedError{DayKey: q.DayKey, Max: maxDaily}
	}
	q.CallsUsed++
	q.LastCallAt = now.Unix()
	return nil
}

// RollDay resets the counters when the stored day key differs from todayKey
// and reports whether a rollover happened, so the scheduler can re-enter
// burst mode. Applying the same todayKey twice only resets on the first call.
func RollDay(q *state.Quota, todayKey string) bool {
	if q.DayKey == todayKey {
		return false
	}
	q.DayKey = todayKey
	q.CallsUsed = 0
	return true
}
