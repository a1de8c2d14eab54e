package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whalewatch/engine/internal/state"
)

func TestRemaining(t *testing.T) {
	assert.Equal(t, 13, Remaining(state.Quota{}, 13))
	assert.Equal(t, 3, Remaining(state.Quota{CallsUsed: 10}, 13))
	assert.Equal(t, 0, Remaining(state.Quota{CallsUsed: 13}, 13))
	// Clamped when the configured max shrinks below past usage.
	assert.Equal(t, 0, Remaining(state.Quota{CallsUsed: 20}, 13))
}

func TestSpend_MonotonicUpToMax(t *testing.T) {
	q := state.Quota{DayKey: "2026-08-29"}
	now := time.Unix(1700000000, 0)

	for i := 1; i <= 13; i++ {
		require.NoError(t, Spend(&q, 13, now))
		assert.Equal(t, i, q.CallsUsed)
		assert.Equal(t, now.Unix(), q.LastCallAt)
	}

	err := Spend(&q, 13, now)
	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 13, exhausted.Max)
	assert.Equal(t, 13, q.CallsUsed, "failed spend must not mutate the counter")
}

func TestCanSpend_SpacingAndBurst(t *testing.T) {
	base := time.Unix(1700000000, 0)
	q := state.Quota{CallsUsed: 1, LastCallAt: base.Unix()}
	gap := 30 * time.Second

	assert.False(t, CanSpend(q, 13, base.Add(10*time.Second), gap, false), "too soon in steady mode")
	assert.True(t, CanSpend(q, 13, base.Add(30*time.Second), gap, false), "gap satisfied exactly")
	assert.True(t, CanSpend(q, 13, base.Add(10*time.Second), gap, true), "burst bypasses spacing")

	exhausted := state.Quota{CallsUsed: 13}
	assert.False(t, CanSpend(exhausted, 13, base.Add(time.Hour), gap, true), "burst never overrides an empty budget")
}

func TestCanSpend_FirstCallNeedsNoGap(t *testing.T) {
	q := state.Quota{}
	assert.True(t, CanSpend(q, 13, time.Unix(1700000000, 0), 30*time.Second, false))
}

func TestRollDay_ResetsExactlyOnce(t *testing.T) {
	q := state.Quota{CallsUsed: 13, DayKey: "2026-08-28", LastCallAt: 1700000000}

	assert.True(t, RollDay(&q, "2026-08-29"))
	assert.Equal(t, 0, q.CallsUsed)
	assert.Equal(t, "2026-08-29", q.DayKey)

	// Second application of the same day key is a no-op.
	q.CallsUsed = 4
	assert.False(t, RollDay(&q, "2026-08-29"))
	assert.Equal(t, 4, q.CallsUsed)
}

func TestDayKey_ReferenceTimezone(t *testing.T) {
	// 2026-08-29 23:30 UTC is already the 30th in Tokyo.
	instant := time.Date(2026, 8, 29, 23, 30, 0, 0, time.UTC)

	assert.Equal(t, "2026-08-29", DayKey(instant, time.UTC))
	assert.Equal(t, "2026-08-29", DayKey(instant, nil), "nil location defaults to UTC")

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-30", DayKey(instant, tokyo))
}
