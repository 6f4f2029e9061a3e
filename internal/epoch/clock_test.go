package epoch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var anchor = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestClock_EpochBoundaries(t *testing.T) {
	c := NewClock(anchor, 1209600*time.Second) // 14 days

	// One second before the boundary is still epoch 0; the boundary itself
	// opens epoch 1.
	assert.Equal(t, int64(0), c.CurrentEpoch(anchor.Add(1209599*time.Second)))
	assert.Equal(t, int64(1), c.CurrentEpoch(anchor.Add(1209600*time.Second)))
	assert.Equal(t, int64(0), c.CurrentEpoch(anchor))
}

func TestClock_StartEndContiguous(t *testing.T) {
	c := NewClock(anchor, DefaultDuration)

	for id := int64(-3); id <= 3; id++ {
		assert.Equal(t, c.End(id), c.Start(id+1), "epochs must be contiguous")
		assert.Equal(t, DefaultDuration, c.End(id).Sub(c.Start(id)))
	}
}

func TestClock_IsActive(t *testing.T) {
	c := NewClock(anchor, DefaultDuration)

	assert.True(t, c.IsActive(0, anchor))
	assert.True(t, c.IsActive(0, c.End(0).Add(-time.Nanosecond)))
	assert.False(t, c.IsActive(0, c.End(0)), "end is exclusive")
	assert.False(t, c.IsActive(1, anchor))
	assert.True(t, c.IsActive(1, c.Start(1)))
}

func TestClock_NegativeEpochs(t *testing.T) {
	c := NewClock(anchor, DefaultDuration)

	assert.Equal(t, int64(-1), c.CurrentEpoch(anchor.Add(-time.Second)))
	assert.Equal(t, int64(-1), c.CurrentEpoch(anchor.Add(-DefaultDuration)))
	assert.Equal(t, int64(-2), c.CurrentEpoch(anchor.Add(-DefaultDuration-time.Second)))
	assert.True(t, c.IsActive(-1, anchor.Add(-time.Hour)))
}

func TestClock_TimeRemaining(t *testing.T) {
	c := NewClock(anchor, DefaultDuration)

	assert.Equal(t, DefaultDuration, c.TimeRemaining(0, anchor))
	assert.Equal(t, time.Duration(0), c.TimeRemaining(0, c.End(0)))
	assert.Negative(t, int64(c.TimeRemaining(0, c.End(0).Add(time.Minute))))
}

func TestClock_DefaultDurationFallback(t *testing.T) {
	c := NewClock(anchor, 0)
	assert.Equal(t, DefaultDuration, c.Duration())
}
