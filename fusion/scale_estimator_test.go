package fusion

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forwardQueue holds 1 m/s forward flight at constant height from 0 to
// 5000 ms.
func forwardQueue(t *testing.T, altitude func(ms int64) float64) *InertialQueue {
	t.Helper()
	q := NewInertialQueue(QueueConfig{}, nil, nil)
	for i := 0; i <= 1000; i++ {
		ms := int64(i * 5)
		alt := 1000.0
		if altitude != nil {
			alt = altitude(ms)
		}
		require.NoError(t, q.Push(InertialSample{Seq: int64(i), TimestampMS: ms, VX: 1000, AltitudeMM: alt}))
	}
	return q
}

// visualAt is a visual track moving at half the true speed.
func visualAt(ms int64) r3.Vector {
	return r3.Vector{Y: float64(ms) / 1000 * 0.5}
}

func TestScaleWindowCloses(t *testing.T) {
	filter := newFakeFilter()
	next := r3.Vector{X: 2, Y: 2, Z: 2}
	filter.nextScales = &next
	shared := NewSharedFilter(filter)
	e := NewScaleEstimator(forwardQueue(t, nil), shared, 75, 40, nil)

	var closed ScaleUpdate
	for ms := int64(100); ms <= 2100; ms += 100 {
		upd := e.Step(ScaleStep{FrameMS: ms, GoodStreak: 5, FusedVisual: visualAt(ms)})
		if upd.Closed {
			closed = upd
		}
	}

	require.Len(t, filter.scaleCalls, 1)
	assert.True(t, closed.Applied)
	assert.False(t, closed.Window.AllCorrupted)

	call := filter.scaleCalls[0]
	assert.InDelta(t, 0.25, call.diffVisual.Y, 1e-9, "visual moved 1 m, weighted 0.25")
	assert.InDelta(t, 0.5, call.diffInertial.Y, 1e-9, "inertial moved 2 m, weighted 0.25")
	assert.InDelta(t, 0, call.diffInertial.Z, 1e-9)
	assert.InDelta(t, 0.05, call.reference.Y, 1e-12, "reference is the window's opening position")

	assert.Equal(t, next, e.Scales())

	// A new window opens on the closing frame.
	w := e.Window()
	assert.True(t, w.Active())
	assert.Equal(t, int64(2100), w.StartMS)
	assert.Equal(t, 0, w.FramesIncluded)
}

func TestScaleWindowNeedsStreak(t *testing.T) {
	filter := newFakeFilter()
	e := NewScaleEstimator(forwardQueue(t, nil), NewSharedFilter(filter), 75, 40, nil)

	for ms := int64(100); ms <= 2500; ms += 100 {
		e.Step(ScaleStep{FrameMS: ms, GoodStreak: 2, FusedVisual: visualAt(ms)})
	}
	assert.False(t, e.Window().Active())
	assert.Empty(t, filter.scaleCalls)
}

func TestScaleWindowGoesStale(t *testing.T) {
	filter := newFakeFilter()
	e := NewScaleEstimator(forwardQueue(t, nil), NewSharedFilter(filter), 75, 40, nil)

	e.Step(ScaleStep{FrameMS: 100, GoodStreak: 5})
	require.True(t, e.Window().Active())

	// Tracking degrades and the window outlives its maximum length.
	for ms := int64(200); ms <= 3200; ms += 100 {
		e.Step(ScaleStep{FrameMS: ms, GoodStreak: -1})
	}
	assert.False(t, e.Window().Active())
	assert.Empty(t, filter.scaleCalls)

	// The next good frame reopens it.
	e.Step(ScaleStep{FrameMS: 3300, GoodStreak: 3})
	assert.Equal(t, int64(3300), e.Window().StartMS)
}

func TestScaleWindowSkipsOnGap(t *testing.T) {
	filter := newFakeFilter()
	empty := NewInertialQueue(QueueConfig{}, nil, nil)
	e := NewScaleEstimator(empty, NewSharedFilter(filter), 75, 40, nil)

	var closed int
	for ms := int64(100); ms <= 2100; ms += 100 {
		upd := e.Step(ScaleStep{FrameMS: ms, GoodStreak: 5, FusedVisual: visualAt(ms)})
		if upd.Closed {
			closed++
			assert.False(t, upd.Applied)
			assert.True(t, upd.Window.AllCorrupted)
		}
	}
	assert.Equal(t, 1, closed)
	assert.Empty(t, filter.scaleCalls)
	assert.True(t, e.Window().Active(), "a window is reopened after a skipped one")
}

func TestScaleWindowZCorrupted(t *testing.T) {
	filter := newFakeFilter()
	jump := func(ms int64) float64 {
		if ms > 1000 {
			return 1500
		}
		return 1000
	}
	e := NewScaleEstimator(forwardQueue(t, jump), NewSharedFilter(filter), 75, 40, nil)
	for ms := int64(100); ms <= 2100; ms += 100 {
		v := visualAt(ms)
		v.Z = float64(ms) / 1000
		e.Step(ScaleStep{FrameMS: ms, GoodStreak: 5, FusedVisual: v})
	}
	require.Len(t, filter.scaleCalls, 1)
	assert.Zero(t, filter.scaleCalls[0].diffVisual.Z)
	assert.Zero(t, filter.scaleCalls[0].diffInertial.Z)
}

func TestScaleWindowClear(t *testing.T) {
	e := NewScaleEstimator(forwardQueue(t, nil), NewSharedFilter(newFakeFilter()), 75, 40, nil)
	e.Step(ScaleStep{FrameMS: 100, GoodStreak: 5})
	require.True(t, e.Window().Active())
	e.Clear()
	assert.Equal(t, -1, e.Window().FramesIncluded)
}
