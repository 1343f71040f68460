package fusion

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFrameQueue(capacity int) (*FrameQueue, *clock.Mock, Timebase) {
	clk := clock.NewMock()
	tb := NewTimebase(clk.Now())
	return NewFrameQueue(capacity, clk, tb, nil), clk, tb
}

func drain(q *FrameQueue) []Frame {
	var out []Frame
	for {
		select {
		case f := <-q.Frames():
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestFrameQueuePreservesOrder(t *testing.T) {
	q, _, _ := newTestFrameQueue(4)
	for i := uint32(1); i <= 3; i++ {
		q.Submit(Frame{Seq: i})
	}

	got := drain(q)
	require.Len(t, got, 3)
	for i, f := range got {
		assert.Equal(t, uint32(i+1), f.Seq)
	}
	assert.Zero(t, q.Dropped())
}

func TestFrameQueueDropsOldestWhenFull(t *testing.T) {
	q, _, _ := newTestFrameQueue(2)
	for i := uint32(1); i <= 5; i++ {
		q.Submit(Frame{Seq: i})
	}

	got := drain(q)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(4), got[0].Seq)
	assert.Equal(t, uint32(5), got[1].Seq)
	assert.Equal(t, int64(3), q.Dropped())
}

func TestFrameQueueDefaultCapacity(t *testing.T) {
	q := NewFrameQueue(0, nil, Timebase{}, nil)
	assert.Equal(t, DefaultFrameBuffer, cap(q.ch))
}

func TestFrameQueueReplacesStaleTimestamps(t *testing.T) {
	q, clk, _ := newTestFrameQueue(4)
	clk.Add(time.Minute)

	q.Submit(Frame{Seq: 1, TimestampMS: 0})
	q.Submit(Frame{Seq: 2, TimestampMS: 59_000})
	q.Submit(Frame{Seq: 3, TimestampMS: 30_000})

	got := drain(q)
	require.Len(t, got, 3)
	assert.Equal(t, int64(59_999), got[0].TimestampMS, "stale capture time becomes now - 1 ms")
	assert.Equal(t, int64(59_000), got[1].TimestampMS)
	assert.Equal(t, int64(30_000), got[2].TimestampMS, "exactly 30 s behind is kept")
	assert.Equal(t, int64(1), q.StaleCorrected())
}
