package fusion

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultFrameBuffer = 4

	// staleFrameMS is how far behind the clock a capture time may be before
	// it is replaced with the current time.
	staleFrameMS = 30_000
)

// FrameQueue hands frames from the transport to the orchestrator. When the
// orchestrator falls behind the oldest queued frame is dropped; order is
// preserved.
type FrameQueue struct {
	ch       chan Frame
	mu       sync.Mutex
	clock    clock.Clock
	timebase Timebase
	logger   *zap.SugaredLogger
	dropped  atomic.Int64
	stale    atomic.Int64
}

// NewFrameQueue creates a queue holding up to capacity frames.
func NewFrameQueue(capacity int, clk clock.Clock, tb Timebase, logger *zap.SugaredLogger) *FrameQueue {
	if capacity <= 0 {
		capacity = DefaultFrameBuffer
	}
	if clk == nil {
		clk = clock.New()
	}
	return &FrameQueue{
		ch:       make(chan Frame, capacity),
		clock:    clk,
		timebase: tb,
		logger:   orNop(logger),
	}
}

// Submit enqueues a frame without blocking.
func (q *FrameQueue) Submit(f Frame) {
	now := q.timebase.MS(q.clock.Now())
	if now-f.TimestampMS > staleFrameMS {
		f.TimestampMS = now - 1
		if q.stale.Add(1) == 1 {
			q.logger.Warnf("[VIDEO] frame %d capture time is stale, using receive time", f.Seq)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.ch <- f:
			return
		default:
		}
		select {
		case old := <-q.ch:
			if q.dropped.Add(1)%100 == 1 {
				q.logger.Debugf("[VIDEO] dropping frame %d, orchestrator is behind", old.Seq)
			}
		default:
		}
	}
}

// Frames is the channel the orchestrator reads.
func (q *FrameQueue) Frames() <-chan Frame {
	return q.ch
}

// Dropped counts frames discarded because the queue was full.
func (q *FrameQueue) Dropped() int64 {
	return q.dropped.Load()
}

// StaleCorrected counts frames whose capture time was replaced.
func (q *FrameQueue) StaleCorrected() int64 {
	return q.stale.Load()
}
