package fusion

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"
)

// ErrSampleRejected is returned by Push for samples outside the accepted
// range.
var ErrSampleRejected = errors.New("inertial sample rejected")

const (
	DefaultQueueCapacity  = 1000
	DefaultMaxSampleMS    = 2_000_000
	DefaultMaxSampleSeq   = 2_000_000
	windowCoverageSlackMS = 80

	// rejectionAlarm is the run of consecutive rejections logged as an
	// error; a session past MaxTimestampMS rejects everything.
	rejectionAlarm = 500
)

// QueueConfig bounds the queue and the samples it admits.
type QueueConfig struct {
	Capacity       int
	MaxTimestampMS int64
	MaxSeq         int64
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Capacity <= 0 {
		c.Capacity = DefaultQueueCapacity
	}
	if c.MaxTimestampMS <= 0 {
		c.MaxTimestampMS = DefaultMaxSampleMS
	}
	if c.MaxSeq <= 0 {
		c.MaxSeq = DefaultMaxSampleSeq
	}
	return c
}

// WindowResult is the inertial displacement over a scale window.
type WindowResult struct {
	Displacement r3.Vector
	ZCorrupted   bool
	AllCorrupted bool
	Samples      int
}

// InertialQueue is a bounded FIFO of inertial samples shared between the
// sample producer and the frame orchestrator.
type InertialQueue struct {
	cfg    QueueConfig
	yaw    func() float64
	logger *zap.SugaredLogger

	mu               sync.Mutex
	buf              []InertialSample
	head, size       int
	lastMS           int64
	admitted         bool
	overflowed       bool
	inOverflow       bool
	overflowEpisodes int
	rejected         int
	rejectRun        int
	warned           map[string]bool
	continuous       DeadReckoner

	// scratch is only touched by EvalWindow, which runs on the frame
	// goroutine.
	scratch DeadReckoner
}

// NewInertialQueue creates a queue. yaw returns the current fused yaw and
// may be nil, in which case sample yaw is kept.
func NewInertialQueue(cfg QueueConfig, yaw func() float64, logger *zap.SugaredLogger) *InertialQueue {
	cfg = cfg.withDefaults()
	return &InertialQueue{
		cfg:    cfg,
		yaw:    yaw,
		logger: orNop(logger),
		buf:    make([]InertialSample, cfg.Capacity),
		warned: make(map[string]bool),
	}
}

// validate returns a short reason and the error for a rejected sample.
func (q *InertialQueue) validate(s InertialSample) (string, error) {
	switch {
	case s.TimestampMS < 0 || s.TimestampMS > q.cfg.MaxTimestampMS:
		return "timestamp", fmt.Errorf("%w: timestamp %d out of range", ErrSampleRejected, s.TimestampMS)
	case s.Seq < 0 || s.Seq > q.cfg.MaxSeq:
		return "seq", fmt.Errorf("%w: sequence %d out of range", ErrSampleRejected, s.Seq)
	case math.IsNaN(s.VX) || math.IsNaN(s.VY) || math.IsNaN(s.AltitudeMM):
		return "nan", fmt.Errorf("%w: non-numeric reading", ErrSampleRejected)
	case q.admitted && s.TimestampMS < q.lastMS:
		return "order", fmt.Errorf("%w: timestamp %d before %d", ErrSampleRejected, s.TimestampMS, q.lastMS)
	}
	return "", nil
}

// Push validates and appends a sample, evicting the oldest one when full.
func (q *InertialQueue) Push(s InertialSample) error {
	if q.yaw != nil {
		s.Yaw = q.yaw()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if reason, err := q.validate(s); err != nil {
		q.rejected++
		q.rejectRun++
		q.logRejection(reason, err)
		if q.rejectRun%rejectionAlarm == 0 {
			q.logger.Errorf("[IMU] last %d inertial samples were all rejected (%v); check fusion.maxSampleTimestampMs and maxSampleSeq", q.rejectRun, err)
		}
		return err
	}
	q.admitted = true
	q.rejectRun = 0
	q.lastMS = s.TimestampMS

	if q.size == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.overflowed = true
		if !q.inOverflow {
			q.inOverflow = true
			q.overflowEpisodes++
			q.logger.Warnf("[IMU] inertial queue overflow, evicting oldest samples (capacity %d)", len(q.buf))
		}
	}
	q.buf[(q.head+q.size)%len(q.buf)] = s
	q.size++

	q.continuous.Step(s)
	return nil
}

// logRejection warns once per reason and drops later repeats to debug.
func (q *InertialQueue) logRejection(reason string, err error) {
	if q.warned[reason] {
		q.logger.Debugf("[IMU] %v", err)
		return
	}
	q.warned[reason] = true
	q.logger.Warnf("[IMU] %v", err)
}

// Len returns the number of queued samples.
func (q *InertialQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Samples returns a copy of the queue, oldest first.
func (q *InertialQueue) Samples() []InertialSample {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]InertialSample, q.size)
	for i := range out {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return out
}

// Overflowed reports whether the queue ever evicted a sample.
func (q *InertialQueue) Overflowed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflowed
}

// OverflowEpisodes counts distinct saturation episodes.
func (q *InertialQueue) OverflowEpisodes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflowEpisodes
}

// Rejected counts samples refused by Push.
func (q *InertialQueue) Rejected() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rejected
}

// ContinuousPosition returns the IMU-only position integrated over every
// admitted sample since the last ResetContinuous.
func (q *InertialQueue) ContinuousPosition() r3.Vector {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.continuous.Position()
}

// ResetContinuous zeroes the continuous predictor.
func (q *InertialQueue) ResetContinuous() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.continuous.Reset()
}

func (q *InertialQueue) front() InertialSample {
	return q.buf[q.head]
}

func (q *InertialQueue) popFront() {
	q.head = (q.head + 1) % len(q.buf)
	q.size--
}

// EvalWindow consumes the samples up to `to`, integrating those inside
// [from, to], and returns the displacement with the first altitude as the
// height baseline. Samples before from are discarded; samples after to stay.
func (q *InertialQueue) EvalWindow(from, to int64) WindowResult {
	q.scratch.Reset()

	var (
		res      WindowResult
		first    int64
		firstZ   float64
		anyAdded bool
	)

	q.mu.Lock()
	for q.size > 0 && q.front().TimestampMS < from {
		q.popFront()
	}
	for q.size > 0 && q.front().TimestampMS <= to {
		s := q.front()
		if !anyAdded {
			anyAdded = true
			first = s.TimestampMS
			firstZ = s.AltitudeMM / 1000
			q.scratch.SeedHeight(firstZ)
		}
		q.scratch.Step(s)
		res.Samples++
		q.popFront()
	}
	if q.size < len(q.buf) {
		q.inOverflow = false
	}
	q.mu.Unlock()

	last, _ := q.scratch.LastTimestamp()
	res.ZCorrupted = q.scratch.ZCorrupted()
	res.AllCorrupted = !anyAdded || abs64(first-from)+abs64(last-to) > windowCoverageSlackMS

	pos := q.scratch.Position()
	pos.Z -= firstZ
	res.Displacement = pos
	return res
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
