package fusion

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// InertialIngest feeds one sample to every consumer of the inertial
// stream. Samples the queue rejects do not reach the filter.
type InertialIngest struct {
	Queue  *InertialQueue
	Filter *SharedFilter
	Device *DeviceIdentity
}

func (in InertialIngest) Ingest(s InertialSample) error {
	if in.Device != nil {
		in.Device.Observe(s)
	}
	if err := in.Queue.Push(s); err != nil {
		return err
	}
	if in.Filter != nil {
		in.Filter.AddInertial(s)
	}
	return nil
}

// Recording entry types.
const (
	EntryInertial = "inertial"
	EntryFrame    = "frame"
	EntryCommand  = "command"
)

// RecordingEntry is one line of a JSONL recording. Data holds an inertial
// sample, a frame message or a command string, with unix millisecond
// timestamps.
type RecordingEntry struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Samples  int
	Rejected int
	Frames   int
	Commands int
	Skipped  int
	Statuses map[Status]int
}

// Replayer pushes a recording through the pipeline in file order, on the
// calling goroutine.
type Replayer struct {
	Orchestrator *Orchestrator
	Ingest       InertialIngest
	Logger       *zap.SugaredLogger
}

// maxEntryBytes bounds one recording line; frames may carry a PNG.
const maxEntryBytes = 16 << 20

// Run replays every entry of in. The session epoch is the first timestamp
// in the recording.
func (r *Replayer) Run(ctx context.Context, in io.Reader) (ReplayStats, error) {
	logger := orNop(r.Logger)
	stats := ReplayStats{Statuses: make(map[Status]int)}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), maxEntryBytes)

	var tb Timebase
	var epochSet bool
	var lastMS int64
	line := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e RecordingEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			logger.Warnf("[REPLAY] line %d: %v", line, err)
			stats.Skipped++
			continue
		}

		if !epochSet && e.Type != EntryCommand {
			var ts struct {
				TimestampMS int64 `json:"timestampMs"`
			}
			if json.Unmarshal(e.Data, &ts) == nil && ts.TimestampMS != 0 {
				tb = NewTimebase(time.UnixMilli(ts.TimestampMS))
				epochSet = true
			}
		}

		switch e.Type {
		case EntryInertial:
			s, err := DecodeInertial(e.Data, tb)
			if err != nil {
				logger.Warnf("[REPLAY] line %d: %v", line, err)
				stats.Skipped++
				continue
			}
			stats.Samples++
			lastMS = s.TimestampMS
			if err := r.Ingest.Ingest(s); err != nil {
				stats.Rejected++
			}
		case EntryFrame:
			f, err := DecodeFrame(e.Data, tb, lastMS)
			if err != nil {
				logger.Warnf("[REPLAY] line %d: %v", line, err)
				stats.Skipped++
				continue
			}
			stats.Frames++
			stats.Statuses[r.Orchestrator.ProcessFrame(ctx, f)]++
		case EntryCommand:
			var cmd string
			if err := json.Unmarshal(e.Data, &cmd); err != nil {
				logger.Warnf("[REPLAY] line %d: %v", line, err)
				stats.Skipped++
				continue
			}
			stats.Commands++
			r.Orchestrator.HandleCommand(cmd)
		default:
			logger.Warnf("[REPLAY] line %d: unknown entry type %q", line, e.Type)
			stats.Skipped++
		}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return stats, fmt.Errorf("line %d exceeds %d bytes: %w", line+1, maxEntryBytes, err)
		}
		return stats, fmt.Errorf("reading recording: %w", err)
	}
	logger.Infof("[REPLAY] %d samples (%d rejected), %d frames, %d commands, %d skipped",
		stats.Samples, stats.Rejected, stats.Frames, stats.Commands, stats.Skipped)
	return stats, nil
}
