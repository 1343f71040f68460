package fusion

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/geo/r3"
)

// logRecordFields is tier, timestamp, 10 pre, 10 post, 6 visual, 3 scale,
// 6 offsets and latency.
const logRecordFields = 1 + 1 + 10 + 10 + 6 + 3 + 6 + 1

// LogRecord is the per-frame diagnostic line.
type LogRecord struct {
	Tier        QualityTier
	TimestampMS int64
	Pre         PoseSpeed
	Post        PoseSpeed
	Visual      Pose6
	Scales      r3.Vector
	Offsets     Pose6
	LatencyMS   int64
}

// AppendText appends the space separated line, including the newline.
func (r LogRecord) AppendText(b []byte) []byte {
	b = strconv.AppendInt(b, int64(r.Tier), 10)
	b = append(b, ' ')
	b = strconv.AppendInt(b, r.TimestampMS, 10)
	for _, v := range r.Pre.Values() {
		b = appendFloat(b, v)
	}
	for _, v := range r.Post.Values() {
		b = appendFloat(b, v)
	}
	for _, v := range r.Visual.Values() {
		b = appendFloat(b, v)
	}
	for _, v := range [3]float64{r.Scales.X, r.Scales.Y, r.Scales.Z} {
		b = appendFloat(b, v)
	}
	for _, v := range r.Offsets.Values() {
		b = appendFloat(b, v)
	}
	b = append(b, ' ')
	b = strconv.AppendInt(b, r.LatencyMS, 10)
	return append(b, '\n')
}

func appendFloat(b []byte, v float64) []byte {
	b = append(b, ' ')
	return strconv.AppendFloat(b, v, 'f', -1, 64)
}

// String returns the line without the trailing newline.
func (r LogRecord) String() string {
	b := r.AppendText(nil)
	return string(b[:len(b)-1])
}

// ParseLogRecord decodes a line written by AppendText.
func ParseLogRecord(line string) (LogRecord, error) {
	fields := strings.Fields(line)
	if len(fields) != logRecordFields {
		return LogRecord{}, fmt.Errorf("log record has %d fields, want %d", len(fields), logRecordFields)
	}
	var r LogRecord
	tier, err := strconv.Atoi(fields[0])
	if err != nil {
		return LogRecord{}, fmt.Errorf("tier: %w", err)
	}
	r.Tier = QualityTier(tier)
	if r.TimestampMS, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
		return LogRecord{}, fmt.Errorf("timestamp: %w", err)
	}
	if r.LatencyMS, err = strconv.ParseInt(fields[len(fields)-1], 10, 64); err != nil {
		return LogRecord{}, fmt.Errorf("latency: %w", err)
	}

	vals := make([]float64, 0, 35)
	for i, f := range fields[2 : len(fields)-1] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return LogRecord{}, fmt.Errorf("field %d: %w", i+2, err)
		}
		vals = append(vals, v)
	}
	r.Pre = poseSpeedFrom(vals[0:10])
	r.Post = poseSpeedFrom(vals[10:20])
	r.Visual = pose6From(vals[20:26])
	r.Scales = r3.Vector{X: vals[26], Y: vals[27], Z: vals[28]}
	r.Offsets = pose6From(vals[29:35])
	return r, nil
}

func pose6From(v []float64) Pose6 {
	return Pose6{X: v[0], Y: v[1], Z: v[2], Roll: v[3], Pitch: v[4], Yaw: v[5]}
}

func poseSpeedFrom(v []float64) PoseSpeed {
	return PoseSpeed{Pose6: pose6From(v[:6]), VX: v[6], VY: v[7], VZ: v[8], VYaw: v[9]}
}

// LogWriter appends log records to a stream. It is a FrameSink.
type LogWriter struct {
	mu  sync.Mutex
	w   *bufio.Writer
	c   io.Closer
	buf []byte
	err error
}

// NewLogWriter writes to w; Close closes w if it is an io.Closer.
func NewLogWriter(w io.Writer) *LogWriter {
	lw := &LogWriter{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		lw.c = c
	}
	return lw
}

// CreateLogFile truncates or creates path and writes records to it.
func CreateLogFile(path string) (*LogWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}
	return NewLogWriter(f), nil
}

// Write appends one record. The first write error sticks.
func (lw *LogWriter) Write(r LogRecord) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.err != nil {
		return lw.err
	}
	lw.buf = r.AppendText(lw.buf[:0])
	if _, err := lw.w.Write(lw.buf); err != nil {
		lw.err = fmt.Errorf("writing log record: %w", err)
	}
	return lw.err
}

// FrameProcessed implements FrameSink.
func (lw *LogWriter) FrameProcessed(_ FrameReport, r LogRecord) {
	_ = lw.Write(r)
}

// Flush writes buffered records.
func (lw *LogWriter) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if err := lw.w.Flush(); err != nil && lw.err == nil {
		lw.err = err
	}
	return lw.err
}

// Close flushes and closes the underlying stream.
func (lw *LogWriter) Close() error {
	err := lw.Flush()
	if lw.c != nil {
		if cerr := lw.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
