package fusion

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() LogRecord {
	return LogRecord{
		Tier:        TierBest,
		TimestampMS: 1234,
		Pre:         PoseSpeed{Pose6: Pose6{X: 1.5, Y: -2, Z: 0.75, Roll: 1, Pitch: -3, Yaw: 170}, VX: 0.2, VY: 0.1, VZ: 0, VYaw: 4},
		Post:        PoseSpeed{Pose6: Pose6{X: 1.25, Y: -2.125, Z: 0.8, Yaw: 171}},
		Visual:      Pose6{X: 0.5, Y: 0.25, Z: 0.1, Yaw: -9.5},
		Scales:      r3.Vector{X: 2.5, Y: 2.5, Z: 2.5},
		Offsets:     Pose6{X: 0.1, Y: -0.1, Z: 0.05},
		LatencyMS:   87,
	}
}

func TestLogRecordRoundTrip(t *testing.T) {
	rec := sampleRecord()

	line := rec.String()
	assert.Len(t, strings.Fields(line), logRecordFields)
	assert.False(t, strings.HasSuffix(line, "\n"))
	assert.True(t, strings.HasPrefix(line, "2 1234 1.5 -2 0.75"))
	assert.True(t, strings.HasSuffix(line, " 87"))

	back, err := ParseLogRecord(line)
	require.NoError(t, err)
	if diff := cmp.Diff(rec, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLogRecordAppendTextEndsWithNewline(t *testing.T) {
	b := sampleRecord().AppendText([]byte("prefix "))
	assert.True(t, bytes.HasPrefix(b, []byte("prefix 2 ")))
	assert.Equal(t, byte('\n'), b[len(b)-1])
}

func TestParseLogRecordErrors(t *testing.T) {
	good := strings.Fields(sampleRecord().String())
	replace := func(i int, v string) string {
		f := append([]string(nil), good...)
		f[i] = v
		return strings.Join(f, " ")
	}

	tests := []struct {
		name string
		line string
		want string
	}{
		{"too few fields", strings.Join(good[:10], " "), "fields"},
		{"bad tier", replace(0, "x"), "tier"},
		{"bad timestamp", replace(1, "1.5"), "timestamp"},
		{"bad float", replace(5, "nope"), "field 5"},
		{"bad latency", replace(len(good)-1, "slow"), "latency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLogRecord(tt.line)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestLogWriterWritesLines(t *testing.T) {
	var out closeRecorder
	lw := NewLogWriter(&out)

	lw.FrameProcessed(FrameReport{}, sampleRecord())
	rec := sampleRecord()
	rec.TimestampMS = 1300
	require.NoError(t, lw.Write(rec))
	assert.Zero(t, out.Len(), "records are buffered until flushed")

	require.NoError(t, lw.Close())
	assert.True(t, out.closed)

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	second, err := ParseLogRecord(lines[1])
	require.NoError(t, err)
	assert.Equal(t, int64(1300), second.TimestampMS)
}

type failingWriter struct{ n int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.n++
	return 0, errors.New("disk full")
}

func TestLogWriterErrorSticks(t *testing.T) {
	fw := &failingWriter{}
	lw := NewLogWriter(fw)

	// Fill the buffer past its size so the underlying writer is hit.
	var err error
	for i := 0; i < 200 && err == nil; i++ {
		err = lw.Write(sampleRecord())
	}
	require.Error(t, err)
	calls := fw.n

	assert.Error(t, lw.Write(sampleRecord()))
	assert.Error(t, lw.Flush())
	assert.Equal(t, calls, fw.n, "no writes after the first failure")
}

func TestCreateLogFile(t *testing.T) {
	path := t.TempDir() + "/fused.log"
	lw, err := CreateLogFile(path)
	require.NoError(t, err)
	require.NoError(t, lw.Write(sampleRecord()))
	require.NoError(t, lw.Close())

	_, err = CreateLogFile(t.TempDir() + "/missing/dir/fused.log")
	assert.Error(t, err)
}
