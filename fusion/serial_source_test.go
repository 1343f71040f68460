package fusion

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestPortOptionsNormalize(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	opts, err = PortOptions{Parity: "even"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "E", opts.Parity)

	_, err = PortOptions{DataBits: 9}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{StopBits: 3}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{Parity: "mark"}.Normalize()
	assert.Error(t, err)
}

func TestPortOptionsSerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 57600, StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 57600, mode.BaudRate)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)

	mode, err = PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)
}

func TestParseSampleRecord(t *testing.T) {
	tb := NewTimebase(time.UnixMilli(1_000_000))
	s, err := ParseSampleRecord(strings.Split("7,1000250,100,-20,0,950,1.5,-2,45,2", ","), tb)
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.Seq)
	assert.Equal(t, int64(250), s.TimestampMS)
	assert.Equal(t, 100.0, s.VX)
	assert.Equal(t, 950.0, s.AltitudeMM)
	assert.Equal(t, 45.0, s.Yaw)
	assert.Equal(t, 2, s.DeviceVersion)

	_, err = ParseSampleRecord([]string{"1", "2"}, tb)
	assert.Error(t, err)
	_, err = ParseSampleRecord(strings.Split("x,1,0,0,0,0,0,0,0", ","), tb)
	assert.Error(t, err)
}

func TestSerialSourceRun(t *testing.T) {
	tb := NewTimebase(time.UnixMilli(0))
	input := strings.Join([]string{
		"# navdata stream",
		"1,10,100,0,0,1000,0,0,0,1",
		"garbage",
		"2,15,100,0,0,1000,0,0,0",
		"",
	}, "\n")
	src := NewSerialSource(io.NopCloser(strings.NewReader(input)), tb, nil)

	var got []InertialSample
	err := src.Run(context.Background(), func(s InertialSample) { got = append(got, s) })
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(10), got[0].TimestampMS)
	assert.Equal(t, 1, got[0].DeviceVersion)
	assert.Equal(t, int64(2), got[1].Seq)
}
