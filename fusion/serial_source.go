package fusion

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// PortOptions describes the serial connection parameters.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into the mode go.bug.st/serial expects.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// SerialSource reads inertial samples as comma separated lines:
//
//	seq,unixMs,vx,vy,vz,altitudeMm,roll,pitch,yaw[,deviceVersion]
//
// Lines starting with # are ignored.
type SerialSource struct {
	port     io.ReadCloser
	timebase Timebase
	logger   *zap.SugaredLogger
}

// OpenSerialSource opens a serial port.
func OpenSerialSource(path string, opts PortOptions, tb Timebase, logger *zap.SugaredLogger) (*SerialSource, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", path, err)
	}
	return NewSerialSource(port, tb, logger), nil
}

// NewSerialSource reads from an already open stream.
func NewSerialSource(port io.ReadCloser, tb Timebase, logger *zap.SugaredLogger) *SerialSource {
	return &SerialSource{port: port, timebase: tb, logger: orNop(logger)}
}

// Run decodes lines until the stream ends or ctx is cancelled, handing each
// sample to sink. Malformed lines are logged and skipped.
func (s *SerialSource) Run(ctx context.Context, sink func(InertialSample)) error {
	stop := context.AfterFunc(ctx, func() { _ = s.port.Close() })
	defer stop()

	r := csv.NewReader(s.port)
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.ReuseRecord = true

	bad := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				bad++
				s.logger.Debugf("[IMU] skipping unreadable serial line: %v", err)
				continue
			}
			return fmt.Errorf("reading serial stream: %w", err)
		}
		sample, err := ParseSampleRecord(rec, s.timebase)
		if err != nil {
			bad++
			if bad == 1 {
				s.logger.Warnf("[IMU] malformed serial sample: %v", err)
			}
			continue
		}
		sink(sample)
	}
}

// Close closes the underlying port.
func (s *SerialSource) Close() error {
	return s.port.Close()
}

// ParseSampleRecord decodes one serial record.
func ParseSampleRecord(rec []string, tb Timebase) (InertialSample, error) {
	if len(rec) != 9 && len(rec) != 10 {
		return InertialSample{}, fmt.Errorf("expected 9 or 10 fields, got %d", len(rec))
	}
	ints := make([]int64, 2)
	for i := range ints {
		v, err := strconv.ParseInt(strings.TrimSpace(rec[i]), 10, 64)
		if err != nil {
			return InertialSample{}, fmt.Errorf("field %d: %w", i, err)
		}
		ints[i] = v
	}
	floats := make([]float64, 7)
	for i := range floats {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+2]), 64)
		if err != nil {
			return InertialSample{}, fmt.Errorf("field %d: %w", i+2, err)
		}
		floats[i] = v
	}
	s := InertialSample{
		Seq:         ints[0],
		TimestampMS: tb.FromUnixMS(ints[1]),
		VX:          floats[0],
		VY:          floats[1],
		VZ:          floats[2],
		AltitudeMM:  floats[3],
		Roll:        floats[4],
		Pitch:       floats[5],
		Yaw:         floats[6],
	}
	if len(rec) == 10 {
		v, err := strconv.Atoi(strings.TrimSpace(rec[9]))
		if err != nil {
			return InertialSample{}, fmt.Errorf("device version: %w", err)
		}
		s.DeviceVersion = v
	}
	return s, nil
}
