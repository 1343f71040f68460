package fusion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// CameraModel holds the five ATAN camera parameters: fx, fy, cx, cy
// (relative to image size) and the distortion omega.
type CameraModel struct {
	Params [5]float64 `json:"params" yaml:"params"`
}

// Valid reports whether the focal lengths are positive.
func (c CameraModel) Valid() bool {
	return c.Params[0] > 0 && c.Params[1] > 0
}

// ParseCameraModel reads five whitespace separated numbers.
func ParseCameraModel(r io.Reader) (CameraModel, error) {
	var c CameraModel
	for i := range c.Params {
		if _, err := fmt.Fscan(r, &c.Params[i]); err != nil {
			return CameraModel{}, fmt.Errorf("reading camera parameter %d: %w", i, err)
		}
	}
	if !c.Valid() {
		return CameraModel{}, fmt.Errorf("invalid camera parameters %v", c.Params)
	}
	return c, nil
}

// LoadCameraModel reads a calibration file. Files ending in .json hold a
// CameraModel object; anything else is the plain five number format.
func LoadCameraModel(path string) (CameraModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CameraModel{}, fmt.Errorf("reading calibration file: %w", err)
	}
	return decodeCameraModel(data, path)
}

func decodeCameraModel(data []byte, name string) (CameraModel, error) {
	if strings.EqualFold(path.Ext(name), ".json") {
		var c CameraModel
		if err := json.Unmarshal(data, &c); err != nil {
			return CameraModel{}, fmt.Errorf("parsing calibration %s: %w", name, err)
		}
		if !c.Valid() {
			return CameraModel{}, fmt.Errorf("invalid camera parameters %v in %s", c.Params, name)
		}
		return c, nil
	}
	c, err := ParseCameraModel(bytes.NewReader(data))
	if err != nil {
		return CameraModel{}, fmt.Errorf("parsing %s: %w", name, err)
	}
	return c, nil
}

// DeviceIdentity records the device version reported by the inertial
// stream. Zero means unknown.
type DeviceIdentity struct {
	version atomic.Int32
}

// Observe records the version from a sample when it carries one.
func (d *DeviceIdentity) Observe(s InertialSample) {
	if s.DeviceVersion != 0 {
		d.version.Store(int32(s.DeviceVersion))
	}
}

// Version returns the known device version or 0.
func (d *DeviceIdentity) Version() int {
	return int(d.version.Load())
}

// CalibrationSource yields the camera model for a new visual subsystem.
type CalibrationSource interface {
	Load(ctx context.Context) (CameraModel, error)
}

// CalibrationLoader picks a calibration: inline parameters, then the
// configured file, then the default file for the device version.
type CalibrationLoader struct {
	cfg    CameraConfig
	device *DeviceIdentity
	clock  clock.Clock
	logger *zap.SugaredLogger
	noWait bool
}

// ErrDeviceUnknown is returned by a loader created WithoutDeviceWait when
// the calibration depends on a device version not seen yet.
var ErrDeviceUnknown = errors.New("device version not known yet")

// LoaderOption configures a CalibrationLoader.
type LoaderOption func(*CalibrationLoader)

// WithoutDeviceWait makes Load fail with ErrDeviceUnknown instead of
// blocking. Callers that feed inertial samples on the same goroutine as
// frames need it.
func WithoutDeviceWait() LoaderOption {
	return func(l *CalibrationLoader) { l.noWait = true }
}

// NewCalibrationLoader creates a loader. device may be nil when the
// configuration never needs the version.
func NewCalibrationLoader(cfg CameraConfig, device *DeviceIdentity, clk clock.Clock, logger *zap.SugaredLogger, opts ...LoaderOption) *CalibrationLoader {
	if clk == nil {
		clk = clock.New()
	}
	l := &CalibrationLoader{cfg: cfg, device: device, clock: clk, logger: orNop(logger)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the camera model, blocking until the device version is
// known if the choice depends on it.
func (l *CalibrationLoader) Load(ctx context.Context) (CameraModel, error) {
	if l.cfg.Params != nil {
		c := CameraModel{Params: *l.cfg.Params}
		if !c.Valid() {
			return CameraModel{}, fmt.Errorf("invalid inline camera parameters %v", c.Params)
		}
		return c, nil
	}
	if l.cfg.CalibrationFile != "" {
		return l.load(ctx, l.cfg.CalibrationFile)
	}

	version, err := l.waitForVersion(ctx)
	if err != nil {
		return CameraModel{}, err
	}
	file, ok := l.cfg.DefaultFiles[version]
	if !ok {
		return CameraModel{}, fmt.Errorf("no default calibration for device version %d", version)
	}
	l.logger.Infof("[CAM] using default calibration %s for device version %d", file, version)
	return l.load(ctx, file)
}

// load reads a calibration from a file or an http(s) URL.
func (l *CalibrationLoader) load(ctx context.Context, location string) (CameraModel, error) {
	if isRemote(location) {
		return FetchCameraModel(ctx, location)
	}
	return LoadCameraModel(location)
}

func (l *CalibrationLoader) waitForVersion(ctx context.Context) (int, error) {
	if l.device == nil {
		return 0, fmt.Errorf("device version unknown and no calibration configured")
	}
	if v := l.device.Version(); v != 0 {
		return v, nil
	}
	if l.noWait {
		return 0, ErrDeviceUnknown
	}

	interval := l.cfg.WaitInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()

	waited := 0
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
		if v := l.device.Version(); v != 0 {
			return v, nil
		}
		// Log roughly every couple of seconds at the default interval.
		if waited%8 == 0 {
			l.logger.Infof("[CAM] waiting for the first inertial sample to determine the device version")
		}
		waited++
	}
}
