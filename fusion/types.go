package fusion

import (
	"fmt"
	"image"
	"math"
	"strings"
	"time"

	"github.com/golang/geo/r3"
)

// Pose6 is a position (metres) plus roll/pitch/yaw (degrees) in a named frame.
type Pose6 struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Position returns the translational part of the pose.
func (p Pose6) Position() r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
}

// WithPosition returns a copy of p with its position replaced.
func (p Pose6) WithPosition(v r3.Vector) Pose6 {
	p.X, p.Y, p.Z = v.X, v.Y, v.Z
	return p
}

// Diff returns the per-axis absolute difference between two poses. The yaw
// difference is wrapped into [0, 180].
func (p Pose6) Diff(q Pose6) Pose6 {
	return Pose6{
		X:     math.Abs(p.X - q.X),
		Y:     math.Abs(p.Y - q.Y),
		Z:     math.Abs(p.Z - q.Z),
		Roll:  math.Abs(p.Roll - q.Roll),
		Pitch: math.Abs(p.Pitch - q.Pitch),
		Yaw:   math.Abs(WrapDegrees(p.Yaw - q.Yaw)),
	}
}

// Values returns the six components in log order.
func (p Pose6) Values() [6]float64 {
	return [6]float64{p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw}
}

// PoseSpeed is a fused pose together with its velocities.
type PoseSpeed struct {
	Pose6
	VX   float64 `json:"vx"`
	VY   float64 `json:"vy"`
	VZ   float64 `json:"vz"`
	VYaw float64 `json:"vyaw"`
}

// Values returns the ten components in log order.
func (p PoseSpeed) Values() [10]float64 {
	return [10]float64{p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw, p.VX, p.VY, p.VZ, p.VYaw}
}

// WrapDegrees maps an angle into (-180, 180].
func WrapDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg > 180 {
		deg -= 360
	} else if deg <= -180 {
		deg += 360
	}
	return deg
}

// TrackingResult is the outcome of one visual tracking step.
type TrackingResult int

const (
	NotTracking TrackingResult = iota
	Initializing
	InitFirstKeyframe
	InitSecondKeyframe
	InitFailed
	Tracking
	TrackingDodgy
	TrackingRecoveredGood
	TrackingRecoveredDodgy
	Lost
	TookKeyframe
)

var trackingResultNames = [...]string{
	NotTracking:            "not_tracking",
	Initializing:           "initializing",
	InitFirstKeyframe:      "init_first_keyframe",
	InitSecondKeyframe:     "init_second_keyframe",
	InitFailed:             "init_failed",
	Tracking:               "tracking",
	TrackingDodgy:          "tracking_dodgy",
	TrackingRecoveredGood:  "tracking_recovered_good",
	TrackingRecoveredDodgy: "tracking_recovered_dodgy",
	Lost:                   "lost",
	TookKeyframe:           "took_keyframe",
}

func (r TrackingResult) String() string {
	if r >= 0 && int(r) < len(trackingResultNames) {
		return trackingResultNames[r]
	}
	return fmt.Sprintf("TrackingResult(%d)", int(r))
}

// ParseTrackingResult accepts the names produced by String.
func ParseTrackingResult(s string) (TrackingResult, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range trackingResultNames {
		if name == s {
			return TrackingResult(i), nil
		}
	}
	return NotTracking, fmt.Errorf("unknown tracking result %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r TrackingResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *TrackingResult) UnmarshalText(b []byte) error {
	v, err := ParseTrackingResult(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// The methods below are the only place tracking results are interpreted.
// Reset policy, quality policy and status mapping all go through them.

// RequestsReset reports whether the visual subsystem must be rebuilt before
// the next frame.
func (r TrackingResult) RequestsReset() bool {
	return r == InitFailed
}

// BlocksQuality reports whether the result can never be classified as good.
func (r TrackingResult) BlocksQuality() bool {
	switch r {
	case InitFirstKeyframe, InitSecondKeyframe, InitFailed, Lost, NotTracking, Initializing:
		return true
	}
	return false
}

// IsDodgy reports whether the tracker flagged the frame as marginal.
func (r TrackingResult) IsDodgy() bool {
	return r == TrackingDodgy || r == TrackingRecoveredDodgy
}

// streakFloor is the lowest value the hysteresis counter may take after a
// not-good frame with this result.
func (r TrackingResult) streakFloor() (int, bool) {
	switch r {
	case TrackingRecoveredDodgy:
		return -2, true
	case TrackingRecoveredGood:
		return -5, true
	}
	return 0, false
}

// Status maps the result and the quality flags to the externally visible
// status. The first matching rule wins.
func (r TrackingResult) Status(good, veryGood bool) Status {
	switch {
	case r == NotTracking:
		return StatusIdle
	case r == InitFirstKeyframe || r == InitSecondKeyframe || r == TookKeyframe:
		return StatusTookKeyframe
	case r == Initializing:
		return StatusInitializing
	case veryGood:
		return StatusBest
	case good:
		return StatusGood
	case r == Tracking || r == TrackingDodgy:
		return StatusFalsePositive
	}
	return StatusLost
}

// Status is the per-frame state exposed to consumers.
type Status int

const (
	StatusIdle Status = iota
	StatusTookKeyframe
	StatusInitializing
	StatusBest
	StatusGood
	StatusFalsePositive
	StatusLost
)

var statusNames = [...]string{
	StatusIdle:          "idle",
	StatusTookKeyframe:  "took_keyframe",
	StatusInitializing:  "initializing",
	StatusBest:          "best",
	StatusGood:          "good",
	StatusFalsePositive: "false_positive",
	StatusLost:          "lost",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// QualityTier is the numeric quality written to the log record.
type QualityTier int

const (
	TierLost QualityTier = 0
	TierGood QualityTier = 1
	TierBest QualityTier = 2
)

// Quality is the outcome of assessing one frame.
type Quality struct {
	Good     bool  `json:"good"`
	VeryGood bool  `json:"veryGood"`
	Streak   int   `json:"streak"`
	Diffs    Pose6 `json:"diffs"`
}

// Tier collapses the flags into the log tier.
func (q Quality) Tier() QualityTier {
	switch {
	case q.Good && q.VeryGood:
		return TierBest
	case q.Good:
		return TierGood
	}
	return TierLost
}

// InertialSample is one IMU/altimeter reading. Velocities are body-frame
// (VX forward, VY right) in mm/s, altitude in mm and angles in degrees.
type InertialSample struct {
	Seq           int64   `json:"seq"`
	TimestampMS   int64   `json:"timestampMs"`
	VX            float64 `json:"vx"`
	VY            float64 `json:"vy"`
	VZ            float64 `json:"vz"`
	AltitudeMM    float64 `json:"altitudeMm"`
	Roll          float64 `json:"roll"`
	Pitch         float64 `json:"pitch"`
	Yaw           float64 `json:"yaw"`
	DeviceVersion int     `json:"deviceVersion,omitempty"`
}

// Frame is one grey-scale video frame. Report carries the result of an
// upstream tracker when tracking runs out of process.
type Frame struct {
	Seq         uint32
	TimestampMS int64
	PingMS      int64
	Image       *image.Gray
	Report      *TrackerReport
}

// Size returns the frame resolution, falling back to the report's
// resolution when no pixels were shipped.
func (f Frame) Size() (int, int) {
	if f.Image != nil {
		b := f.Image.Bounds()
		return b.Dx(), b.Dy()
	}
	if f.Report != nil {
		return f.Report.Width, f.Report.Height
	}
	return 0, 0
}

// Timebase converts wall-clock instants into session milliseconds, the unit
// every timestamp in this package uses.
type Timebase struct {
	Epoch time.Time
}

// NewTimebase starts a session at t.
func NewTimebase(t time.Time) Timebase {
	return Timebase{Epoch: t}
}

// MS returns milliseconds since the session epoch.
func (tb Timebase) MS(t time.Time) int64 {
	return t.Sub(tb.Epoch).Milliseconds()
}

// FromUnixMS converts a unix millisecond timestamp to session milliseconds.
func (tb Timebase) FromUnixMS(ms int64) int64 {
	return ms - tb.Epoch.UnixMilli()
}

// scalesOf returns a uniform per-axis scale.
func scalesOf(s float64) r3.Vector {
	return r3.Vector{X: s, Y: s, Z: s}
}
