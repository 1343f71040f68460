package fusion

import (
	"math"

	"github.com/golang/geo/r3"
)

const (
	// maxStepGapMS is the largest gap integrated as-is. Longer or negative
	// gaps are clamped into [0, nominalStepMS].
	maxStepGapMS  = 50
	nominalStepMS = 5

	// zJumpThreshold is the altitude change (m) within one step that marks
	// the height reading as corrupted.
	zJumpThreshold = 0.12
)

// DeadReckoner integrates body velocities and altitude into a position.
// It is not safe for concurrent use.
type DeadReckoner struct {
	pos        r3.Vector
	lastMS     int64
	started    bool
	hasHeight  bool
	zCorrupted bool
	zJump      float64
}

// Step integrates one sample. The sample yaw is expected to be the fused
// yaw already.
func (d *DeadReckoner) Step(s InertialSample) {
	var dt float64
	if d.started {
		gap := s.TimestampMS - d.lastMS
		if gap < 0 || gap > maxStepGapMS {
			gap = max(0, min(nominalStepMS, gap))
		}
		dt = float64(gap)
	}
	d.started = true
	d.lastMS = s.TimestampMS

	sy, cy := math.Sincos(deg2rad(s.Yaw))
	// mm/s * ms = 1e-6 m
	d.pos.X += (cy*s.VY - sy*s.VX) * dt / 1e6
	d.pos.Y += (sy*s.VY + cy*s.VX) * dt / 1e6

	z := s.AltitudeMM / 1000
	if d.hasHeight {
		if jump := z - d.pos.Z; math.Abs(jump) > zJumpThreshold {
			d.zCorrupted = true
			d.zJump = jump
		}
	}
	d.hasHeight = true
	d.pos.Z = z
}

// SeedHeight sets the reference altitude so the first step is not mistaken
// for a jump.
func (d *DeadReckoner) SeedHeight(z float64) {
	d.pos.Z = z
	d.hasHeight = true
}

// Reset zeroes the integrator.
func (d *DeadReckoner) Reset() {
	*d = DeadReckoner{}
}

// Position returns the integrated position in metres.
func (d *DeadReckoner) Position() r3.Vector {
	return d.pos
}

// ZCorrupted reports whether a height jump was seen since the last reset.
func (d *DeadReckoner) ZCorrupted() bool {
	return d.zCorrupted
}

// ZJump returns the last height jump in metres.
func (d *DeadReckoner) ZJump() float64 {
	return d.zJump
}

// LastTimestamp returns the timestamp of the last integrated sample.
func (d *DeadReckoner) LastTimestamp() (int64, bool) {
	return d.lastMS, d.started
}
