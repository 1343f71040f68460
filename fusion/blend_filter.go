package fusion

import (
	"math"

	"github.com/golang/geo/r3"
)

const (
	DefaultObservationGain = 0.3
	minScaleInformation    = 1e-6
)

// BlendFilter is a small PoseFilter: constant-velocity prediction from the
// inertial velocities, visual observations blended in with a fixed gain,
// and a least-squares scale estimate around a fixpoint. It is not safe for
// concurrent use; wrap it in a SharedFilter.
type BlendFilter struct {
	gain float64

	pose   PoseSpeed
	lastMS int64
	primed bool

	scales   r3.Vector
	offsets  Pose6
	fixpoint r3.Vector

	goodObs    int
	syncLocked bool

	// Accumulated sums for the scale estimate.
	sumVV, sumVI float64
	pairs        int
}

// NewBlendFilter creates a filter with unit scale. gain <= 0 selects the
// default.
func NewBlendFilter(gain float64) *BlendFilter {
	if gain <= 0 {
		gain = DefaultObservationGain
	}
	return &BlendFilter{gain: gain, scales: scalesOf(1)}
}

// AddInertial takes attitude, height and velocity from a sample and moves
// the pose forward to its timestamp.
func (b *BlendFilter) AddInertial(s InertialSample) {
	b.advance(s.TimestampMS)
	sy, cy := math.Sincos(deg2rad(b.pose.Yaw))
	b.pose.VX = (cy*s.VY - sy*s.VX) / 1000
	b.pose.VY = (sy*s.VY + cy*s.VX) / 1000
	b.pose.VZ = s.VZ / 1000
	b.pose.Roll = s.Roll
	b.pose.Pitch = s.Pitch
	b.pose.Z = s.AltitudeMM / 1000
}

// advance integrates the current velocity up to ts.
func (b *BlendFilter) advance(ts int64) {
	if !b.primed {
		b.primed = true
		b.lastMS = ts
		return
	}
	if ts <= b.lastMS {
		return
	}
	b.pose = b.extrapolate(ts)
	b.lastMS = ts
}

func (b *BlendFilter) extrapolate(ts int64) PoseSpeed {
	p := b.pose
	dt := float64(ts-b.lastMS) / 1000
	if dt <= 0 {
		return p
	}
	p.X += p.VX * dt
	p.Y += p.VY * dt
	p.Z += p.VZ * dt
	p.Yaw = WrapDegrees(p.Yaw + p.VYaw*dt)
	return p
}

// PoseAt returns the pose at ts, extrapolated when predict is set.
func (b *BlendFilter) PoseAt(ts int64, predict bool) PoseSpeed {
	if !predict || !b.primed {
		return b.pose
	}
	return b.extrapolate(ts)
}

func (b *BlendFilter) CurrentPoseSpeed() PoseSpeed {
	return b.pose
}

// TransformFromVisual maps a tracker-frame pose into the filter frame:
// positions are scaled about the fixpoint and offset.
func (b *BlendFilter) TransformFromVisual(p Pose6) Pose6 {
	v := p.Position().Sub(b.fixpoint)
	out := Pose6{
		X:     v.X*b.scales.X + b.fixpoint.X + b.offsets.X,
		Y:     v.Y*b.scales.Y + b.fixpoint.Y + b.offsets.Y,
		Z:     v.Z*b.scales.Z + b.fixpoint.Z + b.offsets.Z,
		Roll:  p.Roll + b.offsets.Roll,
		Pitch: p.Pitch + b.offsets.Pitch,
		Yaw:   WrapDegrees(p.Yaw + b.offsets.Yaw),
	}
	return out
}

// TransformToVisual inverts TransformFromVisual.
func (b *BlendFilter) TransformToVisual(p Pose6) Pose6 {
	return Pose6{
		X:     (p.X-b.offsets.X-b.fixpoint.X)/b.scales.X + b.fixpoint.X,
		Y:     (p.Y-b.offsets.Y-b.fixpoint.Y)/b.scales.Y + b.fixpoint.Y,
		Z:     (p.Z-b.offsets.Z-b.fixpoint.Z)/b.scales.Z + b.fixpoint.Z,
		Roll:  p.Roll - b.offsets.Roll,
		Pitch: p.Pitch - b.offsets.Pitch,
		Yaw:   WrapDegrees(p.Yaw - b.offsets.Yaw),
	}
}

// AddObservation blends a filter-frame visual pose into the estimate.
func (b *BlendFilter) AddObservation(p Pose6, ts int64) {
	b.advance(ts)
	g := b.gain
	b.pose.X += g * (p.X - b.pose.X)
	b.pose.Y += g * (p.Y - b.pose.Y)
	b.pose.Z += g * (p.Z - b.pose.Z)
	b.pose.Roll += g * (p.Roll - b.pose.Roll)
	b.pose.Pitch += g * (p.Pitch - b.pose.Pitch)
	b.pose.Yaw = WrapDegrees(b.pose.Yaw + g*WrapDegrees(p.Yaw-b.pose.Yaw))
	b.goodObs++
}

// AddNullObservation only moves the prediction forward.
func (b *BlendFilter) AddNullObservation(ts int64) {
	b.advance(ts)
}

// UpdateScale accumulates one pair of visual and inertial displacements and
// re-estimates a uniform scale. The reference keeps that point of the
// visual frame where it is in the filter frame.
func (b *BlendFilter) UpdateScale(diffVisual, diffInertial, reference r3.Vector) {
	if b.syncLocked {
		return
	}
	b.sumVV += diffVisual.Dot(diffVisual)
	b.sumVI += diffVisual.Dot(diffInertial)
	b.pairs++
	if b.sumVV < minScaleInformation || b.sumVI <= 0 {
		return
	}

	before := b.TransformFromVisual(Pose6{}.WithPosition(reference)).Position()
	b.scales = scalesOf(b.sumVI / b.sumVV)
	after := b.TransformFromVisual(Pose6{}.WithPosition(reference)).Position()
	shift := before.Sub(after)
	b.offsets.X += shift.X
	b.offsets.Y += shift.Y
	b.offsets.Z += shift.Z
}

// SetScales overrides the scale and restarts the estimate.
func (b *BlendFilter) SetScales(s r3.Vector) {
	b.scales = s
	b.sumVV, b.sumVI, b.pairs = 0, 0, 0
}

func (b *BlendFilter) Scales() r3.Vector         { return b.scales }
func (b *BlendFilter) Offsets() Pose6            { return b.offsets }
func (b *BlendFilter) GoodObservationCount() int { return b.goodObs }
func (b *BlendFilter) SyncLocked() bool          { return b.syncLocked }

// SetScalingFixpoint sets the tracker-frame point that scale changes leave
// in place, keeping the current mapping of every point unchanged.
func (b *BlendFilter) SetScalingFixpoint(p r3.Vector) {
	// Moving the fixpoint from f to p changes the image of every point by
	// (p - f) * (1 - s); compensate through the offsets.
	d := p.Sub(b.fixpoint)
	b.offsets.X += d.X * (b.scales.X - 1)
	b.offsets.Y += d.Y * (b.scales.Y - 1)
	b.offsets.Z += d.Z * (b.scales.Z - 1)
	b.fixpoint = p
}

func (b *BlendFilter) SetSyncLocked(locked bool) {
	b.syncLocked = locked
}

// ScaleAccuracy grows with the information collected about the scale and
// approaches 1.
func (b *BlendFilter) ScaleAccuracy() float64 {
	return b.sumVV / (b.sumVV + 1)
}
