package fusion

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Frame conventions:
//
//	drone: x right, y forward, z up; yaw rotates about z.
//	front camera: x right, y down, z forward (tracker convention).
//
// A pose's rotation maps drone-frame vectors into the world frame and is
// composed as Rz(yaw) * Rx(pitch) * Ry(roll).

// SE3 is a rigid transform: v' = R*v + T.
type SE3 struct {
	R *mat.Dense
	T r3.Vector
}

// IdentitySE3 returns the identity transform.
func IdentitySE3() SE3 {
	return SE3{R: identity3(), T: r3.Vector{}}
}

// Apply transforms a point.
func (s SE3) Apply(v r3.Vector) r3.Vector {
	return mulVec(s.R, v).Add(s.T)
}

// Compose returns s∘o, i.e. o applied first.
func (s SE3) Compose(o SE3) SE3 {
	var r mat.Dense
	r.Mul(s.R, o.R)
	return SE3{R: &r, T: s.Apply(o.T)}
}

// Inverse returns the inverse transform.
func (s SE3) Inverse() SE3 {
	rt := mat.DenseCopyOf(s.R.T())
	t := mulVec(rt, s.T).Mul(-1)
	return SE3{R: rt, T: t}
}

// droneToFront maps drone-frame vectors to front camera vectors.
var droneToFront = mat.NewDense(3, 3, []float64{
	1, 0, 0,
	0, 0, -1,
	0, 1, 0,
})

// RotationRPY builds the drone-to-world rotation for angles in degrees.
func RotationRPY(roll, pitch, yaw float64) *mat.Dense {
	r, p, y := deg2rad(roll), deg2rad(pitch), deg2rad(yaw)
	sr, cr := math.Sincos(r)
	sp, cp := math.Sincos(p)
	sy, cy := math.Sincos(y)

	rz := mat.NewDense(3, 3, []float64{cy, -sy, 0, sy, cy, 0, 0, 0, 1})
	rx := mat.NewDense(3, 3, []float64{1, 0, 0, 0, cp, -sp, 0, sp, cp})
	ry := mat.NewDense(3, 3, []float64{cr, 0, sr, 0, 1, 0, -sr, 0, cr})

	var rxy, out mat.Dense
	rxy.Mul(rx, ry)
	out.Mul(rz, &rxy)
	return &out
}

// AnglesFromRotation inverts RotationRPY.
func AnglesFromRotation(m mat.Matrix) (roll, pitch, yaw float64) {
	pitch = math.Asin(clampUnit(m.At(2, 1)))
	roll = math.Atan2(-m.At(2, 0), m.At(2, 2))
	yaw = math.Atan2(-m.At(0, 1), m.At(1, 1))
	return rad2deg(roll), rad2deg(pitch), rad2deg(yaw)
}

// PoseToSE3 returns the drone-to-world transform of a pose.
func PoseToSE3(p Pose6) SE3 {
	return SE3{R: RotationRPY(p.Roll, p.Pitch, p.Yaw), T: p.Position()}
}

// SE3ToPose inverts PoseToSE3.
func SE3ToPose(s SE3) Pose6 {
	roll, pitch, yaw := AnglesFromRotation(s.R)
	return Pose6{X: s.T.X, Y: s.T.Y, Z: s.T.Z, Roll: roll, Pitch: pitch, Yaw: yaw}
}

// CameraFromWorld converts a drone pose into the world-to-camera transform
// the tracker works with.
func CameraFromWorld(p Pose6) SE3 {
	front := SE3{R: droneToFront, T: r3.Vector{}}
	return front.Compose(PoseToSE3(p).Inverse())
}

// PoseFromCamera inverts CameraFromWorld.
func PoseFromCamera(cw SE3) Pose6 {
	back := SE3{R: mat.DenseCopyOf(droneToFront.T()), T: r3.Vector{}}
	droneFromWorld := back.Compose(cw)
	return SE3ToPose(droneFromWorld.Inverse())
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func mulVec(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }
