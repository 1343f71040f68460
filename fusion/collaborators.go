package fusion

import (
	"context"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
)

// LostHint tells the tracker how hard to try on the next frame.
type LostHint struct {
	LastFrameLost bool
	TryRelocalise bool
}

// KeyframeParams are forwarded to every tracker the orchestrator builds.
type KeyframeParams struct {
	MinTimeDistMS int64   `yaml:"minTimeDistMs" json:"minTimeDistMs"`
	MinWiggleDist float64 `yaml:"minWiggleDist" json:"minWiggleDist"`
	MinDist       float64 `yaml:"minDist" json:"minDist"`
}

// VisualTracker estimates the camera pose of each frame against a map.
type VisualTracker interface {
	TrackFrame(frame Frame, guess SE3, hint LostHint) TrackingResult
	// CurrentPose is the world-to-camera transform after the last frame.
	CurrentPose() SE3
	UserMessage() string
	RequestKeyframe(force bool)
	PressManualTrigger()
	InitialScale() float64
	SetScaleFactor(s float64)
	SetKeyframeParams(p KeyframeParams)
}

// Map is the tracker's keyframe and point store.
type Map interface {
	IsHealthy() bool
	KeyframeCount() int
	// KeyframePoses are world-to-camera transforms.
	KeyframePoses() []SE3
	PointPositions() []r3.Vector
}

// PoseFilter fuses inertial data and visual observations. Implementations
// need not be safe for concurrent use; callers go through SharedFilter.
type PoseFilter interface {
	PoseAt(timestampMS int64, predict bool) PoseSpeed
	CurrentPoseSpeed() PoseSpeed
	TransformToVisual(p Pose6) Pose6
	TransformFromVisual(p Pose6) Pose6
	AddObservation(p Pose6, timestampMS int64)
	AddNullObservation(timestampMS int64)
	UpdateScale(diffVisual, diffInertial, reference r3.Vector)
	SetScales(s r3.Vector)
	Scales() r3.Vector
	Offsets() Pose6
	GoodObservationCount() int
	SetScalingFixpoint(p r3.Vector)
	SetSyncLocked(locked bool)
	SyncLocked() bool
	ScaleAccuracy() float64
}

// InertialObserver is implemented by filters that also consume raw
// inertial samples.
type InertialObserver interface {
	AddInertial(s InertialSample)
}

// SubsystemFactory builds a fresh tracker and map for a camera.
type SubsystemFactory interface {
	Build(ctx context.Context, cam CameraModel, width, height int) (VisualTracker, Map, error)
}

// VisualSubsystem is one generation of tracker, map and camera. It is
// replaced wholesale on reset.
type VisualSubsystem struct {
	ID      uuid.UUID
	Tracker VisualTracker
	Map     Map
	Camera  CameraModel
	Width   int
	Height  int
	BuiltAt time.Time
}

// SharedFilter owns the lock around a PoseFilter. Everything that mutates
// filter state goes through Do.
type SharedFilter struct {
	mu sync.Mutex
	f  PoseFilter
}

// NewSharedFilter wraps f.
func NewSharedFilter(f PoseFilter) *SharedFilter {
	return &SharedFilter{f: f}
}

// Do runs fn with the filter locked.
func (s *SharedFilter) Do(fn func(f PoseFilter)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.f)
}

// Transforms exposes the frame transforms without taking the lock. They
// read scale and offsets, which only the frame goroutine changes.
func (s *SharedFilter) Transforms() FrameTransforms {
	return s.f
}

// FusedYaw returns the current fused yaw.
func (s *SharedFilter) FusedYaw() float64 {
	var yaw float64
	s.Do(func(f PoseFilter) { yaw = f.CurrentPoseSpeed().Yaw })
	return yaw
}

// AddInertial forwards a sample to filters that accept them.
func (s *SharedFilter) AddInertial(sample InertialSample) {
	obs, ok := s.f.(InertialObserver)
	if !ok {
		return
	}
	s.Do(func(PoseFilter) { obs.AddInertial(sample) })
}

// FrameTransforms converts poses between filter and tracker conventions.
type FrameTransforms interface {
	TransformToVisual(p Pose6) Pose6
	TransformFromVisual(p Pose6) Pose6
}
