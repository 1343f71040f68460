package fusion

import (
	"github.com/golang/geo/r3"
	"go.uber.org/zap"
)

const (
	scaleWindowMinMS = 2000
	scaleWindowMaxMS = 3000

	scaleWeightXY = 0.25
	scaleWeightZ  = 3.0
)

// ScaleWindow is the open interval over which visual and inertial motion
// are compared. FramesIncluded is -1 while no window is open.
type ScaleWindow struct {
	StartMS        int64
	Reference      r3.Vector
	FramesIncluded int
}

// Active reports whether the window is open.
func (w ScaleWindow) Active() bool {
	return w.FramesIncluded >= 0
}

var closedWindow = ScaleWindow{FramesIncluded: -1}

// ScaleStep is the per-frame input to the estimator.
type ScaleStep struct {
	// FrameMS is the frame capture time.
	FrameMS    int64
	GoodStreak int
	// FusedVisual is the fused position in tracker convention.
	FusedVisual r3.Vector
}

// ScaleUpdate reports what one step did.
type ScaleUpdate struct {
	Closed  bool
	Applied bool
	Window  WindowResult
	Scales  r3.Vector
}

// ScaleEstimator pairs visual and inertial displacement over windows and
// feeds them to the filter's scale update.
type ScaleEstimator struct {
	queue        *InertialQueue
	filter       *SharedFilter
	videoDelayMS int64
	xyzDelayMS   int64
	logger       *zap.SugaredLogger

	window ScaleWindow
	scales r3.Vector
}

// NewScaleEstimator creates an estimator with no open window.
func NewScaleEstimator(queue *InertialQueue, filter *SharedFilter, videoDelayMS, xyzDelayMS int64, logger *zap.SugaredLogger) *ScaleEstimator {
	e := &ScaleEstimator{
		queue:        queue,
		filter:       filter,
		videoDelayMS: videoDelayMS,
		xyzDelayMS:   xyzDelayMS,
		logger:       orNop(logger),
		window:       closedWindow,
	}
	filter.Do(func(f PoseFilter) { e.scales = f.Scales() })
	return e
}

// Step advances the window for one frame.
func (e *ScaleEstimator) Step(s ScaleStep) ScaleUpdate {
	var upd ScaleUpdate

	if e.window.Active() {
		e.window.FramesIncluded++
		if s.FrameMS-e.window.StartMS > scaleWindowMaxMS {
			e.window = closedWindow
		}
	}

	if s.GoodStreak >= minObservationStreak {
		if e.window.Active() && s.FrameMS-e.window.StartMS >= scaleWindowMinMS && e.window.FramesIncluded > 1 {
			upd = e.close(s)
		}
		if !e.window.Active() {
			e.window = ScaleWindow{StartMS: s.FrameMS, Reference: s.FusedVisual, FramesIncluded: 0}
		}
	}
	upd.Scales = e.scales
	return upd
}

func (e *ScaleEstimator) close(s ScaleStep) ScaleUpdate {
	upd := ScaleUpdate{Closed: true}
	diffVisual := s.FusedVisual.Sub(e.window.Reference)

	shift := e.xyzDelayMS - e.videoDelayMS
	res := e.queue.EvalWindow(e.window.StartMS+shift, s.FrameMS+shift)
	upd.Window = res

	if res.AllCorrupted {
		e.logger.Debugf("[SCALE] window %d-%d skipped, inertial coverage incomplete", e.window.StartMS, s.FrameMS)
	} else {
		wz := scaleWeightZ
		if res.ZCorrupted {
			wz = 0
		}
		diffInertial := r3.Vector{
			X: res.Displacement.X * scaleWeightXY,
			Y: res.Displacement.Y * scaleWeightXY,
			Z: res.Displacement.Z * wz,
		}
		diffVisual = r3.Vector{
			X: diffVisual.X * scaleWeightXY,
			Y: diffVisual.Y * scaleWeightXY,
			Z: diffVisual.Z * wz,
		}
		ref := e.window.Reference
		e.filter.Do(func(f PoseFilter) {
			f.UpdateScale(diffVisual, diffInertial, ref)
			e.scales = f.Scales()
		})
		upd.Applied = true
		e.logger.Debugf("[SCALE] window %d-%d applied, scale now %.3f", e.window.StartMS, s.FrameMS, e.scales.X)
	}
	e.window = closedWindow
	return upd
}

// Window returns the current window.
func (e *ScaleEstimator) Window() ScaleWindow {
	return e.window
}

// Clear closes any open window without evaluating it.
func (e *ScaleEstimator) Clear() {
	e.window = closedWindow
}

// Scales returns the last scale read from the filter.
func (e *ScaleEstimator) Scales() r3.Vector {
	return e.scales
}

// SetCachedScales records a scale that was written to the filter elsewhere.
func (e *ScaleEstimator) SetCachedScales(s r3.Vector) {
	e.scales = s
}
