package fusion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"
)

// TrackerReport is what an upstream tracker process says about one frame.
// Poses use the drone convention in the tracker's world frame.
type TrackerReport struct {
	Result       TrackingResult `json:"result"`
	Pose         *Pose6         `json:"pose,omitempty"`
	Message      string         `json:"message,omitempty"`
	InitialScale float64        `json:"initialScale,omitempty"`
	MapHealthy   bool           `json:"mapHealthy"`
	Keyframes    []Pose6        `json:"keyframes,omitempty"`
	Points       [][3]float64   `json:"points,omitempty"`
	Width        int            `json:"width,omitempty"`
	Height       int            `json:"height,omitempty"`
}

// TrackerRequest is sent back to the upstream tracker when the
// orchestrator asks for something it cannot do locally.
type TrackerRequest struct {
	Kind  string  `json:"kind"`
	Force bool    `json:"force,omitempty"`
	Scale float64 `json:"scale,omitempty"`

	Keyframe *KeyframeParams `json:"keyframe,omitempty"`
}

const (
	RequestKeyframe      = "keyframe"
	RequestManualTrigger = "trigger"
	RequestScaleFactor   = "scale"
	RequestKeyframeParam = "keyframeParams"
)

var ErrInvalidCamera = errors.New("invalid camera model")

// ReportTracker replays TrackerReports. It is both the VisualTracker and
// the Map of a subsystem.
type ReportTracker struct {
	mu sync.Mutex

	pose       SE3
	message    string
	initial    float64
	scale      float64
	healthy    bool
	keyframes  []SE3
	points     []r3.Vector
	lastHint   LostHint
	kfParams   KeyframeParams
	notify     func(TrackerRequest)
	keyframeRq int
}

// NewReportTracker creates a tracker that forwards requests to notify,
// which may be nil.
func NewReportTracker(notify func(TrackerRequest)) *ReportTracker {
	if notify == nil {
		notify = func(TrackerRequest) {}
	}
	return &ReportTracker{
		pose:    IdentitySE3(),
		initial: 1,
		scale:   1,
		notify:  notify,
	}
}

func (t *ReportTracker) TrackFrame(frame Frame, guess SE3, hint LostHint) TrackingResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastHint = hint
	rep := frame.Report
	if rep == nil {
		t.pose = guess
		t.message = "no tracker report for this frame"
		return NotTracking
	}

	t.message = rep.Message
	if rep.Pose != nil {
		t.pose = CameraFromWorld(*rep.Pose)
	} else {
		t.pose = guess
	}
	if rep.InitialScale > 0 {
		t.initial = rep.InitialScale
	}
	t.healthy = rep.MapHealthy
	if rep.Keyframes != nil {
		t.keyframes = t.keyframes[:0]
		for _, k := range rep.Keyframes {
			t.keyframes = append(t.keyframes, CameraFromWorld(k))
		}
	}
	if rep.Points != nil {
		t.points = t.points[:0]
		for _, p := range rep.Points {
			t.points = append(t.points, r3.Vector{X: p[0], Y: p[1], Z: p[2]})
		}
	}
	return rep.Result
}

func (t *ReportTracker) CurrentPose() SE3 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pose
}

func (t *ReportTracker) UserMessage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.message
}

func (t *ReportTracker) RequestKeyframe(force bool) {
	t.mu.Lock()
	t.keyframeRq++
	t.mu.Unlock()
	t.notify(TrackerRequest{Kind: RequestKeyframe, Force: force})
}

func (t *ReportTracker) PressManualTrigger() {
	t.notify(TrackerRequest{Kind: RequestManualTrigger})
}

func (t *ReportTracker) InitialScale() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initial
}

func (t *ReportTracker) SetScaleFactor(s float64) {
	t.mu.Lock()
	t.scale = s
	t.mu.Unlock()
	t.notify(TrackerRequest{Kind: RequestScaleFactor, Scale: s})
}

func (t *ReportTracker) SetKeyframeParams(p KeyframeParams) {
	t.mu.Lock()
	t.kfParams = p
	t.mu.Unlock()
	t.notify(TrackerRequest{Kind: RequestKeyframeParam, Keyframe: &p})
}

// ScaleFactor is the last value handed over by SetScaleFactor.
func (t *ReportTracker) ScaleFactor() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scale
}

// LastHint is the hint passed with the most recent frame.
func (t *ReportTracker) LastHint() LostHint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastHint
}

// KeyframeRequests counts RequestKeyframe calls.
func (t *ReportTracker) KeyframeRequests() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.keyframeRq
}

func (t *ReportTracker) IsHealthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.healthy
}

func (t *ReportTracker) KeyframeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.keyframes)
}

func (t *ReportTracker) KeyframePoses() []SE3 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SE3(nil), t.keyframes...)
}

func (t *ReportTracker) PointPositions() []r3.Vector {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]r3.Vector(nil), t.points...)
}

// ReportFactory builds ReportTrackers.
type ReportFactory struct {
	Notify func(TrackerRequest)
	Logger *zap.SugaredLogger
}

func (f ReportFactory) Build(ctx context.Context, cam CameraModel, width, height int) (VisualTracker, Map, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if !cam.Valid() {
		return nil, nil, fmt.Errorf("building tracker for %dx%d: %w", width, height, ErrInvalidCamera)
	}
	orNop(f.Logger).Debugf("[TRACKER] report tracker for %dx%d, camera %v", width, height, cam.Params)
	t := NewReportTracker(f.Notify)
	return t, t, nil
}
