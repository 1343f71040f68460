package fusion

import (
	"context"
	"errors"
	"time"

	"github.com/golang/geo/r3"
)

// fakeFilter is an identity-transform PoseFilter that records its calls.
type fakeFilter struct {
	pose        PoseSpeed
	scales      r3.Vector
	offsets     Pose6
	goodObs     int
	syncLocked  bool
	fixpoint    *r3.Vector
	nextScales  *r3.Vector
	predictedAt []int64

	observations     []Pose6
	nullObservations int
	scaleCalls       []scaleCall
	inertial         int
}

type scaleCall struct {
	diffVisual, diffInertial, reference r3.Vector
}

func newFakeFilter() *fakeFilter {
	return &fakeFilter{scales: r3.Vector{X: 1, Y: 1, Z: 1}, goodObs: 50}
}

func (f *fakeFilter) PoseAt(ts int64, predict bool) PoseSpeed {
	f.predictedAt = append(f.predictedAt, ts)
	return f.pose
}

func (f *fakeFilter) CurrentPoseSpeed() PoseSpeed       { return f.pose }
func (f *fakeFilter) TransformToVisual(p Pose6) Pose6   { return p }
func (f *fakeFilter) TransformFromVisual(p Pose6) Pose6 { return p }

func (f *fakeFilter) AddObservation(p Pose6, ts int64) {
	f.observations = append(f.observations, p)
	f.goodObs++
}

func (f *fakeFilter) AddNullObservation(ts int64) { f.nullObservations++ }
func (f *fakeFilter) AddInertial(InertialSample)  { f.inertial++ }

func (f *fakeFilter) UpdateScale(dv, di, ref r3.Vector) {
	f.scaleCalls = append(f.scaleCalls, scaleCall{dv, di, ref})
	if f.nextScales != nil {
		f.scales = *f.nextScales
	}
}

func (f *fakeFilter) SetScales(s r3.Vector)          { f.scales = s }
func (f *fakeFilter) Scales() r3.Vector              { return f.scales }
func (f *fakeFilter) Offsets() Pose6                 { return f.offsets }
func (f *fakeFilter) GoodObservationCount() int      { return f.goodObs }
func (f *fakeFilter) SetScalingFixpoint(p r3.Vector) { f.fixpoint = &p }
func (f *fakeFilter) SetSyncLocked(l bool)           { f.syncLocked = l }
func (f *fakeFilter) SyncLocked() bool               { return f.syncLocked }
func (f *fakeFilter) ScaleAccuracy() float64         { return 0.5 }

// fakeTracker replays a scripted list of results. Without a fixed pose it
// reports the guess it was given.
type fakeTracker struct {
	results      []TrackingResult
	calls        int
	pose         *SE3
	current      SE3
	initialScale float64
	message      string

	hints            []LostHint
	keyframeRequests []bool
	scaleFactors     []float64
	triggers         int
	kfParams         KeyframeParams

	// filter, when set, is checked to be unlocked on every TrackFrame.
	filter     *SharedFilter
	lockChecks int
	lockHeld   int
}

// checkFilterUnlocked takes and releases the filter lock from another
// goroutine. A caller holding the lock across TrackFrame blocks it.
func (t *fakeTracker) checkFilterUnlocked() {
	if t.filter == nil {
		return
	}
	t.lockChecks++
	acquired := make(chan struct{})
	go func() {
		t.filter.mu.Lock()
		t.filter.mu.Unlock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.lockHeld++
	}
}

func (t *fakeTracker) TrackFrame(frame Frame, guess SE3, hint LostHint) TrackingResult {
	t.checkFilterUnlocked()
	r := Tracking
	if len(t.results) > 0 {
		r = t.results[min(t.calls, len(t.results)-1)]
	}
	t.calls++
	t.hints = append(t.hints, hint)
	if t.pose != nil {
		t.current = *t.pose
	} else {
		t.current = guess
	}
	return r
}

func (t *fakeTracker) CurrentPose() SE3    { return t.current }
func (t *fakeTracker) UserMessage() string { return t.message }
func (t *fakeTracker) RequestKeyframe(force bool) {
	t.keyframeRequests = append(t.keyframeRequests, force)
}
func (t *fakeTracker) PressManualTrigger()                { t.triggers++ }
func (t *fakeTracker) InitialScale() float64              { return t.initialScale }
func (t *fakeTracker) SetScaleFactor(s float64)           { t.scaleFactors = append(t.scaleFactors, s) }
func (t *fakeTracker) SetKeyframeParams(p KeyframeParams) { t.kfParams = p }

type fakeMap struct {
	healthy   bool
	keyframes []SE3
	points    []r3.Vector
}

func (m *fakeMap) IsHealthy() bool             { return m.healthy }
func (m *fakeMap) KeyframeCount() int          { return len(m.keyframes) }
func (m *fakeMap) KeyframePoses() []SE3        { return m.keyframes }
func (m *fakeMap) PointPositions() []r3.Vector { return m.points }

// fakeFactory hands out trackers from newTracker, one per build.
type fakeFactory struct {
	newTracker func() *fakeTracker
	newMap     func() *fakeMap
	err        error
	filter     *SharedFilter

	builds   int
	trackers []*fakeTracker
	maps     []*fakeMap
	sizes    [][2]int
}

func (f *fakeFactory) Build(ctx context.Context, cam CameraModel, w, h int) (VisualTracker, Map, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	f.builds++
	tr := &fakeTracker{}
	if f.newTracker != nil {
		tr = f.newTracker()
	}
	tr.filter = f.filter
	m := &fakeMap{}
	if f.newMap != nil {
		m = f.newMap()
	}
	f.trackers = append(f.trackers, tr)
	f.maps = append(f.maps, m)
	f.sizes = append(f.sizes, [2]int{w, h})
	return tr, m, nil
}

func (f *fakeFactory) last() *fakeTracker {
	return f.trackers[len(f.trackers)-1]
}

type staticCalibration struct {
	cam   CameraModel
	err   error
	loads int
}

func (s *staticCalibration) Load(ctx context.Context) (CameraModel, error) {
	s.loads++
	return s.cam, s.err
}

var errCalibrationMissing = errors.New("calibration missing")

type recordingSink struct {
	reports []FrameReport
	records []LogRecord
	events  []string
}

func (s *recordingSink) FrameProcessed(rep FrameReport, rec LogRecord) {
	s.reports = append(s.reports, rep)
	s.records = append(s.records, rec)
}

func (s *recordingSink) Event(msg string) {
	s.events = append(s.events, msg)
}
