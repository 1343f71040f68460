package fusion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrchestratorConfig holds the per-frame tuning.
type OrchestratorConfig struct {
	VideoDelayMS int64
	XYZDelayMS   int64
	MaxKeyframes int
	Keyframe     KeyframeParams
}

// OrchestratorConfigFrom extracts the orchestrator settings.
func OrchestratorConfigFrom(c FusionConfig) OrchestratorConfig {
	return OrchestratorConfig{
		VideoDelayMS: c.VideoDelayMS,
		XYZDelayMS:   c.XYZDelayMS,
		MaxKeyframes: c.MaxKeyframes,
		Keyframe:     c.Keyframe,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Orchestrator) { o.logger = orNop(l) }
}

// WithFrameSink adds a consumer of per-frame reports and log records.
func WithFrameSink(s FrameSink) Option {
	return func(o *Orchestrator) { o.frameSinks = append(o.frameSinks, s) }
}

// WithEventSink adds a consumer of status messages.
func WithEventSink(s EventSink) Option {
	return func(o *Orchestrator) { o.eventSinks = append(o.eventSinks, s) }
}

// WithSnapshots publishes map snapshots to p.
func WithSnapshots(p *SnapshotPublisher) Option {
	return func(o *Orchestrator) { o.snapshots = p }
}

// Orchestrator runs the per-frame fusion pipeline. ProcessFrame and
// HandleCommand must be called from one goroutine; Run does that. The
// accessor methods are safe from any goroutine.
type Orchestrator struct {
	cfg        OrchestratorConfig
	filter     *SharedFilter
	queue      *InertialQueue
	factory    SubsystemFactory
	calib      CalibrationSource
	scale      *ScaleEstimator
	snapshots  *SnapshotPublisher
	frameSinks []FrameSink
	eventSinks []EventSink
	clock      clock.Clock
	logger     *zap.SugaredLogger

	// Owned by the frame goroutine.
	state         LifecycleState
	quality       QualityAssessor
	forceKF       bool
	lockNextFrame bool
	mapLocked     bool
	uiMode        UIMode
	kfParams      KeyframeParams
	lastMessage   string

	sub        atomic.Pointer[VisualSubsystem]
	lastReport atomic.Pointer[FrameReport]
	frames     atomic.Int64
}

// NewOrchestrator wires the pipeline. The filter is shared with the
// inertial producer; the queue is filled by it.
func NewOrchestrator(cfg OrchestratorConfig, filter *SharedFilter, queue *InertialQueue, factory SubsystemFactory, calib CalibrationSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		filter:   filter,
		queue:    queue,
		factory:  factory,
		calib:    calib,
		clock:    clock.New(),
		logger:   zap.NewNop().Sugar(),
		kfParams: cfg.Keyframe,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.snapshots == nil {
		o.snapshots = NewSnapshotPublisher()
	}
	o.scale = NewScaleEstimator(queue, filter, cfg.VideoDelayMS, cfg.XYZDelayMS, o.logger)
	return o
}

// Run processes frames and commands until ctx is cancelled or frames is
// closed. commands may be nil.
func (o *Orchestrator) Run(ctx context.Context, frames <-chan Frame, commands <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			o.HandleCommand(cmd)
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			o.ProcessFrame(ctx, f)
		}
	}
}

// ProcessFrame runs the full pipeline for one frame and returns the
// published status.
func (o *Orchestrator) ProcessFrame(ctx context.Context, frame Frame) Status {
	started := o.clock.Now()

	if o.state.NeedsBuild() {
		if err := o.rebuild(ctx, frame); err != nil {
			if errors.Is(err, ErrDeviceUnknown) {
				o.logger.Debugf("[VIDEO] frame %d skipped: %v", frame.Seq, err)
			} else {
				o.logger.Errorf("[VIDEO] building visual subsystem: %v", err)
			}
			return StatusIdle
		}
	}
	sub := o.sub.Load()
	tf := o.filter.Transforms()
	filterMS := frame.TimestampMS - o.cfg.VideoDelayMS

	var (
		pre     PoseSpeed
		goodObs int
	)
	o.filter.Do(func(f PoseFilter) {
		pre = f.PoseAt(filterMS, true)
		goodObs = f.GoodObservationCount()
	})

	guess := CameraFromWorld(tf.TransformToVisual(pre.Pose6))
	hint := LostHint{
		LastFrameLost: o.quality.LastFrameLost(),
		TryRelocalise: frame.Seq%3 == 0,
	}
	trackStart := o.clock.Now()
	result := sub.Tracker.TrackFrame(frame, guess, hint)
	trackingTime := o.clock.Since(trackStart)
	o.lastMessage = sub.Tracker.UserMessage()

	visualRaw := PoseFromCamera(sub.Tracker.CurrentPose())
	visual := tf.TransformFromVisual(visualRaw)

	o.handleResult(result, sub)

	q := o.quality.Assess(QualityInput{
		Visual:           visual,
		FusedPre:         pre.Pose6,
		Result:           result,
		Dodgy:            result.IsDodgy(),
		GoodObservations: goodObs,
		MapHealthy:       sub.Map.IsHealthy(),
	})

	var post PoseSpeed
	observe := q.Good && q.Streak >= minObservationStreak
	o.filter.Do(func(f PoseFilter) {
		if observe {
			f.AddObservation(visual, filterMS)
		} else {
			f.AddNullObservation(filterMS)
		}
		post = f.CurrentPoseSpeed()
	})

	upd := o.scale.Step(ScaleStep{
		FrameMS:     frame.TimestampMS,
		GoodStreak:  q.Streak,
		FusedVisual: tf.TransformToVisual(post.Pose6).Position(),
	})
	if upd.Applied {
		sub.Tracker.SetScaleFactor(upd.Scales.X)
	}

	if o.lockNextFrame && q.Good {
		fix := visualRaw.Position()
		o.filter.Do(func(f PoseFilter) { f.SetScalingFixpoint(fix) })
		o.lockNextFrame = false
		o.event(fmt.Sprintf("locking scale fixpoint to %.3f %.3f %.3f", visual.X, visual.Y, visual.Z))
	}

	if !o.mapLocked && q.VeryGood &&
		(o.forceKF || sub.Map.KeyframeCount() < o.cfg.MaxKeyframes || o.cfg.MaxKeyframes <= 1) {
		sub.Tracker.RequestKeyframe(o.forceKF)
		o.forceKF = false
	}

	status := result.Status(q.Good, q.VeryGood)

	var (
		rep     FrameReport
		offsets Pose6
	)
	o.filter.Do(func(f PoseFilter) {
		rep.Scales = f.Scales()
		rep.ScaleAccuracy = f.ScaleAccuracy()
		rep.SyncLocked = f.SyncLocked()
		offsets = f.Offsets()
	})

	if !o.mapLocked {
		back := o.snapshots.Back()
		FillSnapshot(back, sub.Map, tf, rep.Scales, offsets)
		back.TimestampMS = frame.TimestampMS
		back.Generation = sub.ID.String()
		o.snapshots.Swap()
	}

	rep.Seq = frame.Seq
	rep.TimestampMS = frame.TimestampMS
	rep.Status = status
	rep.Result = result
	rep.Quality = q
	rep.Tier = q.Tier()
	rep.Visual = visual
	rep.Fused = post
	rep.MapLocked = o.mapLocked
	rep.Keyframes = sub.Map.KeyframeCount()
	rep.Message = o.lastMessage
	rep.TrackingMS = millis(trackingTime)
	rep.ProcessingMS = millis(o.clock.Since(started))
	rep.Generation = sub.ID.String()
	rep.InertialOnly = o.queue.ContinuousPosition()
	rep.Caption = caption(o.uiMode, &rep)

	latency := frame.PingMS
	if latency <= 0 {
		latency = int64(rep.ProcessingMS)
	}
	rec := LogRecord{
		Tier:        rep.Tier,
		TimestampMS: filterMS,
		Pre:         pre,
		Post:        post,
		Visual:      visual,
		Scales:      rep.Scales,
		Offsets:     offsets,
		LatencyMS:   latency,
	}

	o.lastReport.Store(&rep)
	o.frames.Add(1)
	for _, s := range o.frameSinks {
		s.FrameProcessed(rep, rec)
	}
	return status
}

// handleResult applies the reset and initialisation policy of a result.
func (o *Orchestrator) handleResult(result TrackingResult, sub *VisualSubsystem) {
	if result.RequestsReset() {
		o.state = o.state.requestReset()
		o.logger.Infof("[VIDEO] tracker initialisation failed, resetting before the next frame")
	}
	switch result {
	case InitSecondKeyframe:
		s := 1.5 * sub.Tracker.InitialScale()
		scales := scalesOf(s)
		o.filter.Do(func(f PoseFilter) { f.SetScales(scales) })
		o.scale.SetCachedScales(scales)
		sub.Tracker.SetScaleFactor(s)
		o.scale.Clear()
		o.lockNextFrame = true
		o.queue.ResetContinuous()
		o.logger.Infof("[VIDEO] visual tracking initialised, initial scale %.3f", s)
		o.event("visual tracking initialized (took second keyframe)")
	case InitFirstKeyframe:
		o.event("visual tracking initialization started (took first keyframe)")
	}
}

// rebuild constructs a fresh visual subsystem and swaps it in. On failure
// the current state is kept and the next frame retries.
func (o *Orchestrator) rebuild(ctx context.Context, frame Frame) error {
	first := o.state == StateUninitialized
	w, h := frame.Size()

	cam, err := o.calib.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading camera calibration: %w", err)
	}
	tracker, m, err := o.factory.Build(ctx, cam, w, h)
	if err != nil {
		return fmt.Errorf("building tracker: %w", err)
	}
	tracker.SetKeyframeParams(o.kfParams)

	next := &VisualSubsystem{
		ID:      uuid.New(),
		Tracker: tracker,
		Map:     m,
		Camera:  cam,
		Width:   w,
		Height:  h,
		BuiltAt: o.clock.Now(),
	}
	o.sub.Store(next)

	o.queue.ResetContinuous()
	o.quality.Reset()
	o.scale.Clear()
	o.forceKF = false
	o.lockNextFrame = false
	o.lastMessage = ""
	o.state = StateRunning

	if first {
		o.event(fmt.Sprintf("Video resolution: %d x %d", w, h))
	}
	o.logger.Infof("[VIDEO] visual subsystem %s built for %dx%d", next.ID, w, h)
	o.event("visual subsystem has been reset.")
	return nil
}

// HandleCommand applies one control command. Unknown commands are ignored
// and reported as false.
func (o *Orchestrator) HandleCommand(raw string) bool {
	cmd, ok := ParseCommand(raw)
	if !ok {
		o.logger.Debugf("[CMD] ignoring unknown command %q", raw)
		return false
	}
	switch cmd {
	case CmdSpace:
		if sub := o.sub.Load(); sub != nil {
			sub.Tracker.PressManualTrigger()
		}
	case CmdReset:
		o.state = o.state.requestReset()
	case CmdKeyframe:
		o.forceKF = true
	case CmdToggleUI:
		o.uiMode = o.uiMode.Next()
	case CmdLockScaleFP:
		o.lockNextFrame = true
	case CmdToggleLockMap:
		o.mapLocked = !o.mapLocked
		if o.mapLocked {
			o.event("map locked.")
		} else {
			o.event("map unlocked.")
		}
	case CmdToggleLockSync:
		var locked bool
		o.filter.Do(func(f PoseFilter) {
			locked = !f.SyncLocked()
			f.SetSyncLocked(locked)
		})
		if locked {
			o.event("sync locked.")
		} else {
			o.event("sync unlocked.")
		}
	}
	return true
}

// SetKeyframeParams changes the parameters for the current and every later
// tracker. Frame goroutine only.
func (o *Orchestrator) SetKeyframeParams(p KeyframeParams) {
	o.kfParams = p
	if sub := o.sub.Load(); sub != nil {
		sub.Tracker.SetKeyframeParams(p)
	}
}

func (o *Orchestrator) event(msg string) {
	for _, s := range o.eventSinks {
		s.Event(msg)
	}
}

// State returns the lifecycle state. Frame goroutine only.
func (o *Orchestrator) State() LifecycleState {
	return o.state
}

// UIMode returns the caption detail mode. Frame goroutine only.
func (o *Orchestrator) UIMode() UIMode {
	return o.uiMode
}

// MapLocked reports whether the map is locked. Frame goroutine only.
func (o *Orchestrator) MapLocked() bool {
	return o.mapLocked
}

// Subsystem returns the current visual subsystem, or nil before the first
// frame.
func (o *Orchestrator) Subsystem() *VisualSubsystem {
	return o.sub.Load()
}

// LastReport returns the report of the most recent frame.
func (o *Orchestrator) LastReport() (FrameReport, bool) {
	r := o.lastReport.Load()
	if r == nil {
		return FrameReport{}, false
	}
	return *r, true
}

// FramesProcessed counts frames that produced a report.
func (o *Orchestrator) FramesProcessed() int64 {
	return o.frames.Load()
}

// Snapshots returns the snapshot publisher.
func (o *Orchestrator) Snapshots() *SnapshotPublisher {
	return o.snapshots
}

// ScaleWindow returns the current scale window. Frame goroutine only.
func (o *Orchestrator) ScaleWindow() ScaleWindow {
	return o.scale.Window()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
