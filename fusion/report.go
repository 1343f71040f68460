package fusion

import (
	"fmt"
	"strings"

	"github.com/golang/geo/r3"
)

// FrameReport is the per-frame status published to consumers.
type FrameReport struct {
	Seq           uint32         `json:"seq"`
	TimestampMS   int64          `json:"timestampMs"`
	Status        Status         `json:"status"`
	Result        TrackingResult `json:"result"`
	Quality       Quality        `json:"quality"`
	Tier          QualityTier    `json:"tier"`
	Visual        Pose6          `json:"visual"`
	Fused         PoseSpeed      `json:"fused"`
	Scales        r3.Vector      `json:"scales"`
	ScaleAccuracy float64        `json:"scaleAccuracy"`
	MapLocked     bool           `json:"mapLocked"`
	SyncLocked    bool           `json:"syncLocked"`
	Keyframes     int            `json:"keyframes"`
	Message       string         `json:"message,omitempty"`
	Caption       string         `json:"caption,omitempty"`
	TrackingMS    float64        `json:"trackingMs"`
	ProcessingMS  float64        `json:"processingMs"`
	Generation    string         `json:"generation"`
	InertialOnly  r3.Vector      `json:"inertialOnly"`
}

// FrameSink receives every processed frame.
type FrameSink interface {
	FrameProcessed(rep FrameReport, rec LogRecord)
}

// EventSink receives human readable status messages.
type EventSink interface {
	Event(msg string)
}

// caption renders the on-screen text for the given detail mode.
func caption(mode UIMode, rep *FrameReport) string {
	if mode == UINone {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s | scale %.3f (acc %.2f)", statusLabel(rep.Status), rep.Scales.X, rep.ScaleAccuracy)
	if rep.MapLocked {
		b.WriteString(" | map locked")
	}
	if rep.SyncLocked {
		b.WriteString(" | sync locked")
	}
	if mode == UIPresentation {
		return b.String()
	}

	fmt.Fprintf(&b, "\ntracking %.1f ms, total %.1f ms, streak %d, keyframes %d",
		rep.TrackingMS, rep.ProcessingMS, rep.Quality.Streak, rep.Keyframes)
	d := rep.Quality.Diffs
	fmt.Fprintf(&b, "\ndiffs x %.2f y %.2f z %.2f r %.1f p %.1f y %.1f",
		d.X, d.Y, d.Z, d.Roll, d.Pitch, d.Yaw)
	v := rep.Visual
	fmt.Fprintf(&b, "\nvisual x %.2f y %.2f z %.2f r %.1f p %.1f y %.1f",
		v.X, v.Y, v.Z, v.Roll, v.Pitch, v.Yaw)
	if rep.Message != "" {
		b.WriteString("\n")
		b.WriteString(rep.Message)
	}
	return b.String()
}

func statusLabel(s Status) string {
	switch s {
	case StatusBest:
		return "Best"
	case StatusGood:
		return "Good"
	case StatusTookKeyframe:
		return "Took keyframe"
	case StatusInitializing:
		return "Initializing"
	case StatusFalsePositive:
		return "Dodgy"
	case StatusLost:
		return "Lost"
	}
	return "Idle"
}
