package fusion

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captionFixture() *FrameReport {
	return &FrameReport{
		Status:        StatusFalsePositive,
		Scales:        scalesOf(1.25),
		ScaleAccuracy: 0.8,
		MapLocked:     true,
		Quality:       Quality{Streak: 3, Diffs: Pose6{X: 0.1, Yaw: 2}},
		Visual:        Pose6{X: 1, Y: 2, Z: 3},
		TrackingMS:    12.5,
		ProcessingMS:  20,
		Keyframes:     7,
		Message:       "tracking dodgy",
	}
}

func TestCaptionNone(t *testing.T) {
	assert.Empty(t, caption(UINone, captionFixture()))
}

func TestCaptionPresentation(t *testing.T) {
	got := caption(UIPresentation, captionFixture())
	assert.Equal(t, "Dodgy | scale 1.250 (acc 0.80) | map locked", got)
}

func TestCaptionDebug(t *testing.T) {
	rep := captionFixture()
	rep.SyncLocked = true

	lines := strings.Split(caption(UIDebug, rep), "\n")
	assert.Len(t, lines, 5)
	assert.Equal(t, "Dodgy | scale 1.250 (acc 0.80) | map locked | sync locked", lines[0])
	assert.Equal(t, "tracking 12.5 ms, total 20.0 ms, streak 3, keyframes 7", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "diffs x 0.10"))
	assert.True(t, strings.HasPrefix(lines[3], "visual x 1.00 y 2.00 z 3.00"))
	assert.Equal(t, "tracking dodgy", lines[4])
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "Best", statusLabel(StatusBest))
	assert.Equal(t, "Took keyframe", statusLabel(StatusTookKeyframe))
	assert.Equal(t, "Lost", statusLabel(StatusLost))
	assert.Equal(t, "Idle", statusLabel(StatusIdle))
}
