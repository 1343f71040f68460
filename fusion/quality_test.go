package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

func TestAssessClassification(t *testing.T) {
	base := Pose6{X: 1, Y: 1, Z: 1, Roll: 1, Pitch: 1, Yaw: 10}
	tests := []struct {
		name         string
		in           QualityInput
		wantGood     bool
		wantVeryGood bool
	}{
		{
			name:         "bootstrap with healthy map",
			in:           QualityInput{Visual: base, FusedPre: base, Result: Lost, GoodObservations: 3, MapHealthy: true},
			wantGood:     true,
			wantVeryGood: false,
		},
		{
			name:     "bootstrap with unhealthy map falls through",
			in:       QualityInput{Visual: base, FusedPre: base, Result: Lost, GoodObservations: 3},
			wantGood: false,
		},
		{
			name:         "agreeing poses",
			in:           QualityInput{Visual: base, FusedPre: base, Result: Tracking, GoodObservations: 50},
			wantGood:     true,
			wantVeryGood: true,
		},
		{
			name:         "yaw disagreement",
			in:           QualityInput{Visual: base, FusedPre: Pose6{X: 1, Y: 1, Z: 1, Roll: 1, Pitch: 1, Yaw: 15}, Result: Tracking, GoodObservations: 50},
			wantGood:     true,
			wantVeryGood: false,
		},
		{
			name:         "small roll disagreement",
			in:           QualityInput{Visual: base, FusedPre: Pose6{X: 1, Y: 1, Z: 1, Roll: 5, Pitch: 1, Yaw: 10}, Result: Tracking, GoodObservations: 50},
			wantGood:     true,
			wantVeryGood: false,
		},
		{
			name:     "large pitch disagreement",
			in:       QualityInput{Visual: base, FusedPre: Pose6{X: 1, Y: 1, Z: 1, Roll: 1, Pitch: 25, Yaw: 10}, Result: Tracking, GoodObservations: 50},
			wantGood: false,
		},
		{
			name:         "dodgy",
			in:           QualityInput{Visual: base, FusedPre: base, Result: TrackingDodgy, Dodgy: true, GoodObservations: 50},
			wantGood:     true,
			wantVeryGood: false,
		},
		{
			name:     "init second keyframe blocks",
			in:       QualityInput{Visual: base, FusedPre: base, Result: InitSecondKeyframe, GoodObservations: 50},
			wantGood: false,
		},
		{
			name:     "not tracking blocks",
			in:       QualityInput{Visual: base, FusedPre: base, Result: NotTracking, GoodObservations: 50},
			wantGood: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var qa QualityAssessor
			q := qa.Assess(tt.in)
			assert.Equal(t, tt.wantGood, q.Good)
			assert.Equal(t, tt.wantVeryGood, q.VeryGood)
		})
	}
}

// ---------------------------------------------------------------------------
// Hysteresis counter
// ---------------------------------------------------------------------------

func TestAssessStreak(t *testing.T) {
	good := QualityInput{Result: Tracking, GoodObservations: 50}
	bad := QualityInput{Result: Lost, GoodObservations: 50}

	var qa QualityAssessor
	for i := 1; i <= 4; i++ {
		assert.Equal(t, i, qa.Assess(good).Streak)
	}
	assert.Equal(t, -1, qa.Assess(bad).Streak, "a bad frame resets a positive streak")
	assert.Equal(t, -2, qa.Assess(bad).Streak)
	assert.Equal(t, 1, qa.Assess(good).Streak, "a good frame resets a negative streak")
}

func TestAssessRecoveryFloors(t *testing.T) {
	lost := QualityInput{Result: Lost, GoodObservations: 50}
	// Large roll error keeps the recovered frames not good.
	off := Pose6{Roll: 30}

	var qa QualityAssessor
	for i := 0; i < 10; i++ {
		qa.Assess(lost)
	}
	assert.Equal(t, -10, qa.Streak())

	q := qa.Assess(QualityInput{Visual: off, Result: TrackingRecoveredGood, GoodObservations: 50})
	assert.False(t, q.Good)
	assert.Equal(t, -5, q.Streak)

	q = qa.Assess(QualityInput{Visual: off, Result: TrackingRecoveredDodgy, Dodgy: true, GoodObservations: 50})
	assert.Equal(t, -2, q.Streak)
}

func TestLastFrameLost(t *testing.T) {
	var qa QualityAssessor
	for i := 0; i < 20; i++ {
		qa.Assess(QualityInput{Result: Lost, GoodObservations: 50})
	}
	assert.False(t, qa.LastFrameLost(), "-20 is not yet lost")
	qa.Assess(QualityInput{Result: Lost, GoodObservations: 50})
	assert.True(t, qa.LastFrameLost())

	qa.Reset()
	assert.Equal(t, 0, qa.Streak())
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		result   TrackingResult
		good     bool
		veryGood bool
		want     Status
	}{
		{NotTracking, true, true, StatusIdle},
		{InitFirstKeyframe, false, false, StatusTookKeyframe},
		{InitSecondKeyframe, false, false, StatusTookKeyframe},
		{TookKeyframe, true, true, StatusTookKeyframe},
		{Initializing, false, false, StatusInitializing},
		{Tracking, true, true, StatusBest},
		{Tracking, true, false, StatusGood},
		{Tracking, false, false, StatusFalsePositive},
		{TrackingDodgy, false, false, StatusFalsePositive},
		{TrackingRecoveredGood, false, false, StatusLost},
		{Lost, false, false, StatusLost},
		{InitFailed, false, false, StatusLost},
	}
	for _, tt := range tests {
		t.Run(tt.result.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Status(tt.good, tt.veryGood))
		})
	}
}

func TestTrackingResultText(t *testing.T) {
	for r := NotTracking; r <= TookKeyframe; r++ {
		got, err := ParseTrackingResult(r.String())
		assert.NoError(t, err)
		assert.Equal(t, r, got)
	}
	_, err := ParseTrackingResult("bogus")
	assert.Error(t, err)
}
