package fusion

const (
	bootstrapObservations = 10

	maxYawDiffVeryGood       = 4.0
	maxRollPitchDiffVeryGood = 3.0
	maxRollPitchDiffGood     = 20.0

	// minObservationStreak is the streak a frame needs before its visual
	// pose is fed to the filter or may close a scale window.
	minObservationStreak = 3

	// lostStreakThreshold marks the previous frame as lost for the tracker.
	lostStreakThreshold = -20
)

// QualityInput is everything the assessor looks at for one frame.
type QualityInput struct {
	Visual           Pose6
	FusedPre         Pose6
	Result           TrackingResult
	Dodgy            bool
	GoodObservations int
	MapHealthy       bool
}

// QualityAssessor classifies frames and keeps the signed good/bad streak.
// It is owned by the orchestrator goroutine.
type QualityAssessor struct {
	streak int
}

// Assess classifies one frame and updates the streak.
func (qa *QualityAssessor) Assess(in QualityInput) Quality {
	q := Quality{Diffs: in.Visual.Diff(in.FusedPre)}

	switch {
	case in.GoodObservations < bootstrapObservations && in.MapHealthy:
		// Too few fused observations to judge against; accept while the map
		// is healthy.
		q.Good, q.VeryGood = true, false
	case in.Result.BlocksQuality():
		q.Good, q.VeryGood = false, false
	default:
		q.Good, q.VeryGood = true, true
		if q.Diffs.Yaw > maxYawDiffVeryGood {
			q.VeryGood = false
		}
		if q.Diffs.Roll > maxRollPitchDiffVeryGood || q.Diffs.Pitch > maxRollPitchDiffVeryGood || in.Dodgy {
			q.VeryGood = false
		}
		if q.Diffs.Roll > maxRollPitchDiffGood || q.Diffs.Pitch > maxRollPitchDiffGood {
			q.Good = false
		}
	}

	if q.Good {
		qa.streak = max(qa.streak, 0) + 1
	} else {
		qa.streak = min(qa.streak, 0) - 1
		if floor, ok := in.Result.streakFloor(); ok {
			qa.streak = max(qa.streak, floor)
		}
	}
	q.Streak = qa.streak
	return q
}

// Streak returns the current hysteresis counter.
func (qa *QualityAssessor) Streak() int {
	return qa.streak
}

// LastFrameLost is the hint passed to the tracker.
func (qa *QualityAssessor) LastFrameLost() bool {
	return qa.streak < lostStreakThreshold
}

// Reset clears the streak.
func (qa *QualityAssessor) Reset() {
	qa.streak = 0
}
