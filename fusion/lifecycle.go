package fusion

// LifecycleState tracks whether the visual subsystem must be (re)built
// before the next frame.
type LifecycleState int

const (
	StateUninitialized LifecycleState = iota
	StateRunning
	StateResetRequested
)

func (s LifecycleState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateResetRequested:
		return "reset_requested"
	}
	return "uninitialized"
}

// NeedsBuild reports whether the next frame must build a subsystem first.
func (s LifecycleState) NeedsBuild() bool {
	return s != StateRunning
}

// requestReset moves a running pipeline to ResetRequested. A pipeline that
// was never built stays Uninitialized so the first build still announces
// the video resolution.
func (s LifecycleState) requestReset() LifecycleState {
	if s == StateRunning {
		return StateResetRequested
	}
	return s
}
