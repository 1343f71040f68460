package fusion

import (
	"sync"

	"github.com/golang/geo/r3"
)

// ShallowSnapshot is a copy of the map in filter coordinates, made for
// readers outside the frame goroutine.
type ShallowSnapshot struct {
	Keyframes   []Pose6     `json:"keyframes"`
	Points      []r3.Vector `json:"points"`
	Scales      r3.Vector   `json:"scales"`
	Offsets     Pose6       `json:"offsets"`
	TimestampMS int64       `json:"timestampMs"`
	Generation  string      `json:"generation"`
}

func (s *ShallowSnapshot) clear() {
	s.Keyframes = s.Keyframes[:0]
	s.Points = s.Points[:0]
	s.Scales = r3.Vector{}
	s.Offsets = Pose6{}
	s.TimestampMS = 0
	s.Generation = ""
}

func (s *ShallowSnapshot) clone() ShallowSnapshot {
	out := *s
	out.Keyframes = append([]Pose6(nil), s.Keyframes...)
	out.Points = append([]r3.Vector(nil), s.Points...)
	return out
}

// SnapshotPublisher double-buffers snapshots. The frame goroutine fills the
// back buffer and swaps it in; readers copy the front buffer.
type SnapshotPublisher struct {
	mu    sync.RWMutex
	front *ShallowSnapshot
	back  *ShallowSnapshot
	swaps int
}

// NewSnapshotPublisher returns a publisher holding an empty snapshot.
func NewSnapshotPublisher() *SnapshotPublisher {
	return &SnapshotPublisher{front: &ShallowSnapshot{}, back: &ShallowSnapshot{}}
}

// Back returns the cleared back buffer. Only the frame goroutine may call
// it, and only between swaps.
func (p *SnapshotPublisher) Back() *ShallowSnapshot {
	p.back.clear()
	return p.back
}

// Swap publishes the back buffer.
func (p *SnapshotPublisher) Swap() {
	p.mu.Lock()
	p.front, p.back = p.back, p.front
	p.swaps++
	p.mu.Unlock()
}

// Current returns a copy of the published snapshot.
func (p *SnapshotPublisher) Current() ShallowSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.front.clone()
}

// Swaps counts published snapshots.
func (p *SnapshotPublisher) Swaps() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.swaps
}

// FillSnapshot converts the map into filter coordinates.
func FillSnapshot(dst *ShallowSnapshot, m Map, tf FrameTransforms, scales r3.Vector, offsets Pose6) {
	for _, kf := range m.KeyframePoses() {
		dst.Keyframes = append(dst.Keyframes, tf.TransformFromVisual(PoseFromCamera(kf)))
	}
	for _, pt := range m.PointPositions() {
		dst.Points = append(dst.Points, r3.Vector{
			X: pt.X*scales.X + offsets.X,
			Y: pt.Y*scales.Y + offsets.Y,
			Z: pt.Z*scales.Z + offsets.Z,
		})
	}
	dst.Scales = scales
	dst.Offsets = offsets
}
