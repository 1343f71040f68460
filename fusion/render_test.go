package fusion

import (
	"bytes"
	"image/png"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func renderFixture() (ShallowSnapshot, *FrameReport) {
	snap := ShallowSnapshot{
		Keyframes: []Pose6{{X: 0, Y: 0}, {X: 1, Y: 0.5}, {X: 2, Y: 1}},
		Points:    []r3.Vector{{X: -0.5, Y: 1}, {X: 2.5, Y: -0.5}, {X: 1, Y: 2}},
	}
	rep := &FrameReport{Status: StatusBest, Fused: PoseSpeed{Pose6: Pose6{X: 2, Y: 1, Yaw: 30}}}
	return snap, rep
}

func TestNewSnapshotRendererDefaults(t *testing.T) {
	r := NewSnapshotRenderer(RenderConfig{})
	assert.Equal(t, DefaultMMPerMeter, r.MMPerMeter)

	r = NewSnapshotRenderer(RenderConfig{MMPerMeter: 50, DPMM: 2})
	assert.Equal(t, 50.0, r.MMPerMeter)
}

func TestSnapshotRendererSVG(t *testing.T) {
	snap, rep := renderFixture()
	var buf bytes.Buffer

	require.NoError(t, NewSnapshotRenderer(RenderConfig{}).RenderSVG(&buf, snap, rep))

	out := buf.String()
	assert.True(t, strings.Contains(out, "<svg"), "output should be an SVG document")
	assert.Contains(t, out, "<path")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "</svg>"))
}

func TestSnapshotRendererSVGEmptySnapshot(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewSnapshotRenderer(RenderConfig{}).RenderSVG(&buf, ShallowSnapshot{}, nil))
	assert.Contains(t, buf.String(), "<svg")
}

func TestSnapshotRendererPNG(t *testing.T) {
	snap, rep := renderFixture()
	r := NewSnapshotRenderer(RenderConfig{MMPerMeter: 50, DPMM: 2})

	var plain bytes.Buffer
	require.NoError(t, r.RenderPNG(&plain, snap, rep))
	img, err := png.Decode(bytes.NewReader(plain.Bytes()))
	require.NoError(t, err)

	// Bounds are 3 x 2.5 m plus 0.5 m of padding on each side, then 20 mm
	// of canvas padding: (4 * 50 + 40) mm at 2 dots per mm.
	b := img.Bounds()
	assert.InDelta(t, 480, b.Dx(), 2)
	assert.InDelta(t, 430, b.Dy(), 2)

	rep.Caption = "Best | scale 1.000 (acc 0.50)"
	var captioned bytes.Buffer
	require.NoError(t, r.RenderPNG(&captioned, snap, rep))
	assert.NotEqual(t, plain.Bytes(), captioned.Bytes())
}

func TestDroneMarkerPointsAlongHeading(t *testing.T) {
	v := view{scale: 1}
	tip := droneMarker(v, Pose6{Yaw: 0}).StartPos()
	assert.InDelta(t, 0, tip.X, 1e-9)
	assert.InDelta(t, 0.25, tip.Y, 1e-9)

	tip = droneMarker(v, Pose6{Yaw: 90}).StartPos()
	assert.InDelta(t, -0.25, tip.X, 1e-9)
	assert.InDelta(t, 0, tip.Y, 1e-9)
}
