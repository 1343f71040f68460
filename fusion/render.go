package fusion

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	DefaultMMPerMeter = 100.0
	DefaultDPMM       = 4.0
)

var statusColors = map[Status]color.RGBA{
	StatusBest:          {0, 160, 0, 255},
	StatusGood:          {120, 200, 0, 255},
	StatusTookKeyframe:  {0, 120, 255, 255},
	StatusInitializing:  {0, 120, 255, 255},
	StatusFalsePositive: {230, 150, 0, 255},
	StatusLost:          {220, 0, 0, 255},
	StatusIdle:          {128, 128, 128, 255},
}

// SnapshotRenderer draws a top-down view of a map snapshot: points,
// keyframe trajectory, a 1 m grid and the drone coloured by status.
type SnapshotRenderer struct {
	MMPerMeter float64 // canvas millimetres per world metre
	Padding    float64 // canvas millimetres
	Resolution canvas.Resolution
}

// NewSnapshotRenderer applies defaults to unset fields of cfg.
func NewSnapshotRenderer(cfg RenderConfig) *SnapshotRenderer {
	r := &SnapshotRenderer{
		MMPerMeter: cfg.MMPerMeter,
		Padding:    20,
		Resolution: canvas.DPMM(cfg.DPMM),
	}
	if r.MMPerMeter <= 0 {
		r.MMPerMeter = DefaultMMPerMeter
	}
	if cfg.DPMM <= 0 {
		r.Resolution = canvas.DPMM(DefaultDPMM)
	}
	return r
}

type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// view maps world metres to canvas millimetres.
type view struct {
	bound         orb.Bound
	scale, pad    float64
	width, height float64
}

func (v view) at(x, y float64) (float64, float64) {
	return (x-v.bound.Min[0])*v.scale + v.pad, (y-v.bound.Min[1])*v.scale + v.pad
}

func (r *SnapshotRenderer) view(snap ShallowSnapshot, rep *FrameReport) view {
	var mp orb.MultiPoint
	for _, k := range snap.Keyframes {
		mp = append(mp, orb.Point{k.X, k.Y})
	}
	for _, p := range snap.Points {
		mp = append(mp, orb.Point{p.X, p.Y})
	}
	if rep != nil {
		mp = append(mp, orb.Point{rep.Fused.X, rep.Fused.Y})
	}
	b := orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}}
	if len(mp) > 0 {
		b = mp.Bound().Pad(0.5)
	}
	return view{
		bound:  b,
		scale:  r.MMPerMeter,
		pad:    r.Padding,
		width:  (b.Max[0]-b.Min[0])*r.MMPerMeter + 2*r.Padding,
		height: (b.Max[1]-b.Min[1])*r.MMPerMeter + 2*r.Padding,
	}
}

// RenderSVG writes the snapshot as SVG.
func (r *SnapshotRenderer) RenderSVG(w io.Writer, snap ShallowSnapshot, rep *FrameReport) error {
	v := r.view(snap, rep)
	out := svg.New(w, v.width, v.height, nil)
	r.draw(out, v, snap, rep)
	return out.Close()
}

// RenderPNG writes the snapshot as PNG with the report caption, if any,
// printed in the top left corner.
func (r *SnapshotRenderer) RenderPNG(w io.Writer, snap ShallowSnapshot, rep *FrameReport) error {
	v := r.view(snap, rep)
	rast := rasterizer.New(v.width, v.height, r.Resolution, canvas.DefaultColorSpace)
	r.draw(rast, v, snap, rep)
	if rep != nil && rep.Caption != "" {
		drawCaption(rast, rep.Caption)
	}
	return png.Encode(w, rast)
}

func (r *SnapshotRenderer) draw(out canvasRenderer, v view, snap ShallowSnapshot, rep *FrameReport) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	out.RenderPath(canvas.Rectangle(v.width, v.height), bg, canvas.Identity)

	grid := canvas.DefaultStyle
	grid.Fill = canvas.Paint{Color: canvas.Transparent}
	grid.Stroke = canvas.Paint{Color: color.RGBA{220, 220, 220, 255}}
	grid.StrokeWidth = 0.3
	for x := math.Ceil(v.bound.Min[0]); x <= v.bound.Max[0]; x++ {
		p := &canvas.Path{}
		p.MoveTo(v.at(x, v.bound.Min[1]))
		p.LineTo(v.at(x, v.bound.Max[1]))
		out.RenderPath(p, grid, canvas.Identity)
	}
	for y := math.Ceil(v.bound.Min[1]); y <= v.bound.Max[1]; y++ {
		p := &canvas.Path{}
		p.MoveTo(v.at(v.bound.Min[0], y))
		p.LineTo(v.at(v.bound.Max[0], y))
		out.RenderPath(p, grid, canvas.Identity)
	}

	dot := canvas.DefaultStyle
	dot.Fill = canvas.Paint{Color: color.RGBA{90, 90, 90, 255}}
	dot.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, pt := range snap.Points {
		x, y := v.at(pt.X, pt.Y)
		out.RenderPath(canvas.Circle(0.6).Translate(x, y), dot, canvas.Identity)
	}

	if len(snap.Keyframes) > 1 {
		line := canvas.DefaultStyle
		line.Fill = canvas.Paint{Color: canvas.Transparent}
		line.Stroke = canvas.Paint{Color: color.RGBA{0, 0, 139, 255}}
		line.StrokeWidth = 0.8
		p := &canvas.Path{}
		for i, k := range snap.Keyframes {
			x, y := v.at(k.X, k.Y)
			if i == 0 {
				p.MoveTo(x, y)
			} else {
				p.LineTo(x, y)
			}
		}
		out.RenderPath(p, line, canvas.Identity)
	}
	kf := canvas.DefaultStyle
	kf.Fill = canvas.Paint{Color: color.RGBA{100, 149, 237, 255}}
	kf.Stroke = canvas.Paint{Color: color.RGBA{0, 0, 139, 255}}
	kf.StrokeWidth = 0.3
	for _, k := range snap.Keyframes {
		x, y := v.at(k.X, k.Y)
		out.RenderPath(canvas.Circle(1.5).Translate(x, y), kf, canvas.Identity)
	}

	if rep != nil {
		drone := canvas.DefaultStyle
		drone.Fill = canvas.Paint{Color: statusColors[rep.Status]}
		drone.Stroke = canvas.Paint{Color: canvas.Black}
		drone.StrokeWidth = 0.4
		out.RenderPath(droneMarker(v, rep.Fused.Pose6), drone, canvas.Identity)
	}
}

// droneMarker is a triangle pointing along the drone's heading, using the
// same yaw convention as DeadReckoner.
func droneMarker(v view, p Pose6) *canvas.Path {
	const size = 0.25 // metres
	sy, cy := math.Sincos(deg2rad(p.Yaw))
	corner := func(fwd, right float64) (float64, float64) {
		return v.at(p.X-fwd*sy+right*cy, p.Y+fwd*cy+right*sy)
	}
	path := &canvas.Path{}
	path.MoveTo(corner(size, 0))
	path.LineTo(corner(-size/2, size/2))
	path.LineTo(corner(-size/2, -size/2))
	path.Close()
	return path
}

// drawCaption prints text line by line onto img.
func drawCaption(img draw.Image, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}
	lineHeight := face.Metrics().Height
	y := fixed.I(4) + face.Metrics().Ascent
	for _, line := range strings.Split(text, "\n") {
		d.Dot = fixed.Point26_6{X: fixed.I(4), Y: y}
		d.DrawString(line)
		y += lineHeight
	}
}
