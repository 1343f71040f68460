package fusion

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// DefaultPathTolerance is the Douglas-Peucker tolerance, in metres, applied
// to the keyframe trajectory.
const DefaultPathTolerance = 0.05

// SnapshotFeatures exports a map snapshot as a top-down GeoJSON feature
// collection in filter coordinates (metres). Features are tagged with a
// "layer" property: keyframes, trajectory, points, bounds and drone. rep
// may be nil.
func SnapshotFeatures(snap ShallowSnapshot, rep *FrameReport, tolerance float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	if len(snap.Keyframes) > 0 {
		kfs := make(orb.MultiPoint, len(snap.Keyframes))
		for i, k := range snap.Keyframes {
			kfs[i] = orb.Point{k.X, k.Y}
		}
		f := geojson.NewFeature(kfs)
		f.Properties["layer"] = "keyframes"
		f.Properties["count"] = len(kfs)
		fc.Append(f)

		if len(kfs) > 1 {
			path := orb.LineString(kfs).Clone()
			if tolerance > 0 {
				path = simplify.DouglasPeucker(tolerance).LineString(path)
			}
			f := geojson.NewFeature(path)
			f.Properties["layer"] = "trajectory"
			f.Properties["length"] = planar.Length(orb.LineString(kfs))
			fc.Append(f)
		}
	}

	if len(snap.Points) > 0 {
		pts := make(orb.MultiPoint, len(snap.Points))
		for i, p := range snap.Points {
			pts[i] = orb.Point{p.X, p.Y}
		}
		f := geojson.NewFeature(pts)
		f.Properties["layer"] = "points"
		f.Properties["count"] = len(pts)
		fc.Append(f)

		bound := pts.Bound()
		if !bound.IsZero() && bound.Min != bound.Max {
			b := geojson.NewFeature(bound.ToPolygon())
			b.Properties["layer"] = "bounds"
			b.Properties["area"] = planar.Area(bound.ToPolygon())
			fc.Append(b)
		}
	}

	if rep != nil {
		f := geojson.NewFeature(orb.Point{rep.Fused.X, rep.Fused.Y})
		f.Properties["layer"] = "drone"
		f.Properties["z"] = rep.Fused.Z
		f.Properties["yaw"] = rep.Fused.Yaw
		f.Properties["status"] = rep.Status.String()
		f.Properties["scale"] = rep.Scales.X
		fc.Append(f)
	}

	if snap.Generation != "" {
		fc.ExtraMembers = geojson.Properties{
			"generation":  snap.Generation,
			"timestampMs": snap.TimestampMS,
		}
	}
	return fc
}
