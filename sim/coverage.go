package sim

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// TopDown projects a world point onto the ground plane. The vertical axis is
// Y, so the plan view uses (X, Z).
func TopDown(v r3.Vector) orb.Point {
	return orb.Point{v.X, v.Z}
}

// CoverageFeatureCollection converts a coverage snapshot into GeoJSON in the
// top-down plane. Features, in order: seen landmarks (MultiPoint), newly
// seen landmarks (MultiPoint), trajectory (LineString, when at least two
// poses exist) and the current camera (Point).
func CoverageFeatureCollection(c Coverage) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	seen := landmarkPoints(c.Cloud, c.Seen)
	f := geojson.NewFeature(seen)
	f.Properties["layer"] = "seen"
	f.Properties["count"] = len(seen)
	f.Properties["sessionId"] = c.Summary.ID
	f.Properties["coverage"] = c.Summary.Coverage
	fc.Append(f)

	newly := landmarkPoints(c.Cloud, c.NewlySeen)
	f = geojson.NewFeature(newly)
	f.Properties["layer"] = "new"
	f.Properties["count"] = len(newly)
	fc.Append(f)

	if len(c.Trajectory) >= 2 {
		ls := make(orb.LineString, len(c.Trajectory))
		for i, p := range c.Trajectory {
			ls[i] = TopDown(p.Position)
		}
		f = geojson.NewFeature(ls)
		f.Properties["layer"] = "trajectory"
		f.Properties["steps"] = len(c.Trajectory)
		fc.Append(f)
	}

	if n := len(c.Trajectory); n > 0 {
		cur := c.Trajectory[n-1]
		f = geojson.NewFeature(TopDown(cur.Position))
		f.Properties["layer"] = "camera"
		f.Properties["heading"] = Heading(cur)
		f.Properties["state"] = c.Summary.State
		fc.Append(f)
	}

	return fc
}

// Heading is the plan-view direction of the camera's forward axis in
// radians, measured from +X towards +Z.
func Heading(p Pose) float64 {
	fwd := p.Forward()
	return math.Atan2(fwd.Z, fwd.X)
}

// PlanBound returns the plan-view bound of the given landmarks and poses.
func PlanBound(cloud *Cloud, poses []Pose) (orb.Bound, bool) {
	var mp orb.MultiPoint
	if cloud != nil {
		for i := range cloud.Landmarks {
			mp = append(mp, TopDown(cloud.Landmarks[i].Position))
		}
	}
	for _, p := range poses {
		mp = append(mp, TopDown(p.Position))
	}
	if len(mp) == 0 {
		return orb.Bound{}, false
	}
	return mp.Bound(), true
}

func landmarkPoints(cloud *Cloud, ids []LandmarkID) orb.MultiPoint {
	mp := make(orb.MultiPoint, 0, len(ids))
	for _, id := range ids {
		if l, ok := cloud.Landmark(id); ok {
			mp = append(mp, TopDown(l.Position))
		}
	}
	return mp
}
