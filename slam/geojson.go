package slam

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// Layer types written into the "layerType" property of exported features.
const (
	LayerTrajectory = "trajectory"
	LayerLandmarks  = "landmarks"
	LayerKeyFrame   = "keyframe"
)

// ExportOptions controls GeoJSON export of a tracked sequence.
type ExportOptions struct {
	SequenceID string
	Color      string
	Lower      int
	Upper      int
	// SimplifyTolerance is the Douglas-Peucker tolerance applied to the
	// trajectory in world units; 0 keeps every pose.
	SimplifyTolerance float64
	KeyFrames         int
}

// trajectoryRuns splits the valid poses in [lower, upper] into line strings,
// breaking wherever a pose is invalid. Runs of a single pose are dropped.
func trajectoryRuns(db *Database, lower, upper int) orb.MultiLineString {
	var runs orb.MultiLineString
	var current orb.LineString
	flush := func() {
		if len(current) >= 2 {
			runs = append(runs, current)
		}
		current = nil
	}
	for f := max(lower, 0); f <= upper && f < db.Frames(); f++ {
		pose, ok := db.Pose(f)
		if !ok {
			flush()
			continue
		}
		current = append(current, orb.Point{pose.X, pose.Y})
	}
	flush()
	return runs
}

// TrajectoryLength returns the travelled distance over the valid pose runs
// in [lower, upper].
func TrajectoryLength(db *Database, lower, upper int) float64 {
	return planar.Length(trajectoryRuns(db, lower, upper))
}

// ExportGeoJSON converts the poses, landmarks and key frames of db into a
// feature collection.
func ExportGeoJSON(db *Database, opts ExportOptions) (*geojson.FeatureCollection, error) {
	if db == nil {
		return nil, fmt.Errorf("export geojson: database is nil")
	}
	lower, upper := opts.Lower, opts.Upper
	if upper <= 0 || upper >= db.Frames() {
		upper = db.Frames() - 1
	}
	if lower < 0 {
		lower = 0
	}
	color := opts.Color
	if color == "" {
		color = DefaultColor
	}

	fc := geojson.NewFeatureCollection()
	props := func(f *geojson.Feature, layer string) *geojson.Feature {
		f.Properties["sequenceId"] = opts.SequenceID
		f.Properties["layerType"] = layer
		f.Properties["color"] = color
		return f
	}

	runs := trajectoryRuns(db, lower, upper)
	if len(runs) > 0 {
		length := planar.Length(runs)
		if opts.SimplifyTolerance > 0 {
			runs = simplify.DouglasPeucker(opts.SimplifyTolerance).Simplify(runs.Clone()).(orb.MultiLineString)
		}
		f := props(geojson.NewFeature(runs), LayerTrajectory)
		f.Properties["length"] = length
		f.Properties["lower"] = lower
		f.Properties["upper"] = upper
		fc.Append(f)
	}

	var landmarks orb.MultiPoint
	for _, id := range db.LandmarkIDs(true) {
		p, _ := db.Landmark(id)
		landmarks = append(landmarks, orb.Point{p.X, p.Y})
	}
	if len(landmarks) > 0 {
		f := props(geojson.NewFeature(landmarks), LayerLandmarks)
		f.Properties["count"] = len(landmarks)
		fc.Append(f)
	}

	if opts.KeyFrames > 0 {
		for _, frame := range SelectKeyFrames(db, lower, upper, opts.KeyFrames, nil) {
			pose, _ := db.Pose(frame)
			f := props(geojson.NewFeature(orb.Point{pose.X, pose.Y}), LayerKeyFrame)
			f.Properties["frame"] = frame
			f.Properties["heading"] = math.Round(pose.Theta*180/math.Pi*100) / 100
			f.Properties["observations"] = db.ObservationCount(frame)
			fc.Append(f)
		}
	}

	return fc, nil
}

// Bounds returns the bounding box of every feature in fc, or false when
// the collection has no geometry.
func Bounds(fc *geojson.FeatureCollection) (orb.Bound, bool) {
	var b orb.Bound
	found := false
	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		if !found {
			b = f.Geometry.Bound()
			found = true
			continue
		}
		b = b.Union(f.Geometry.Bound())
	}
	return b, found
}
