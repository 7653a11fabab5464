package slam

import (
	"github.com/kwv/tudoslam/succession"
)

// SelectKeyFrames picks count frames with valid poses within [lower, upper]
// whose poses are spread as widely as possible. Frames in keep are always
// selected first, in the given order, even beyond count. The remaining picks
// follow the farthest-point succession over PoseToPoint vectors.
func SelectKeyFrames(db *Database, lower, upper, count int, keep []int) []int {
	var frames []int
	var points [][]float64
	index := make(map[int]int)
	for f := max(lower, 0); f <= upper && f < db.Frames(); f++ {
		pose, ok := db.Pose(f)
		if !ok {
			continue
		}
		index[f] = len(frames)
		frames = append(frames, f)
		points = append(points, PoseToPoint(pose))
	}
	if len(frames) == 0 || count <= 0 {
		return nil
	}

	subset, err := succession.NewFromObjects(points)
	if err != nil {
		return nil
	}
	for _, f := range keep {
		if i, ok := index[f]; ok {
			subset.IncrementSubsetAt(i)
		}
	}

	picked := subset.SubsetOfSize(count)
	out := make([]int, len(picked))
	for i, idx := range picked {
		out[i] = frames[idx]
	}
	return out
}
