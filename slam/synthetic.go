package slam

import (
	"math"
	"math/rand"
	"sort"
)

// SceneConfig describes a generated sequence.
type SceneConfig struct {
	Frames     int     `json:"frames"`
	Landmarks  int     `json:"landmarks"`
	Seed       int64   `json:"seed"`
	Noise      float64 `json:"noise"` // pixel standard deviation
	Rotational bool    `json:"rotational"`
	Camera     Camera  `json:"camera"`
}

// Scene is a generated sequence with its ground truth.
type Scene struct {
	Camera    Camera
	Poses     []Pose
	Landmarks map[LandmarkID]Point
	DB        *Database
}

// GenerateScene creates a deterministic sequence. A translating camera
// moves along +X in steps of 0.5 looking at landmarks scattered in a band
// to its left; a rotating camera turns in place at the origin, 0.03 rad per
// frame, inside a ring of landmarks. The database holds only observations.
func GenerateScene(cfg SceneConfig) *Scene {
	if cfg.Camera.Width == 0 {
		cfg.Camera = NewCameraFromFov(640, 90)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	scene := &Scene{
		Camera:    cfg.Camera,
		Poses:     make([]Pose, cfg.Frames),
		Landmarks: make(map[LandmarkID]Point, cfg.Landmarks),
		DB:        NewDatabase(cfg.Frames),
	}

	span := float64(max(cfg.Frames-1, 0))
	for f := range scene.Poses {
		if cfg.Rotational {
			scene.Poses[f] = Pose{Theta: 0.03 * float64(f)}
		} else {
			scene.Poses[f] = Pose{X: 0.5 * float64(f), Theta: math.Pi / 2}
		}
	}

	for i := 0; i < cfg.Landmarks; i++ {
		var p Point
		if cfg.Rotational {
			angle := -1.0 + rng.Float64()*(0.03*span+2)
			r := 5 + rng.Float64()*10
			p = Point{X: r * math.Cos(angle), Y: r * math.Sin(angle)}
		} else {
			p = Point{X: -8 + rng.Float64()*(0.5*span+16), Y: 4 + rng.Float64()*8}
		}
		id := LandmarkID(i)
		scene.Landmarks[id] = p

		for f, pose := range scene.Poses {
			u, ok := scene.Camera.Project(pose, p)
			if !ok || !scene.Camera.IsInside(u) {
				continue
			}
			if cfg.Noise > 0 {
				u += rng.NormFloat64() * cfg.Noise
			}
			_ = scene.DB.AddObservation(f, id, u)
		}
	}
	return scene
}

// Bootstrap copies the true poses of [lower, upper] into the database, and
// the true positions of the landmarks seen at least twice in that range and
// accepted by keep. A nil keep accepts every landmark. It returns the ids of
// the positioned landmarks.
func (s *Scene) Bootstrap(lower, upper int, keep func(LandmarkID) bool) []LandmarkID {
	for f := max(lower, 0); f <= upper && f < len(s.Poses); f++ {
		_ = s.DB.SetPose(f, s.Poses[f])
	}
	var ids []LandmarkID
	for id, p := range s.Landmarks {
		if keep != nil && !keep(id) {
			continue
		}
		if len(s.DB.Observations(id, lower, upper)) < 2 {
			continue
		}
		s.DB.SetLandmark(id, p)
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
