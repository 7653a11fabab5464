package slam

import (
	"github.com/kwv/tudoslam/extend"
)

// Point represents a 2D coordinate in world units
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AffineMatrix for 2D transforms: x' = ax + by + tx, y' = cx + dy + ty
type AffineMatrix struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	Tx float64 `json:"tx"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	Ty float64 `json:"ty"`
}

// Identity returns an identity matrix (no transformation)
func Identity() AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: 0, C: 0, D: 1, Ty: 0}
}

// LandmarkID identifies a landmark. Landmarks are the confirmed items of
// the landmark extension controller.
type LandmarkID = extend.ItemID

// Observation is one sighting of a landmark: the horizontal image coordinate
// in a frame.
type Observation struct {
	Frame    int        `json:"frame"`
	Landmark LandmarkID `json:"landmark"`
	U        float64    `json:"u"`
}

// Config represents the full configuration file
type Config struct {
	MQTT      MQTTConfig       `yaml:"mqtt" json:"mqtt"`
	Camera    CameraConfig     `yaml:"camera" json:"camera"`
	Tracker   TrackerConfig    `yaml:"tracker" json:"tracker"`
	Sequences []SequenceConfig `yaml:"sequences" json:"sequences"`
	DataDir   string           `yaml:"dataDir,omitempty" json:"dataDir,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// CameraConfig describes the default line camera
type CameraConfig struct {
	Width       int     `yaml:"width" json:"width"`
	FocalLength float64 `yaml:"focalLength,omitempty" json:"focalLength,omitempty"`
	FovX        float64 `yaml:"fovX,omitempty" json:"fovX,omitempty"` // degrees, used when focalLength is unset
}

// SequenceConfig defines one recorded sequence to stabilise
type SequenceConfig struct {
	ID     string  `yaml:"id" json:"id"`
	Path   string  `yaml:"path,omitempty" json:"path,omitempty"`     // local dataset file
	ApiURL *string `yaml:"apiUrl,omitempty" json:"apiUrl,omitempty"` // optional URL to fetch the dataset from
	Color  string  `yaml:"color,omitempty" json:"color,omitempty"`
	Lower  *int    `yaml:"lower,omitempty" json:"lower,omitempty"` // optional frame range
	Upper  *int    `yaml:"upper,omitempty" json:"upper,omitempty"`

	// OptimizeCamera refines the focal length after the landmarks are extended.
	OptimizeCamera bool `yaml:"optimizeCamera,omitempty" json:"optimizeCamera,omitempty"`
}

// GetSequenceByID returns the sequence config for the given ID
func (c *Config) GetSequenceByID(id string) *SequenceConfig {
	for i := range c.Sequences {
		if c.Sequences[i].ID == id {
			return &c.Sequences[i]
		}
	}
	return nil
}

// FrameRange returns the configured range clamped to [0, frames).
func (sc *SequenceConfig) FrameRange(frames int) (int, int) {
	lower, upper := 0, frames-1
	if sc.Lower != nil && *sc.Lower > lower {
		lower = *sc.Lower
	}
	if sc.Upper != nil && *sc.Upper < upper {
		upper = *sc.Upper
	}
	return lower, upper
}
