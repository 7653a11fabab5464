package slam

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPublishPrefix is used when neither the config nor MQTT_PUBLISH_PREFIX name one.
const DefaultPublishPrefix = "tudoslam"

// LoadConfig loads the configuration from a YAML file, validates it and
// fills tracker defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.Tracker.ApplyDefaults()
	if config.MQTT.PublishPrefix == "" {
		config.MQTT.PublishPrefix = DefaultPublishPrefix
	}

	return &config, nil
}

// Validate checks required fields. MQTT is optional; the broker may also
// come from the environment.
func (c *Config) Validate() error {
	if _, err := CameraFromConfig(c.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	if len(c.Sequences) == 0 {
		return fmt.Errorf("at least one sequence must be defined")
	}

	seen := make(map[string]bool, len(c.Sequences))
	for i, sc := range c.Sequences {
		if sc.ID == "" {
			return fmt.Errorf("sequence[%d].id is required", i)
		}
		if seen[sc.ID] {
			return fmt.Errorf("sequence[%d].id %q is duplicated", i, sc.ID)
		}
		seen[sc.ID] = true
		if sc.Path == "" && (sc.ApiURL == nil || *sc.ApiURL == "") {
			return fmt.Errorf("sequence[%d].path or apiUrl is required for %s", i, sc.ID)
		}
		if sc.Lower != nil && sc.Upper != nil && *sc.Lower > *sc.Upper {
			return fmt.Errorf("sequence[%d] %s: lower %d exceeds upper %d", i, sc.ID, *sc.Lower, *sc.Upper)
		}
	}

	if err := c.Tracker.Validate(); err != nil {
		return fmt.Errorf("tracker: %w", err)
	}
	return nil
}

// SequenceIDs returns the configured sequence IDs in file order.
func (c *Config) SequenceIDs() []string {
	ids := make([]string, len(c.Sequences))
	for i, sc := range c.Sequences {
		ids[i] = sc.ID
	}
	return ids
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// FrameRange is an inclusive frame interval.
type FrameRange struct {
	Lower int
	Upper int
}

// ParseRangeOverrides parses the --range CLI flag.
// Format: "SEQ_ID=LOWER:UPPER,SEQ_ID2=LOWER2:UPPER2". Malformed entries are skipped.
func ParseRangeOverrides(spec string) map[string]FrameRange {
	ranges := make(map[string]FrameRange)

	for _, entry := range strings.Split(spec, ",") {
		id, bounds, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || id == "" {
			continue
		}
		lo, hi, ok := strings.Cut(bounds, ":")
		if !ok {
			continue
		}
		lower, err1 := strconv.Atoi(lo)
		upper, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || lower > upper {
			continue
		}
		ranges[id] = FrameRange{Lower: lower, Upper: upper}
	}

	return ranges
}

// ApplyRangeOverrides sets the frame range of every sequence named in ranges.
func (c *Config) ApplyRangeOverrides(ranges map[string]FrameRange) {
	for i := range c.Sequences {
		r, ok := ranges[c.Sequences[i].ID]
		if !ok {
			continue
		}
		lower, upper := r.Lower, r.Upper
		c.Sequences[i].Lower = &lower
		c.Sequences[i].Upper = &upper
	}
}
