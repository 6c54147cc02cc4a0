// Package pipette holds the mechanical description of each pipette model and
// the per-mount state of an attached instrument.
package pipette

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/deckbot/internal/pose"
)

const (
	nozzleSpacing  = 9.0
	multiNozzles   = 8
	zOffsetMulti   = -25.8
	aspirateSecs   = 2.0
	dispenseSecs   = 1.0
	maxConfigBytes = 1 * 1024 * 1024
)

// YOffsetMulti is the distance from the first nozzle of a multi-channel
// pipette to its centre line.
const YOffsetMulti = (multiNozzles - 1) * nozzleSpacing / 2

// ErrUnknownModel is returned for a model name with no configuration.
var ErrUnknownModel = errors.New("unknown pipette model")

// PlungerPositions are plunger axis positions in mm.
type PlungerPositions struct {
	Top     float64 `json:"top"`
	Bottom  float64 `json:"bottom"`
	BlowOut float64 `json:"blowOut"`
	DropTip float64 `json:"dropTip"`
}

// Config describes one pipette model.
type Config struct {
	Name             string           `json:"name"`
	PlungerPositions PlungerPositions `json:"plungerPositions"`
	PickUpCurrent    float64          `json:"pickUpCurrent"`
	AspirateFlowRate float64          `json:"aspirateFlowRate"`
	DispenseFlowRate float64          `json:"dispenseFlowRate"`
	ULPerMM          float64          `json:"ulPerMm"`
	Channels         int              `json:"channels"`
	ModelOffset      [3]float64       `json:"modelOffset"`
	PlungerCurrent   float64          `json:"plungerCurrent"`
	DropTipCurrent   float64          `json:"dropTipCurrent"`
	TipLength        float64          `json:"tipLength"`
}

// Offset returns the model offset as a point.
func (c Config) Offset() pose.Point {
	return pose.Point{X: c.ModelOffset[0], Y: c.ModelOffset[1], Z: c.ModelOffset[2]}
}

// MultiChannel reports whether the model has more than one nozzle.
func (c Config) MultiChannel() bool { return c.Channels > 1 }

func single(volume, ulPerMM, zOffset, pickUp, plunger, tip float64, pos PlungerPositions) Config {
	return Config{
		PlungerPositions: pos,
		PickUpCurrent:    pickUp,
		AspirateFlowRate: volume / aspirateSecs,
		DispenseFlowRate: volume / dispenseSecs,
		ULPerMM:          ulPerMM,
		Channels:         1,
		ModelOffset:      [3]float64{0, 0, zOffset},
		PlungerCurrent:   plunger,
		DropTipCurrent:   0.5,
		TipLength:        tip,
	}
}

func multi(volume, ulPerMM, pickUp, tip float64, pos PlungerPositions) Config {
	return Config{
		PlungerPositions: pos,
		PickUpCurrent:    pickUp,
		AspirateFlowRate: volume / aspirateSecs,
		DispenseFlowRate: volume / dispenseSecs,
		ULPerMM:          ulPerMM,
		Channels:         multiNozzles,
		ModelOffset:      [3]float64{0, YOffsetMulti, zOffsetMulti},
		PlungerCurrent:   0.5,
		DropTipCurrent:   0.5,
		TipLength:        tip,
	}
}

// builtin holds the factory configuration of every supported model.
var builtin = map[string]Config{
	"p10_single_v1":   single(10, 0.77, -13, 0.1, 0.3, 33, PlungerPositions{19, 2.5, -0.5, -4}),
	"p10_multi_v1":    multi(10, 0.77, 0.2, 33, PlungerPositions{19, 4, 1, -4.5}),
	"p50_single_v1":   single(50, 3.35, 0, 0.1, 0.3, 51.7, PlungerPositions{19, 2.5, 2, -5}),
	"p50_multi_v1":    multi(50, 3.35, 0.3, 51.7, PlungerPositions{19, 2.5, 2, -4}),
	"p300_single_v1":  single(300, 18.7, 0, 0.1, 0.3, 51.7, PlungerPositions{19, 2.5, 1, -5}),
	"p300_multi_v1":   multi(300, 19, 0.3, 51.7, PlungerPositions{19, 3, 1, -3.5}),
	"p1000_single_v1": single(1000, 65, 20, 0.1, 0.5, 76.7, PlungerPositions{19, 3, 1, -5}),
}

// Models returns the names of every supported model, sorted.
func Models() []string {
	out := make([]string, 0, len(builtin))
	for name := range builtin {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry resolves model names to configurations, applying overrides loaded
// from a settings file on top of the factory values.
type Registry struct {
	overrides map[string]json.RawMessage
}

// NewRegistry returns a registry with no overrides.
func NewRegistry() *Registry {
	return &Registry{overrides: map[string]json.RawMessage{}}
}

// LoadOverrides reads a JSON object keyed by model name. Each value may set
// any subset of the Config fields; the rest keep their factory values.
func LoadOverrides(path string) (*Registry, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("pipette settings must have .json extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat pipette settings: %w", err)
	}
	if info.Size() > maxConfigBytes {
		return nil, fmt.Errorf("pipette settings too large: %d bytes (max %d)", info.Size(), maxConfigBytes)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipette settings: %w", err)
	}
	r := NewRegistry()
	if err := json.Unmarshal(data, &r.overrides); err != nil {
		return nil, fmt.Errorf("failed to parse pipette settings: %w", err)
	}
	for model := range r.overrides {
		if _, ok := builtin[model]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
		}
	}
	return r, nil
}

// Load returns the configuration of model.
func (r *Registry) Load(model string) (Config, error) {
	cfg, ok := builtin[model]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	cfg.Name = model
	if r == nil {
		return cfg, nil
	}
	if raw, ok := r.overrides[model]; ok {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("override for %s: %w", model, err)
		}
		cfg.Name = model
	}
	return cfg, nil
}

// Kind is "single" or "multi".
type Kind string

const (
	Single Kind = "single"
	Multi  Kind = "multi"
)

// ModelID is the parsed form of a model name such as "p300_multi_v1".
type ModelID struct {
	Volume  int
	Kind    Kind
	Version int
}

func (m ModelID) String() string {
	return fmt.Sprintf("p%d_%s_v%d", m.Volume, m.Kind, m.Version)
}

// ParseModel parses a model name as written to the instrument's memory.
func ParseModel(s string) (ModelID, error) {
	var id ModelID
	parts := strings.Split(strings.TrimSpace(s), "_")
	if len(parts) != 3 {
		return id, fmt.Errorf("%w: %q", ErrUnknownModel, s)
	}
	if _, err := fmt.Sscanf(parts[0], "p%d", &id.Volume); err != nil {
		return id, fmt.Errorf("%w: %q: volume: %v", ErrUnknownModel, s, err)
	}
	switch Kind(parts[1]) {
	case Single, Multi:
		id.Kind = Kind(parts[1])
	default:
		return id, fmt.Errorf("%w: %q: kind %q", ErrUnknownModel, s, parts[1])
	}
	if _, err := fmt.Sscanf(parts[2], "v%d", &id.Version); err != nil {
		return id, fmt.Errorf("%w: %q: version: %v", ErrUnknownModel, s, err)
	}
	if _, ok := builtin[id.String()]; !ok {
		return id, fmt.Errorf("%w: %q", ErrUnknownModel, s)
	}
	return id, nil
}
