package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/deckbot/internal/pose"
	"github.com/banshee-data/deckbot/internal/serialmux"
	"github.com/banshee-data/deckbot/internal/smoothie"
)

// DefaultConfigPath is where deckbot looks for the robot configuration when
// no --config flag is given.
const DefaultConfigPath = "config/robot.json"

const maxConfigSize = 1 * 1024 * 1024 // 1MB

// RobotConfig is the on-disk machine configuration. Scalar fields are
// pointers so a partial file keeps defaults for everything it omits; the
// Get* methods resolve them.
type RobotConfig struct {
	Name *string `json:"name,omitempty"`

	// Controller link
	SerialPort     *string `json:"serial_port,omitempty"`
	BaudRate       *int    `json:"baud_rate,omitempty"`
	AckTimeout     *string `json:"ack_timeout,omitempty"`     // duration string like "30s"
	StabilizeDelay *string `json:"stabilize_delay,omitempty"` // duration string like "100ms"
	RetryBudget    *int    `json:"retry_budget,omitempty"`

	// Motors, keyed by axis letter. Missing axes keep factory values.
	ActiveCurrent   map[string]float64 `json:"active_current,omitempty"`
	DwellingCurrent map[string]float64 `json:"dwelling_current,omitempty"`
	HomedPosition   map[string]float64 `json:"homed_position,omitempty"`
	DefaultSpeed    *float64           `json:"default_speed,omitempty"`

	// Geometry
	GantryCalibration *[4][4]float64                   `json:"gantry_calibration,omitempty"`
	MountOffset       *[3]float64                      `json:"mount_offset,omitempty"`
	InstrumentOffset  map[string]map[string][3]float64 `json:"instrument_offset,omitempty"`
	ProbeCenter       *[3]float64                      `json:"probe_center,omitempty"`

	// Deck
	TrashLabware *string `json:"trash_labware,omitempty"`

	// Storage
	DatabasePath     *string `json:"database_path,omitempty"`
	PipetteSettings  *string `json:"pipette_settings,omitempty"`
	LegacyLabwareDir *string `json:"legacy_labware_dir,omitempty"`
}

// EmptyRobotConfig returns a config with every field unset.
func EmptyRobotConfig() *RobotConfig {
	return &RobotConfig{}
}

// LoadRobotConfig loads a RobotConfig from a JSON file. The file must have a
// .json extension and be under 1MB. Omitted fields keep their defaults.
func LoadRobotConfig(path string) (*RobotConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRobotConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validAxis(ax string) bool {
	return len(ax) == 1 && strings.Contains(smoothie.Axes, strings.ToUpper(ax))
}

func validateAxisMap(field string, m map[string]float64, allowNegative bool) error {
	for ax, v := range m {
		if !validAxis(ax) {
			return fmt.Errorf("%s: unknown axis %q", field, ax)
		}
		if v < 0 && !allowNegative {
			return fmt.Errorf("%s: axis %s must be non-negative, got %v", field, ax, v)
		}
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *RobotConfig) Validate() error {
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if c.RetryBudget != nil && *c.RetryBudget < 1 {
		return fmt.Errorf("retry_budget must be at least 1, got %d", *c.RetryBudget)
	}
	if c.DefaultSpeed != nil && *c.DefaultSpeed <= 0 {
		return fmt.Errorf("default_speed must be positive, got %v", *c.DefaultSpeed)
	}
	for name, s := range map[string]*string{"ack_timeout": c.AckTimeout, "stabilize_delay": c.StabilizeDelay} {
		if s == nil || *s == "" {
			continue
		}
		if _, err := time.ParseDuration(*s); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
		}
	}
	if err := validateAxisMap("active_current", c.ActiveCurrent, false); err != nil {
		return err
	}
	if err := validateAxisMap("dwelling_current", c.DwellingCurrent, false); err != nil {
		return err
	}
	if err := validateAxisMap("homed_position", c.HomedPosition, true); err != nil {
		return err
	}
	if c.GantryCalibration != nil {
		if _, err := pose.FromRows(*c.GantryCalibration).Inverse(); err != nil {
			return fmt.Errorf("gantry_calibration: %w", err)
		}
	}
	for mount, kinds := range c.InstrumentOffset {
		if mount != "left" && mount != "right" {
			return fmt.Errorf("instrument_offset: unknown mount %q", mount)
		}
		for kind := range kinds {
			if kind != "single" && kind != "multi" {
				return fmt.Errorf("instrument_offset.%s: unknown pipette kind %q", mount, kind)
			}
		}
	}
	return nil
}

func duration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func withDefaults(def, override map[string]float64) map[string]float64 {
	out := maps.Clone(def)
	for ax, v := range override {
		out[strings.ToUpper(ax)] = v
	}
	return out
}

// GetName returns the robot name or "deckbot".
func (c *RobotConfig) GetName() string {
	if c.Name == nil || *c.Name == "" {
		return "deckbot"
	}
	return *c.Name
}

// GetSerialPort returns the controller device path, empty if unset.
func (c *RobotConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// GetAckTimeout returns how long a command may wait for its acknowledgement.
func (c *RobotConfig) GetAckTimeout() time.Duration {
	return duration(c.AckTimeout, serialmux.DefaultAckTimeout)
}

// PortOptions returns the serial settings for the controller.
func (c *RobotConfig) PortOptions() serialmux.PortOptions {
	opts := serialmux.PortOptions{
		Path:       c.GetSerialPort(),
		BaudRate:   serialmux.DefaultBaudRate,
		AckTimeout: c.GetAckTimeout(),
	}
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	return opts
}

// DriverConfig returns the controller tuning with defaults filled in.
func (c *RobotConfig) DriverConfig() smoothie.Config {
	def := smoothie.DefaultConfig()
	cfg := smoothie.Config{
		ActiveCurrent:   withDefaults(def.ActiveCurrent, c.ActiveCurrent),
		DwellingCurrent: withDefaults(def.DwellingCurrent, c.DwellingCurrent),
		HomedPosition:   withDefaults(def.HomedPosition, c.HomedPosition),
		DefaultSpeed:    def.DefaultSpeed,
		AckTimeout:      c.GetAckTimeout(),
		StabilizeDelay:  duration(c.StabilizeDelay, def.StabilizeDelay),
		RetryBudget:     def.RetryBudget,
	}
	if c.DefaultSpeed != nil {
		cfg.DefaultSpeed = *c.DefaultSpeed
	}
	if c.RetryBudget != nil {
		cfg.RetryBudget = *c.RetryBudget
	}
	return cfg
}

// GetGantryCalibration returns the deck-to-machine transform, identity when
// unset.
func (c *RobotConfig) GetGantryCalibration() pose.Transform {
	if c.GantryCalibration == nil {
		return pose.Identity()
	}
	return pose.FromRows(*c.GantryCalibration)
}

// SetGantryCalibration replaces the deck-to-machine transform.
func (c *RobotConfig) SetGantryCalibration(t pose.Transform) {
	rows := t.Rows()
	c.GantryCalibration = &rows
}

// GetMountOffset returns the offset of the left mount from the right one.
func (c *RobotConfig) GetMountOffset() pose.Point {
	if c.MountOffset == nil {
		return pose.Point{X: -34, Y: 0, Z: 0}
	}
	m := *c.MountOffset
	return pose.Point{X: m[0], Y: m[1], Z: m[2]}
}

// GetInstrumentOffset returns the measured offset of a pipette kind
// ("single" or "multi") on mount. Only x and y are meaningful; z is folded
// into the tip length by the tip probe.
func (c *RobotConfig) GetInstrumentOffset(mount, kind string) pose.Point {
	o, ok := c.InstrumentOffset[mount][kind]
	if !ok {
		return pose.Point{}
	}
	return pose.Point{X: o[0], Y: o[1], Z: o[2]}
}

// SetInstrumentOffset records the measured offset of a pipette kind.
func (c *RobotConfig) SetInstrumentOffset(mount, kind string, p pose.Point) {
	if c.InstrumentOffset == nil {
		c.InstrumentOffset = make(map[string]map[string][3]float64)
	}
	if c.InstrumentOffset[mount] == nil {
		c.InstrumentOffset[mount] = make(map[string][3]float64)
	}
	c.InstrumentOffset[mount][kind] = [3]float64{p.X, p.Y, p.Z}
}

// GetProbeCenter returns the deck position of the tip probe.
func (c *RobotConfig) GetProbeCenter() pose.Point {
	if c.ProbeCenter == nil {
		return pose.Point{X: 295, Y: 300, Z: 55}
	}
	p := *c.ProbeCenter
	return pose.Point{X: p[0], Y: p[1], Z: p[2]}
}

// GetTrashLabware returns the labware placed in the trash slot.
func (c *RobotConfig) GetTrashLabware() string {
	if c.TrashLabware == nil || *c.TrashLabware == "" {
		return "tall-fixed-trash"
	}
	return *c.TrashLabware
}

// GetDatabasePath returns the sqlite file holding calibration and labware.
func (c *RobotConfig) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "deckbot.db"
	}
	return *c.DatabasePath
}

// GetPipetteSettings returns the pipette override file, empty if unset.
func (c *RobotConfig) GetPipetteSettings() string {
	if c.PipetteSettings == nil {
		return ""
	}
	return *c.PipetteSettings
}

// GetLegacyLabwareDir returns the directory of legacy labware files, empty
// if unset.
func (c *RobotConfig) GetLegacyLabwareDir() string {
	if c.LegacyLabwareDir == nil {
		return ""
	}
	return *c.LegacyLabwareDir
}

// Clone returns a deep copy.
func (c *RobotConfig) Clone() *RobotConfig {
	data, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("config: clone: %v", err))
	}
	out := EmptyRobotConfig()
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("config: clone: %v", err))
	}
	return out
}
