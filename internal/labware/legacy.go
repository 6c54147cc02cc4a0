package labware

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type legacyPoint struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

type legacyWell struct {
	legacyPoint `yaml:",inline"`
	Depth       float64 `yaml:"depth"`
	Diameter    float64 `yaml:"diameter"`
}

type legacyFile struct {
	Type         string                `yaml:"type"`
	OriginOffset legacyPoint           `yaml:"origin-offset"`
	Height       float64               `yaml:"height"`
	Locations    map[string]legacyWell `yaml:"locations"`
}

// LegacySource reads definitions written by the previous generation of the
// software: one YAML file per labware, wells keyed by name, coordinates in
// the old deck orientation.
type LegacySource struct {
	fsys fs.FS
}

// NewLegacySource reads legacy files from dir.
func NewLegacySource(dir string) *LegacySource {
	return &LegacySource{fsys: os.DirFS(dir)}
}

// NewLegacySourceFS reads legacy files from fsys.
func NewLegacySourceFS(fsys fs.FS) *LegacySource {
	return &LegacySource{fsys: fsys}
}

// Load parses <name>.yaml and returns the definition unrotated.
func (s *LegacySource) Load(_ context.Context, name string) (Definition, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return Definition{}, fmt.Errorf("invalid labware name %q", name)
	}
	data, err := fs.ReadFile(s.fsys, name+".yaml")
	if errors.Is(err, fs.ErrNotExist) {
		data, err = fs.ReadFile(s.fsys, name+".yml")
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Definition{}, fmt.Errorf("failed to read legacy labware %s: %w", name, err)
	}
	return parseLegacy(name, data)
}

func parseLegacy(name string, data []byte) (Definition, error) {
	var f legacyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Definition{}, fmt.Errorf("failed to parse legacy labware %s: %w", name, err)
	}
	def := Definition{
		Name:   name,
		Type:   f.Type,
		Height: f.Height,
	}
	if def.Type == "" {
		def.Type = name
	}
	def.Origin.X, def.Origin.Y, def.Origin.Z = f.OriginOffset.X, f.OriginOffset.Y, f.OriginOffset.Z

	names := make([]string, 0, len(f.Locations))
	for n := range f.Locations {
		names = append(names, n)
	}
	sortWellNames(names)
	for _, n := range names {
		w := f.Locations[n]
		def.Wells = append(def.Wells, Well{
			Name: n, X: w.X, Y: w.Y, Z: w.Z, Depth: w.Depth, Diameter: w.Diameter,
		})
		if def.Height < w.Depth {
			def.Height = w.Depth
		}
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// sortWellNames orders names column-major ("A1", "B1", ..., "A2"), the order
// wells are addressed in. Names that don't split into row letters and a
// column number sort after, lexically.
func sortWellNames(names []string) {
	type key struct {
		row string
		col int
		ok  bool
	}
	parse := func(s string) key {
		i := strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
		if i <= 0 {
			return key{}
		}
		col, err := strconv.Atoi(s[i:])
		if err != nil {
			return key{}
		}
		return key{row: strings.ToUpper(s[:i]), col: col, ok: true}
	}
	sort.SliceStable(names, func(i, j int) bool {
		a, b := parse(names[i]), parse(names[j])
		switch {
		case a.ok != b.ok:
			return a.ok
		case !a.ok:
			return names[i] < names[j]
		case a.col != b.col:
			return a.col < b.col
		case len(a.row) != len(b.row):
			return len(a.row) < len(b.row)
		default:
			return a.row < b.row
		}
	})
}

// RotateLegacy turns a legacy definition into the current deck orientation.
// The old deck ran rows along x; the current one runs them along y, so each
// well is rotated a quarter turn and shifted back into positive coordinates:
// (x, y) becomes (y, width - x) where width is the largest legacy x.
func RotateLegacy(def Definition) Definition {
	out := def
	out.Wells = make([]Well, len(def.Wells))
	var width float64
	for _, w := range def.Wells {
		if w.X > width {
			width = w.X
		}
	}
	for i, w := range def.Wells {
		w.X, w.Y = w.Y, width-w.X
		out.Wells[i] = w
	}
	return out
}
