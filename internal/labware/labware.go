// Package labware describes the containers placed on the deck and resolves
// them by name, migrating definitions from the legacy on-disk format when the
// current store does not know a name yet.
package labware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/deckbot/internal/pose"
)

// ErrNotFound is returned by a Catalog for an unknown labware name.
var ErrNotFound = errors.New("labware not found")

// Well is one addressable location inside a labware. Coordinates are the
// well top relative to the labware origin.
type Well struct {
	Name     string  `json:"name" yaml:"name"`
	X        float64 `json:"x" yaml:"x"`
	Y        float64 `json:"y" yaml:"y"`
	Z        float64 `json:"z" yaml:"z"`
	Depth    float64 `json:"depth" yaml:"depth"`
	Diameter float64 `json:"diameter,omitempty" yaml:"diameter,omitempty"`
}

// Point returns the well position relative to the labware origin.
func (w Well) Point() pose.Point { return pose.Point{X: w.X, Y: w.Y, Z: w.Z} }

// Definition is the dimensional data of one labware type.
type Definition struct {
	Name string `json:"name"`
	// Type tags the geometry family, e.g. "96-flat", "trough-12row", "tiprack".
	Type string `json:"type"`
	// Origin is the labware origin relative to its slot. A zero Z means the
	// origin sits at Height.
	Origin pose.Point `json:"origin"`
	Height float64    `json:"height"`
	Wells  []Well     `json:"wells"`
}

// OriginPoint returns the origin with Z inferred from Height when unset.
func (d Definition) OriginPoint() pose.Point {
	p := d.Origin
	if p.Z == 0 {
		p.Z = d.Height
	}
	return p
}

// Well returns the named well.
func (d Definition) Well(name string) (Well, bool) {
	for _, w := range d.Wells {
		if strings.EqualFold(w.Name, name) {
			return w, true
		}
	}
	return Well{}, false
}

// IsTrough reports whether wells are long reservoirs a multi-channel
// pipette enters with all nozzles at once.
func (d Definition) IsTrough() bool { return strings.Contains(d.Type+" "+d.Name, "trough") }

// IsTiprack reports whether the labware holds tips.
func (d Definition) IsTiprack() bool { return strings.Contains(d.Type+" "+d.Name, "tiprack") }

// Validate checks that a definition can be placed on the deck.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("labware name is required")
	}
	if len(d.Wells) == 0 {
		return fmt.Errorf("labware %s has no wells", d.Name)
	}
	if d.Height < 0 {
		return fmt.Errorf("labware %s has negative height %v", d.Name, d.Height)
	}
	seen := make(map[string]bool, len(d.Wells))
	for _, w := range d.Wells {
		key := strings.ToUpper(w.Name)
		if key == "" {
			return fmt.Errorf("labware %s has a well without a name", d.Name)
		}
		if seen[key] {
			return fmt.Errorf("labware %s has duplicate well %s", d.Name, w.Name)
		}
		seen[key] = true
	}
	return nil
}

// Catalog resolves labware names to definitions.
type Catalog interface {
	Load(ctx context.Context, name string) (Definition, error)
}

// Store is a Catalog that can also persist definitions.
type Store interface {
	Catalog
	Save(ctx context.Context, def Definition) error
}
