package labware

import "fmt"

// Names of the definitions shipped with the robot.
const (
	TallFixedTrash = "tall-fixed-trash"
	FixedTrash     = "fixed-trash"
	Flat96         = "96-flat"
	Tiprack300     = "opentrons-tiprack-300ul"
	Trough12Row    = "trough-12row"
)

// grid lays out rows x cols wells at pitch mm, A1 at (x0, y0) and rows
// running towards -y.
func grid(rows, cols int, x0, y0, pitch, depth, diameter float64) []Well {
	wells := make([]Well, 0, rows*cols)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			wells = append(wells, Well{
				Name:     fmt.Sprintf("%c%d", 'A'+r, c+1),
				X:        x0 + float64(c)*pitch,
				Y:        y0 - float64(r)*pitch,
				Depth:    depth,
				Diameter: diameter,
			})
		}
	}
	return wells
}

// Builtin returns the factory labware definitions.
func Builtin() []Definition {
	return []Definition{
		{
			Name:   TallFixedTrash,
			Type:   "fixed-trash",
			Height: 80,
			Wells:  []Well{{Name: "A1", X: 82.84, Y: 80, Depth: 80}},
		},
		{
			Name:   FixedTrash,
			Type:   "fixed-trash",
			Height: 58,
			Wells:  []Well{{Name: "A1", X: 82.84, Y: 80, Depth: 58}},
		},
		{
			Name:   Flat96,
			Type:   Flat96,
			Height: 10.5,
			Wells:  grid(8, 12, 14.38, 74.24, 9, 10.5, 6.4),
		},
		{
			Name:   Tiprack300,
			Type:   "tiprack",
			Height: 64,
			Wells:  grid(8, 12, 14.38, 74.24, 9, 60, 5.6),
		},
		{
			Name:   Trough12Row,
			Type:   Trough12Row,
			Height: 40,
			Wells:  grid(1, 12, 13.94, 42.9, 9, 38, 0),
		},
	}
}
