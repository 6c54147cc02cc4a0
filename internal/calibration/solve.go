package calibration

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/deckbot/internal/pose"
)

// Deck calibration targets: the etched crosses at the lower-left of slot 1,
// the lower-right of slot 3 and the upper-left of slot 7.
var expectedPoints = map[string]pose.Point{
	"1": {X: 12.13, Y: 9.0},
	"2": {X: 380.87, Y: 9.0},
	"3": {X: 12.13, Y: 258.0},
}

// pointNames are the calibration points in solve order.
var pointNames = []string{"1", "2", "3"}

// safeZ is above the middle of the deck, clear of everything.
var safeZ = pose.Point{X: 170.5, Y: 129.0, Z: 5}

// safePoints are 5 mm towards the deck centre from each cross and 10 mm
// above it. The operator jogs from there onto the cross.
func safePoints() map[string]pose.Point {
	p1, p2, p3 := expectedPoints["1"], expectedPoints["2"], expectedPoints["3"]
	return map[string]pose.Point{
		"1":         {X: p1.X + 5, Y: p1.Y + 5, Z: 10},
		"2":         {X: p2.X - 5, Y: p2.Y + 5, Z: 10},
		"3":         {X: p3.X + 5, Y: p3.Y - 5, Z: 10},
		"safeZ":     safeZ,
		"attachTip": {X: 200, Y: 90, Z: 150},
	}
}

// ExpectedPoint returns the nominal deck position of a calibration point.
func ExpectedPoint(name string) (pose.Point, bool) {
	p, ok := expectedPoints[name]
	return p, ok
}

// Solve fits the 2-D affine transform taking expected to actual in the
// least-squares sense. Only X and Y of each point are used. The result is
// a 3x3 homogeneous matrix in row-major order.
func Solve(expected, actual []pose.Point) ([3][3]float64, error) {
	var out [3][3]float64
	if len(expected) != len(actual) {
		return out, fmt.Errorf("point count mismatch: %d expected, %d actual", len(expected), len(actual))
	}
	if len(expected) < 3 {
		return out, fmt.Errorf("need at least 3 points, got %d", len(expected))
	}

	n := len(expected)
	a := mat.NewDense(n, 3, nil)
	b := mat.NewDense(n, 2, nil)
	for i := range expected {
		a.SetRow(i, []float64{expected[i].X, expected[i].Y, 1})
		b.SetRow(i, []float64{actual[i].X, actual[i].Y})
	}

	var x mat.Dense
	if err := x.Solve(a, b); err != nil {
		return out, fmt.Errorf("calibration points are degenerate: %w", err)
	}
	for col := 0; col < 2; col++ {
		for row := 0; row < 3; row++ {
			out[col][row] = x.At(row, col)
		}
	}
	out[2] = [3]float64{0, 0, 1}
	return out, nil
}

// AddZ lifts a 2-D affine transform into 3-D with z as the vertical
// translation.
func AddZ(flat [3][3]float64, z float64) pose.Transform {
	return pose.FromRows([4][4]float64{
		{flat[0][0], flat[0][1], 0, flat[0][2]},
		{flat[1][0], flat[1][1], 0, flat[1][2]},
		{0, 0, 1, z},
		{0, 0, 0, 1},
	})
}
