package pose

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Point is a position in millimetres, always relative to some frame.
type Point struct {
	X, Y, Z float64
}

// Add returns p + q.
func (p Point) Add(q Point) Point { return Point{p.X + q.X, p.Y + q.Y, p.Z + q.Z} }

// Sub returns p - q.
func (p Point) Sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y, p.Z - q.Z} }

func (p Point) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f)", p.X, p.Y, p.Z)
}

// Transform is a 4x4 affine matrix stored row-major:
// m00,m01,m02,m03, m10,..., m30..m33.
type Transform [16]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation returns a pure translation by (x, y, z).
func Translation(x, y, z float64) Transform {
	t := Identity()
	t[3], t[7], t[11] = x, y, z
	return t
}

// FromRows builds a transform from a [4][4] matrix as stored in config files.
func FromRows(rows [4][4]float64) Transform {
	var t Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			t[r*4+c] = rows[r][c]
		}
	}
	return t
}

// Rows returns the transform as a [4][4] matrix.
func (t Transform) Rows() [4][4]float64 {
	var rows [4][4]float64
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			rows[r][c] = t[r*4+c]
		}
	}
	return rows
}

// Mul returns t·o.
func (t Transform) Mul(o Transform) Transform {
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += t[r*4+k] * o[k*4+c]
			}
			out[r*4+c] = sum
		}
	}
	return out
}

// Apply maps p through t.
func (t Transform) Apply(p Point) Point {
	return Point{
		X: t[0]*p.X + t[1]*p.Y + t[2]*p.Z + t[3],
		Y: t[4]*p.X + t[5]*p.Y + t[6]*p.Z + t[7],
		Z: t[8]*p.X + t[9]*p.Y + t[10]*p.Z + t[11],
	}
}

// Offset returns the translation column.
func (t Transform) Offset() Point {
	return Point{t[3], t[7], t[11]}
}

// WithOffset returns t with its translation column replaced.
func (t Transform) WithOffset(p Point) Transform {
	t[3], t[7], t[11] = p.X, p.Y, p.Z
	return t
}

// Linear returns t with the translation removed.
func (t Transform) Linear() Transform {
	return t.WithOffset(Point{})
}

// IsTranslation reports whether the linear part of t is the identity.
func (t Transform) IsTranslation() bool {
	id := Identity()
	for i, v := range t.Linear() {
		if math.Abs(v-id[i]) > 1e-12 {
			return false
		}
	}
	return true
}

// Inverse returns the inverse of t. Pure translations are inverted directly.
func (t Transform) Inverse() (Transform, error) {
	if t.IsTranslation() {
		o := t.Offset()
		return Translation(-o.X, -o.Y, -o.Z), nil
	}
	m := mat.NewDense(4, 4, t[:])
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return Transform{}, fmt.Errorf("transform is not invertible: %w", err)
	}
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r*4+c] = inv.At(r, c)
		}
	}
	return out, nil
}
