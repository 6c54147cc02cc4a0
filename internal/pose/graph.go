// Package pose tracks the position of every object on the robot as a tree of
// frames. Each frame carries a local affine transform relative to its parent;
// absolute positions are obtained by composing transforms up to the root.
package pose

import (
	"errors"
	"fmt"
	"math"
)

// FrameID names a frame, e.g. "slot/3" or "pipette/left".
type FrameID string

// Root is the frame every other frame descends from. Its transform is always
// the identity.
const Root FrameID = "root"

var (
	ErrUnknownFrame   = errors.New("unknown frame")
	ErrUnknownParent  = errors.New("unknown parent frame")
	ErrDuplicateFrame = errors.New("frame already exists")
)

const noParent = -1

// node is a single arena slot. Parent and children are arena indices.
type node struct {
	id       FrameID
	parent   int
	children []int
	local    Transform
}

// Graph is an arena-backed frame tree. It is not safe for concurrent use;
// callers that share a graph across goroutines must serialise access.
type Graph struct {
	nodes []node
	index map[FrameID]int
	free  []int
}

// New returns a graph holding only the root frame.
func New() *Graph {
	g := &Graph{index: make(map[FrameID]int)}
	g.nodes = append(g.nodes, node{id: Root, parent: noParent, local: Identity()})
	g.index[Root] = 0
	return g
}

func (g *Graph) lookup(id FrameID) (int, error) {
	i, ok := g.index[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownFrame, id)
	}
	return i, nil
}

// Has reports whether the frame exists.
func (g *Graph) Has(id FrameID) bool {
	_, ok := g.index[id]
	return ok
}

// Len returns the number of live frames, root included.
func (g *Graph) Len() int { return len(g.index) }

// Add inserts a frame under parent with the given local transform.
func (g *Graph) Add(id FrameID, parent FrameID, t Transform) error {
	if _, ok := g.index[id]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateFrame, id)
	}
	p, ok := g.index[parent]
	if !ok {
		return fmt.Errorf("%w: %q (adding %q)", ErrUnknownParent, parent, id)
	}

	n := node{id: id, parent: p, local: t}
	var i int
	if k := len(g.free); k > 0 {
		i = g.free[k-1]
		g.free = g.free[:k-1]
		g.nodes[i] = n
	} else {
		i = len(g.nodes)
		g.nodes = append(g.nodes, n)
	}
	g.nodes[p].children = append(g.nodes[p].children, i)
	g.index[id] = i
	return nil
}

// AddPoint inserts a frame translated by p from its parent.
func (g *Graph) AddPoint(id FrameID, parent FrameID, p Point) error {
	return g.Add(id, parent, Translation(p.X, p.Y, p.Z))
}

// Remove deletes a frame together with its whole subtree.
func (g *Graph) Remove(id FrameID) error {
	if id == Root {
		return errors.New("cannot remove root frame")
	}
	i, err := g.lookup(id)
	if err != nil {
		return err
	}

	p := g.nodes[i].parent
	siblings := g.nodes[p].children
	for k, c := range siblings {
		if c == i {
			g.nodes[p].children = append(siblings[:k:k], siblings[k+1:]...)
			break
		}
	}

	stack := []int{i}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = append(stack, g.nodes[n].children...)
		delete(g.index, g.nodes[n].id)
		g.nodes[n] = node{}
		g.free = append(g.free, n)
	}
	return nil
}

// Parent returns the parent of a frame. The root has no parent.
func (g *Graph) Parent(id FrameID) (FrameID, bool, error) {
	i, err := g.lookup(id)
	if err != nil {
		return "", false, err
	}
	p := g.nodes[i].parent
	if p == noParent {
		return "", false, nil
	}
	return g.nodes[p].id, true, nil
}

// Children returns the direct children of a frame in insertion order.
func (g *Graph) Children(id FrameID) ([]FrameID, error) {
	i, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	out := make([]FrameID, 0, len(g.nodes[i].children))
	for _, c := range g.nodes[i].children {
		out = append(out, g.nodes[c].id)
	}
	return out, nil
}

// Local returns the local transform of a frame.
func (g *Graph) Local(id FrameID) (Transform, error) {
	i, err := g.lookup(id)
	if err != nil {
		return Transform{}, err
	}
	return g.nodes[i].local, nil
}

// SetTransform replaces the local transform of a frame.
func (g *Graph) SetTransform(id FrameID, t Transform) error {
	if id == Root {
		return errors.New("root transform is fixed")
	}
	i, err := g.lookup(id)
	if err != nil {
		return err
	}
	g.nodes[i].local = t
	return nil
}

// Update replaces only the translation of a frame's local transform.
func (g *Graph) Update(id FrameID, p Point) error {
	t, err := g.Local(id)
	if err != nil {
		return err
	}
	return g.SetTransform(id, t.WithOffset(p))
}

// Transform returns the absolute transform of a frame: the product of local
// transforms from the root down to it.
func (g *Graph) Transform(id FrameID) (Transform, error) {
	i, err := g.lookup(id)
	if err != nil {
		return Transform{}, err
	}
	return g.absolute(i), nil
}

// absolute walks to the root and composes on the way back, O(depth).
func (g *Graph) absolute(i int) Transform {
	var chain []int
	for n := i; n != noParent; n = g.nodes[n].parent {
		chain = append(chain, n)
	}
	t := Identity()
	for k := len(chain) - 1; k >= 0; k-- {
		t = t.Mul(g.nodes[chain[k]].local)
	}
	return t
}

// Absolute returns the position of a frame's origin in root coordinates.
func (g *Graph) Absolute(id FrameID) (Point, error) {
	t, err := g.Transform(id)
	if err != nil {
		return Point{}, err
	}
	return t.Offset(), nil
}

// Convert re-expresses p, given in frame from, in frame to.
func (g *Graph) Convert(p Point, from, to FrameID) (Point, error) {
	src, err := g.Transform(from)
	if err != nil {
		return Point{}, err
	}
	dst, err := g.Transform(to)
	if err != nil {
		return Point{}, err
	}
	inv, err := dst.Inverse()
	if err != nil {
		return Point{}, err
	}
	return inv.Mul(src).Apply(p), nil
}

// ChangeBase returns the origin of dst expressed in src's local frame. For
// translation-only chains this is Absolute(dst) - Absolute(src).
func (g *Graph) ChangeBase(src, dst FrameID) (Point, error) {
	return g.Convert(Point{}, dst, src)
}

// MaxZ returns the highest absolute z of a frame and all of its descendants.
func (g *Graph) MaxZ(id FrameID) (float64, error) {
	i, err := g.lookup(id)
	if err != nil {
		return 0, err
	}
	maxZ := math.Inf(-1)
	var walk func(n int, parent Transform)
	walk = func(n int, parent Transform) {
		t := parent.Mul(g.nodes[n].local)
		if z := t[11]; z > maxZ {
			maxZ = z
		}
		for _, c := range g.nodes[n].children {
			walk(c, t)
		}
	}
	parent := Identity()
	if p := g.nodes[i].parent; p != noParent {
		parent = g.absolute(p)
	}
	walk(i, parent)
	return maxZ, nil
}
