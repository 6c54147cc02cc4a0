package robot

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/deckbot/internal/pipette"
	"github.com/banshee-data/deckbot/internal/pose"
)

// Clearance above the highest obstacle on an arc.
const (
	ArcSameLabware = 5.0
	ArcDeck        = 20.0
)

var (
	ErrInvalidStrategy = errors.New("invalid move strategy")
	ErrUnknownLocation = errors.New("unknown location")
)

// Strategy selects how the planner travels to a target.
type Strategy string

const (
	// Arc rises to a safe height, travels in XY, then descends.
	Arc Strategy = "arc"
	// Direct moves in a single straight segment.
	Direct Strategy = "direct"
)

// Location is a point relative to a frame in the graph.
type Location struct {
	Frame  pose.FrameID
	Offset pose.Point
}

// At returns loc displaced by p.
func (l Location) At(p pose.Point) Location {
	return Location{Frame: l.Frame, Offset: l.Offset.Add(p)}
}

// DeckPoint is a location given directly in deck coordinates.
func DeckPoint(p pose.Point) Location { return Location{Frame: DeckFrame, Offset: p} }

// Waypoint is one segment of a planned trajectory. Nil components are left
// where they are.
type Waypoint struct {
	X, Y, Z *float64
}

func (w Waypoint) target() map[string]float64 {
	t := make(map[string]float64, 3)
	if w.X != nil {
		t["x"] = *w.X
	}
	if w.Y != nil {
		t["y"] = *w.Y
	}
	if w.Z != nil {
		t["z"] = *w.Z
	}
	return t
}

func ptr(v float64) *float64 { return &v }

// labwareOf walks up from frame to the labware frame that contains it.
func (r *Robot) labwareOf(frame pose.FrameID) (*placed, error) {
	for id := frame; ; {
		if p, ok := r.byFrame[id]; ok {
			return p, nil
		}
		parent, ok, err := r.graph.Parent(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		id = parent
	}
}

// resolve returns the deck target of loc for the instrument on m, along
// with the labware it belongs to, if any.
func (r *Robot) resolve(loc Location, inst *pipette.Pipette) (pose.Point, *placed, error) {
	if !r.graph.Has(loc.Frame) {
		return pose.Point{}, nil, fmt.Errorf("%w: %s", ErrUnknownLocation, loc.Frame)
	}
	base, err := r.graph.Absolute(loc.Frame)
	if err != nil {
		return pose.Point{}, nil, err
	}
	lw, err := r.labwareOf(loc.Frame)
	if err != nil {
		return pose.Point{}, nil, err
	}
	target := base.Add(loc.Offset)
	if lw != nil && inst.Config.MultiChannel() && lw.def.IsTrough() {
		target.Y += pipette.YOffsetMulti
	}
	return target, lw, nil
}

// instrumentOffset is the instrument tip relative to its mount, in deck
// axes.
func (r *Robot) instrumentOffset(m pipette.Mount) (pose.Point, error) {
	return r.graph.ChangeBase(MountFrame(m), InstrumentFrame(m))
}

// instrumentMax is the highest deck z the instrument on m can reach.
func (r *Robot) instrumentMax(m pipette.Mount) (float64, error) {
	off, err := r.instrumentOffset(m)
	if err != nil {
		return 0, err
	}
	top, err := r.carriages[m].AxisMaximum(r.graph, "z")
	if err != nil {
		return 0, err
	}
	return top + off.Z, nil
}

// moveInstrument drives the gantry and carriage so the instrument on m ends
// up at the given deck coordinates. XY runs before Z.
func (r *Robot) moveInstrument(ctx context.Context, m pipette.Mount, target map[string]float64) error {
	off, err := r.instrumentOffset(m)
	if err != nil {
		return err
	}
	xy := make(map[string]float64, 2)
	if v, ok := target["x"]; ok {
		xy["x"] = v - off.X
	}
	if v, ok := target["y"]; ok {
		xy["y"] = v - off.Y
	}
	if len(xy) > 0 {
		if err := r.gantry.Move(ctx, r.graph, xy); err != nil {
			return err
		}
	}
	if v, ok := target["z"]; ok {
		if err := r.carriages[m].Move(ctx, r.graph, map[string]float64{"z": v - off.Z}); err != nil {
			return err
		}
	}
	return nil
}

// arcHeight picks the travel height for an arc move of m from current to
// target.
func (r *Robot) arcHeight(m pipette.Mount, lw *placed, current, target pose.Point) (float64, error) {
	top, err := r.instrumentMax(m)
	if err != nil {
		return 0, err
	}

	var arc float64
	switch {
	case lw != nil && r.prevMount == m && r.prevLabware == lw.frame:
		z, err := r.graph.MaxZ(lw.frame)
		if err != nil {
			return 0, err
		}
		arc = z + ArcSameLabware
	case r.safestHeight:
		arc = top
	default:
		z, err := r.graph.MaxZ(DeckFrame)
		if err != nil {
			return 0, err
		}
		arc = z + ArcDeck
	}
	arc = math.Max(arc, math.Max(target.Z, current.Z))
	return math.Min(arc, top), nil
}

// Plan returns the waypoints MoveTo would follow, without moving.
func (r *Robot) Plan(m pipette.Mount, loc Location, s Strategy) ([]Waypoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wps, _, err := r.plan(m, loc, s)
	return wps, err
}

func (r *Robot) plan(m pipette.Mount, loc Location, s Strategy) ([]Waypoint, *placed, error) {
	if s != Arc && s != Direct {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
	}
	inst, ok := r.instruments[m]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoInstrument, m)
	}
	target, lw, err := r.resolve(loc, inst)
	if err != nil {
		return nil, nil, err
	}
	if s == Direct {
		return []Waypoint{{X: ptr(target.X), Y: ptr(target.Y), Z: ptr(target.Z)}}, lw, nil
	}

	current, err := r.graph.Absolute(InstrumentFrame(m))
	if err != nil {
		return nil, nil, err
	}
	arc, err := r.arcHeight(m, lw, current, target)
	if err != nil {
		return nil, nil, err
	}
	return []Waypoint{
		{Z: ptr(arc)},
		{X: ptr(target.X), Y: ptr(target.Y)},
		{Z: ptr(target.Z)},
	}, lw, nil
}

// MoveTo moves the instrument on m to loc.
func (r *Robot) MoveTo(ctx context.Context, m pipette.Mount, loc Location, s Strategy) error {
	defer r.lockMotion()()
	return r.moveTo(ctx, m, loc, s)
}

func (r *Robot) moveTo(ctx context.Context, m pipette.Mount, loc Location, s Strategy) error {
	// planning validates everything before the first motion; the retract
	// below only moves the other carriage, so the plan stays valid
	wps, lw, err := r.plan(m, loc, s)
	if err != nil {
		return err
	}
	if r.prevMount != "" && r.prevMount != m {
		if err := r.retract(ctx, r.prevMount); err != nil {
			return err
		}
	}
	for _, wp := range wps {
		if err := r.moveInstrument(ctx, m, wp.target()); err != nil {
			return err
		}
	}

	r.prevMount = m
	r.prevLabware = ""
	if lw != nil {
		r.prevLabware = lw.frame
	}
	return nil
}

// retract homes the carriage of m and forgets where it was.
func (r *Robot) retract(ctx context.Context, m pipette.Mount) error {
	logf("retracting %s", m)
	if err := r.carriages[m].Home(ctx, r.graph); err != nil {
		return fmt.Errorf("retract %s: %w", m, err)
	}
	r.prevMount = ""
	r.prevLabware = ""
	return nil
}

// Retract homes the carriage of m.
func (r *Robot) Retract(ctx context.Context, m pipette.Mount) error {
	defer r.lockMotion()()
	return r.retract(ctx, m)
}

// MoveMount moves a bare mount: both carriages retract, the gantry travels
// to x,y and the carriage of m lowers to z, all in deck coordinates.
func (r *Robot) MoveMount(ctx context.Context, m pipette.Mount, p pose.Point) error {
	defer r.lockMotion()()
	for _, mm := range Mounts {
		if err := r.carriages[mm].Home(ctx, r.graph); err != nil {
			return err
		}
	}
	if err := r.gantry.Move(ctx, r.graph, map[string]float64{"x": p.X, "y": p.Y}); err != nil {
		return err
	}
	if err := r.carriages[m].Move(ctx, r.graph, map[string]float64{"z": p.Z}); err != nil {
		return err
	}
	r.prevMount = ""
	r.prevLabware = ""
	return nil
}

// InstrumentPosition returns the deck position of the instrument on m.
func (r *Robot) InstrumentPosition(m pipette.Mount) (pose.Point, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instruments[m]; !ok {
		return pose.Point{}, fmt.Errorf("%w: %s", ErrNoInstrument, m)
	}
	return r.graph.Absolute(InstrumentFrame(m))
}
