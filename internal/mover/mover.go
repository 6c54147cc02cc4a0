// Package mover binds logical axes (x, y, z) of one mechanism to driver axes
// and keeps the mechanism's frame in the pose graph in step with the motors.
package mover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/banshee-data/deckbot/internal/pose"
	"github.com/banshee-data/deckbot/internal/smoothie"
)

// Driver is the part of the motion controller a Mover needs.
type Driver interface {
	Move(ctx context.Context, target map[string]float64) error
	Home(ctx context.Context, axes string) (map[string]float64, error)
	Position() map[string]float64
	HomedPosition() map[string]float64
}

// Mover drives the axes of one mechanism. Targets are given in the src
// frame and converted to the dst frame, whose coordinates are the driver's.
// The mover's own frame stores the driver coordinates of its bound axes as
// its local translation.
type Mover struct {
	driver  Driver
	frame   pose.FrameID
	src     pose.FrameID
	dst     pose.FrameID
	mapping map[string]string
}

// New returns a mover for frame. mapping maps logical axes ("x", "y", "z")
// to driver axes ("X", "Y", "Z", "A", "B", "C").
func New(d Driver, frame, src, dst pose.FrameID, mapping map[string]string) *Mover {
	m := make(map[string]string, len(mapping))
	for k, v := range mapping {
		m[strings.ToLower(k)] = strings.ToUpper(v)
	}
	return &Mover{driver: d, frame: frame, src: src, dst: dst, mapping: m}
}

// Frame returns the frame this mover keeps up to date.
func (m *Mover) Frame() pose.FrameID { return m.frame }

// Axes returns the driver axes bound to this mover, in logical order.
func (m *Mover) Axes() string {
	var b strings.Builder
	for _, l := range m.logical() {
		b.WriteString(m.mapping[l])
	}
	return b.String()
}

func (m *Mover) logical() []string {
	keys := make([]string, 0, len(m.mapping))
	for k := range m.mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func component(p pose.Point, axis string) float64 {
	switch axis {
	case "x":
		return p.X
	case "y":
		return p.Y
	default:
		return p.Z
	}
}

func setComponent(p *pose.Point, axis string, v float64) {
	switch axis {
	case "x":
		p.X = v
	case "y":
		p.Y = v
	case "z":
		p.Z = v
	}
}

// Move commands the bound axes present in target. Coordinates missing from
// target keep the mechanism's current position; keys for unbound axes are
// ignored. On success the mover frame reflects the new position. If the
// driver reports a fault the frame is re-read from the driver before the
// error is returned.
func (m *Mover) Move(ctx context.Context, g *pose.Graph, target map[string]float64) error {
	current, err := g.ChangeBase(m.src, m.frame)
	if err != nil {
		return err
	}
	point := current
	for axis, v := range target {
		setComponent(&point, strings.ToLower(axis), v)
	}
	local, err := g.Convert(point, m.src, m.dst)
	if err != nil {
		return err
	}

	driverTarget := make(map[string]float64, len(m.mapping))
	for _, l := range m.logical() {
		if _, ok := target[l]; ok {
			driverTarget[m.mapping[l]] = component(local, l)
		}
	}
	if len(driverTarget) == 0 {
		return nil
	}

	if err := m.driver.Move(ctx, driverTarget); err != nil {
		var fault *smoothie.HardwareFault
		if errors.As(err, &fault) {
			if uerr := m.UpdatePoseFromDriver(g); uerr != nil {
				return errors.Join(err, uerr)
			}
		}
		return err
	}

	prev, err := g.Local(m.frame)
	if err != nil {
		return err
	}
	var next pose.Point
	for _, l := range m.logical() {
		v := component(prev.Offset(), l)
		if dv, ok := driverTarget[m.mapping[l]]; ok {
			v = dv
		}
		setComponent(&next, l, v)
	}
	return g.Update(m.frame, next)
}

// Home homes the bound axes and records the resulting position.
func (m *Mover) Home(ctx context.Context, g *pose.Graph) error {
	if _, err := m.driver.Home(ctx, m.Axes()); err != nil {
		return err
	}
	return m.UpdatePoseFromDriver(g)
}

// UpdatePoseFromDriver copies the driver's last confirmed position into the
// mover frame without moving anything.
func (m *Mover) UpdatePoseFromDriver(g *pose.Graph) error {
	pos := m.driver.Position()
	var p pose.Point
	for _, l := range m.logical() {
		setComponent(&p, l, pos[m.mapping[l]])
	}
	return g.Update(m.frame, p)
}

// AxisMaximum returns the homed position of a bound axis expressed in the
// src frame, i.e. the furthest the mechanism can travel along it.
func (m *Mover) AxisMaximum(g *pose.Graph, axis string) (float64, error) {
	axis = strings.ToLower(axis)
	driverAxis, ok := m.mapping[axis]
	if !ok {
		return 0, fmt.Errorf("axis %q is not bound to %s", axis, m.frame)
	}
	homed, ok := m.driver.HomedPosition()[driverAxis]
	if !ok {
		return 0, fmt.Errorf("no homed position for driver axis %s", driverAxis)
	}
	var p pose.Point
	setComponent(&p, axis, homed)
	out, err := g.Convert(p, m.dst, m.src)
	if err != nil {
		return 0, err
	}
	return component(out, axis), nil
}
