package calibration

import (
	"context"
	"fmt"

	"github.com/banshee-data/deckbot/internal/pipette"
	"github.com/banshee-data/deckbot/internal/pose"
	"github.com/banshee-data/deckbot/internal/robot"
)

func (m *Manager) jog(ctx context.Context, s *session, req request) (string, error) {
	var axis string
	switch req.Axis {
	case "x":
		axis = "X"
	case "y":
		axis = "Y"
	case "z":
		axis = s.mount.Axis()
	default:
		return "", invalid(`"axis" must be "x", "y", or "z"`)
	}
	if req.Direction == nil || (*req.Direction != 1 && *req.Direction != -1) {
		return "", invalid(`"direction" must be -1 or 1`)
	}
	if req.Step == nil {
		return "", invalid(`"step" must be specified`)
	}

	pos, err := m.robot.JogAxis(ctx, axis, *req.Direction**req.Step)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Jogged to (%.3f, %.3f, %.3f)", pos["X"], pos["Y"], pos[axis]), nil
}

func (m *Manager) move(ctx context.Context, s *session, req request) (string, error) {
	p, ok := safePoints()[req.Point]
	if !ok {
		return "", invalid(`"point" must be one of "1", "2", "3", "safeZ", "attachTip"`)
	}
	// multi-channel moves are aimed so the front nozzle, not the A1
	// nozzle, lands on the point
	if s.pipette.MultiChannel() {
		p.Y += 2 * pipette.YOffsetMulti
	}
	if err := m.robot.MoveTo(ctx, s.mount, robot.DeckPoint(p), robot.Arc); err != nil {
		return "", err
	}
	return fmt.Sprintf("Moved to %v", p), nil
}

func (m *Manager) saveXY(_ context.Context, s *session, req request) (string, error) {
	if _, ok := s.points[req.Point]; !ok {
		return "", invalid("point must be one of %v", pointNames)
	}
	if s.mount == "" {
		return "", invalid("Mount must be set before calibrating")
	}

	pos := m.robot.Positions()
	p := pose.Point{X: pos["X"], Y: pos["Y"]}
	if s.mount == pipette.Left {
		off := m.robot.Config().GetMountOffset()
		p.X += off.X
		p.Y += off.Y
	}
	if s.pipette.MultiChannel() {
		p.Y -= pipette.YOffsetMulti
	}
	s.points[req.Point] = &p
	return fmt.Sprintf("Saved point %s value: (%.3f, %.3f)", req.Point, p.X, p.Y), nil
}

func (m *Manager) attachTip(_ context.Context, s *session, req request) (string, error) {
	if req.TipLength == nil || *req.TipLength == 0 {
		return "", invalid(`"tipLength" must be specified in request`)
	}
	if err := m.robot.AddTip(s.mount, *req.TipLength); err != nil {
		return "", err
	}
	l := *req.TipLength
	s.tipLength = &l
	return fmt.Sprintf("Tip length set: %v", l), nil
}

func (m *Manager) detachTip(_ context.Context, s *session, _ request) (string, error) {
	if s.tipLength == nil {
		logf("detach tip called with no tip")
	}
	if err := m.robot.RemoveTip(s.mount); err != nil {
		return "", err
	}
	s.tipLength = nil
	return "Tip removed", nil
}

func (m *Manager) saveZ(_ context.Context, s *session, _ request) (string, error) {
	if s.tipLength == nil {
		return "", invalid("Tip length must be set before calibrating")
	}
	actual := m.robot.Positions()[s.mount.Axis()]
	z := actual - *s.tipLength + s.pipette.ModelOffset[2]
	s.z = &z
	return fmt.Sprintf("Saved z: %.3f", z), nil
}

func (m *Manager) saveTransform(ctx context.Context, s *session, _ request) (string, error) {
	expected := make([]pose.Point, 0, len(pointNames))
	actual := make([]pose.Point, 0, len(pointNames))
	for _, n := range pointNames {
		p := s.points[n]
		if p == nil {
			return "", invalid("Not all points have been saved")
		}
		expected = append(expected, expectedPoints[n])
		actual = append(actual, *p)
	}
	if s.z == nil {
		return "", invalid("Z height has not been saved")
	}

	flat, err := Solve(expected, actual)
	if err != nil {
		return "", err
	}
	t := AddZ(flat, *s.z)
	if err := m.robot.SetGantryCalibration(t); err != nil {
		return "", err
	}
	cfg := m.robot.Config()
	if m.store != nil {
		if err := m.store.SaveDeckCalibration(ctx, cfg); err != nil {
			return "", err
		}
		if err := m.store.BackupConfiguration(ctx, cfg); err != nil {
			return "", err
		}
	}
	logf("session %s saved gantry calibration %v", s.id, t.Rows())
	return "Config file saved and backed up", nil
}

func (m *Manager) release(_ context.Context, s *session, _ request) (string, error) {
	m.current = nil
	m.robot.RemoveInstrument(pipette.Left)
	m.robot.RemoveInstrument(pipette.Right)
	m.robot.SetSafestHeight(false)
	logf("session %s released", s.id)
	return "calibration session released", nil
}
