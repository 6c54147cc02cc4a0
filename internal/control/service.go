// Package control is the manual-control surface of the robot: attached
// instrument discovery, motor state, homing and simple moves. Requests and
// responses are plain values so any transport can carry them.
package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/banshee-data/deckbot/internal/monitoring"
	"github.com/banshee-data/deckbot/internal/pipette"
	"github.com/banshee-data/deckbot/internal/pose"
	"github.com/banshee-data/deckbot/internal/robot"
)

var logf = monitoring.Component("control")

// MinMountZ keeps bare mounts clear of the deck and the end of the Z screw.
const MinMountZ = 30.0

// Motor axes that can be disengaged, in lower case.
const disengageable = "xyzabc"

// Response mirrors an HTTP reply.
type Response struct {
	Status int `json:"status"`
	Body   any `json:"body"`
}

func message(status int, format string, args ...any) Response {
	return Response{Status: status, Body: map[string]any{"message": fmt.Sprintf(format, args...)}}
}

// Service answers control requests against one robot.
type Service struct {
	robot *robot.Robot
}

// NewService returns a service for r.
func NewService(r *robot.Robot) *Service {
	return &Service{robot: r}
}

// AttachedPipettes reports the model on each mount. With refresh the
// instruments are re-read from the controller, which interrupts any motion
// sequence in progress.
func (s *Service) AttachedPipettes(ctx context.Context, refresh bool) Response {
	if refresh {
		if err := s.robot.CacheInstrumentModels(ctx); err != nil {
			return message(http.StatusInternalServerError, "reading pipettes: %v", err)
		}
	}
	body := make(map[string]any, 2)
	for m, p := range s.robot.AttachedPipettes() {
		entry := map[string]any{
			"model":        nil,
			"tip_length":   nil,
			"mount_axis":   p.MountAxis,
			"plunger_axis": p.PlungerAxis,
		}
		if p.Model != "" {
			entry["model"] = p.Model
			entry["tip_length"] = p.TipLength
		}
		body[string(m)] = entry
	}
	return Response{Status: http.StatusOK, Body: body}
}

// EngagedAxes reports motor power per axis, keyed by lower-case axis.
func (s *Service) EngagedAxes() Response {
	body := make(map[string]any)
	for ax, on := range s.robot.EngagedAxes() {
		body[strings.ToLower(ax)] = map[string]bool{"enabled": on}
	}
	return Response{Status: http.StatusOK, Body: body}
}

// Positions reports the last confirmed driver position of every axis.
func (s *Service) Positions() Response {
	return Response{Status: http.StatusOK, Body: s.robot.Positions()}
}

// Disengage powers down the listed axes.
func (s *Service) Disengage(ctx context.Context, axes []string) Response {
	var bad []string
	for _, ax := range axes {
		if len(ax) != 1 || !strings.Contains(disengageable, strings.ToLower(ax)) {
			bad = append(bad, ax)
		}
	}
	if len(bad) > 0 {
		return message(http.StatusBadRequest, "Invalid axes: %v", bad)
	}
	if err := s.robot.Disengage(ctx, strings.ToUpper(strings.Join(axes, ""))); err != nil {
		return message(http.StatusInternalServerError, "disengage failed: %v", err)
	}
	return message(http.StatusOK, "Disengaged axes: %v", axes)
}

// Named positions for servicing the robot.
var (
	changePipetteLeft  = pose.Point{X: 325, Y: 40, Z: 30}
	changePipetteRight = pose.Point{X: 65, Y: 40, Z: 30}
	attachTipPoint     = pose.Point{X: 200, Y: 90, Z: 150}
)

func triple(p pose.Point) [3]float64 { return [3]float64{p.X, p.Y, p.Z} }

// PositionInfo lists the service positions: where a mount is easy to reach
// with a screwdriver, and where a pipette is easy to put a tip on.
func (s *Service) PositionInfo() Response {
	return Response{Status: http.StatusOK, Body: map[string]any{
		"positions": map[string]any{
			"change_pipette": map[string]any{
				"target": "mount",
				"left":   triple(changePipetteLeft),
				"right":  triple(changePipetteRight),
			},
			"attach_tip": map[string]any{
				"target": "pipette",
				"point":  triple(attachTipPoint),
			},
		},
	}}
}

// MoveRequest is the body of a move.
type MoveRequest struct {
	Target string    `json:"target" mapstructure:"target"`
	Point  []float64 `json:"point" mapstructure:"point"`
	Mount  string    `json:"mount" mapstructure:"mount"`
	Model  string    `json:"model" mapstructure:"model"`
}

// DecodeMove builds a MoveRequest from a loosely typed payload.
func DecodeMove(payload map[string]any) (MoveRequest, error) {
	var req MoveRequest
	err := mapstructure.WeakDecode(payload, &req)
	return req, err
}

// validate checks the request in field order and returns the message of
// the last problem found, or "" when the request is good.
func (s *Service) validate(req MoveRequest) string {
	var problem string
	if req.Target != "mount" && req.Target != "pipette" {
		problem = fmt.Sprintf("Invalid target key: '%s' (target must be one of 'mount' or 'pipette')", req.Target)
	}
	if len(req.Point) != 3 {
		problem = fmt.Sprintf("Point must have 3 values--got %v", req.Point)
	} else if req.Target == "mount" && req.Point[2] < MinMountZ {
		problem = fmt.Sprintf("Sending a mount to a z position lower than %v can cause a collision "+
			"with the deck or reach the end of the Z axis movement screw. Z values for mount movement "+
			"must be >= %v", MinMountZ, MinMountZ)
	}
	if _, err := pipette.ParseMount(req.Mount); err != nil {
		problem = fmt.Sprintf("Mount '%s' not supported, must be 'left' or 'right'", req.Mount)
	}
	if req.Target == "pipette" {
		if _, err := s.robot.PipetteModel(req.Model); err != nil {
			problem = fmt.Sprintf("Model '%s' not recognized, must be one of %v", req.Model, pipette.Models())
		}
	}
	return problem
}

// Move sends a bare mount or a pipette to a deck point. A mount move
// retracts both carriages before travelling; a pipette move is an arc, and
// creates the pipette on the mount if none is attached.
func (s *Service) Move(ctx context.Context, req MoveRequest) Response {
	if problem := s.validate(req); problem != "" {
		return message(http.StatusBadRequest, "%s", problem)
	}
	mount, _ := pipette.ParseMount(req.Mount)
	p := pose.Point{X: req.Point[0], Y: req.Point[1], Z: req.Point[2]}

	if req.Target == "mount" {
		if err := s.robot.MoveMount(ctx, mount, p); err != nil {
			return message(http.StatusInternalServerError, "move failed: %v", err)
		}
		return message(http.StatusOK, "Move complete. New position: %v", p)
	}

	if _, ok := s.robot.Instrument(mount); !ok {
		if _, err := s.robot.AddInstrument(mount, req.Model); err != nil && !errors.Is(err, robot.ErrMountOccupied) {
			return message(http.StatusInternalServerError, "attach %s: %v", req.Model, err)
		}
	}
	if err := s.robot.MoveTo(ctx, mount, robot.DeckPoint(p), robot.Arc); err != nil {
		return message(http.StatusInternalServerError, "move failed: %v", err)
	}
	at, err := s.robot.InstrumentPosition(mount)
	if err != nil {
		return message(http.StatusInternalServerError, "%v", err)
	}
	return message(http.StatusOK, "Move complete. New position: %v", at)
}

// Home homes the whole robot, or one pipette's carriage and plunger. A
// homed pipette is detached from the robot model afterwards.
func (s *Service) Home(ctx context.Context, target, mount string) Response {
	switch target {
	case "robot":
		if err := s.robot.Home(ctx); err != nil {
			return message(http.StatusInternalServerError, "home failed: %v", err)
		}
		return message(http.StatusOK, "Homing robot.")
	case "pipette":
		m, err := pipette.ParseMount(mount)
		if err != nil {
			return message(http.StatusBadRequest, "Expected 'left' or 'right' as values for mount got %s instead.", mount)
		}
		if err := s.robot.HomeMount(ctx, m); err != nil {
			return message(http.StatusInternalServerError, "home failed: %v", err)
		}
		if err := s.robot.HomePlunger(ctx, m); err != nil {
			return message(http.StatusInternalServerError, "home failed: %v", err)
		}
		s.robot.RemoveInstrument(m)
		logf("pipette on %s homed", m)
		return message(http.StatusOK, "Pipette on %s homed successfully.", m)
	}
	return message(http.StatusBadRequest, "Expected 'robot' or 'pipette' got %s.", target)
}
