// Package calibration runs the interactive deck calibration session: an
// operator jogs a pipette onto three etched crosses and a Z reference, and
// the session derives the deck-to-gantry transform from the measurements.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/banshee-data/deckbot/internal/config"
	"github.com/banshee-data/deckbot/internal/monitoring"
	"github.com/banshee-data/deckbot/internal/pipette"
	"github.com/banshee-data/deckbot/internal/pose"
	"github.com/banshee-data/deckbot/internal/robot"
)

var logf = monitoring.Component("calibration")

// StatusNoSession answers commands sent while no session is running.
const StatusNoSession = http.StatusTeapot

var (
	ErrNoSession           = errors.New("session must be started before issuing commands")
	ErrSessionConflict     = errors.New("session in progress, use force to override")
	ErrTokenMismatch       = errors.New("invalid token")
	ErrPipetteUnrecognized = errors.New("pipette not recognized")
)

// ValidationError is a malformed or out-of-order command.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Robot is what a session drives.
type Robot interface {
	CacheInstrumentModels(ctx context.Context) error
	AttachedPipettes() map[pipette.Mount]robot.AttachedPipette
	PipetteModel(model string) (pipette.Config, error)
	AddInstrument(m pipette.Mount, model string) (*pipette.Pipette, error)
	RemoveInstrument(m pipette.Mount)
	SetGantryCalibration(t pose.Transform) error
	SetSafestHeight(on bool)
	JogAxis(ctx context.Context, axis string, delta float64) (map[string]float64, error)
	Positions() map[string]float64
	MoveTo(ctx context.Context, m pipette.Mount, loc robot.Location, s robot.Strategy) error
	AddTip(m pipette.Mount, length float64) error
	RemoveTip(m pipette.Mount) error
	Config() *config.RobotConfig
}

// ConfigStore persists a finished calibration.
type ConfigStore interface {
	SaveDeckCalibration(ctx context.Context, cfg *config.RobotConfig) error
	BackupConfiguration(ctx context.Context, cfg *config.RobotConfig) error
}

// Response is the outcome of a session request. Status follows HTTP
// semantics so a transport can forward it unchanged.
type Response struct {
	Status int            `json:"status"`
	Body   map[string]any `json:"body"`
}

func message(status int, format string, args ...any) Response {
	return Response{Status: status, Body: map[string]any{"message": fmt.Sprintf(format, args...)}}
}

// statusOf maps a command error onto a response status.
func statusOf(err error) int {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoSession):
		return StatusNoSession
	case errors.Is(err, ErrTokenMismatch), errors.Is(err, ErrPipetteUnrecognized):
		return http.StatusForbidden
	case errors.Is(err, ErrSessionConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func errorResponse(err error) Response {
	return Response{Status: statusOf(err), Body: map[string]any{"message": err.Error()}}
}

// session is the state of one calibration run.
type session struct {
	id        string
	mount     pipette.Mount
	model     string
	pipette   pipette.Config
	points    map[string]*pose.Point
	z         *float64
	tipLength *float64
}

func newSession() *session {
	points := make(map[string]*pose.Point, len(pointNames))
	for _, n := range pointNames {
		points[n] = nil
	}
	return &session{id: uuid.NewString(), points: points}
}

// Manager owns at most one session at a time. Requests are serialised.
type Manager struct {
	robot Robot
	store ConfigStore

	mu      sync.Mutex
	current *session
}

// NewManager returns a manager that drives r and persists results to store.
func NewManager(r Robot, store ConfigStore) *Manager {
	return &Manager{robot: r, store: store}
}

// Active reports whether a session is running.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Start begins a session. A running session is replaced only when force is
// set, in which case both mounts are cleared first. Start answers 201 with
// the session token and the chosen pipette.
func (m *Manager) Start(ctx context.Context, force bool) (resp Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recoverTo(&resp, "start")

	if m.current != nil && !force {
		return errorResponse(ErrSessionConflict)
	}
	if force {
		m.robot.RemoveInstrument(pipette.Left)
		m.robot.RemoveInstrument(pipette.Right)
	}

	s := newSession()
	m.current = s
	if err := m.robot.SetGantryCalibration(pose.Identity()); err != nil {
		m.current = nil
		return errorResponse(err)
	}
	m.robot.SetSafestHeight(true)

	if err := m.initPipette(ctx, s); err != nil {
		m.current = nil
		m.robot.SetSafestHeight(false)
		return errorResponse(err)
	}
	logf("session %s started with %s on %s", s.id, s.model, s.mount)
	return Response{
		Status: http.StatusCreated,
		Body: map[string]any{
			"token":   s.id,
			"pipette": map[string]any{"mount": string(s.mount), "model": s.model},
		},
	}
}

// initPipette picks the mount to calibrate with: a single-channel pipette
// is preferred, and the right mount wins a tie.
func (m *Manager) initPipette(ctx context.Context, s *session) error {
	if err := m.robot.CacheInstrumentModels(ctx); err != nil {
		return err
	}
	attached := m.robot.AttachedPipettes()

	known := make(map[pipette.Mount]pipette.Config, 2)
	for _, mount := range []pipette.Mount{pipette.Left, pipette.Right} {
		if cfg, err := m.robot.PipetteModel(attached[mount].Model); err == nil {
			known[mount] = cfg
		}
	}

	var chosen pipette.Mount
	switch {
	case isSingle(known, pipette.Right):
		chosen = pipette.Right
	case isSingle(known, pipette.Left):
		chosen = pipette.Left
	case has(known, pipette.Right):
		chosen = pipette.Right
	case has(known, pipette.Left):
		chosen = pipette.Left
	default:
		return fmt.Errorf("%w: left %q, right %q", ErrPipetteUnrecognized,
			attached[pipette.Left].Model, attached[pipette.Right].Model)
	}

	model := attached[chosen].Model
	m.robot.RemoveInstrument(chosen)
	if _, err := m.robot.AddInstrument(chosen, model); err != nil {
		return err
	}
	s.mount = chosen
	s.model = model
	s.pipette = known[chosen]
	return nil
}

func has(known map[pipette.Mount]pipette.Config, mount pipette.Mount) bool {
	_, ok := known[mount]
	return ok
}

func isSingle(known map[pipette.Mount]pipette.Config, mount pipette.Mount) bool {
	cfg, ok := known[mount]
	return ok && !cfg.MultiChannel()
}

// request is the decoded form of a dispatch payload.
type request struct {
	Token     string   `json:"token"`
	Command   string   `json:"command"`
	Axis      string   `json:"axis"`
	Direction *float64 `json:"direction"`
	Step      *float64 `json:"step"`
	Point     string   `json:"point"`
	TipLength *float64 `json:"tipLength"`
}

func decode(payload map[string]any) (request, error) {
	var req request
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &req,
	})
	if err != nil {
		return req, err
	}
	if err := dec.Decode(payload); err != nil {
		return req, invalid("malformed request: %v", err)
	}
	return req, nil
}

type handler func(m *Manager, ctx context.Context, s *session, req request) (string, error)

var commands = map[string]handler{
	"jog":            (*Manager).jog,
	"move":           (*Manager).move,
	"save xy":        (*Manager).saveXY,
	"attach tip":     (*Manager).attachTip,
	"detach tip":     (*Manager).detachTip,
	"save z":         (*Manager).saveZ,
	"save transform": (*Manager).saveTransform,
	"release":        (*Manager).release,
}

// Dispatch runs one session command. Checks run in order (session, token
// presence, command presence, token match, command) and the first failure
// decides the response.
func (m *Manager) Dispatch(ctx context.Context, payload map[string]any) (resp Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recoverTo(&resp, fmt.Sprint(payload["command"]))

	s := m.current
	if s == nil {
		return errorResponse(ErrNoSession)
	}
	req, err := decode(payload)
	if err != nil {
		return errorResponse(err)
	}
	if req.Token == "" {
		return errorResponse(invalid(`"token" field required for calibration requests`))
	}
	if req.Command == "" {
		return errorResponse(invalid(`"command" field required for calibration requests`))
	}
	if req.Token != s.id {
		return errorResponse(fmt.Errorf("%w: %s", ErrTokenMismatch, req.Token))
	}
	h, ok := commands[req.Command]
	if !ok {
		return errorResponse(invalid("unknown command %q", req.Command))
	}

	logf("dispatching %q", req.Command)
	msg, err := h(m, ctx, s, req)
	if err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			err = fmt.Errorf("%s failed: %w", req.Command, err)
		}
		return errorResponse(err)
	}
	return message(http.StatusOK, "%s", msg)
}

func (m *Manager) recoverTo(resp *Response, what string) {
	if r := recover(); r != nil {
		logf("panic during %s: %v", what, r)
		*resp = message(http.StatusInternalServerError, "exception raised by %s: %v", what, r)
	}
}
