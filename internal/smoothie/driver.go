// Package smoothie drives a Smoothieware motion controller over its
// line-oriented G-code protocol. It owns per-axis state (position, homed and
// engaged flags, motor currents), retries commands the controller did not
// answer, recovers from limit-switch alarms and honours a pause gate for
// motion commands.
package smoothie

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/deckbot/internal/monitoring"
	"github.com/banshee-data/deckbot/internal/timeutil"
)

var logf = monitoring.Component("smoothie")

// Transport carries one command line to the controller and returns the reply
// lines up to and including the line for which done reports true. A silent
// controller is reported with ErrNoResponse.
type Transport interface {
	WriteAndReturn(ctx context.Context, command string, timeout time.Duration, done func(line string) bool) (string, error)
}

// Config holds controller tuning. Maps are keyed by axis letter.
type Config struct {
	ActiveCurrent   map[string]float64
	DwellingCurrent map[string]float64
	HomedPosition   map[string]float64
	// DefaultSpeed is the gantry feed rate in mm/s.
	DefaultSpeed float64
	AckTimeout   time.Duration
	// StabilizeDelay separates retried attempts.
	StabilizeDelay time.Duration
	// RetryBudget is the number of attempts made for each command.
	RetryBudget int
}

// DefaultConfig returns the factory tuning for the OT-2 style gantry.
func DefaultConfig() Config {
	return Config{
		ActiveCurrent:   map[string]float64{"X": 1.25, "Y": 1.5, "Z": 1.0, "A": 1.0, "B": 0.5, "C": 0.5},
		DwellingCurrent: map[string]float64{"X": 0.3, "Y": 0.3, "Z": 0.1, "A": 0.1, "B": 0.05, "C": 0.05},
		HomedPosition:   map[string]float64{"X": 418, "Y": 353, "Z": 218, "A": 218, "B": 19, "C": 19},
		DefaultSpeed:    400,
		AckTimeout:      30 * time.Second,
		StabilizeDelay:  100 * time.Millisecond,
		RetryBudget:     3,
	}
}

// Option configures a Driver.
type Option func(*Driver)

// WithClock replaces the clock used for retry delays.
func WithClock(c timeutil.Clock) Option { return func(d *Driver) { d.clock = c } }

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *Metrics) Option { return func(d *Driver) { d.metrics = m } }

// WithGate shares a pause gate with other components.
func WithGate(g *Gate) Option { return func(d *Driver) { d.gate = g } }

// Driver is safe for concurrent use. Commands are serialised; a motion
// command blocked on the pause gate does not hold the driver lock, so status
// queries continue while paused.
type Driver struct {
	transport Transport
	cfg       Config
	clock     timeutil.Clock
	gate      *Gate
	metrics   *Metrics

	mu         sync.Mutex
	position   map[string]float64
	homed      map[string]bool
	engaged    map[string]bool
	currents   *currents
	speed      float64
	speedStack []float64
}

// New returns a driver speaking to the controller through t.
func New(t Transport, cfg Config, opts ...Option) *Driver {
	def := DefaultConfig()
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = def.RetryBudget
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.HomedPosition == nil {
		cfg.HomedPosition = def.HomedPosition
	}
	if cfg.ActiveCurrent == nil {
		cfg.ActiveCurrent = def.ActiveCurrent
	}
	if cfg.DwellingCurrent == nil {
		cfg.DwellingCurrent = def.DwellingCurrent
	}
	if cfg.DefaultSpeed <= 0 {
		cfg.DefaultSpeed = def.DefaultSpeed
	}

	d := &Driver{
		transport: t,
		cfg:       cfg,
		clock:     timeutil.RealClock{},
		gate:      NewGate(),
		position:  make(map[string]float64, len(Axes)),
		homed:     make(map[string]bool, len(Axes)),
		engaged:   make(map[string]bool, len(Axes)),
		currents:  newCurrents(cfg.ActiveCurrent, cfg.DwellingCurrent),
		speed:     cfg.DefaultSpeed,
	}
	for _, o := range opts {
		o(d)
	}
	maps.Copy(d.position, cfg.HomedPosition)
	return d
}

func isTerminal(line string) bool {
	if line == ackLine {
		return true
	}
	l := strings.ToLower(line)
	return strings.Contains(l, "alarm") || strings.HasPrefix(l, "error")
}

// send writes one command with the wait terminator, retrying silent
// attempts up to the retry budget. An alarm in the reply is returned as a
// *HardwareFault together with the reply. Callers hold d.mu.
func (d *Driver) send(ctx context.Context, command string) (string, error) {
	line := command + " " + gcodeWait
	// once written, a command is waited on regardless of the caller
	ctx = context.WithoutCancel(ctx)

	var reply string
	var err error
	for attempt := 1; ; attempt++ {
		reply, err = d.transport.WriteAndReturn(ctx, line, d.cfg.AckTimeout, isTerminal)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNoResponse) {
			return "", fmt.Errorf("send %q: %w", line, err)
		}
		if attempt >= d.cfg.RetryBudget {
			logf("no response to %q after %d attempts", line, attempt)
			return "", fmt.Errorf("send %q: %w (%d attempts)", line, ErrNoResponse, attempt)
		}
		if d.metrics != nil {
			d.metrics.Retries.Inc()
		}
		logf("no response to %q (attempt %d/%d), retrying", line, attempt, d.cfg.RetryBudget)
		d.clock.Sleep(d.cfg.StabilizeDelay)
	}

	if d.metrics != nil {
		d.metrics.Commands.WithLabelValues(gcodeName(command)).Inc()
	}
	if fault := alarmIn(reply); fault != nil {
		if d.metrics != nil {
			d.metrics.Faults.WithLabelValues(fault.Axis).Inc()
		}
		logf("alarm after %q: %s", line, fault.Message)
		return reply, fault
	}
	return reply, nil
}

// query sends a telemetry request and parses the reply, tolerating one
// malformed reply. Callers hold d.mu.
func query[T any](ctx context.Context, d *Driver, gcode string, parse func(string) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		reply, err := d.send(ctx, gcode)
		if err != nil {
			return zero, err
		}
		v, err := parse(reply)
		if err == nil {
			return v, nil
		}
		var perr *ParseError
		if !errors.As(err, &perr) {
			return zero, err
		}
		if d.metrics != nil {
			d.metrics.ParseErrors.Inc()
		}
		logf("%v", err)
		lastErr = err
		d.clock.Sleep(d.cfg.StabilizeDelay)
	}
	return zero, lastErr
}

// Gate returns the pause gate motion commands wait on.
func (d *Driver) Gate() *Gate { return d.gate }

// Pause holds every subsequent motion command until Resume.
func (d *Driver) Pause() { d.gate.Pause() }

// Resume releases paused motion commands.
func (d *Driver) Resume() { d.gate.Resume() }

// WaitResumed blocks until the gate is open or ctx is done.
func (d *Driver) WaitResumed(ctx context.Context) error { return d.gate.Wait(ctx) }

// Move drives the given axes to absolute positions. Axes already at their
// target are left out. Positive plunger moves overshoot by the backlash
// distance and come back. If the controller reports a hard limit on an axis,
// that axis is re-homed, the position refreshed and a *HardwareFault
// returned; the move is not retried.
func (d *Driver) Move(ctx context.Context, target map[string]float64) error {
	if err := d.gate.Wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	moving := make(map[string]float64, len(target))
	backlash := make(map[string]float64, len(target))
	for ax, v := range target {
		ax = strings.ToUpper(ax)
		if len(ax) != 1 || !strings.Contains(Axes, ax) {
			return fmt.Errorf("unknown axis %q", ax)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("invalid target %v for axis %s", v, ax)
		}
		v = round(v)
		if math.Abs(v-d.position[ax]) < 1e-9 {
			continue
		}
		moving[ax] = v
		if strings.Contains("BC", ax) && v > d.position[ax] {
			backlash[ax] = round(v + plungerBacklash)
		} else {
			backlash[ax] = v
		}
	}
	if len(moving) == 0 {
		return nil
	}

	axes := strings.Join(sortedAxes(moving), "")
	d.currents.engage(axes)
	command := d.currents.command() + " "
	if !maps.Equal(backlash, moving) {
		command += gcodeMove + axisArgs(backlash, "") + " "
	}
	command += gcodeMove + axisArgs(moving, "")

	if _, err := d.send(ctx, command); err != nil {
		var fault *HardwareFault
		if errors.As(err, &fault) {
			return d.recover(ctx, fault)
		}
		return err
	}

	maps.Copy(d.position, moving)
	for ax := range moving {
		d.engaged[ax] = true
	}
	return d.dwellAll(ctx)
}

// recover clears an alarm raised by a move: clear the alarm, re-home the
// faulted axis at its active current, drop it back to dwelling current and
// re-read the position. The fault is always returned.
func (d *Driver) recover(ctx context.Context, fault *HardwareFault) error {
	logf("recovering from %q", fault.Message)
	if _, err := d.send(ctx, gcodeClearAlarm); err != nil {
		return fmt.Errorf("%w (clear alarm failed: %v)", fault, err)
	}
	if fault.Axis == "" || !IsHardLimit(fault) {
		return fault
	}
	if err := d.homeAxes(ctx, fault.Axis, false); err != nil {
		return fmt.Errorf("%w (re-home failed: %v)", fault, err)
	}
	fault.Recovered = true
	return fault
}

// dwellAll drops every axis to its dwelling current if any is above it.
func (d *Driver) dwellAll(ctx context.Context) error {
	if d.currents.idle() {
		return nil
	}
	d.currents.dwell(Axes)
	_, err := d.send(ctx, d.currents.command())
	return err
}

// Home homes the given axes and returns the refreshed position. Mount axes
// Z and A are homed first and are added whenever X or Y is homed so no
// pipette is dragged across labware. X and Y follow, plungers come last.
func (d *Driver) Home(ctx context.Context, axes string) (map[string]float64, error) {
	if err := d.gate.Wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.home(ctx, axes); err != nil {
		return nil, err
	}
	return maps.Clone(d.position), nil
}

func (d *Driver) home(ctx context.Context, axes string) error {
	return d.homeAxes(ctx, axes, true)
}

// homeAxes homes axes in group order. With retract set, homing X or Y also
// homes Z and A; limit recovery clears it so only the faulted axis moves.
func (d *Driver) homeAxes(ctx context.Context, axes string, retract bool) error {
	axes = normalizeAxes(axes)
	if axes == "" {
		axes = Axes
	}
	if retract && strings.ContainsAny(axes, "XY") {
		axes = normalizeAxes(axes + "ZA")
	}

	for _, group := range []string{"ZA", "X", "Y", "BC"} {
		var ga strings.Builder
		for _, ax := range group {
			if strings.ContainsRune(axes, ax) {
				ga.WriteRune(ax)
			}
		}
		if ga.Len() == 0 {
			continue
		}
		d.currents.engage(ga.String())
		if _, err := d.send(ctx, d.currents.command()+" "+gcodeHome+ga.String()); err != nil {
			var fault *HardwareFault
			if errors.As(err, &fault) {
				// clear so the controller accepts further commands, but do
				// not re-home from inside a failed home
				d.send(ctx, gcodeClearAlarm)
			}
			return err
		}
	}
	if err := d.dwellAll(ctx); err != nil {
		return err
	}

	pos, err := query(ctx, d, gcodePosition, parsePosition)
	if err != nil {
		return err
	}
	maps.Copy(d.position, pos)
	for _, ax := range axes {
		d.homed[string(ax)] = true
		d.engaged[string(ax)] = true
	}
	logf("homed %s", axes)
	return nil
}

// UpdatePosition re-reads the position of every axis from the controller.
func (d *Driver) UpdatePosition(ctx context.Context) (map[string]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pos, err := query(ctx, d, gcodePosition, parsePosition)
	if err != nil {
		return nil, err
	}
	maps.Copy(d.position, pos)
	return maps.Clone(d.position), nil
}

// Position returns the last confirmed position of every axis.
func (d *Driver) Position() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.position)
}

// HomedPosition returns the configured position of each axis after homing.
func (d *Driver) HomedPosition() map[string]float64 {
	return maps.Clone(d.cfg.HomedPosition)
}

// Homed returns which axes have been homed since start-up.
func (d *Driver) Homed() map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]bool, len(Axes))
	for _, ax := range Axes {
		out[string(ax)] = d.homed[string(ax)]
	}
	return out
}

// Engaged returns which axes currently hold their motors energised.
func (d *Driver) Engaged() map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]bool, len(Axes))
	for _, ax := range Axes {
		out[string(ax)] = d.engaged[string(ax)]
	}
	return out
}

// Disengage de-energises the given axes.
func (d *Driver) Disengage(ctx context.Context, axes string) error {
	axes = normalizeAxes(axes)
	if axes == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.send(ctx, gcodeDisengage+axes); err != nil {
		return err
	}
	for _, ax := range axes {
		d.engaged[string(ax)] = false
	}
	return nil
}

// ClearAlarm resets the controller after an alarm.
func (d *Driver) ClearAlarm(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.send(ctx, gcodeClearAlarm)
	return err
}

// ReadHomedFlags asks the controller which axes it considers homed.
func (d *Driver) ReadHomedFlags(ctx context.Context) (map[string]bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return query(ctx, d, gcodeHomedFlags, parseHomedFlags)
}

// SwitchStates returns the state of every max end-stop plus the probe.
func (d *Driver) SwitchStates(ctx context.Context) (map[string]bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return query(ctx, d, gcodeSwitchState, parseSwitchStates)
}

// SetActiveCurrent changes the current used while the given axes move. Other
// axes keep their settings.
func (d *Driver) SetActiveCurrent(settings map[string]float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currents.setActive(settings)
}

// SetDwellingCurrent changes the idle current of the given axes.
func (d *Driver) SetDwellingCurrent(settings map[string]float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currents.setDwelling(settings)
}

// PushActiveCurrent saves the active currents so a temporary override can be
// undone with PopActiveCurrent.
func (d *Driver) PushActiveCurrent() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.currents.push()
}

// PopActiveCurrent restores the most recently pushed active currents.
func (d *Driver) PopActiveCurrent() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currents.pop()
}

// ActiveCurrent returns the active current of every axis.
func (d *Driver) ActiveCurrent() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.currents.active)
}

// SetSpeed sets the gantry feed rate in mm/s.
func (d *Driver) SetSpeed(ctx context.Context, mmPerSec float64) error {
	if mmPerSec <= 0 {
		return fmt.Errorf("speed must be positive, got %v", mmPerSec)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.send(ctx, gcodeSpeed+formatFloat(round(mmPerSec*60))); err != nil {
		return err
	}
	d.speed = mmPerSec
	return nil
}

// PushSpeed saves the current feed rate.
func (d *Driver) PushSpeed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speedStack = append(d.speedStack, d.speed)
}

// PopSpeed restores the most recently pushed feed rate.
func (d *Driver) PopSpeed(ctx context.Context) error {
	d.mu.Lock()
	n := len(d.speedStack)
	if n == 0 {
		d.mu.Unlock()
		return errors.New("speed stack is empty")
	}
	speed := d.speedStack[n-1]
	d.speedStack = d.speedStack[:n-1]
	d.mu.Unlock()
	return d.SetSpeed(ctx, speed)
}

// SetAxisMaxSpeed limits the speed of individual axes in mm/s.
func (d *Driver) SetAxisMaxSpeed(ctx context.Context, settings map[string]float64) error {
	if len(settings) == 0 {
		return nil
	}
	for ax, v := range settings {
		if !strings.Contains(Axes, ax) || len(ax) != 1 || v <= 0 {
			return fmt.Errorf("invalid max speed %v for axis %q", v, ax)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.send(ctx, gcodeAxisMaxSpeed+" "+axisArgs(settings, " "))
	return err
}

// mountCode maps a mount name to the controller's instrument port letter.
func mountCode(mount string) (string, error) {
	switch strings.ToLower(mount) {
	case "left":
		return "L", nil
	case "right":
		return "R", nil
	}
	return "", fmt.Errorf("unknown mount %q", mount)
}

func (d *Driver) readInstrument(ctx context.Context, gcode, mount string) (string, error) {
	code, err := mountCode(mount)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	reply, err := d.send(ctx, gcode+" "+code)
	if err != nil {
		return "", err
	}
	return parseInstrumentData(reply), nil
}

// ReadPipetteModel returns the model written to the pipette on mount, or ""
// if the pipette is absent or uncommissioned.
func (d *Driver) ReadPipetteModel(ctx context.Context, mount string) (string, error) {
	return d.readInstrument(ctx, gcodeReadModel, mount)
}

// ReadPipetteID returns the serial written to the pipette on mount.
func (d *Driver) ReadPipetteID(ctx context.Context, mount string) (string, error) {
	return d.readInstrument(ctx, gcodeReadInstrument, mount)
}
