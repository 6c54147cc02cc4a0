// Package robot is the per-machine context: the pose graph of deck, gantry
// and instruments, the movers bound to the motion controller, and the motion
// planner that moves instruments between deck locations.
package robot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/deckbot/internal/config"
	"github.com/banshee-data/deckbot/internal/labware"
	"github.com/banshee-data/deckbot/internal/monitoring"
	"github.com/banshee-data/deckbot/internal/mover"
	"github.com/banshee-data/deckbot/internal/pipette"
	"github.com/banshee-data/deckbot/internal/pose"
)

var logf = monitoring.Component("robot")

// Deck layout.
const (
	DeckColumns = 3
	DeckRows    = 4
	ColumnPitch = 132.5
	RowPitch    = 90.5
	TrashSlot   = "12"
)

var (
	ErrNoInstrument  = errors.New("no instrument on mount")
	ErrMountOccupied = errors.New("mount already has an instrument")
	ErrSlotOccupied  = errors.New("slot already holds labware")
	ErrUnknownSlot   = errors.New("unknown slot")
)

// Frame keys of the fixed parts of the machine.
const (
	DeckFrame        pose.FrameID = "deck"
	CalibrationFrame pose.FrameID = "gantry-calibration"
	GantryFrame      pose.FrameID = "gantry"
)

func SlotFrame(slot string) pose.FrameID           { return pose.FrameID("slot/" + slot) }
func LabwareFrame(slot string) pose.FrameID        { return pose.FrameID("labware/" + slot) }
func WellFrame(slot, well string) pose.FrameID     { return pose.FrameID("labware/" + slot + "/" + well) }
func CarriageFrame(m pipette.Mount) pose.FrameID   { return pose.FrameID("carriage/" + string(m)) }
func MountFrame(m pipette.Mount) pose.FrameID      { return pose.FrameID("mount/" + string(m)) }
func InstrumentFrame(m pipette.Mount) pose.FrameID { return pose.FrameID("pipette/" + string(m)) }
func PlungerFrame(m pipette.Mount) pose.FrameID    { return pose.FrameID("plunger/" + string(m)) }
func VolumeCalibrationFrame(m pipette.Mount) pose.FrameID {
	return pose.FrameID("volume-calibration/" + string(m))
}

// Mounts lists both mounts in a fixed order.
var Mounts = []pipette.Mount{pipette.Left, pipette.Right}

// Driver is the motion controller as the robot uses it.
type Driver interface {
	mover.Driver
	UpdatePosition(ctx context.Context) (map[string]float64, error)
	Disengage(ctx context.Context, axes string) error
	Engaged() map[string]bool
	Pause()
	Resume()
	// WaitResumed blocks while motion is paused.
	WaitResumed(ctx context.Context) error
	PushActiveCurrent()
	PopActiveCurrent() error
	SetActiveCurrent(settings map[string]float64) error
}

// InstrumentDiscovery reports the model written to the pipette on a mount,
// "" when the mount is empty or the pipette uncommissioned.
type InstrumentDiscovery interface {
	ReadPipetteModel(ctx context.Context, mount string) (string, error)
}

// Option configures a Robot.
type Option func(*Robot)

// WithCatalog sets the labware catalog. Definitions changed by labware
// calibration are saved back when the catalog is a labware.Store.
func WithCatalog(c labware.Catalog) Option { return func(r *Robot) { r.catalog = c } }

// WithPipetteModels sets the pipette model registry.
func WithPipetteModels(m *pipette.Registry) Option { return func(r *Robot) { r.models = m } }

// WithDiscovery sets how attached instruments are identified. By default the
// driver is used when it can read instrument memory.
func WithDiscovery(d InstrumentDiscovery) Option { return func(r *Robot) { r.discovery = d } }

type placed struct {
	def   labware.Definition
	frame pose.FrameID
}

// Robot is safe for concurrent use. Motion and graph changes are
// serialised; Pause and Resume reach the driver without waiting. A motion
// held by Pause gives up the state lock, so status queries still answer.
type Robot struct {
	driver    Driver
	cfg       *config.RobotConfig
	catalog   labware.Catalog
	models    *pipette.Registry
	discovery InstrumentDiscovery

	op          sync.Mutex // held for a whole motion or graph change
	mu          sync.Mutex // guards the fields below
	graph       *pose.Graph
	gantry      *mover.Mover
	carriages   map[pipette.Mount]*mover.Mover
	plungers    map[pipette.Mount]*mover.Mover
	instruments map[pipette.Mount]*pipette.Pipette
	slots       map[string]*placed
	byFrame     map[pose.FrameID]*placed

	modelByMount map[pipette.Mount]string

	safestHeight bool
	prevMount    pipette.Mount
	prevLabware  pose.FrameID
}

// New builds the robot context and syncs it with the driver's position.
func New(ctx context.Context, d Driver, cfg *config.RobotConfig, opts ...Option) (*Robot, error) {
	if cfg == nil {
		cfg = config.EmptyRobotConfig()
	}
	r := &Robot{
		driver:       d,
		cfg:          cfg,
		catalog:      labware.NewMemoryStore(labware.Builtin()...),
		models:       pipette.NewRegistry(),
		modelByMount: map[pipette.Mount]string{},
	}
	if disc, ok := d.(InstrumentDiscovery); ok {
		r.discovery = disc
	}
	for _, o := range opts {
		o(r)
	}
	if err := r.Reset(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reset rebuilds the deck and gantry from configuration. Instruments and
// labware are removed and planner state cleared.
func (r *Robot) Reset(ctx context.Context) error {
	defer r.lockMotion()()

	r.graph = pose.New()
	r.instruments = make(map[pipette.Mount]*pipette.Pipette)
	r.slots = make(map[string]*placed)
	r.byFrame = make(map[pose.FrameID]*placed)
	r.safestHeight = false
	r.prevMount = ""
	r.prevLabware = ""

	if err := r.setupDeck(); err != nil {
		return err
	}
	if err := r.setupGantry(); err != nil {
		return err
	}
	if _, err := r.addLabware(ctx, r.cfg.GetTrashLabware(), TrashSlot); err != nil {
		return fmt.Errorf("trash: %w", err)
	}

	if _, err := r.driver.UpdatePosition(ctx); err != nil {
		return fmt.Errorf("read position: %w", err)
	}
	return r.syncMovers()
}

func (r *Robot) setupDeck() error {
	if err := r.graph.Add(DeckFrame, pose.Root, pose.Identity()); err != nil {
		return err
	}
	for row := 0; row < DeckRows; row++ {
		for col := 0; col < DeckColumns; col++ {
			name := strconv.Itoa(col + row*DeckColumns + 1)
			p := pose.Point{X: ColumnPitch * float64(col), Y: RowPitch * float64(row)}
			if err := r.graph.AddPoint(SlotFrame(name), DeckFrame, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// setupGantry lays out the machine frames. The calibration frame carries
// the inverse of the deck-to-machine calibration, so everything under it is
// in controller coordinates. Mount frames cancel the calibration rotation
// again so instrument offsets stay in deck axes.
func (r *Robot) setupGantry() error {
	cal := r.cfg.GetGantryCalibration()
	inv, err := cal.Inverse()
	if err != nil {
		return fmt.Errorf("gantry calibration: %w", err)
	}

	g := r.graph
	if err := g.Add(CalibrationFrame, pose.Root, inv); err != nil {
		return err
	}
	if err := g.Add(GantryFrame, CalibrationFrame, pose.Identity()); err != nil {
		return err
	}
	r.gantry = mover.New(motionDriver{r}, GantryFrame, pose.Root, CalibrationFrame, map[string]string{"x": "X", "y": "Y"})

	r.carriages = make(map[pipette.Mount]*mover.Mover, 2)
	r.plungers = make(map[pipette.Mount]*mover.Mover, 2)
	for _, m := range Mounts {
		if err := g.Add(CarriageFrame(m), GantryFrame, pose.Identity()); err != nil {
			return err
		}
		if err := g.Add(MountFrame(m), CarriageFrame(m), cal.Linear()); err != nil {
			return err
		}
		r.carriages[m] = mover.New(motionDriver{r}, CarriageFrame(m), pose.Root, CalibrationFrame, map[string]string{"z": m.Axis()})

		if err := g.Add(VolumeCalibrationFrame(m), pose.Root, pose.Identity()); err != nil {
			return err
		}
		if err := g.Add(PlungerFrame(m), VolumeCalibrationFrame(m), pose.Identity()); err != nil {
			return err
		}
		r.plungers[m] = mover.New(motionDriver{r}, PlungerFrame(m), pose.Root, VolumeCalibrationFrame(m), map[string]string{"x": m.PlungerAxis()})
	}
	return nil
}

func (r *Robot) syncMovers() error {
	if err := r.gantry.UpdatePoseFromDriver(r.graph); err != nil {
		return err
	}
	for _, m := range Mounts {
		if err := r.carriages[m].UpdatePoseFromDriver(r.graph); err != nil {
			return err
		}
		if err := r.plungers[m].UpdatePoseFromDriver(r.graph); err != nil {
			return err
		}
	}
	return nil
}

// lockMotion takes the operation lock then the state lock. Callers defer
// the returned release.
func (r *Robot) lockMotion() func() {
	r.op.Lock()
	r.mu.Lock()
	return func() {
		r.mu.Unlock()
		r.op.Unlock()
	}
}

// motionDriver is the driver as seen from inside an operation holding
// lockMotion. It waits out a pause with the state lock released; the
// operation lock keeps other motion out meanwhile.
type motionDriver struct{ r *Robot }

func (d motionDriver) awaitResume(ctx context.Context) error {
	d.r.mu.Unlock()
	defer d.r.mu.Lock()
	return d.r.driver.WaitResumed(ctx)
}

func (d motionDriver) Move(ctx context.Context, target map[string]float64) error {
	if err := d.awaitResume(ctx); err != nil {
		return err
	}
	return d.r.driver.Move(ctx, target)
}

func (d motionDriver) Home(ctx context.Context, axes string) (map[string]float64, error) {
	if err := d.awaitResume(ctx); err != nil {
		return nil, err
	}
	return d.r.driver.Home(ctx, axes)
}

func (d motionDriver) Position() map[string]float64      { return d.r.driver.Position() }
func (d motionDriver) HomedPosition() map[string]float64 { return d.r.driver.HomedPosition() }

// Config returns the live configuration.
func (r *Robot) Config() *config.RobotConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Graph runs fn with the pose graph held. fn must not call back into r.
func (r *Robot) Graph(fn func(g *pose.Graph) error) error {
	defer r.lockMotion()()
	return fn(r.graph)
}

// Absolute returns the deck position of a frame.
func (r *Robot) Absolute(id pose.FrameID) (pose.Point, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graph.Absolute(id)
}

// SetGantryCalibration replaces the deck-to-machine transform and applies it
// to the live graph.
func (r *Robot) SetGantryCalibration(t pose.Transform) error {
	inv, err := t.Inverse()
	if err != nil {
		return fmt.Errorf("gantry calibration: %w", err)
	}
	defer r.lockMotion()()
	if err := r.graph.SetTransform(CalibrationFrame, inv); err != nil {
		return err
	}
	for _, m := range Mounts {
		if err := r.graph.SetTransform(MountFrame(m), t.Linear()); err != nil {
			return err
		}
	}
	r.cfg.SetGantryCalibration(t)
	logf("gantry calibration offset now %v", t.Offset())
	return nil
}

// SetSafestHeight makes arcs rise as high as the instrument can reach.
func (r *Robot) SetSafestHeight(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.safestHeight = on
}

// SafestHeight reports whether arcs currently rise to the instrument maximum.
func (r *Robot) SafestHeight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.safestHeight
}

// Home homes the gantry then both plungers and forgets planner history.
func (r *Robot) Home(ctx context.Context) error {
	defer r.lockMotion()()

	if err := r.gantry.Home(ctx, r.graph); err != nil {
		return err
	}
	for _, m := range Mounts {
		if err := r.plungers[m].Home(ctx, r.graph); err != nil {
			return err
		}
	}
	r.prevMount = ""
	r.prevLabware = ""
	// the gantry home also homed Z and A
	for _, m := range Mounts {
		if err := r.carriages[m].UpdatePoseFromDriver(r.graph); err != nil {
			return err
		}
	}
	return nil
}

// HomeMount retracts the carriage of mount.
func (r *Robot) HomeMount(ctx context.Context, m pipette.Mount) error {
	defer r.lockMotion()()
	return r.carriages[m].Home(ctx, r.graph)
}

// HomePlunger homes the plunger of mount.
func (r *Robot) HomePlunger(ctx context.Context, m pipette.Mount) error {
	defer r.lockMotion()()
	return r.plungers[m].Home(ctx, r.graph)
}

// Pause holds the next motion command until Resume.
func (r *Robot) Pause() { r.driver.Pause() }

// Resume releases paused motion.
func (r *Robot) Resume() { r.driver.Resume() }

// Positions returns the last confirmed driver position of every axis.
func (r *Robot) Positions() map[string]float64 { return r.driver.Position() }

// EngagedAxes reports which motors are energised.
func (r *Robot) EngagedAxes() map[string]bool { return r.driver.Engaged() }

// Disengage de-energises axes.
func (r *Robot) Disengage(ctx context.Context, axes string) error {
	return r.driver.Disengage(ctx, axes)
}

// JogAxis moves one driver axis by delta and returns the new driver
// position. All movers are re-synced afterwards.
func (r *Robot) JogAxis(ctx context.Context, axis string, delta float64) (map[string]float64, error) {
	defer r.lockMotion()()
	pos := r.driver.Position()
	err := motionDriver{r}.Move(ctx, map[string]float64{axis: pos[axis] + delta})
	if serr := r.syncMovers(); serr != nil {
		return nil, errors.Join(err, serr)
	}
	if err != nil {
		return nil, err
	}
	return r.driver.Position(), nil
}

// MaxDeckHeight is the highest point of anything on the deck.
func (r *Robot) MaxDeckHeight() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graph.MaxZ(DeckFrame)
}

// Slot returns the location of a slot's origin.
func (r *Robot) Slot(name string) (Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.graph.Has(SlotFrame(name)) {
		return Location{}, fmt.Errorf("%w: %s", ErrUnknownSlot, name)
	}
	return Location{Frame: SlotFrame(name)}, nil
}

// AddLabware places a labware definition in a slot and returns the frame of
// the labware origin.
func (r *Robot) AddLabware(ctx context.Context, name, slot string) (pose.FrameID, error) {
	defer r.lockMotion()()
	return r.addLabware(ctx, name, slot)
}

func (r *Robot) addLabware(ctx context.Context, name, slot string) (pose.FrameID, error) {
	if !r.graph.Has(SlotFrame(slot)) {
		return "", fmt.Errorf("%w: %s", ErrUnknownSlot, slot)
	}
	if p, ok := r.slots[slot]; ok {
		return "", fmt.Errorf("%w: slot %s has %s", ErrSlotOccupied, slot, p.def.Name)
	}
	def, err := r.catalog.Load(ctx, name)
	if err != nil {
		return "", err
	}

	frame := LabwareFrame(slot)
	if err := r.graph.AddPoint(frame, SlotFrame(slot), def.OriginPoint()); err != nil {
		return "", err
	}
	for _, w := range def.Wells {
		if err := r.graph.AddPoint(WellFrame(slot, w.Name), frame, w.Point()); err != nil {
			r.graph.Remove(frame)
			return "", err
		}
	}
	p := &placed{def: def, frame: frame}
	r.slots[slot] = p
	r.byFrame[frame] = p
	logf("placed %s in slot %s", name, slot)
	return frame, nil
}

// RemoveLabware clears a slot.
func (r *Robot) RemoveLabware(slot string) error {
	defer r.lockMotion()()
	p, ok := r.slots[slot]
	if !ok {
		return fmt.Errorf("%w: slot %s is empty", ErrUnknownLocation, slot)
	}
	if err := r.graph.Remove(p.frame); err != nil {
		return err
	}
	delete(r.slots, slot)
	delete(r.byFrame, p.frame)
	if r.prevLabware == p.frame {
		r.prevLabware = ""
	}
	return nil
}

// Labware returns the definition placed in slot.
func (r *Robot) Labware(slot string) (labware.Definition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.slots[slot]
	if !ok {
		return labware.Definition{}, false
	}
	return p.def, true
}

// Well returns the location of the top of a well.
func (r *Robot) Well(slot, well string) (Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.slots[slot]
	if !ok {
		return Location{}, fmt.Errorf("%w: slot %s is empty", ErrUnknownLocation, slot)
	}
	w, ok := p.def.Well(well)
	if !ok {
		return Location{}, fmt.Errorf("%w: %s has no well %s", ErrUnknownLocation, p.def.Name, well)
	}
	return Location{Frame: WellFrame(slot, w.Name)}, nil
}

func kindOf(cfg pipette.Config) string {
	if cfg.MultiChannel() {
		return string(pipette.Multi)
	}
	return string(pipette.Single)
}

// AddInstrument attaches a pipette of the given model to a mount. Its frame
// sits at the model offset plus the measured instrument offset; the left
// mount also carries the offset between the mounts.
func (r *Robot) AddInstrument(m pipette.Mount, model string) (*pipette.Pipette, error) {
	cfg, err := r.models.Load(model)
	if err != nil {
		return nil, err
	}
	defer r.lockMotion()()
	if prev, ok := r.instruments[m]; ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrMountOccupied, prev.Config.Name, m)
	}

	// the instrument offset's z is folded into tip length by the tip probe
	measured := r.cfg.GetInstrumentOffset(string(m), kindOf(cfg))
	measured.Z = 0
	offset := cfg.Offset().Add(measured)
	if m == pipette.Left {
		offset = offset.Add(r.cfg.GetMountOffset())
	}
	if err := r.graph.AddPoint(InstrumentFrame(m), MountFrame(m), offset); err != nil {
		return nil, err
	}
	if err := r.driver.SetActiveCurrent(map[string]float64{m.PlungerAxis(): cfg.PlungerCurrent}); err != nil {
		r.graph.Remove(InstrumentFrame(m))
		return nil, err
	}
	p := pipette.New(m, cfg, "")
	r.instruments[m] = p
	logf("attached %s on %s at %v", model, m, offset)
	return p, nil
}

// RemoveInstrument detaches the pipette on a mount, if any.
func (r *Robot) RemoveInstrument(m pipette.Mount) {
	defer r.lockMotion()()
	if _, ok := r.instruments[m]; !ok {
		return
	}
	r.graph.Remove(InstrumentFrame(m))
	delete(r.instruments, m)
	if r.prevMount == m {
		r.prevMount = ""
		r.prevLabware = ""
	}
}

// Instrument returns the pipette on a mount.
func (r *Robot) Instrument(m pipette.Mount) (*pipette.Pipette, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.instruments[m]
	return p, ok
}

// CacheInstrumentModels re-reads which models are attached to each mount.
func (r *Robot) CacheInstrumentModels(ctx context.Context) error {
	if r.discovery == nil {
		return nil
	}
	found := make(map[pipette.Mount]string, 2)
	for _, m := range Mounts {
		model, err := r.discovery.ReadPipetteModel(ctx, string(m))
		if err != nil {
			return fmt.Errorf("read %s pipette: %w", m, err)
		}
		found[m] = model
	}
	r.mu.Lock()
	r.modelByMount = found
	r.mu.Unlock()
	return nil
}

// AttachedPipette describes what is known about a mount's pipette.
type AttachedPipette struct {
	Model       string  `json:"model"`
	TipLength   float64 `json:"tip_length,omitempty"`
	MountAxis   string  `json:"mount_axis"`
	PlungerAxis string  `json:"plunger_axis"`
}

// AttachedPipettes returns the cached models per mount. Model is empty for
// an empty mount or an uncommissioned pipette.
func (r *Robot) AttachedPipettes() map[pipette.Mount]AttachedPipette {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[pipette.Mount]AttachedPipette, 2)
	for _, m := range Mounts {
		a := AttachedPipette{
			Model:       r.modelByMount[m],
			MountAxis:   strings.ToLower(m.Axis()),
			PlungerAxis: strings.ToLower(m.PlungerAxis()),
		}
		if cfg, err := r.models.Load(a.Model); err == nil {
			a.TipLength = cfg.TipLength
		}
		out[m] = a
	}
	return out
}

// PipetteModel resolves a model name through the robot's registry.
func (r *Robot) PipetteModel(model string) (pipette.Config, error) {
	return r.models.Load(model)
}
