package robot

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/deckbot/internal/labware"
	"github.com/banshee-data/deckbot/internal/pipette"
	"github.com/banshee-data/deckbot/internal/pose"
)

// Tip pick-up motion.
const (
	pickUpPresses  = 3
	pickUpDistance = 10.0
	pickUpStep     = 1.0
)

var ErrNoTip = errors.New("no tip attached")

// setTip shifts the instrument frame down by length and records the tip. An
// existing tip is replaced.
func (r *Robot) setTip(inst *pipette.Pipette, length float64) error {
	if err := r.clearTip(inst); err != nil {
		return err
	}
	if err := r.shiftInstrument(inst.Mount, -length); err != nil {
		return err
	}
	inst.AttachTip(length)
	return nil
}

func (r *Robot) clearTip(inst *pipette.Pipette) error {
	if has, _ := inst.Tip(); !has {
		return nil
	}
	return r.shiftInstrument(inst.Mount, inst.DetachTip())
}

func (r *Robot) shiftInstrument(m pipette.Mount, dz float64) error {
	local, err := r.graph.Local(InstrumentFrame(m))
	if err != nil {
		return err
	}
	return r.graph.Update(InstrumentFrame(m), local.Offset().Add(pose.Point{Z: dz}))
}

func (r *Robot) instrument(m pipette.Mount) (*pipette.Pipette, error) {
	inst, ok := r.instruments[m]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoInstrument, m)
	}
	return inst, nil
}

// AddTip tells the robot the instrument on m now carries a tip of the given
// length. Nothing moves.
func (r *Robot) AddTip(m pipette.Mount, length float64) error {
	if length <= 0 {
		return fmt.Errorf("tip length must be positive, got %v", length)
	}
	defer r.lockMotion()()
	inst, err := r.instrument(m)
	if err != nil {
		return err
	}
	return r.setTip(inst, length)
}

// RemoveTip forgets the tip on m. Nothing moves.
func (r *Robot) RemoveTip(m pipette.Mount) error {
	defer r.lockMotion()()
	inst, err := r.instrument(m)
	if err != nil {
		return err
	}
	return r.clearTip(inst)
}

// movePlunger drives the plunger of m to one of its named positions.
func (r *Robot) movePlunger(ctx context.Context, m pipette.Mount, pos float64) error {
	return r.plungers[m].Move(ctx, r.graph, map[string]float64{"x": pos})
}

// withCurrent runs fn with axis at the given active current and restores
// the previous currents afterwards.
func (r *Robot) withCurrent(axis string, amps float64, fn func() error) error {
	r.driver.PushActiveCurrent()
	err := r.driver.SetActiveCurrent(map[string]float64{axis: amps})
	if err == nil {
		err = fn()
	}
	if perr := r.driver.PopActiveCurrent(); perr != nil {
		return errors.Join(err, perr)
	}
	return err
}

// PickUpTip moves the instrument on m to the top of a tip at loc and
// presses onto it at the model's pick-up current. Each press goes a little
// deeper.
func (r *Robot) PickUpTip(ctx context.Context, m pipette.Mount, loc Location) error {
	defer r.lockMotion()()
	inst, err := r.instrument(m)
	if err != nil {
		return err
	}
	if has, _ := inst.Tip(); has {
		return fmt.Errorf("%s already has a tip", m)
	}

	if err := r.movePlunger(ctx, m, inst.Config.PlungerPositions.Bottom); err != nil {
		return err
	}
	if err := r.moveTo(ctx, m, loc, Arc); err != nil {
		return err
	}
	top, err := r.graph.Absolute(InstrumentFrame(m))
	if err != nil {
		return err
	}

	err = r.withCurrent(m.Axis(), inst.Config.PickUpCurrent, func() error {
		for i := 0; i < pickUpPresses; i++ {
			depth := top.Z - pickUpDistance - float64(i)*pickUpStep
			if err := r.moveInstrument(ctx, m, map[string]float64{"z": depth}); err != nil {
				return err
			}
			if err := r.moveInstrument(ctx, m, map[string]float64{"z": top.Z}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pick up tip: %w", err)
	}
	if err := r.setTip(inst, inst.Config.TipLength); err != nil {
		return err
	}
	logf("%s picked up a %.1f mm tip", m, inst.Config.TipLength)
	return nil
}

// DropTip moves the instrument on m to loc and ejects its tip.
func (r *Robot) DropTip(ctx context.Context, m pipette.Mount, loc Location) error {
	defer r.lockMotion()()
	inst, err := r.instrument(m)
	if err != nil {
		return err
	}
	if has, _ := inst.Tip(); !has {
		return fmt.Errorf("%w: %s", ErrNoTip, m)
	}

	if err := r.moveTo(ctx, m, loc, Arc); err != nil {
		return err
	}
	pos := inst.Config.PlungerPositions
	if err := r.movePlunger(ctx, m, pos.Bottom); err != nil {
		return err
	}
	err = r.withCurrent(m.PlungerAxis(), inst.Config.DropTipCurrent, func() error {
		return r.movePlunger(ctx, m, pos.DropTip)
	})
	if err != nil {
		return fmt.Errorf("drop tip: %w", err)
	}
	if err := r.movePlunger(ctx, m, pos.Bottom); err != nil {
		return err
	}
	return r.clearTip(inst)
}

// DropTipInTrash drops the tip of m into the first well of the fixed trash.
func (r *Robot) DropTipInTrash(ctx context.Context, m pipette.Mount) error {
	def, ok := r.Labware(TrashSlot)
	if !ok || len(def.Wells) == 0 {
		return fmt.Errorf("%w: no trash in slot %s", ErrUnknownLocation, TrashSlot)
	}
	loc, err := r.Well(TrashSlot, def.Wells[0].Name)
	if err != nil {
		return err
	}
	return r.DropTip(ctx, m, loc)
}

// CalibrateLabware records that the instrument on m is now exactly at the
// first well of the labware in slot. The labware is shifted by the
// difference and, when save is set and the catalog can store definitions,
// the corrected definition is persisted.
func (r *Robot) CalibrateLabware(ctx context.Context, m pipette.Mount, slot string, save bool) (labware.Definition, error) {
	defer r.lockMotion()()
	inst, err := r.instrument(m)
	if err != nil {
		return labware.Definition{}, err
	}
	p, ok := r.slots[slot]
	if !ok {
		return labware.Definition{}, fmt.Errorf("%w: slot %s is empty", ErrUnknownLocation, slot)
	}
	if len(p.def.Wells) == 0 {
		return labware.Definition{}, fmt.Errorf("%s has no wells", p.def.Name)
	}

	delta, err := r.graph.ChangeBase(WellFrame(slot, p.def.Wells[0].Name), InstrumentFrame(m))
	if err != nil {
		return labware.Definition{}, err
	}
	if inst.Config.MultiChannel() && p.def.IsTrough() {
		delta.Y -= pipette.YOffsetMulti
	}

	local, err := r.graph.Local(p.frame)
	if err != nil {
		return labware.Definition{}, err
	}
	if err := r.graph.Update(p.frame, local.Offset().Add(delta)); err != nil {
		return labware.Definition{}, err
	}
	p.def.Origin = p.def.OriginPoint().Add(delta)
	logf("calibrated %s in slot %s by %v", p.def.Name, slot, delta)

	if save {
		if store, ok := r.catalog.(labware.Store); ok {
			if err := store.Save(ctx, p.def); err != nil {
				return p.def, fmt.Errorf("save %s: %w", p.def.Name, err)
			}
		}
	}
	return p.def, nil
}
