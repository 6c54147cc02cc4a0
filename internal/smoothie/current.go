package smoothie

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

// currents tracks motor current per axis. applied is what the controller was
// last told; active and dwelling are the targets for moving and idle axes.
type currents struct {
	active   map[string]float64
	dwelling map[string]float64
	applied  map[string]float64
	stack    []map[string]float64
}

func newCurrents(active, dwelling map[string]float64) *currents {
	c := &currents{
		active:   maps.Clone(active),
		dwelling: maps.Clone(dwelling),
	}
	c.applied = maps.Clone(c.dwelling)
	return c
}

func validateCurrents(settings map[string]float64) error {
	for ax, v := range settings {
		if len(ax) != 1 || !strings.Contains(Axes, ax) {
			return fmt.Errorf("unknown axis %q", ax)
		}
		if v < 0 {
			return fmt.Errorf("current for axis %s must not be negative, got %v", ax, v)
		}
	}
	return nil
}

func (c *currents) setActive(settings map[string]float64) error {
	if err := validateCurrents(settings); err != nil {
		return err
	}
	maps.Copy(c.active, settings)
	return nil
}

func (c *currents) setDwelling(settings map[string]float64) error {
	if err := validateCurrents(settings); err != nil {
		return err
	}
	maps.Copy(c.dwelling, settings)
	return nil
}

func (c *currents) push() {
	c.stack = append(c.stack, maps.Clone(c.active))
}

func (c *currents) pop() error {
	n := len(c.stack)
	if n == 0 {
		return errors.New("active current stack is empty")
	}
	c.active = c.stack[n-1]
	c.stack = c.stack[:n-1]
	return nil
}

// engage sets the given axes to their active current and every other axis to
// its dwelling current.
func (c *currents) engage(axes string) {
	for _, ax := range Axes {
		a := string(ax)
		if strings.ContainsRune(axes, ax) {
			c.applied[a] = c.active[a]
		} else {
			c.applied[a] = c.dwelling[a]
		}
	}
}

// dwell returns the given axes to their dwelling current.
func (c *currents) dwell(axes string) {
	for _, ax := range axes {
		c.applied[string(ax)] = c.dwelling[string(ax)]
	}
}

// idle reports whether every axis is already at its dwelling current.
func (c *currents) idle() bool {
	for ax, v := range c.applied {
		if v != c.dwelling[ax] {
			return false
		}
	}
	return true
}

// command renders the current-setting prefix for the applied values.
func (c *currents) command() string {
	return gcodeSetCurrent + " " + axisArgs(c.applied, " ") + " " + gcodeDwell + currentSettleDelay
}
