package pipette

import (
	"fmt"
	"strings"
	"sync"
)

// Mount is one of the two instrument carriages.
type Mount string

const (
	Left  Mount = "left"
	Right Mount = "right"
)

// ParseMount accepts "left" or "right" in any case.
func ParseMount(s string) (Mount, error) {
	switch m := Mount(strings.ToLower(strings.TrimSpace(s))); m {
	case Left, Right:
		return m, nil
	}
	return "", fmt.Errorf("unknown mount %q", s)
}

// Axis returns the driver axis that raises and lowers the mount.
func (m Mount) Axis() string {
	if m == Left {
		return "Z"
	}
	return "A"
}

// PlungerAxis returns the driver axis of the mount's plunger.
func (m Mount) PlungerAxis() string {
	if m == Left {
		return "B"
	}
	return "C"
}

// Pipette is an instrument attached to a mount. Tip state is shared between
// the planner and the calibration session, so access is synchronised.
type Pipette struct {
	Mount  Mount
	Config Config
	ID     string

	mu        sync.Mutex
	tipLength float64
	hasTip    bool
}

// New returns a pipette of the given model on mount.
func New(mount Mount, cfg Config, id string) *Pipette {
	return &Pipette{Mount: mount, Config: cfg, ID: id}
}

// Name identifies the pipette's graph frames.
func (p *Pipette) Name() string { return string(p.Mount) }

// AttachTip records a tip of the given length; a second call replaces it.
func (p *Pipette) AttachTip(length float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tipLength = length
	p.hasTip = true
}

// DetachTip clears the tip and returns the length that was attached.
func (p *Pipette) DetachTip() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.tipLength
	p.tipLength = 0
	p.hasTip = false
	return l
}

// Tip reports whether a tip is attached and its length.
func (p *Pipette) Tip() (bool, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasTip, p.tipLength
}
