package smoothie

import (
	"encoding/hex"
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/deckbot/internal/serialmux"
)

var axisValue = regexp.MustCompile(`([XYZABCF])(-?[0-9]*\.?[0-9]+)`)

// VirtualController is an in-memory controller speaking the same line
// protocol as the firmware: every line is answered by its data lines and a
// final "ok", or by an alarm. Moves past an axis' homed position raise a
// hard-limit alarm, after which everything but M999 is refused.
type VirtualController struct {
	mu       sync.Mutex
	homed    map[string]float64
	position map[string]float64
	homedSet map[string]bool
	currents map[string]float64
	models   map[string]string
	ids      map[string]string
	alarmed  bool
	speed    float64
	lines    []string
}

// NewVirtualController returns a controller whose axes start at their homed
// positions.
func NewVirtualController(homed map[string]float64) *VirtualController {
	if homed == nil {
		homed = DefaultConfig().HomedPosition
	}
	return &VirtualController{
		homed:    maps.Clone(homed),
		position: maps.Clone(homed),
		homedSet: make(map[string]bool),
		currents: make(map[string]float64),
		models:   make(map[string]string),
		ids:      make(map[string]string),
	}
}

// AttachPipette writes model and id to the instrument on mount ("L" or "R").
func (v *VirtualController) AttachPipette(mount, model, id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.models[mount] = model
	v.ids[mount] = id
}

// Port returns a serial port backed by the controller.
func (v *VirtualController) Port() *serialmux.TestableSerialPort {
	p := serialmux.NewTestableSerialPort()
	p.Respond = v.Respond
	return p
}

// Lines returns every line received so far.
func (v *VirtualController) Lines() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.lines...)
}

// Position returns the controller's idea of the axis positions.
func (v *VirtualController) Position() map[string]float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return maps.Clone(v.position)
}

// Current returns the last current set for an axis.
func (v *VirtualController) Current(axis string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currents[axis]
}

// Respond handles one command line.
func (v *VirtualController) Respond(line string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	v.lines = append(v.lines, line)

	fields := strings.Fields(line)
	var out []string
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if v.alarmed && f != gcodeClearAlarm {
			return []string{"error: Alarm lock"}
		}
		switch {
		case f == gcodeClearAlarm:
			v.alarmed = false
		case f == gcodeWait, strings.HasPrefix(f, gcodeDwell):
		case f == gcodeSetCurrent:
			for i+1 < len(fields) && axisValue.MatchString(fields[i+1]) && strings.Contains(Axes, fields[i+1][:1]) {
				i++
				val, _ := strconv.ParseFloat(fields[i][1:], 64)
				v.currents[fields[i][:1]] = val
			}
		case f == gcodeAxisMaxSpeed:
			for i+1 < len(fields) && axisValue.MatchString(fields[i+1]) {
				i++
			}
		case f == gcodePosition:
			out = append(out, "ok MCS: "+v.axisReport("%.4f"))
		case f == gcodeHomedFlags:
			parts := make([]string, 0, len(Axes))
			for _, ax := range Axes {
				flag := 0
				if v.homedSet[string(ax)] {
					flag = 1
				}
				parts = append(parts, fmt.Sprintf("%c:%d", ax, flag))
			}
			out = append(out, strings.Join(parts, " "))
		case f == gcodeSwitchState:
			parts := make([]string, 0, len(Axes)+1)
			for _, ax := range Axes {
				parts = append(parts, fmt.Sprintf("%c_max:0", ax))
			}
			out = append(out, strings.Join(parts, " ")+" Probe: 0")
		case f == gcodeReadModel, f == gcodeReadInstrument:
			mount := "L"
			if i+1 < len(fields) && (fields[i+1] == "L" || fields[i+1] == "R") {
				i++
				mount = fields[i]
			}
			src := v.models
			if f == gcodeReadInstrument {
				src = v.ids
			}
			out = append(out, mount+":"+hex.EncodeToString([]byte(src[mount])))
		case strings.HasPrefix(f, gcodeHome):
			for _, ax := range f[len(gcodeHome):] {
				v.position[string(ax)] = v.homed[string(ax)]
				v.homedSet[string(ax)] = true
			}
		case strings.HasPrefix(f, gcodeDisengage):
		case strings.HasPrefix(f, gcodeSpeed):
			v.speed, _ = strconv.ParseFloat(f[len(gcodeSpeed):], 64)
		case strings.HasPrefix(f, gcodeMove):
			for _, m := range axisValue.FindAllStringSubmatch(f[len(gcodeMove):], -1) {
				val, _ := strconv.ParseFloat(m[2], 64)
				if limit, ok := v.homed[m[1]]; ok && val > limit+plungerBacklash+1e-9 {
					v.alarmed = true
					return append(out, "ALARM: Hard limit +"+m[1])
				}
				v.position[m[1]] = val
			}
		default:
			return append(out, "error: Unsupported command "+f)
		}
	}
	return append(out, ackLine)
}

func (v *VirtualController) axisReport(format string) string {
	parts := make([]string, 0, len(Axes))
	for _, ax := range Axes {
		parts = append(parts, fmt.Sprintf("%c:"+format, ax, v.position[string(ax)]))
	}
	return strings.Join(parts, " ")
}
