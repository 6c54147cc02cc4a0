package smoothie

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// Axes lists every physical axis in wire order. X and Y drive the gantry,
// Z and A the left and right mount carriages, B and C the left and right
// plungers.
const Axes = "XYZABC"

const (
	gcodeMove           = "G0"
	gcodeSpeed          = "G0F"
	gcodeDwell          = "G4P"
	gcodeHome           = "G28.2"
	gcodeHomedFlags     = "G28.6"
	gcodeSetCurrent     = "M907"
	gcodeDisengage      = "M18"
	gcodeSwitchState    = "M119"
	gcodePosition       = "M114.2"
	gcodeAxisMaxSpeed   = "M203.1"
	gcodeReadInstrument = "M369"
	gcodeReadModel      = "M371"
	gcodeClearAlarm     = "M999"
	gcodeWait           = "M400"
)

const (
	// roundingDigits is the precision of coordinates sent on the wire.
	roundingDigits = 3
	// currentSettleDelay follows every current change so the drivers settle
	// before the next motion starts.
	currentSettleDelay = "0.005"
	// plungerBacklash is the overshoot applied to positive plunger moves.
	plungerBacklash = 0.3
	ackLine         = "ok"
)

func round(v float64) float64 {
	p := math.Pow10(roundingDigits)
	return math.Round(v*p) / p
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// normalizeAxes upper-cases the requested axes, drops unknown letters and
// duplicates, and returns them in wire order.
func normalizeAxes(axes string) string {
	axes = strings.ToUpper(axes)
	var b strings.Builder
	for _, ax := range Axes {
		if strings.ContainsRune(axes, ax) {
			b.WriteRune(ax)
		}
	}
	return b.String()
}

// sortedAxes returns the keys of m in alphabetical order, which is how the
// controller expects per-axis arguments to be listed.
func sortedAxes[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// axisArgs renders "X1.5Y2" style arguments, or "X1.5 Y2" when sep is " ".
func axisArgs(values map[string]float64, sep string) string {
	parts := make([]string, 0, len(values))
	for _, ax := range sortedAxes(values) {
		parts = append(parts, ax+formatFloat(values[ax]))
	}
	return strings.Join(parts, sep)
}

// gcodeName returns the leading command word of a line with any current
// prefix removed, for metrics labels.
func gcodeName(command string) string {
	fields := strings.Fields(command)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case f == gcodeSetCurrent:
			// skip the current arguments and settle delay
			for i+1 < len(fields) && !strings.HasPrefix(fields[i+1], "G") && !strings.HasPrefix(fields[i+1], "M") {
				i++
			}
			continue
		case strings.HasPrefix(f, gcodeDwell), f == gcodeWait:
			continue
		}
		end := strings.IndexAny(f[1:], "XYZABCFLR")
		if end < 0 {
			return f
		}
		return f[:end+1]
	}
	if len(fields) > 0 {
		return fields[0]
	}
	return ""
}
