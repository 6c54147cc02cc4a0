package smoothie

import (
	"encoding/hex"
	"strconv"
	"strings"
	"unicode"
)

// replyBody drops acknowledgement lines so only the payload remains.
func replyBody(reply string) string {
	var keep []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == ackLine {
			continue
		}
		keep = append(keep, line)
	}
	return strings.Join(keep, " ")
}

// parseAxisValues decodes "ok MCS: X:0.0000 Y:1.5 ..." into a map. The first
// two words are the status and the coordinate system tag.
func parseAxisValues(command, reply string) (map[string]float64, error) {
	words := strings.Fields(replyBody(reply))
	if len(words) < 2 {
		return nil, &ParseError{Command: command, Reply: reply, Reason: "too short"}
	}
	out := make(map[string]float64, len(Axes))
	for _, w := range words[2:] {
		parts := strings.Split(w, ":")
		if len(parts) < 2 || parts[0] == "" {
			return nil, &ParseError{Command: command, Reply: reply, Reason: "malformed field " + strconv.Quote(w)}
		}
		v, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, &ParseError{Command: command, Reply: reply, Reason: "bad number in " + strconv.Quote(w)}
		}
		out[strings.ToUpper(parts[0])] = round(v)
	}
	return out, nil
}

// parsePosition requires a value for every axis.
func parsePosition(reply string) (map[string]float64, error) {
	pos, err := parseAxisValues(gcodePosition, reply)
	if err != nil {
		return nil, err
	}
	for _, ax := range Axes {
		if _, ok := pos[string(ax)]; !ok {
			return nil, &ParseError{Command: gcodePosition, Reply: reply, Reason: "missing axis " + string(ax)}
		}
	}
	return pos, nil
}

// parseHomedFlags decodes "X:0 Y:1 Z:0 A:1 B:0 C:1".
func parseHomedFlags(reply string) (map[string]bool, error) {
	out := make(map[string]bool, len(Axes))
	for _, w := range strings.Fields(replyBody(reply)) {
		name, val, ok := strings.Cut(w, ":")
		if !ok || len(name) != 1 || !strings.Contains(Axes, name) {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return nil, &ParseError{Command: gcodeHomedFlags, Reply: reply, Reason: "bad flag in " + strconv.Quote(w)}
		}
		out[name] = n != 0
	}
	if len(out) != len(Axes) {
		return nil, &ParseError{Command: gcodeHomedFlags, Reply: reply, Reason: "missing axes"}
	}
	return out, nil
}

// parseSwitchStates decodes the M119 report. Only the max end-stops and the
// probe are kept: "X_max:0 Y_max:0 Z_max:0 A_max:0 B_max:0 C_max:0 Probe: 0".
func parseSwitchStates(reply string) (map[string]bool, error) {
	body := strings.ReplaceAll(replyBody(reply), "Probe: ", "Probe:")
	out := make(map[string]bool, len(Axes)+1)
	for _, w := range strings.Fields(body) {
		if !strings.Contains(w, "max") && !strings.HasPrefix(w, "Probe") {
			continue
		}
		name, val, ok := strings.Cut(w, ":")
		if !ok {
			return nil, &ParseError{Command: gcodeSwitchState, Reply: reply, Reason: "malformed field " + strconv.Quote(w)}
		}
		name = strings.TrimSuffix(name, "_max")
		n, err := strconv.Atoi(val)
		if err != nil {
			return nil, &ParseError{Command: gcodeSwitchState, Reply: reply, Reason: "bad state in " + strconv.Quote(w)}
		}
		out[name] = n != 0
	}
	if len(out) != len(Axes)+1 {
		return nil, &ParseError{Command: gcodeSwitchState, Reply: reply, Reason: "expected 6 axes and probe"}
	}
	return out, nil
}

// parseInstrumentData decodes "L:<hex>" replies to the instrument EEPROM
// reads. An empty or undecodable payload means nothing is written there.
func parseInstrumentData(reply string) string {
	body := replyBody(reply)
	_, data, ok := strings.Cut(body, ":")
	if !ok {
		return ""
	}
	raw, err := hex.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return ""
	}
	s := strings.TrimFunc(string(raw), func(r rune) bool {
		return r == 0 || !unicode.IsPrint(r)
	})
	return s
}
