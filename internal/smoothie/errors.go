package smoothie

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/banshee-data/deckbot/internal/serialmux"
)

// limitAxis picks the axis out of "ALARM: Hard limit +C".
var limitAxis = regexp.MustCompile(`(?i)limit\s*[+-]?([XYZABC])\s*$`)

// ErrNoResponse is returned when the controller stays silent for every
// attempt of the retry budget.
var ErrNoResponse = serialmux.ErrNoResponse

// ParseError reports a controller reply that could not be decoded.
type ParseError struct {
	Command string
	Reply   string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse reply to %s (%s): %q", e.Command, e.Reason, e.Reply)
}

// HardwareFault reports an alarm raised by the controller. By the time a
// fault is returned from a move the faulted axis has been re-homed and the
// position refreshed, so the robot is in a known state.
type HardwareFault struct {
	// Axis is the faulted axis, empty if the alarm did not name one.
	Axis    string
	Message string
	// Recovered is set once the faulted axis was re-homed.
	Recovered bool
}

func (e *HardwareFault) Error() string {
	if e.Axis == "" {
		return "controller alarm: " + e.Message
	}
	state := "not recovered"
	if e.Recovered {
		state = "re-homed"
	}
	return fmt.Sprintf("controller alarm on axis %s (%s): %s", e.Axis, state, e.Message)
}

// IsHardLimit reports whether err is a limit-switch fault.
func IsHardLimit(err error) bool {
	var fault *HardwareFault
	return errors.As(err, &fault) && strings.Contains(strings.ToLower(fault.Message), "hard limit")
}

// alarmIn returns a fault if the reply carries an alarm or error report.
func alarmIn(reply string) *HardwareFault {
	lower := strings.ToLower(reply)
	if !strings.Contains(lower, "alarm") && !strings.Contains(lower, "error") {
		return nil
	}
	msg := strings.TrimSpace(reply)
	for _, line := range strings.Split(msg, "\n") {
		l := strings.ToLower(line)
		if strings.Contains(l, "alarm") || strings.Contains(l, "error") {
			msg = strings.TrimSpace(line)
			break
		}
	}
	fault := &HardwareFault{Message: msg}
	if m := limitAxis.FindStringSubmatch(msg); m != nil {
		fault.Axis = strings.ToUpper(m[1])
	}
	return fault
}
