package serialmux

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Defaults for a Smoothieware motion controller on USB serial.
const (
	DefaultBaudRate   = 115200
	DefaultAckTimeout = 30 * time.Second
)

// PortOptions describes how to reach the motion controller. The JSON names
// match the robot configuration file.
type PortOptions struct {
	Path       string        `json:"path"`
	BaudRate   int           `json:"baud_rate"`
	DataBits   int           `json:"data_bits"`
	StopBits   int           `json:"stop_bits"`
	Parity     string        `json:"parity"`
	AckTimeout time.Duration `json:"ack_timeout"`
}

// Normalize validates the options and applies defaults for unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity, err := parseParity(opts.Parity)
	if err != nil {
		return opts, err
	}
	opts.Parity = parity
	return opts, nil
}

func parseParity(p string) (string, error) {
	switch strings.TrimSpace(strings.ToUpper(p)) {
	case "", "N", "NONE":
		return "N", nil
	case "E", "EVEN":
		return "E", nil
	case "O", "ODD":
		return "O", nil
	}
	return "", fmt.Errorf("unsupported parity %q: expected N, E, or O", p)
}

// SerialMode converts the options into the go.bug.st/serial mode used to
// open the port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}
