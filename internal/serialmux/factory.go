package serialmux

import (
	"errors"
	"fmt"

	"go.bug.st/serial"
)

// OpenSerialPort opens a real serial port with go.bug.st/serial.
func OpenSerialPort(opts PortOptions) (SerialPorter, error) {
	if opts.Path == "" {
		return nil, errors.New("serial port path is required")
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(opts.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}
	return port, nil
}

// NewRealSerialMux opens the controller port described by opts.
func NewRealSerialMux(opts PortOptions) (*SerialMux[SerialPorter], error) {
	return Open(opts, OpenSerialPort)
}

// Open builds a mux around a port obtained from open.
func Open(opts PortOptions, open Opener) (*SerialMux[SerialPorter], error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	port, err := open(opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}

// ListPorts returns the serial ports visible to the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
