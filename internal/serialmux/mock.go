package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter for tests. Written lines are
// recorded and, if Respond is set, answered by appending its reply lines to
// the read side. Reads block until data arrives or the port is closed.
type TestableSerialPort struct {
	mu sync.Mutex

	// Respond, if set, is called once per complete written line.
	Respond func(line string) []string

	// WriteError is returned by the next Write call if set.
	WriteError error

	readBuf  bytes.Buffer
	written  []string
	pending  string
	closed   bool
	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Read blocks until there is data to return or the port is closed.
func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.readBuf.Len() == 0 {
		return 0, errPortClosed
	}
	return p.readBuf.Read(b)
}

// Write records complete lines and feeds them to Respond.
func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}

	p.pending += string(b)
	for {
		i := strings.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(p.pending[:i], "\r")
		p.pending = p.pending[i+1:]
		p.written = append(p.written, line)
		if p.Respond != nil {
			for _, reply := range p.Respond(line) {
				p.readBuf.WriteString(reply + "\r\n")
			}
		}
	}
	p.readCond.Broadcast()
	return len(b), nil
}

// Close unblocks pending reads.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// AddReadData queues unsolicited data for the read side.
func (p *TestableSerialPort) AddReadData(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.WriteString(data)
	p.readCond.Broadcast()
}

// Written returns the lines written so far, without line endings.
func (p *TestableSerialPort) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

// Closed reports whether Close was called.
func (p *TestableSerialPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
