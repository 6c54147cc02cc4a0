// Package serialmux multiplexes a single line-oriented serial device. Lines
// read from the port are fanned out to subscribers, and callers may perform
// request/acknowledge exchanges where a written command is answered by one or
// more reply lines ending in a terminal line.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/deckbot/internal/monitoring"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	// ErrNoResponse reports that the device did not finish replying before the
	// exchange timeout. It is the transient condition callers retry on.
	ErrNoResponse = errors.New("no response from serial device")
	ErrClosed     = errors.New("serial mux closed")
)

// subscriberBuffer bounds how far a subscriber may fall behind before lines
// are dropped for it.
const subscriberBuffer = 64

// SerialMux owns one serial port. Monitor is its only reader; any number of
// subscribers receive a copy of each line.
type SerialMux[T SerialPorter] struct {
	port   T
	closed atomic.Bool

	mu          sync.Mutex
	subscribers map[string]chan string

	writeMu    sync.Mutex // one line on the wire at a time
	exchangeMu sync.Mutex // one command awaiting its reply at a time
}

// NewSerialMux creates a SerialMux backed by the given port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// Subscribe registers a buffered channel that receives every line read by
// Monitor. The returned id is passed to Unsubscribe.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, subscriberBuffer)
	s.mu.Lock()
	s.subscribers[id] = ch
	s.mu.Unlock()
	return id, ch
}

// Unsubscribe closes and forgets the channel registered under id.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

// broadcast hands line to every subscriber. A full subscriber misses the
// line; the port is never stalled on a slow reader.
func (s *SerialMux[T]) broadcast(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

// SendCommand writes a single command line to the serial port. Commands are
// terminated with CRLF if they do not already end in a newline.
func (s *SerialMux[T]) SendCommand(command string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\r\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// WriteAndReturn writes command and gathers the reply lines that follow it
// until done reports a terminal line. The device echo of the command and
// blank lines are dropped. Exchanges are serialised so replies cannot
// interleave. Monitor must be running for replies to arrive.
//
// If no terminal line arrives within timeout, ErrNoResponse is returned.
func (s *SerialMux[T]) WriteAndReturn(ctx context.Context, command string, timeout time.Duration, done func(line string) bool) (string, error) {
	s.exchangeMu.Lock()
	defer s.exchangeMu.Unlock()

	id, lines := s.Subscribe()
	defer s.Unsubscribe(id)

	if err := s.SendCommand(command); err != nil {
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	echo := strings.TrimSpace(command)
	var reply []string
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return "", ErrClosed
			}
			line = strings.TrimSpace(line)
			if line == "" || line == echo {
				continue
			}
			reply = append(reply, line)
			if done(line) {
				return strings.Join(reply, "\n"), nil
			}
		case <-timer.C:
			monitoring.Logf("serialmux: no reply to %q after %s (partial %q)", echo, timeout, reply)
			return "", fmt.Errorf("%w: %q after %s", ErrNoResponse, echo, timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// readResult is one step of the port reader: a line, or the end of input
// with the scanner's error (nil at EOF).
type readResult struct {
	line string
	end  bool
	err  error
}

// readLines scans the port until EOF or error. Scan blocks in Read, so it
// runs apart from Monitor's select loop.
func (s *SerialMux[T]) readLines(ctx context.Context, out chan<- readResult) {
	deliver := func(r readResult) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}
	scan := bufio.NewScanner(s.port)
	for scan.Scan() {
		if !deliver(readResult{line: scan.Text()}) {
			return
		}
	}
	deliver(readResult{end: true, err: scan.Err()})
}

// Monitor reads lines from the serial port and fans them out to subscribers
// until ctx is cancelled, the port reaches EOF or the mux is closed.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	reads := make(chan readResult)
	go s.readLines(ctx, reads)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-reads:
			if r.end {
				return r.err
			}
			if s.closed.Load() {
				return nil
			}
			s.broadcast(r.line)
		}
	}
}

// Close fails any pending exchange, closes every subscriber and then the
// port. Further calls are no-ops.
func (s *SerialMux[T]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mu.Unlock()
	return s.port.Close()
}
