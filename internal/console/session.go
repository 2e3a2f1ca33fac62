// Package console drives the radio module's interactive scripting console over
// a serial line.
//
// The radio exposes no packet interface: every operation is a statement typed
// into its interpreter. A Session writes the statement, discards the local
// echo, optionally captures what the statement printed and then waits for the
// ready prompt. Each byte waits at most the session timeout, and so does the
// exchange as a whole. A Session is not safe for concurrent use; callers
// serialise access to it.
package console

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

const (
	// DefaultTimeout bounds every single byte read or write.
	DefaultTimeout = 3 * time.Second
	// DefaultMaxLine is the longest statement, terminator excluded, the
	// device's line editor accepts.
	DefaultMaxLine = 250

	resetPulse = 100 * time.Millisecond
	// readSlice is the longest a single port read may block, so deadlines
	// are checked at least this often.
	readSlice = 20 * time.Millisecond
)

// claimed holds the ports that currently have a session, so a port is never
// driven by two protocol state machines at once.
var claimed sync.Map

// Config holds Session settings. Zero values take defaults.
type Config struct {
	Timeout time.Duration
	MaxLine int
	Reset   ResetMode
	// Echo receives a copy of every byte read from the console.
	Echo io.Writer
}

// Session is the single conversation with one radio console.
type Session struct {
	port    Port
	timeout time.Duration
	maxLine int
	reset   ResetMode
	echo    io.Writer

	// pending counts bytes submitted since the last terminator.
	pending int
	// broken is set when an exchange aborted mid-protocol.
	broken bool
	// until bounds the whole exchange in progress, however much the console
	// prints. Zero outside an exchange.
	until time.Time
}

// New takes ownership of port and returns the session that drives it.
func New(port Port, cfg Config) (*Session, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = DefaultMaxLine
	}
	if cfg.Reset == "" {
		cfg.Reset = ResetRTS
	}
	if _, loaded := claimed.LoadOrStore(port, struct{}{}); loaded {
		return nil, ErrPortInUse
	}
	if err := port.SetReadTimeout(min(cfg.Timeout, readSlice)); err != nil {
		claimed.Delete(port)
		return nil, fmt.Errorf("console: failed to set timeout: %w", err)
	}
	return &Session{
		port:    port,
		timeout: cfg.Timeout,
		maxLine: cfg.MaxLine,
		reset:   cfg.Reset,
		echo:    cfg.Echo,
	}, nil
}

// Timeout returns the per-byte timeout.
func (s *Session) Timeout() time.Duration { return s.timeout }

// MaxLine returns the longest statement the session will submit.
func (s *Session) MaxLine() int { return s.maxLine }

// SetEcho replaces the debug sink that receives every byte read.
func (s *Session) SetEcho(w io.Writer) { s.echo = w }

// Ready reports whether the console is believed to be at its prompt.
func (s *Session) Ready() bool { return !s.broken }

// Close releases the port.
func (s *Session) Close() error {
	claimed.Delete(s.port)
	return s.port.Close()
}

// ReadByte reads one byte, waiting at most the session timeout. During an
// exchange it also fails once the exchange deadline has passed.
func (s *Session) ReadByte() (byte, error) {
	var buf [1]byte
	deadline := time.Now().Add(s.timeout)
	if !s.until.IsZero() && s.until.Before(deadline) {
		deadline = s.until
	}
	for {
		if !time.Now().Before(deadline) {
			return 0, ErrTimeout
		}
		n, err := s.port.Read(buf[:])
		if n == 1 {
			s.trace(buf[:])
			return buf[0], nil
		}
		if err != nil {
			return 0, fmt.Errorf("console: read: %w", err)
		}
	}
}

// trace copies p to the echo sink. A failing sink is dropped.
func (s *Session) trace(p []byte) {
	if s.echo == nil {
		return
	}
	if _, err := s.echo.Write(p); err != nil {
		log.Printf("[console] echo sink failed, disabling: %v", err)
		s.echo = nil
	}
}

// WriteByte writes one byte, waiting at most the session timeout.
func (s *Session) WriteByte(c byte) error {
	buf := [1]byte{c}
	deadline := time.Now().Add(s.timeout)
	for {
		n, err := s.port.Write(buf[:])
		if n == 1 {
			return nil
		}
		if err != nil {
			return fmt.Errorf("console: write: %w", err)
		}
		if !time.Now().Before(deadline) {
			return ErrTimeout
		}
	}
}

// PulseReset hard-resets the radio by pulsing its reset input through the
// configured modem-control line.
func (s *Session) PulseReset() error {
	line, ok := s.port.(ResetLine)
	if !ok || s.reset == ResetNone {
		return ErrNoResetLine
	}
	set := line.SetRTS
	if s.reset == ResetDTR {
		set = line.SetDTR
	}
	// Asserting the line pulls the radio's reset input low.
	if err := set(true); err != nil {
		return fmt.Errorf("console: assert reset: %w", err)
	}
	time.Sleep(resetPulse)
	if err := set(false); err != nil {
		return fmt.Errorf("console: release reset: %w", err)
	}
	return nil
}

// Drain reads and discards console output until the line has been quiet for
// silence, or limit has elapsed. It returns the number of bytes discarded.
func (s *Session) Drain(silence, limit time.Duration) int {
	if r, ok := s.port.(inputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			log.Printf("[console] reset input buffer: %v", err)
		}
	}

	if err := s.port.SetReadTimeout(silence); err != nil {
		log.Printf("[console] drain read timeout: %v", err)
	}
	defer func() {
		if err := s.port.SetReadTimeout(min(s.timeout, readSlice)); err != nil {
			log.Printf("[console] restore read timeout: %v", err)
		}
	}()

	total := 0
	deadline := time.Now().Add(limit)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := s.port.Read(buf)
		if n == 0 || err != nil {
			break
		}
		s.trace(buf[:n])
		total += n
	}
	if total > 0 {
		log.Printf("[console] drain cleared %d bytes", total)
	}
	return total
}
