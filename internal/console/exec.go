package console

import (
	"fmt"
	"io"
	"log"
	"time"
)

// terminator ends a statement.
const terminator = "\r\n"

// Reply is what a statement printed, up to the first '\r'.
type Reply struct {
	Text []byte
	// Truncated is set when the printed line was longer than the capacity
	// the caller asked for. Text then holds the first capacity bytes.
	Truncated bool
}

func (r Reply) String() string { return string(r.Text) }

// Submit writes fragment as part of the statement being composed. Fragments
// of one statement may be submitted across several calls; the statement is
// only interpreted once Execute terminates it.
//
// Submit stops at the first byte that cannot be written. The console state
// is then unknown and every later exchange fails with ErrNotReady.
func (s *Session) Submit(fragment string) error {
	if s.broken {
		return ErrNotReady
	}
	for i := 0; i < len(fragment); i++ {
		if err := s.WriteByte(fragment[i]); err != nil {
			return s.abort(fmt.Errorf("submit: %w", err))
		}
	}
	s.pending += len(fragment)
	return nil
}

// Execute terminates the submitted statement and waits until the console is
// back at its prompt, discarding anything the statement printed.
func (s *Session) Execute() error {
	return s.ExecuteFunc(nil)
}

// Query terminates the submitted statement and returns the first line it
// printed, reading at most capacity bytes of it.
func (s *Session) Query(capacity int) (Reply, error) {
	var reply Reply
	err := s.ExecuteFunc(func(io.ByteReader) error {
		var err error
		reply, err = s.readReply(capacity)
		return err
	})
	return reply, err
}

// ExecuteFunc terminates the submitted statement, discards its echo, lets read
// consume what the statement printed and then flushes to the ready prompt.
// read may be nil. The whole exchange, from the terminator to the prompt, must
// finish within one session timeout. Any error leaves the session not ready.
func (s *Session) ExecuteFunc(read func(r io.ByteReader) error) error {
	if s.broken {
		return ErrNotReady
	}
	if err := s.Submit(terminator); err != nil {
		return err
	}
	s.pending = 0
	statementsTotal.Inc()
	start := time.Now()
	s.until = start.Add(s.timeout)
	defer func() { s.until = time.Time{} }()

	if err := s.skipPast('\n'); err != nil {
		return s.abort(fmt.Errorf("echo: %w", err))
	}
	if read != nil {
		if err := read(s); err != nil {
			return s.abort(fmt.Errorf("response: %w", err))
		}
	}
	if err := s.skipPast('>'); err != nil {
		return s.abort(fmt.Errorf("prompt: %w", err))
	}

	roundTrip.Observe(time.Since(start).Seconds())
	return nil
}

// Run submits st as one statement and executes it.
func (s *Session) Run(st *Statement) error {
	return s.RunFunc(st, nil)
}

// Eval submits st as one statement and returns the first line it printed.
func (s *Session) Eval(st *Statement, capacity int) (Reply, error) {
	if err := s.check(st); err != nil {
		return Reply{}, err
	}
	if err := s.Submit(st.String()); err != nil {
		return Reply{}, err
	}
	return s.Query(capacity)
}

// RunFunc submits st as one statement and executes it with ExecuteFunc.
func (s *Session) RunFunc(st *Statement, read func(r io.ByteReader) error) error {
	if err := s.check(st); err != nil {
		return err
	}
	if err := s.Submit(st.String()); err != nil {
		return err
	}
	return s.ExecuteFunc(read)
}

// Restart writes stmt, preceded by an interrupt and followed by the
// terminator, whatever state the session is in. It does not wait for a prompt
// since the statement is expected to reboot the device; the session is left
// not ready until the next Sync.
func (s *Session) Restart(stmt string) error {
	s.broken = true
	s.pending = 0
	raw := "\x03" + terminator + stmt + terminator
	for i := 0; i < len(raw); i++ {
		if err := s.WriteByte(raw[i]); err != nil {
			return fmt.Errorf("console: restart: %w", err)
		}
	}
	return nil
}

// Sync brings the console back to a known ready state: pending output is
// drained, then an empty statement is run. It is the only way to clear the
// not-ready state after an aborted exchange.
func (s *Session) Sync() error {
	s.Drain(200*time.Millisecond, s.timeout)
	s.broken = false
	s.pending = 0
	return s.Execute()
}

func (s *Session) check(st *Statement) error {
	if s.broken {
		return ErrNotReady
	}
	if s.pending+st.Len() > s.maxLine {
		return fmt.Errorf("%w: %d > %d bytes", ErrLineTooLong, s.pending+st.Len(), s.maxLine)
	}
	return nil
}

// readReply reads up to capacity bytes of a printed line. When capacity is
// reached one more byte is read to tell an exact fit from a truncation.
func (s *Session) readReply(capacity int) (Reply, error) {
	buf := make([]byte, 0, capacity)
	for len(buf) < capacity {
		c, err := s.ReadByte()
		if err != nil {
			return Reply{}, err
		}
		if c == '\r' {
			return Reply{Text: buf}, nil
		}
		buf = append(buf, c)
	}

	c, err := s.ReadByte()
	if err != nil {
		return Reply{}, err
	}
	if c == '\r' {
		return Reply{Text: buf}, nil
	}
	if err := s.skipPast('\r'); err != nil {
		return Reply{}, err
	}
	return Reply{Text: buf, Truncated: true}, nil
}

// skipPast discards bytes up to and including the first occurrence of c.
func (s *Session) skipPast(c byte) error {
	for {
		b, err := s.ReadByte()
		if err != nil {
			return err
		}
		if b == c {
			return nil
		}
	}
}

func (s *Session) abort(err error) error {
	s.broken = true
	s.pending = 0
	abortsTotal.WithLabelValues(abortKind(err)).Inc()
	log.Printf("[console] exchange aborted: %v", err)
	return err
}
