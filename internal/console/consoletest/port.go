// Package consoletest provides a scripted stand-in for the radio console, for
// tests of code that drives a console.Session.
package consoletest

import (
	"io"
	"strings"
	"sync"
	"time"
)

// Handler returns what the console prints in response to one statement,
// terminator removed. The port appends the prompt.
type Handler func(stmt string) string

// Port echoes every byte it is written, hands each completed line to a
// Handler and queues the reply followed by a prompt. It satisfies
// console.Port and console.ResetLine.
type Port struct {
	mu         sync.Mutex
	handler    Handler
	prompt     string
	muted      bool
	timeout    time.Duration
	line       []byte
	statements []string
	resets     int
	rts        bool
	dtr        bool

	out       chan byte
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a port answering with h. A nil h prints nothing.
func New(h Handler) *Port {
	if h == nil {
		h = func(string) string { return "" }
	}
	return &Port{
		handler: h,
		prompt:  "> ",
		timeout: time.Second,
		out:     make(chan byte, 1<<16),
		done:    make(chan struct{}),
	}
}

// Print returns a Handler that prints reply for statements present in
// replies and nothing for anything else. Replies get a CRLF appended.
func Print(replies map[string]string) Handler {
	return func(stmt string) string {
		if r, ok := replies[stmt]; ok {
			return r + "\r\n"
		}
		return ""
	}
}

// SetPrompt changes the prompt sent after every reply.
func (p *Port) SetPrompt(prompt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompt = prompt
}

// Mute makes the port swallow input without echo, reply or prompt.
func (p *Port) Mute(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
}

// Inject queues raw console output.
func (p *Port) Inject(s string) {
	p.emit(s)
}

// Statements returns every statement received so far.
func (p *Port) Statements() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.statements...)
}

// Resets returns how many reset pulses the port has seen.
func (p *Port) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

func (p *Port) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	d := p.timeout
	p.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-p.done:
		return 0, io.EOF
	case <-timer.C:
		return 0, nil
	case c := <-p.out:
		b[0] = c
		n := 1
		for n < len(b) {
			select {
			case c := <-p.out:
				b[n] = c
				n++
			default:
				return n, nil
			}
		}
		return n, nil
	}
}

func (p *Port) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}
	for _, c := range b {
		p.mu.Lock()
		if p.muted {
			p.mu.Unlock()
			continue
		}
		p.line = append(p.line, c)
		var reply string
		complete := c == '\n'
		if complete {
			stmt := strings.TrimRight(string(p.line), "\r\n")
			p.line = p.line[:0]
			p.statements = append(p.statements, stmt)
			h, prompt := p.handler, p.prompt
			p.mu.Unlock()
			reply = h(stmt) + prompt
		} else {
			p.mu.Unlock()
		}

		p.emit(string(c))
		if complete {
			p.emit(reply)
		}
	}
	return len(b), nil
}

func (p *Port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

func (p *Port) SetRTS(rts bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rts && !rts {
		p.resets++
	}
	p.rts = rts
	return nil
}

func (p *Port) SetDTR(dtr bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dtr && !dtr {
		p.resets++
	}
	p.dtr = dtr
	return nil
}

func (p *Port) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *Port) emit(s string) {
	for i := 0; i < len(s); i++ {
		select {
		case p.out <- s[i]:
		case <-p.done:
			return
		}
	}
}
