// Package nodemcu manages the network side of a NodeMCU radio: joining a
// wireless network, resolving names and keeping the single logical connection
// the firmware's console helpers support.
//
// Every operation is a set of Lua statements run through a console.Session.
// A Radio serialises its callers, so an event handler and the main loop can
// share one.
package nodemcu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/strikenet/internal/console"
	"github.com/shaunagostinho/strikenet/internal/escape"
)

// Config holds Radio settings.
type Config struct {
	// PollTimeout bounds each polling operation. Defaults to the session
	// timeout.
	PollTimeout time.Duration
	// BootWait is how long Init keeps trying to reach the prompt after a
	// restart. Defaults to PollTimeout.
	BootWait time.Duration
}

// Radio is the connection state of one NodeMCU.
type Radio struct {
	mu          sync.Mutex
	s           *console.Session
	pollTimeout time.Duration
	bootWait    time.Duration

	addr string
	conn *connection
}

type connection struct {
	kind Kind
	host string
	port int
	id   int
	link LinkState
}

// LinkState is the connection flag the radio last reported.
type LinkState int

const (
	LinkPending LinkState = iota // no answer yet
	LinkUp
	LinkDown
)

func (l LinkState) String() string {
	switch l {
	case LinkUp:
		return "up"
	case LinkDown:
		return "down"
	}
	return "pending"
}

// New returns a Radio driving s. The Radio owns s from then on.
func New(s *console.Session, cfg Config) *Radio {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = s.Timeout()
	}
	if cfg.BootWait <= 0 {
		cfg.BootWait = cfg.PollTimeout
	}
	return &Radio{s: s, pollTimeout: cfg.PollTimeout, bootWait: cfg.BootWait}
}

// Init hard-resets the radio and waits for its console prompt.
func (r *Radio) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.reset(); err != nil {
		return err
	}
	deadline := time.Now().Add(r.bootWait)
	for {
		err := r.s.Sync()
		if err == nil {
			log.Printf("[radio] console ready")
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("nodemcu: console did not come back after reset: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Reset pulses the reset line and asks the firmware to restart, in case the
// line is not wired. It does not wait for the device to come back.
func (r *Radio) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reset()
}

func (r *Radio) reset() error {
	r.addr = ""
	r.conn = nil
	if err := r.s.PulseReset(); err != nil {
		if !errors.Is(err, console.ErrNoResetLine) {
			return err
		}
		log.Printf("[radio] no reset line, relying on restart statement")
	}
	return r.s.Restart(restartSource)
}

// Connect joins the named network and waits until the radio reports an
// address.
func (r *Radio) Connect(ctx context.Context, ssid, passphrase string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.addr = ""
	if err := r.s.Run(joinStatement(ssid, passphrase)); err != nil {
		return fmt.Errorf("nodemcu: join %q: %w", ssid, err)
	}
	addr, err := r.poll(ctx, addressStatement(), addrCap, ErrNoAddress, notNil)
	if err != nil {
		return fmt.Errorf("nodemcu: join %q: %w", ssid, err)
	}
	r.addr = addr
	log.Printf("[radio] joined %q ip=%s", ssid, addr)
	return nil
}

// Disconnect leaves the network and waits until the radio no longer reports
// an address.
func (r *Radio) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.s.Run(leaveStatement()); err != nil {
		return fmt.Errorf("nodemcu: leave: %w", err)
	}
	if _, err := r.poll(ctx, addressStatement(), addrCap, ErrStillJoined, isNil); err != nil {
		return fmt.Errorf("nodemcu: leave: %w", err)
	}
	r.addr = ""
	log.Printf("[radio] left network")
	return nil
}

// IsConnected reports whether the last join or leave left an address.
func (r *Radio) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr != ""
}

// Address returns the last address the radio reported.
func (r *Radio) Address() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr, r.addr != ""
}

// Resolve returns the dotted quad for host. Dotted-decimal literals are
// returned without a lookup, leading zeros read as decimal; anything else is
// looked up by the radio.
func (r *Radio) Resolve(ctx context.Context, host string) (string, error) {
	if ip, ok := dottedQuad(host); ok {
		return ip, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.s.Run(resolveStatement(host)); err != nil {
		return "", fmt.Errorf("nodemcu: resolve %q: %w", host, err)
	}
	ip, err := r.poll(ctx, printStatement("dn"), addrCap, ErrResolve, notNil)
	if err != nil {
		return "", fmt.Errorf("nodemcu: resolve %q: %w", host, err)
	}
	return ip, nil
}

// dottedQuad reports whether host is four dot-separated decimal octets and
// returns it in canonical form.
func dottedQuad(host string) (string, bool) {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return "", false
	}
	octets := make([]string, 4)
	for i, p := range parts {
		if p == "" || len(p) > 3 || strings.Trim(p, "0123456789") != "" {
			return "", false
		}
		n, _ := strconv.Atoi(p)
		if n > 255 {
			return "", false
		}
		octets[i] = strconv.Itoa(n)
	}
	return strings.Join(octets, "."), true
}

// Open creates the radio's connection to host:port and waits until it is
// established. id is kept for the caller's bookkeeping; the firmware helpers
// support one connection at a time.
func (r *Radio) Open(ctx context.Context, kind Kind, host string, port, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conn = nil
	for _, st := range []*console.Statement{
		createStatement(kind),
		handlersStatement(),
		helpersStatement(),
		receiveStatement(),
		connectStatement(host, port),
	} {
		if err := r.s.Run(st); err != nil {
			return fmt.Errorf("nodemcu: open %s %s:%d: %w", kind, host, port, err)
		}
	}

	_, err := r.poll(ctx, printStatement("cc"), len("false"), ErrConnectTimeout, func(reply string) (bool, error) {
		switch reply {
		case "true":
			return true, nil
		case "false":
			return false, ErrRefused
		case nilReply:
			return false, nil
		}
		return false, fmt.Errorf("%w: connection flag %q", ErrReply, reply)
	})
	if err != nil {
		return fmt.Errorf("nodemcu: open %s %s:%d: %w", kind, host, port, err)
	}
	r.conn = &connection{kind: kind, host: host, port: port, id: id, link: LinkUp}
	log.Printf("[radio] connection %d open to %s %s:%d", id, kind, host, port)
	return nil
}

// Close closes the connection. It is a single statement and never polls.
func (r *Radio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conn = nil
	if err := r.s.Run(closeStatement()); err != nil {
		return fmt.Errorf("nodemcu: close: %w", err)
	}
	return nil
}

// IsOpen reports whether a connection was opened and not closed since.
func (r *Radio) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Established asks the radio whether the connection is still up and records
// the answer for Link. A peer that hung up reads as false; the connection
// stays open until Close.
func (r *Radio) Established() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return false, ErrNotOpen
	}
	reply, err := r.s.Eval(printStatement("cc"), len("false"))
	if err != nil {
		return false, fmt.Errorf("nodemcu: status: %w", err)
	}
	switch reply.String() {
	case "true":
		r.conn.link = LinkUp
	case "false":
		r.conn.link = LinkDown
	case nilReply:
		r.conn.link = LinkPending
	default:
		return false, fmt.Errorf("%w: connection flag %q", ErrReply, reply.String())
	}
	return r.conn.link == LinkUp, nil
}

// Link returns the connection flag last seen by Open or Established without
// asking the radio. With no connection open it is LinkDown.
func (r *Radio) Link() LinkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return LinkDown
	}
	return r.conn.link
}

// Send hands p to the connection, one send helper call per chunk that fits
// on the console's input line.
func (r *Radio) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.send(p)
}

func (r *Radio) send(p []byte) error {
	if r.conn == nil {
		return ErrNotOpen
	}
	room := r.s.MaxLine() - len(sendOpen) - len(sendClose)
	for _, chunk := range escape.Chunks(p, room) {
		if err := r.s.Run(sendStatement(chunk)); err != nil {
			return fmt.Errorf("nodemcu: send: %w", err)
		}
		bytesSent.Add(float64(len(chunk)))
	}
	return nil
}

// recvMax caps the bytes fetched by one recv statement, so an escaped reply
// stays well inside one exchange deadline.
const recvMax = 128

// Recv reads up to len(p) bytes the connection has received, at most recvMax
// per call. Zero bytes with a nil error means nothing is buffered yet.
func (r *Radio) Recv(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recv(p)
}

func (r *Radio) recv(p []byte) (int, error) {
	if r.conn == nil {
		return 0, ErrNotOpen
	}
	if len(p) == 0 {
		return 0, nil
	}
	p = p[:min(len(p), recvMax)]
	n := 0
	err := r.s.RunFunc(recvStatement(len(p)), func(br io.ByteReader) error {
		for n < len(p) {
			b, end, err := escape.ReadByte(br)
			if errors.Is(err, escape.ErrEscape) {
				return fmt.Errorf("%w: %w", console.ErrFraming, err)
			}
			if err != nil {
				return err
			}
			if end {
				return nil
			}
			p[n] = b
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("nodemcu: recv: %w", err)
	}
	bytesReceived.Add(float64(n))
	return n, nil
}

// Available returns how many received bytes the radio is holding.
func (r *Radio) Available() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return 0, ErrNotOpen
	}
	reply, err := r.s.Eval(availableStatement(), 10)
	if err != nil {
		return 0, fmt.Errorf("nodemcu: available: %w", err)
	}
	n, err := strconv.Atoi(reply.String())
	if err != nil || reply.Truncated {
		return 0, fmt.Errorf("%w: buffered count %q", ErrReply, reply.Text)
	}
	return n, nil
}
