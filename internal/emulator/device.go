// Package emulator runs a stand-in NodeMCU console in-process. Statements
// written to a Device are executed by an embedded Lua interpreter carrying
// small node, wifi and net modules; net connections are real sockets.
//
// The strikenet collector uses it in demo mode and the end-to-end tests
// drive the nodemcu package against it.
package emulator

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const (
	prompt = "> "
	banner = "\r\nNodeMCU emulator\r\nlua: cannot open init.lua\r\n" + prompt
)

// Config describes the emulated environment.
type Config struct {
	// Address is what wifi.sta.getip reports once joined.
	Address string
	// Networks maps SSIDs to passphrases. A nil map accepts any credentials.
	Networks map[string]string
	// JoinDelay is how long after wifi.sta.config an address shows up.
	JoinDelay time.Duration
	// Dial opens net connections. Defaults to a net.Dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
	// Resolve answers net.socket:dns lookups with an IPv4 address.
	Resolve func(ctx context.Context, host string) (string, error)
}

// Device is an emulated radio attached through its console UART. It
// implements the console package's Port and ResetLine.
type Device struct {
	cfg Config

	mu      sync.Mutex
	out     bytes.Buffer
	notify  chan struct{}
	timeout time.Duration
	line    []byte
	rts     bool
	dtr     bool

	lines  chan string
	events chan event
	reboot chan struct{}
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	// Owned by the interpreter goroutine.
	L          *lua.LState
	gen        int
	joinAt     time.Time
	sockets    []*socket
	restarting bool
}

type event struct {
	gen int
	run func()
}

// New boots a Device.
func New(cfg Config) *Device {
	if cfg.Address == "" {
		cfg.Address = "10.0.0.5"
	}
	if cfg.JoinDelay == 0 {
		cfg.JoinDelay = 200 * time.Millisecond
	}
	if cfg.Dial == nil {
		var dialer net.Dialer
		cfg.Dial = dialer.DialContext
	}
	if cfg.Resolve == nil {
		cfg.Resolve = lookupIPv4
	}
	d := &Device{
		cfg:     cfg,
		notify:  make(chan struct{}, 1),
		timeout: time.Second,
		lines:   make(chan string, 64),
		events:  make(chan event, 256),
		reboot:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func lookupIPv4(ctx context.Context, host string) (string, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return "", err
	}
	return ips[0].String(), nil
}

func (d *Device) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	d.mu.Lock()
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	for d.out.Len() == 0 {
		d.mu.Unlock()
		select {
		case <-d.done:
			return 0, io.EOF
		case <-timer.C:
			return 0, nil
		case <-d.notify:
		}
		d.mu.Lock()
	}
	n, _ := d.out.Read(p)
	d.mu.Unlock()
	return n, nil
}

// Write feeds console input. Bytes are echoed as they arrive; each completed
// line is queued for the interpreter. Ctrl-C discards the line typed so far.
func (d *Device) Write(p []byte) (int, error) {
	select {
	case <-d.done:
		return 0, io.ErrClosedPipe
	default:
	}
	for _, c := range p {
		if c == 0x03 {
			d.mu.Lock()
			d.line = d.line[:0]
			d.mu.Unlock()
			continue
		}
		d.emit(string(c))

		d.mu.Lock()
		d.line = append(d.line, c)
		var stmt string
		complete := c == '\n'
		if complete {
			stmt = strings.TrimRight(string(d.line), "\r\n")
			d.line = d.line[:0]
		}
		d.mu.Unlock()

		if complete {
			select {
			case d.lines <- stmt:
			case <-d.done:
				return 0, io.ErrClosedPipe
			}
		}
	}
	return len(p), nil
}

func (d *Device) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = t
	return nil
}

// ResetInputBuffer discards console output not read yet.
func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out.Reset()
	return nil
}

// SetRTS drives the reset input. Releasing an asserted line reboots the
// device.
func (d *Device) SetRTS(rts bool) error {
	d.mu.Lock()
	released := d.rts && !rts
	d.rts = rts
	d.mu.Unlock()
	if released {
		d.requestReboot()
	}
	return nil
}

// SetDTR behaves like SetRTS.
func (d *Device) SetDTR(dtr bool) error {
	d.mu.Lock()
	released := d.dtr && !dtr
	d.dtr = dtr
	d.mu.Unlock()
	if released {
		d.requestReboot()
	}
	return nil
}

// Close powers the device off.
func (d *Device) Close() error {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
	return nil
}

func (d *Device) requestReboot() {
	select {
	case d.reboot <- struct{}{}:
	default:
	}
}

func (d *Device) emit(s string) {
	d.mu.Lock()
	d.out.WriteString(s)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// post hands fn to the interpreter goroutine. Events from before the last
// reboot are dropped there.
func (d *Device) post(gen int, fn func()) {
	select {
	case d.events <- event{gen: gen, run: fn}:
	case <-d.done:
	}
}

func (d *Device) run() {
	defer d.wg.Done()
	d.boot()
	for {
		select {
		case <-d.done:
			d.shutdown()
			return
		case <-d.reboot:
			d.boot()
		case ev := <-d.events:
			d.dispatch(ev)
		case stmt := <-d.lines:
			d.pump()
			d.exec(stmt)
			if d.restarting {
				d.boot()
				continue
			}
			d.emit(prompt)
		}
	}
}

// pump runs the network events that are already queued.
func (d *Device) pump() {
	for {
		select {
		case ev := <-d.events:
			d.dispatch(ev)
		default:
			return
		}
	}
}

func (d *Device) dispatch(ev event) {
	if ev.gen == d.gen {
		ev.run()
	}
}

func (d *Device) exec(stmt string) {
	if strings.TrimSpace(stmt) == "" {
		return
	}
	fn, err := d.L.Load(strings.NewReader(stmt), "stdin")
	if err != nil {
		d.emitError(err)
		return
	}
	d.L.Push(fn)
	if err := d.L.PCall(0, lua.MultRet, nil); err != nil {
		d.emitError(err)
	}
	d.L.SetTop(0)
}

func (d *Device) emitError(err error) {
	msg := err.Error()
	if apiErr, ok := err.(*lua.ApiError); ok && apiErr.Object != nil {
		msg = apiErr.Object.String()
	}
	d.emit(strings.ReplaceAll(msg, "\n", "\r\n") + "\r\n")
}

func (d *Device) boot() {
	d.shutdown()
	d.gen++
	d.restarting = false
	d.joinAt = time.Time{}
	d.L = d.newState()
	d.emit(banner)
	log.Printf("[emu] boot %d", d.gen)
}

func (d *Device) shutdown() {
	for _, s := range d.sockets {
		s.close()
	}
	d.sockets = nil
	if d.L != nil {
		d.L.Close()
		d.L = nil
	}
}

func (d *Device) joined() bool {
	return !d.joinAt.IsZero() && !time.Now().Before(d.joinAt)
}
