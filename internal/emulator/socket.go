package emulator

import (
	"context"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const dialTimeout = 5 * time.Second

// socket backs a net.socket object with a real connection. Handlers are only
// touched on the interpreter goroutine; conn is shared with the dial and
// read goroutines.
type socket struct {
	d        *Device
	gen      int
	kind     string
	ud       *lua.LUserData
	handlers map[string]*lua.LFunction

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func (s *socket) connect(port int, host string) {
	if !s.d.joined() {
		go s.d.post(s.gen, func() { s.fire("disconnection") })
		return
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		conn, err := s.d.cfg.Dial(ctx, s.kind, addr)
		if err != nil {
			log.Printf("[emu] connect %s %s: %v", s.kind, addr, err)
			s.d.post(s.gen, func() { s.fire("disconnection") })
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()

		s.d.post(s.gen, func() { s.fire("connection") })
		s.read(conn)
	}()
}

func (s *socket) read(conn net.Conn) {
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := lua.LString(buf[:n])
			s.d.post(s.gen, func() { s.fire("receive", data) })
		}
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.d.post(s.gen, func() { s.fire("disconnection") })
			}
			return
		}
	}
}

func (s *socket) send(p []byte) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write(p); err != nil {
		log.Printf("[emu] send: %v", err)
		return
	}
	go s.d.post(s.gen, func() { s.fire("sent") })
}

func (s *socket) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *socket) dns(host string, fn *lua.LFunction) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		var ip lua.LValue = lua.LNil
		if addr, err := s.d.cfg.Resolve(ctx, host); err == nil {
			ip = lua.LString(addr)
		} else {
			log.Printf("[emu] dns %s: %v", host, err)
		}
		s.d.post(s.gen, func() { s.d.call(fn, s.ud, ip) })
	}()
}

// fire runs the handler registered for name, if any.
func (s *socket) fire(name string, args ...lua.LValue) {
	fn, ok := s.handlers[name]
	if !ok {
		return
	}
	s.d.call(fn, append([]lua.LValue{s.ud}, args...)...)
}

func (d *Device) call(fn *lua.LFunction, args ...lua.LValue) {
	if err := d.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...); err != nil {
		d.emitError(err)
	}
}
