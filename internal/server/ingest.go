package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/shaunagostinho/strikenet/internal/strike"
)

// ServeTCP accepts collector connections on ln until ctx ends. Each
// connection carries a stream of fixed-size records; a partial record left
// when the collector hangs up is dropped.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	log.Printf("[server] collectors listening on %s/tcp", ln.Addr())

	var wg sync.WaitGroup
	var mu sync.Mutex
	conns := make(map[net.Conn]struct{})

	go func() {
		<-ctx.Done()
		ln.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
	}()

	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		mu.Lock()
		if ctx.Err() != nil {
			mu.Unlock()
			conn.Close()
			return nil
		}
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
			mu.Lock()
			delete(conns, conn)
			mu.Unlock()
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	origin := conn.RemoteAddr().String()

	collectorsConnected.Inc()
	defer collectorsConnected.Dec()
	log.Printf("[server] collector %s connected", origin)

	buf := make([]byte, strike.Size)
	for {
		n, err := io.ReadFull(conn, buf)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				droppedBytes.WithLabelValues("tcp").Add(float64(n))
				log.Printf("[server] collector %s: dropped %d trailing bytes", origin, n)
			} else if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Printf("[server] collector %s: %v", origin, err)
			}
			break
		}
		var r strike.Record
		if err := r.UnmarshalBinary(buf); err != nil {
			log.Printf("[server] collector %s: %v", origin, err)
			break
		}
		s.Ingest(ctx, strike.Event{Record: r, Received: time.Now(), Origin: origin})
	}
	log.Printf("[server] collector %s disconnected", origin)
}

// ServeUDP reads datagrams from pc until ctx ends. A datagram may hold several
// records; trailing bytes that do not fill a record are dropped.
func (s *Server) ServeUDP(ctx context.Context, pc net.PacketConn) error {
	log.Printf("[server] collectors listening on %s/udp", pc.LocalAddr())
	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		now := time.Now()
		data := buf[:n]
		for len(data) >= strike.Size {
			var r strike.Record
			if err := r.UnmarshalBinary(data[:strike.Size]); err == nil {
				s.Ingest(ctx, strike.Event{Record: r, Received: now, Origin: addr.String()})
			}
			data = data[strike.Size:]
		}
		if len(data) > 0 {
			droppedBytes.WithLabelValues("udp").Add(float64(len(data)))
		}
	}
}
