// Package server is the receiver node: it accepts strike records from
// collectors, fans them out to the configured sinks and serves the operator
// display.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/strikenet/internal/config"
	"github.com/shaunagostinho/strikenet/internal/logger"
	"github.com/shaunagostinho/strikenet/internal/strike"
)

// recentKeep bounds the in-memory history used when no History is wired.
const recentKeep = 200

// History is the persistent recent-strike store.
type History interface {
	Add(ctx context.Context, e strike.Event) error
	Recent(ctx context.Context, n int) ([]strike.Event, error)
	Counts(ctx context.Context) (map[uint8]int64, error)
}

// Alerter forwards strikes over the secondary alert link.
type Alerter interface {
	Publish(ctx context.Context, e strike.Event) error
}

// Server ingests strike records and broadcasts them to WebSocket clients.
type Server struct {
	cfg     *config.Config
	webFS   fs.FS
	logger  *logger.Logger
	history History
	alerts  Alerter

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	recentMu sync.Mutex
	recent   []strike.Event // newest last

	storm *tracker
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Strike *strike.Event         `json:"strike,omitempty"`
	Recent []strike.Event        `json:"recent,omitempty"`
	Storm  *StormData            `json:"storm,omitempty"`
	Config *config.DisplayConfig `json:"config,omitempty"`
	Stamp  int64                 `json:"stamp"` // Unix ms
}

// Option wires an optional sink.
type Option func(*Server)

// WithHistory stores every strike in h and serves recent strikes from it.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithAlerts publishes every strike through a.
func WithAlerts(a Alerter) Option {
	return func(s *Server) { s.alerts = a }
}

// New creates a new Server.
func New(cfg *config.Config, webFS fs.FS, opts ...Option) *Server {
	s := &Server{
		cfg:   cfg,
		webFS: webFS,
		logger: logger.New(logger.Config{
			Enabled: cfg.Logging.Enabled,
			Path:    cfg.Logging.Path,
		}),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		storm: newTracker(stormWindow),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run listens for collectors and display clients until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	rc := s.cfg.Receiver

	ln, err := net.Listen("tcp", rc.ListenAddr)
	if err != nil {
		return err
	}
	var pc net.PacketConn
	if rc.UDPAddr != "" {
		if pc, err = net.ListenPacket("udp", rc.UDPAddr); err != nil {
			ln.Close()
			return err
		}
	}
	srv := &http.Server{
		Addr:    rc.HTTPAddr,
		Handler: s.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ServeTCP(ctx, ln) })
	if pc != nil {
		g.Go(func() error { return s.ServeUDP(ctx, pc) })
	}
	g.Go(func() error {
		log.Printf("[server] http listening on %s", rc.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Close()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}

// Handler returns the HTTP routes: the embedded display, its WebSocket feed,
// the JSON API and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/strikes", s.handleStrikes)
	mux.HandleFunc("/api/detectors", s.handleDetectors)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Ingest fans e out to every sink and display client.
func (s *Server) Ingest(ctx context.Context, e strike.Event) {
	strikesTotal.WithLabelValues(strconv.Itoa(int(e.DetectorID))).Inc()
	log.Printf("[server] %s from %s", e.Record, e.Origin)

	s.recentMu.Lock()
	s.recent = append(s.recent, e)
	if len(s.recent) > recentKeep {
		s.recent = s.recent[len(s.recent)-recentKeep:]
	}
	s.recentMu.Unlock()

	storm := s.storm.add(e)
	s.broadcast(Frame{Strike: &e, Storm: &storm, Stamp: time.Now().UnixMilli()})

	s.logger.Record(e)
	if s.history != nil {
		if err := s.history.Add(ctx, e); err != nil {
			sinkErrors.WithLabelValues("history").Inc()
			log.Printf("[history] %v", err)
		}
	}
	if s.alerts != nil {
		if err := s.alerts.Publish(ctx, e); err != nil {
			sinkErrors.WithLabelValues("alert").Inc()
			log.Printf("[alert] %v", err)
		}
	}
}

// Recent returns up to n strikes, newest first.
func (s *Server) Recent(ctx context.Context, n int) ([]strike.Event, error) {
	if s.history != nil {
		return s.history.Recent(ctx, n)
	}
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]strike.Event, 0, n)
	for i := len(s.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	displayClients.Set(float64(n))

	log.Printf("[ws] client connected (%d total)", n)

	// Initial config, recent strikes and storm state
	display := s.cfg.DisplaySettings()
	recent, err := s.Recent(r.Context(), 50)
	if err != nil {
		log.Printf("[ws] recent strikes: %v", err)
	}
	storm := s.storm.snapshot(time.Now())
	if data, err := json.Marshal(Frame{
		Config: &display,
		Recent: recent,
		Storm:  &storm,
		Stamp:  time.Now().UnixMilli(),
	}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnect)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			close(client.send)
			n := len(s.clients)
			s.clientsMu.Unlock()
			displayClients.Set(float64(n))
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		display := s.cfg.DisplaySettings()
		s.broadcast(Frame{Config: &display, Stamp: time.Now().UnixMilli()})

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleStrikes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad limit", 400)
			return
		}
		limit = n
	}
	events, err := s.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 502)
		return
	}
	if events == nil {
		events = []strike.Event{}
	}
	writeJSON(w, events)
}

// DetectorData summarises one collector.
type DetectorData struct {
	ID       uint8     `json:"id"`
	Strikes  int64     `json:"strikes"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

func (s *Server) handleDetectors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	byID := map[uint8]*DetectorData{}
	get := func(id uint8) *DetectorData {
		d, ok := byID[id]
		if !ok {
			d = &DetectorData{ID: id}
			byID[id] = d
		}
		return d
	}

	if s.history != nil {
		counts, err := s.history.Counts(r.Context())
		if err != nil {
			http.Error(w, err.Error(), 502)
			return
		}
		for id, n := range counts {
			get(id).Strikes = n
		}
	}
	s.recentMu.Lock()
	for _, e := range s.recent {
		d := get(e.DetectorID)
		if s.history == nil {
			d.Strikes++
		}
		if e.Received.After(d.LastSeen) {
			d.LastSeen = e.Received
		}
	}
	s.recentMu.Unlock()

	out := make([]DetectorData, 0, len(byID))
	for id := 0; id < 256; id++ {
		if d, ok := byID[uint8(id)]; ok {
			out = append(out, *d)
		}
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode: %v", err)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
