// Command coalpy-dashboard is a headless HTTP/WebSocket introspection
// server over a running Scheduler: a /api/stats endpoint and a /api/ws
// feed broadcasting scheduler stats on an interval, grounded on the
// teacher's gorilla/mux + gorilla/websocket webui command wiring.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/kecho/coalpy-sub001/internal/cfgutil"
	"github.com/kecho/coalpy-sub001/internal/obs"
	"github.com/kecho/coalpy-sub001/pkg/tasks"
)

// apiResponse is the envelope every JSON endpoint returns, mirroring the
// teacher's webui APIResponse shape.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// server holds the scheduler being introspected and the set of connected
// WebSocket clients each periodic stats snapshot gets broadcast to.
type server struct {
	scheduler *tasks.Scheduler
	log       *obs.Logger

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*websocket.Conn]chan any
}

func newServer(scheduler *tasks.Scheduler) *server {
	return &server{
		scheduler: scheduler,
		log:       obs.Default().WithComponent("coalpy-dashboard"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan any),
	}
}

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file path")
		preset     = flag.String("preset", "dev", "Named preset when -config is not given")
		poolSize   = flag.Int("workers", 0, "Thread pool size (overrides config)")
	)
	flag.Parse()

	var cfg *cfgutil.Config
	var err error
	if *configFile != "" {
		cfg, err = cfgutil.LoadConfig(*configFile)
	} else {
		cfg, err = cfgutil.GetPresetConfig(*preset)
	}
	if err != nil {
		panic(err)
	}
	if *poolSize > 0 {
		cfg.Scheduler.ThreadPoolSize = *poolSize
	}

	obs.SetDefault(obs.New(obs.Config{Level: cfg.Logging.ObsLevel(), Format: cfg.Logging.ObsFormat()}))

	scheduler := tasks.NewScheduler(tasks.Config{ThreadPoolSize: cfg.Scheduler.ThreadPoolSize})
	if err := scheduler.Start(); err != nil {
		panic(err)
	}
	if err := scheduler.EnableIndex(); err != nil {
		obs.Default().Warnf("diagnostic index disabled: %v", err)
	}
	defer func() {
		scheduler.SignalStop()
		scheduler.Join()
	}()

	srv := newServer(scheduler)
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", srv.handleStats).Methods("GET")
	api.HandleFunc("/find", srv.handleFind).Methods("GET")
	api.HandleFunc("/ws", srv.handleWebSocket)

	go srv.broadcastStatsPeriodically(2 * time.Second)

	addr := cfg.Dashboard.Host + ":" + strconv.Itoa(cfg.Dashboard.Port)
	obs.Default().WithComponent("coalpy-dashboard").Infof("listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		obs.Default().Errorf("dashboard server exited: %v", err)
	}
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, apiResponse{Success: true, Data: s.scheduler.Stats()})
}

func (s *server) handleFind(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	hits, err := s.scheduler.Find(q)
	if err != nil {
		s.sendJSON(w, apiResponse{Success: false, Error: err.Error()})
		return
	}
	s.sendJSON(w, apiResponse{Success: true, Data: hits})
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan any, 10)
	s.mu.Lock()
	s.clients[conn] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		close(ch)
	}()

	for msg := range ch {
		if err := conn.WriteJSON(msg); err != nil {
			s.log.Warnf("websocket write failed: %v", err)
			return
		}
	}
}

func (s *server) broadcastStatsPeriodically(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		s.broadcast(map[string]any{"type": "stats", "data": s.scheduler.Stats()})
	}
}

func (s *server) broadcast(msg any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.clients {
		select {
		case ch <- msg:
		default:
			s.log.Warnf("client channel full, dropping broadcast")
		}
	}
}

func (s *server) sendJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warnf("encoding JSON response: %v", err)
	}
}
