package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"spritegate/internal/runner"
	"spritegate/internal/state"
	"spritegate/internal/storage"

	"github.com/gorilla/mux"
)

// StateFunc returns the run state for a move. An empty move means the run
// owned by this process, if any.
type StateFunc func(move string) (runner.RunState, error)

// ErrNoRun is returned by a StateFunc when no run state exists.
var ErrNoRun = errors.New("no run state")

// Server exposes the QA ledger and live run events over HTTP.
type Server struct {
	addr   string
	store  *storage.Store
	state  StateFunc
	events *runner.Broker
	hub    *Hub
	log    *slog.Logger
	server *http.Server
}

// NewServer creates a status server. store and events may be nil; the
// matching routes then report 503.
func NewServer(addr string, store *storage.Store, st StateFunc, events *runner.Broker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:   addr,
		store:  store,
		state:  st,
		events: events,
		hub:    newHub(log),
		log:    log,
	}
}

// RunnerState serves the live snapshot of r, ignoring the requested move.
func RunnerState(r *runner.Runner) StateFunc {
	return func(string) (runner.RunState, error) {
		st := r.Snapshot()
		if st.RunID == "" {
			return st, ErrNoRun
		}
		return st, nil
	}
}

// DirState reads persisted run state from outputDir.
func DirState(outputDir string) StateFunc {
	return func(move string) (runner.RunState, error) {
		if move == "" {
			return runner.RunState{}, ErrNoRun
		}
		st, err := state.NewRepository[runner.RunState](runner.RunDir(outputDir, move)).Load()
		if errors.Is(err, state.ErrStateNotFound) {
			return st, ErrNoRun
		}
		return st, err
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.run(hubCtx)
	if s.events != nil {
		go s.forward(hubCtx)
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down status server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Status server starting", "addr", ln.Addr().String())
	err := s.server.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}/attempts", s.handleAttempts).Methods("GET")
	r.HandleFunc("/runs/{id}/codes", s.handleCodes).Methods("GET")
	r.HandleFunc("/runs/{id}/stops", s.handleStops).Methods("GET")
	r.HandleFunc("/state", s.handleState).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// forward relays broker events to websocket clients.
func (s *Server) forward(ctx context.Context) {
	ch, unsubscribe := s.events.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("encode event", "error", err)
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	recs, err := s.store.FrameAttempts(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleCodes(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	counts, err := s.store.CodeFrequency(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, counts)
}

func (s *Server) handleStops(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	evs, err := s.store.StopEvents(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, evs)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.state == nil {
		http.Error(w, "no run attached", http.StatusNotFound)
		return
	}
	st, err := s.state(r.URL.Query().Get("move"))
	if errors.Is(err, ErrNoRun) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, st)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
