// Package api exposes the ops-visibility surface: a health check, a
// Prometheus metrics endpoint, and a raw WebSocket telemetry feed. It
// is explicitly not a GUI — no rendering happens here, only the
// transport a GUI (or any other viewer) would consume, the same
// `wsHandler`/`broadcastTelemetry` shape used for the original OBD-II
// telemetry relay, now subscribing to the P2-Telemetry bus class
// instead of polling a fixed device.
package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ecusafe/internal/eventbus"
	"ecusafe/internal/flash"
	"ecusafe/internal/safety"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server bundles the HTTP handlers and their dependencies: the event
// bus (for the telemetry feed), safety state and flash supervisor (for
// status endpoints), and the live-apply ParamWriter. The /metrics
// handler is wired onto the router by New.
type Server struct {
	bus         *eventbus.Bus
	safety      *safety.State
	flash       *flash.Supervisor
	paramWriter safety.ParamWriter
	log         *logrus.Entry

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool
}

// New builds a Server and its mux.Router. metricsHandler may be nil, in
// which case /metrics is served by promhttp.Handler() (the default
// Prometheus registry).
// paramWriter may be nil, in which case apply_live/revert_live report
// the feature unavailable instead of panicking.
func New(bus *eventbus.Bus, safetyState *safety.State, flashSupervisor *flash.Supervisor, metricsHandler http.Handler, paramWriter safety.ParamWriter, log *logrus.Entry) (*Server, *mux.Router) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		bus:         bus,
		safety:      safetyState,
		flash:       flashSupervisor,
		paramWriter: paramWriter,
		log:         log.WithField("component", "api"),
		clients:     make(map[*websocket.Conn]bool),
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/safety", s.handleSafetyStatus).Methods(http.MethodGet)
	router.HandleFunc("/flash/{job_id}", s.handleFlashStatus).Methods(http.MethodGet)
	router.HandleFunc("/live/apply", s.handleApplyLive).Methods(http.MethodPost)
	router.HandleFunc("/live/revert/{snapshot_id}", s.handleRevertLive).Methods(http.MethodPost)
	router.HandleFunc("/ws", s.handleWebSocket)
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	go s.relayTelemetry()

	return s, router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleSafetyStatus(w http.ResponseWriter, r *http.Request) {
	if s.safety == nil {
		http.Error(w, "safety state unavailable", http.StatusServiceUnavailable)
		return
	}
	info := s.safety.Info()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		s.log.WithError(err).Warn("failed to encode safety status response")
	}
}

func (s *Server) handleFlashStatus(w http.ResponseWriter, r *http.Request) {
	if s.flash == nil {
		http.Error(w, "flash supervisor unavailable", http.StatusServiceUnavailable)
		return
	}
	jobID := mux.Vars(r)["job_id"]
	status, err := s.flash.GetStatus(jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.WithError(err).Warn("failed to encode flash status response")
	}
}

// applyLiveRequest is the body handleApplyLive expects: the current
// (pre-write) reading for each parameter being changed, and the new
// value to write. Current readings let the resulting snapshot restore
// exactly what was there before.
type applyLiveRequest struct {
	Current map[string]float64 `json:"current"`
	New     map[string]float64 `json:"new"`
}

func (s *Server) handleApplyLive(w http.ResponseWriter, r *http.Request) {
	if s.safety == nil || s.paramWriter == nil {
		http.Error(w, "live apply unavailable", http.StatusServiceUnavailable)
		return
	}
	var req applyLiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	snapshotID, err := s.safety.ApplyLive(req.Current, req.New, s.paramWriter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"snapshot_id": snapshotID}); err != nil {
		s.log.WithError(err).Warn("failed to encode apply_live response")
	}
}

func (s *Server) handleRevertLive(w http.ResponseWriter, r *http.Request) {
	if s.safety == nil || s.paramWriter == nil {
		http.Error(w, "live revert unavailable", http.StatusServiceUnavailable)
		return
	}
	snapshotID := mux.Vars(r)["snapshot_id"]
	if err := s.safety.RevertLive(snapshotID, s.paramWriter); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[ws] = true
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
		ws.Close()
	}()

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

// relayTelemetry drains the bus's P2-Telemetry subscription and
// broadcasts every sample to attached WebSocket clients, the same
// broadcastTelemetry loop shape the original OBD-II relay used.
func (s *Server) relayTelemetry() {
	if s.bus == nil {
		return
	}
	for ev := range s.bus.Subscribe(eventbus.PriorityTelemetry) {
		s.broadcast(ev.Data)
	}
}

func (s *Server) broadcast(payload []byte) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for client := range s.clients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.log.WithError(err).Debug("error sending to websocket client")
			client.Close()
			delete(s.clients, client)
		}
	}
}
