// Package api is the gateway's HTTP surface: decoder event ingress, the
// WebSocket endpoint, console streamer control and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/radio-stream-lab/internal/avtec"
	"github.com/radio-stream-lab/internal/hub"
	"github.com/radio-stream-lab/internal/logging"
)

// ActiveCall is one entry of a callsActive event.
type ActiveCall struct {
	CallID      string `json:"callId"`
	TalkgroupID int    `json:"talkgroupId"`
	Frequency   int64  `json:"frequency,omitempty"`
	Emergency   bool   `json:"emergency,omitempty"`
}

// Event is one decoder event posted to /api/events. Which fields are set
// depends on Type; unknown extra fields are ignored.
type Event struct {
	Type           string       `json:"type"`
	CallID         string       `json:"callId,omitempty"`
	TalkgroupID    int          `json:"talkgroupId,omitempty"`
	AlphaTag       string       `json:"alphaTag,omitempty"`
	Source         int          `json:"source,omitempty"`
	Frequency      int64        `json:"frequency,omitempty"`
	StartTime      int64        `json:"startTime,omitempty"`
	StopTime       int64        `json:"stopTime,omitempty"`
	Emergency      bool         `json:"emergency,omitempty"`
	DecodeRate     float64      `json:"decodeRate,omitempty"`
	ControlChannel int64        `json:"controlChannel,omitempty"`
	Filename       string       `json:"filename,omitempty"`
	Calls          []ActiveCall `json:"calls,omitempty"`
}

// EventHandler consumes one validated decoder event.
type EventHandler func(Event)

var knownEventTypes = map[string]struct{}{
	hub.EventCallStart:      {},
	hub.EventCallEnd:        {},
	hub.EventCallsActive:    {},
	hub.EventNewRecording:   {},
	hub.EventRates:          {},
	hub.EventControlChannel: {},
}

// Server serves the gateway's HTTP API.
type Server struct {
	srv *http.Server
	mux *http.ServeMux

	hub       *hub.Hub
	streamer  *avtec.Streamer
	gatherer  prometheus.Gatherer
	onEvent   EventHandler
	startTime time.Time
}

// New wires the API server. onEvent may be nil when no event consumers are
// configured; events are then accepted and discarded.
func New(addr string, h *hub.Hub, streamer *avtec.Streamer, gatherer prometheus.Gatherer, onEvent EventHandler) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		hub:       h,
		streamer:  streamer,
		gatherer:  gatherer,
		onEvent:   onEvent,
		startTime: time.Now(),
	}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/avtec", s.handleAvtec)
	s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/ws", h.ServeWS)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.mux,
		// No write timeout: /ws is a long-lived upgraded connection.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins serving in the background.
func (s *Server) Start() {
	logging.Infow("API: listening", "addr", s.srv.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorw("API: server error", "err", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	logging.Infow("API: shutting down")
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
		"clients":   s.hub.ClientCount(),
		"avtec":     s.streamer.Status(),
	})
}

// handleEvents accepts one decoder event per POST and hands it to the
// dispatcher. Responses are 202: acceptance, not delivery.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var evt Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode event: %v", err))
		return
	}
	if _, ok := knownEventTypes[evt.Type]; !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", evt.Type))
		return
	}
	if s.onEvent != nil {
		s.onEvent(evt)
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// handleAvtec reads or reconfigures the console streamer. PUT takes a
// partial update; omitted fields keep their values.
func (s *Server) handleAvtec(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.streamer.Status())
	case http.MethodPut:
		var upd struct {
			Enabled     *bool   `json:"enabled"`
			ControlHost *string `json:"controlHost"`
			ControlPort *int    `json:"controlPort"`
			AudioHost   *string `json:"audioHost"`
			AudioPort   *int    `json:"audioPort"`
		}
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("decode config: %v", err))
			return
		}
		if err := s.streamer.UpdateConfig(avtec.ConfigUpdate{
			Enabled:     upd.Enabled,
			ControlHost: upd.ControlHost,
			ControlPort: upd.ControlPort,
			AudioHost:   upd.AudioHost,
			AudioPort:   upd.AudioPort,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.streamer.Status())
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
