// Package hub multicasts decoder telemetry to WebSocket clients: JSON event
// frames plus length-prefixed binary frames for audio and spectrum data.
// Delivery is fire-and-forget; a slow client loses frames, never slows the
// rest.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/radio-stream-lab/internal/ingest"
	"github.com/radio-stream-lab/internal/logging"
	"github.com/radio-stream-lab/internal/metrics"
)

// Outbound JSON event types.
const (
	EventConnected      = "connected"
	EventCallStart      = "callStart"
	EventCallEnd        = "callEnd"
	EventCallsActive    = "callsActive"
	EventNewRecording   = "newRecording"
	EventRates          = "rates"
	EventControlChannel = "controlChannel"
)

// AudioEnrichment carries talkgroup metadata merged into audio frame
// headers by the caller.
type AudioEnrichment struct {
	AlphaTag    string
	GroupName   string
	Tag         string
	Description string
}

// Hub tracks connected clients and fans frames out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	upgrader     websocket.Upgrader
	queueSize    int
	writeTimeout time.Duration
	m            *metrics.Metrics
}

// New creates a hub. queueSize bounds each client's outbound queue;
// writeTimeout bounds each socket write.
func New(queueSize int, writeTimeout time.Duration, m *metrics.Metrics) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The UI is served from arbitrary origins on scanner LANs.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		queueSize:    queueSize,
		writeTimeout: writeTimeout,
		m:            m,
	}
}

// ServeWS upgrades an HTTP request and registers the new client. The client
// starts with an empty subscription set (all talkgroups) and both binary
// streams disabled.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("Hub: websocket upgrade failed", "addr", r.RemoteAddr, "err", err)
		return
	}
	c := &Client{
		ID:         uuid.NewString(),
		conn:       conn,
		hub:        h,
		subscribed: make(map[int]struct{}),
		send:       make(chan frame, h.queueSize),
	}

	h.mu.Lock()
	h.clients[c.ID] = c
	count := len(h.clients)
	h.mu.Unlock()
	h.m.ConnectedClients.Set(float64(count))

	logging.Infow("Hub: client connected",
		append(logging.ClientFields(c.ID, r.RemoteAddr), "clients", count)...)

	go c.writeLoop(h.writeTimeout)
	go c.readLoop()

	if data, err := json.Marshal(map[string]any{"type": EventConnected, "clientId": c.ID}); err == nil {
		c.enqueue(frame{websocket.TextMessage, data})
	}
}

// unregister removes the client and closes its queue. Safe to call from the
// read loop exactly once per client; later broadcasts simply skip it.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.m.ConnectedClients.Set(float64(count))

	c.closeOnce.Do(func() {
		close(c.send)
	})
	logging.Infow("Hub: client disconnected",
		append(logging.ClientFields(c.ID, ""), "clients", count)...)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client. Idempotent.
func (h *Hub) Stop() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()
	for _, c := range clients {
		c.closeOnce.Do(func() { close(c.send) })
		_ = c.conn.Close()
	}
	h.m.ConnectedClients.Set(0)
	logging.Infow("Hub: stopped", "disconnected", len(clients))
}

// BroadcastEvent sends a JSON event to every connected client,
// unconditionally. event must carry its own "type" field.
func (h *Hub) BroadcastEvent(event map[string]any) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Errorw("Hub: marshal event failed", "err", err)
		return
	}
	h.broadcast(frame{websocket.TextMessage, data}, "event", nil)
}

// BroadcastTalkgroupEvent sends a JSON event only to clients subscribed to
// the talkgroup (an empty subscription set matches everything).
func (h *Hub) BroadcastTalkgroupEvent(event map[string]any, talkgroupID int) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Errorw("Hub: marshal event failed", "err", err)
		return
	}
	h.broadcast(frame{websocket.TextMessage, data}, "event", func(c *Client) bool {
		return c.isSubscribed(talkgroupID)
	})
}

// BroadcastAudio sends one binary audio frame to clients streaming audio
// and subscribed to the talkgroup.
func (h *Hub) BroadcastAudio(talkgroupID int, pcm []byte, enrich AudioEnrichment) {
	data, err := encodeBinaryFrame(audioHeader{
		Type:        "audio",
		TalkgroupID: talkgroupID,
		AlphaTag:    enrich.AlphaTag,
		GroupName:   enrich.GroupName,
		Tag:         enrich.Tag,
		Description: enrich.Description,
	}, pcm)
	if err != nil {
		logging.Errorw("Hub: encode audio frame failed", "err", err)
		return
	}
	h.broadcast(frame{websocket.BinaryMessage, data}, "audio", func(c *Client) bool {
		return c.wantsAudio() && c.isSubscribed(talkgroupID)
	})
}

// BroadcastFFT sends one binary spectrum frame to clients streaming FFT
// data. The payload is the magnitude buffer in wire form (little-endian
// IEEE-754), forwarded without re-encoding.
func (h *Hub) BroadcastFFT(pkt *ingest.FFTPacket) {
	data, err := encodeBinaryFrame(fftHeader{
		Type:        "fft",
		SourceIndex: pkt.SourceIndex,
		CenterFreq:  pkt.CenterFreq,
		SampleRate:  pkt.SampleRate,
		Timestamp:   pkt.Timestamp,
		FFTSize:     pkt.FFTSize,
		MinFreq:     pkt.MinFreq,
		MaxFreq:     pkt.MaxFreq,
	}, pkt.MagnitudeData)
	if err != nil {
		logging.Errorw("Hub: encode fft frame failed", "err", err)
		return
	}
	h.broadcast(frame{websocket.BinaryMessage, data}, "fft", func(c *Client) bool {
		return c.wantsFFT()
	})
}

// broadcast delivers f to every client passing the filter (nil matches
// all). Sends are non-blocking: clients whose queue is full lose the frame.
// The read lock excludes unregister's close of the send channel, so an
// enqueue can never hit a closed channel.
func (h *Hub) broadcast(f frame, kind string, filter func(*Client) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if filter != nil && !filter(c) {
			continue
		}
		if c.enqueue(f) {
			h.m.FramesBroadcast.WithLabelValues(kind).Inc()
		} else {
			h.m.FramesDropped.Inc()
		}
	}
}
