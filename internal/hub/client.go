package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/radio-stream-lab/internal/logging"
)

// Inbound control message types.
const (
	msgSubscribe    = "subscribe"
	msgUnsubscribe  = "unsubscribe"
	msgSubscribeAll = "subscribeAll"
	msgEnableAudio  = "enableAudio"
	msgEnableFFT    = "enableFFT"
)

type controlMessage struct {
	Type       string `json:"type"`
	Talkgroups []int  `json:"talkgroups"`
	Enabled    bool   `json:"enabled"`
}

// frame is one queued outbound message.
type frame struct {
	messageType int
	data        []byte
}

// Client is one connected WebSocket consumer and its subscription state.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub

	mu sync.Mutex
	// subscribed holds the talkgroup filter. An EMPTY set means the client
	// is subscribed to ALL talkgroups; this is a wire-protocol invariant,
	// not a default.
	subscribed  map[int]struct{}
	streamAudio bool
	streamFFT   bool

	send      chan frame
	closeOnce sync.Once
}

// isSubscribed reports whether talkgroup-filtered traffic for tgid should
// reach this client. The empty set subscribes to everything.
func (c *Client) isSubscribed(tgid int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscribed) == 0 {
		return true
	}
	_, ok := c.subscribed[tgid]
	return ok
}

func (c *Client) wantsAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamAudio
}

func (c *Client) wantsFFT() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamFFT
}

// handleControl applies one inbound control message. Malformed JSON is
// ignored for that message only; the connection stays open.
func (c *Client) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.Debugw("Hub: ignoring malformed control message",
			append(logging.ClientFields(c.ID, ""), "err", err)...)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case msgSubscribe:
		for _, tg := range msg.Talkgroups {
			c.subscribed[tg] = struct{}{}
		}
	case msgUnsubscribe:
		for _, tg := range msg.Talkgroups {
			delete(c.subscribed, tg)
		}
	case msgSubscribeAll:
		c.subscribed = make(map[int]struct{})
	case msgEnableAudio:
		c.streamAudio = msg.Enabled
	case msgEnableFFT:
		c.streamFFT = msg.Enabled
	default:
		logging.Debugw("Hub: unknown control message type",
			append(logging.ClientFields(c.ID, ""), "type", msg.Type)...)
	}
}

// readLoop consumes inbound control messages until the connection drops,
// then unregisters the client.
func (c *Client) readLoop() {
	defer c.hub.unregister(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleControl(data)
	}
}

// writeLoop drains the send queue onto the socket. Each client has its own
// writer so one stalled socket never delays the others.
func (c *Client) writeLoop(writeTimeout time.Duration) {
	for f := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(f.messageType, f.data); err != nil {
			logging.Debugw("Hub: client write failed",
				append(logging.ClientFields(c.ID, ""), "err", err)...)
			break
		}
	}
	_ = c.conn.Close()
}

// enqueue offers a frame to the client without blocking; a full queue drops
// the frame. Returns false on drop.
func (c *Client) enqueue(f frame) bool {
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}
